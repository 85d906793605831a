// Package auth carries the authenticated admin actor and its scope.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ballot-ledger/models"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
)

// Actor is an authenticated administrator. Scoped admins manage a single
// district and area.
type Actor struct {
	Subject  string `json:"sub"`
	Role     Role   `json:"role"`
	District string `json:"district,omitempty"`
	AreaNo   int    `json:"area_no,omitempty"`
}

func (a *Actor) IsSuperAdmin() bool {
	return a != nil && a.Role == RoleSuperAdmin
}

// Authorize checks that the actor may manage entities in area.
func (a *Actor) Authorize(area models.Area) error {
	switch {
	case a == nil:
		return fmt.Errorf("%w: no authenticated actor", models.ErrForbidden)
	case a.Role == RoleSuperAdmin:
		return nil
	case a.Role == RoleAdmin && a.District == area.District && a.AreaNo == area.AreaNo:
		return nil
	}
	return fmt.Errorf("%w: %s is scoped to %s-%d, not %s", models.ErrForbidden, a.Subject, a.District, a.AreaNo, area)
}

// Claims is the token payload.
type Claims struct {
	Role     Role   `json:"role"`
	District string `json:"district,omitempty"`
	AreaNo   int    `json:"area_no,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and parses HMAC tokens carrying an Actor.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl}, nil
}

func (t *Tokens) Issue(a Actor) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:     a.Role,
		District: a.District,
		AreaNo:   a.AreaNo,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *Tokens) Parse(token string) (*Actor, error) {
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrForbidden, err)
	}
	switch claims.Role {
	case RoleSuperAdmin, RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrForbidden, claims.Role)
	}
	return &Actor{
		Subject:  claims.Subject,
		Role:     claims.Role,
		District: claims.District,
		AreaNo:   claims.AreaNo,
	}, nil
}

type ctxKey struct{}

func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func ActorFrom(ctx context.Context) (*Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(*Actor)
	return a, ok && a != nil
}
