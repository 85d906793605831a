package models

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// EndpointIdentity identifies a deployed ledger contract. Two identities
// are the same ledger when address and network id match; the URL is
// informational.
type EndpointIdentity struct {
	Address   string `json:"address"`
	NetworkID string `json:"network_id"`
	URL       string `json:"url,omitempty"`
}

func (e EndpointIdentity) String() string {
	return fmt.Sprintf("%s@%s", e.Address, e.NetworkID)
}

func (e EndpointIdentity) Equal(o EndpointIdentity) bool {
	return strings.EqualFold(e.Address, o.Address) && e.NetworkID == o.NetworkID
}

// Fingerprint is a keccak hash over the normalized address and network id.
func (e EndpointIdentity) Fingerprint() string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(e.Address)))
	h.Write([]byte{'/'})
	h.Write([]byte(e.NetworkID))
	return hex.EncodeToString(h.Sum(nil))
}

// RecoveryDecision is the operator's answer to an endpoint change.
type RecoveryDecision string

const (
	DecisionResync RecoveryDecision = "resync"
	DecisionWipe   RecoveryDecision = "wipe"
	DecisionRemap  RecoveryDecision = "remap"
)

func ParseRecoveryDecision(s string) (RecoveryDecision, error) {
	switch d := RecoveryDecision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionResync, DecisionWipe, DecisionRemap:
		return d, nil
	}
	return "", NewValidationError("decision", "must be one of resync, wipe, remap")
}

// Marker is the persisted last-acknowledged ledger endpoint.
type Marker struct {
	Endpoint    EndpointIdentity `json:"endpoint"`
	Fingerprint string           `json:"fingerprint"`
	Decision    RecoveryDecision `json:"decision,omitempty"`
	SavedAt     time.Time        `json:"saved_at"`
}

func NewMarker(e EndpointIdentity, d RecoveryDecision) *Marker {
	return &Marker{
		Endpoint:    e,
		Fingerprint: e.Fingerprint(),
		Decision:    d,
		SavedAt:     time.Now().UTC(),
	}
}
