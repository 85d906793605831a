package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"ballot-ledger/auth"
	"ballot-ledger/models"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// logRequests assigns a request id and logs every request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		log.Debugf("%s %s %d %s [%s]", r.Method, r.URL.Path, rec.status, time.Since(start), id)
	})
}

// authenticate requires a valid bearer token and stores the actor in the
// request context.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "bearer token required", requestID(r.Context()))
			return
		}
		actor, err := s.tokens.Parse(token)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token", requestID(r.Context()))
			return
		}
		next(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	}
}

// superAdmin authenticates and then requires the super admin role.
func (s *Server) superAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFrom(r.Context())
		if !ok || !actor.IsSuperAdmin() {
			writeErr(w, r, models.ErrForbidden)
			return
		}
		next(w, r)
	})
}
