// Package api exposes the voting coordinators over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"ballot-ledger/auth"
	"ballot-ledger/service"

	"github.com/gorilla/mux"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RateLimit    float64
	RateBurst    int
	// MaxBodyBytes bounds request bodies, which carry base64 photos.
	MaxBodyBytes int64
}

type Server struct {
	cfg     Config
	svc     *service.Service
	tokens  *auth.Tokens
	limiter *RateLimiter
	router  *mux.Router
	http    *http.Server
}

func NewServer(cfg Config, svc *service.Service, tokens *auth.Tokens) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		tokens: tokens,
		router: mux.NewRouter(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router.PathPrefix("/api").Subrouter()
	r.Use(logRequests)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.HandleFunc("/voters", s.handleRegisterVoter).Methods(http.MethodPost)
	r.HandleFunc("/voters/verify", s.handleVerifyVoter).Methods(http.MethodPost)
	r.HandleFunc("/voters/{id:[0-9]+}/can-vote", s.handleCanVote).Methods(http.MethodGet)
	r.HandleFunc("/voters/{id:[0-9]+}/status", s.handleVoteStatus).Methods(http.MethodGet)

	r.HandleFunc("/candidates", s.authenticate(s.handleRegisterCandidate)).Methods(http.MethodPost)
	r.HandleFunc("/candidates", s.handleListCandidates).Methods(http.MethodGet)
	r.HandleFunc("/parties", s.authenticate(s.handleRegisterParty)).Methods(http.MethodPost)
	r.HandleFunc("/parties", s.handleListParties).Methods(http.MethodGet)

	r.HandleFunc("/votes", s.handleCastVote).Methods(http.MethodPost)
	r.HandleFunc("/votes/party", s.handleCastPartyVote).Methods(http.MethodPost)
	r.HandleFunc("/votes/verified", s.handleVerifiedVotes).Methods(http.MethodGet)
	r.HandleFunc("/results/area", s.handleResultsByArea).Methods(http.MethodGet)
	r.HandleFunc("/results/ledger", s.handleLedgerResults).Methods(http.MethodGet)
	r.HandleFunc("/report", s.authenticate(s.handleCommissionReport)).Methods(http.MethodGet)

	r.HandleFunc("/reconcile", s.authenticate(s.handleReconcile)).Methods(http.MethodPost)
	r.HandleFunc("/reconcile/divergences", s.authenticate(s.handleDivergences)).Methods(http.MethodGet)
	r.HandleFunc("/marker", s.authenticate(s.handleMarker)).Methods(http.MethodGet)
	r.HandleFunc("/marker/ack", s.superAdmin(s.handleAcknowledge)).Methods(http.MethodPost)

	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. It returns nil after
// Shutdown.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	log.Infof("Listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
