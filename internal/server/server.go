package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"filmarchive/internal/auth"
	"filmarchive/internal/config"
	"filmarchive/internal/storage"
	"filmarchive/internal/web"
)

// Server exposes the archive over HTTP.
type Server struct {
	cfg      config.Server
	store    *storage.Store
	sessions auth.SessionStore
	verifier *auth.Verifier
	tokenTTL time.Duration
	hub      *web.Hub
	limiter  *loginLimiter
	log      *slog.Logger
	server   *http.Server
}

// New creates a Server. hub may be nil, which disables /api/events.
func New(cfg *config.Config, store *storage.Store, sessions auth.SessionStore, hub *web.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.Auth.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Server{
		cfg:      cfg.Server,
		store:    store,
		sessions: sessions,
		verifier: auth.NewVerifier(cfg.Auth.Users),
		tokenTTL: ttl,
		hub:      hub,
		limiter:  newLoginLimiter(cfg.Server.LoginRate, cfg.Server.LoginBurst),
		log:      logger,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	r.Use(s.logRequests)
	return r
}

// setupRoutes registers every route. The catch-all image GET comes last so
// ids containing slashes do not swallow the sub-resources.
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", s.limiter.wrap(s.handleLogin)).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/verify", s.requireAuth(s.handleVerify)).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	if s.hub != nil {
		api.Handle("/events", s.hub).Methods(http.MethodGet)
	}

	api.HandleFunc("/images", s.handleListImages).Methods(http.MethodGet)
	api.HandleFunc("/images/{id:.+}/tags", s.requireAuth(s.handleUpdateTags)).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/images/{id:.+}/tag", s.requireAuth(s.handleAddTag)).Methods(http.MethodPost)
	api.HandleFunc("/images/{id:.+}/description", s.requireAuth(s.handleUpdateDescription)).Methods(http.MethodPut)
	api.HandleFunc("/images/{id:.+}/reload", s.requireAuth(s.handleSetReload)).Methods(http.MethodPut)
	api.HandleFunc("/images/{id:.+}", s.handleGetImage).Methods(http.MethodGet)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctxShutdown); err != nil {
			s.log.Warn("shutdown incomplete", "error", err)
		}
	}()

	s.log.Info("server starting", "addr", s.cfg.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
