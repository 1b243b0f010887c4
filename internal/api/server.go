// Package api exposes the admin HTTP surface: JWT-authenticated call
// control and monitoring endpoints over the control.AdminControl
// interface, plus the Prometheus scrape endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/control"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	control     control.AdminControl
	cfg         *config.Config
	metrics     http.Handler
	limiter     *IPRateLimiter
	authLimiter *IPRateLimiter
	httpSrv     *http.Server
	logger      *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. metrics
// serves GET /metrics and may be nil when metrics are disabled.
func NewServer(cfg *config.Config, ctrl control.AdminControl, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		control:     ctrl,
		cfg:         cfg,
		metrics:     metrics,
		limiter:     NewIPRateLimiter(DefaultRateLimitConfig()),
		authLimiter: NewIPRateLimiter(AuthRateLimitConfig()),
		logger:      logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins serving on the configured listen address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.API.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("admin api listening", "addr", s.cfg.API.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and the rate limiter janitors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	s.authLimiter.Stop()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(rateLimit(s.limiter))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.With(rateLimit(s.authLimiter)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/status", s.handleStatus)
			r.Get("/extensions", s.handleListExtensions)
			r.Post("/phonebook/export", s.handleExportPhoneBook)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Delete("/", s.handleEndCall)
					r.Post("/transfer", s.handleTransferCall)
					r.Post("/hold", s.handleHoldCall)
					r.Post("/resume", s.handleResumeCall)
				})
			})
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// logRequests logs each request with its status and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sec := s.cfg.Security
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(sec.AdminUsername)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(sec.AdminPasswordHash), []byte(req.Password))
	if !userOK || passErr != nil {
		s.logger.Warn("admin login failed",
			"username", req.Username,
			"remote_addr", r.RemoteAddr,
		)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ttl := time.Duration(sec.TokenTTL) * time.Second
	token, expiresAt, err := generateToken([]byte(sec.JWTSecret), req.Username, ttl)
	if err != nil {
		s.logger.Error("failed to sign admin token", "error", err)
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	s.logger.Info("admin login", "username", req.Username, "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Status())
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.control.ListCalls()
	if calls == nil {
		calls = []call.Info{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	info, err := s.control.GetCall(chi.URLParam(r, "id"))
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.control.EndCall(id); err != nil {
		writeCallError(w, err)
		return
	}
	s.logger.Info("call ended via api", "call_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"call_id": id, "result": "ended"})
}

type transferRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleTransferCall(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Destination == "" {
		writeError(w, http.StatusBadRequest, "destination required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.control.TransferCall(id, req.Destination); err != nil {
		writeCallError(w, err)
		return
	}
	s.logger.Info("call transfer requested via api",
		"call_id", id,
		"destination", req.Destination,
	)
	writeJSON(w, http.StatusOK, map[string]string{"call_id": id, "result": "transferring"})
}

func (s *Server) handleHoldCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.control.Hold(id); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": id, "result": "on_hold"})
}

func (s *Server) handleResumeCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.control.Resume(id); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": id, "result": "connected"})
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.ListExtensions())
}

func (s *Server) handleExportPhoneBook(w http.ResponseWriter, r *http.Request) {
	n, err := s.control.ExportPhoneBook(r.Context())
	if err != nil {
		s.logger.Error("phone book export failed", "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"exported": n})
}

// writeCallError maps call manager errors to HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrCallNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, call.ErrBadState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
