// Package web is the HTTP surface: the push ingestion endpoint, the admin
// API, and a small status dashboard.
package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"

	"github.com/mediaflux/mailrelay/internal/config"
	"github.com/mediaflux/mailrelay/internal/cycle"
	"github.com/mediaflux/mailrelay/internal/settings"
	"github.com/mediaflux/mailrelay/internal/webhook"
)

type Server struct {
	cfg         config.ServerConfig
	provider    *settings.Provider
	processor   *cycle.Processor
	deliveryLog *webhook.Log
	logger      *slog.Logger
	httpServer  *http.Server
	csrfKey     []byte
	templates   *template.Template
	startedAt   time.Time

	// pollerActive reports whether this process holds the poller lock.
	pollerActive func() bool
}

func NewServer(cfg config.ServerConfig, provider *settings.Provider, processor *cycle.Processor, deliveryLog *webhook.Log, pollerActive func() bool, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	csrfKey := []byte(cfg.CSRFKey)
	if len(csrfKey) != 32 {
		csrfKey = make([]byte, 32)
		if _, err := rand.Read(csrfKey); err != nil {
			return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
		}
	}

	s := &Server{
		cfg:          cfg,
		provider:     provider,
		processor:    processor,
		deliveryLog:  deliveryLog,
		logger:       logger,
		csrfKey:      csrfKey,
		startedAt:    time.Now(),
		pollerActive: pollerActive,
	}
	if err := s.parseTemplates(); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return s, nil
}

func (s *Server) Start() error {
	router := s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("http server listening", "port", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(securityHeaders)

	// Bearer-token API. CSRF does not apply here; tokens are not cookies.
	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer(s.cfg.IngestToken))
		r.Post("/api/ingest", s.handleIngest)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireBearer(s.cfg.AdminToken))
		r.Get("/status", s.handleStatus)
		r.Get("/settings/{section}", s.handleGetSettings)
		r.Put("/settings/{section}", s.handlePutSettings)
		r.Get("/rules", s.handleGetRules)
		r.Put("/rules", s.handlePutRules)
		r.Get("/webhook-logs", s.handleWebhookLogs)
		r.Post("/poll", s.handlePollNow)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
	})

	// Dashboard pages carry CSRF-protected forms.
	csrfMiddleware := csrf.Protect(
		s.csrfKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
	)
	r.Group(func(r chi.Router) {
		r.Use(csrfMiddleware)
		r.Get("/", s.handleDashboard)
		r.Post("/sending", s.handleSendingForm)
	})

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; style-src 'self' 'unsafe-inline'; frame-ancestors 'none'; form-action 'self'; base-uri 'self'")
		next.ServeHTTP(w, r)
	})
}

// requireBearer guards a route group with a constant-time token check.
func (s *Server) requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"success": false, "error": "endpoint not configured",
				})
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				s.writeJSON(w, http.StatusUnauthorized, map[string]any{
					"success": false, "error": "invalid or missing token",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
