// Package server provides the HTTP and websocket transport for the session
// coordinator.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/workspace/session-coordinator/internal/aggregator"
	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/callbackretry"
	"github.com/workspace/session-coordinator/internal/config"
	"github.com/workspace/session-coordinator/internal/coordinator"
	"github.com/workspace/session-coordinator/internal/eventlog"
	"github.com/workspace/session-coordinator/internal/notify"
	"github.com/workspace/session-coordinator/internal/presence"
	"github.com/workspace/session-coordinator/internal/sandbox"
)

// Server is the HTTP server for the session coordinator.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	store      *eventlog.Store
	validator  *auth.Validator
	issuer     *auth.Issuer
	notifier   *notify.Notifier
	registry   *coordinator.Registry
	now        func() time.Time
}

// New opens the event store and builds every session-scoped collaborator
// from cfg. ctx bounds background work such as JWKS refresh.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := eventlog.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	validator, err := auth.NewValidator(ctx, auth.ValidatorConfig{
		Secret:   cfg.AdmissionSecret,
		JWKSURL:  cfg.AdmissionJWKSURL,
		Issuer:   cfg.AdmissionIssuer,
		Audience: cfg.AdmissionAudience,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create admission validator: %w", err)
	}

	notifyCfg := notify.DefaultConfig()
	notifyCfg.Endpoint = cfg.CompletionCallbackURL
	notifyCfg.Secret = cfg.CallbackSecret
	notifier, err := notify.New(store.DB(), notifyCfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create completion notifier: %w", err)
	}
	if notifier == nil {
		slog.Info("Completion callbacks disabled: COMPLETION_CALLBACK_URL is not set")
	}

	deps := coordinator.Deps{
		Store:    store,
		Auth:     validator,
		Notifier: notifier,
	}
	if cfg.ProvisionerURL != "" {
		deps.Provisioner = sandbox.NewHTTPProvisioner(cfg.ProvisionerURL, cfg.InternalSecret, 30*time.Second, callbackretry.DefaultConfig())
	} else {
		slog.Info("Sandbox provisioning disabled: lifecycle is driven by status callbacks")
	}

	s := &Server{
		config:    cfg,
		store:     store,
		validator: validator,
		notifier:  notifier,
		registry:  coordinator.NewRegistry(coordinatorConfig(cfg), deps, cfg.SessionIdleTTL),
		now:       time.Now,
	}
	if cfg.AdmissionSecret != "" {
		s.issuer = auth.NewIssuer(cfg.AdmissionSecret, cfg.AdmissionTokenTTL, cfg.AdmissionIssuer, cfg.AdmissionAudience)
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: it would be applied to hijacked websocket
	// connections and kill them after the timeout.
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s, nil
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		Aggregator: aggregator.Config{
			MaxFragments:  cfg.TokenMaxFragments,
			FlushInterval: cfg.TokenFlushInterval,
		},
		Presence: presence.Config{
			GracePeriod: cfg.PresenceGracePeriod,
			IdleAfter:   cfg.PresenceIdleAfter,
			AwayAfter:   cfg.PresenceAwayAfter,
		},
		DefaultModel: cfg.DefaultModel,
		WarmOnTyping: cfg.WarmOnTyping,
	}
}

// Handler returns the root handler, for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Registry returns the per-session coordinator registry.
func (s *Server) Registry() *coordinator.Registry {
	return s.registry
}

// RunNotifier drains the completion outbox until ctx is done.
func (s *Server) RunNotifier(ctx context.Context) error {
	return s.notifier.Run(ctx)
}

// Start starts the presence sweeper and the HTTP server. It returns nil once
// the server has been stopped.
func (s *Server) Start() error {
	if err := s.registry.Start(s.config.PresenceSweepSchedule); err != nil {
		return err
	}
	slog.Info("Starting session coordinator", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server: new requests are refused, every session
// is flushed and its connections closed with going-away, then the store is
// closed.
func (s *Server) Stop(ctx context.Context) error {
	httpErr := s.httpServer.Shutdown(ctx)

	if err := s.registry.Shutdown(ctx); err != nil {
		slog.Warn("Failed to close sessions cleanly", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("Failed to close event store", "error", err)
	}
	return httpErr
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*.") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
