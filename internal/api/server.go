// Package api serves the HTTP functions consumed by the web client, the
// payment provider and the cleanup cron.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goodtune/avatarminutes/internal/auth"
	"github.com/goodtune/avatarminutes/internal/lifecycle"
	"github.com/goodtune/avatarminutes/internal/payments"
	"github.com/goodtune/avatarminutes/internal/vendor"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// BasePath prefixes every function route.
const BasePath = "/functions/v1"

// SessionController is the session lifecycle used by the handlers.
type SessionController interface {
	Start(ctx context.Context, req lifecycle.StartRequest) (*lifecycle.StartResult, error)
	Terminate(ctx context.Context, userID, sessionID string) (*lifecycle.TerminateResult, error)
	Sweep(ctx context.Context) (*lifecycle.SweepResult, error)
	Profile(ctx context.Context, userID string) (*lifecycle.ProfileView, error)
}

// PaymentReconciler applies payment callbacks.
type PaymentReconciler interface {
	Apply(ctx context.Context, req payments.Request) (*payments.Result, error)
}

// VendorPassthrough is the vendor surface exposed without billing.
type VendorPassthrough interface {
	ListAvatars(ctx context.Context) (json.RawMessage, error)
	ListVoices(ctx context.Context) (json.RawMessage, error)
	SendMessage(ctx context.Context, sessionToken, text string) (json.RawMessage, error)
	StopSession(ctx context.Context, sessionToken string) (vendor.StopResult, error)
	CreateLegacySession(ctx context.Context, avatarID, voiceID string) (map[string]any, error)
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr        string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	RateLimit         int
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
	LegacyPassthrough bool
	WebhookSecret     string
	CronSecret        string
}

// Deps are the services behind the handlers.
type Deps struct {
	Sessions SessionController
	Payments PaymentReconciler
	Vendor   VendorPassthrough
	Verifier *auth.Verifier
}

// Server is the public HTTP server.
type Server struct {
	config   Config
	deps     Deps
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates the API server and its routes.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.handler = RecoverMiddleware(s.logger)(
		cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type"},
			MaxAge:         300,
		})(
			httprate.LimitByIP(cfg.RateLimit, cfg.RateLimitWindow)(s.router),
		),
	)

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(MetricsMiddleware())
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	fn := s.router.PathPrefix(BasePath).Subrouter()

	// Machine callers authenticate with shared secrets.
	fn.Handle("/sessions-cleanup",
		SecretMiddleware("X-Cron-Secret", s.config.CronSecret)(http.HandlerFunc(s.handleSessionsCleanup)),
	).Methods(http.MethodPost, http.MethodGet)
	fn.Handle("/payments-webhook",
		SecretMiddleware("X-Webhook-Secret", s.config.WebhookSecret)(http.HandlerFunc(s.handlePaymentsWebhook)),
	).Methods(http.MethodPost)

	user := fn.NewRoute().Subrouter()
	user.Use(auth.Middleware(s.deps.Verifier))

	user.HandleFunc("/sessions-start", s.handleSessionsStart).Methods(http.MethodPost)
	user.HandleFunc("/sessions-terminate", s.handleSessionsTerminate).Methods(http.MethodPost)
	user.HandleFunc("/user-profile", s.handleUserProfile).Methods(http.MethodGet, http.MethodPost)
	user.HandleFunc("/liveavatar-list-resources", s.handleListResources).Methods(http.MethodGet, http.MethodPost)

	if s.config.LegacyPassthrough {
		user.HandleFunc("/liveavatar-start", s.handleLegacyStart).Methods(http.MethodPost)
		user.HandleFunc("/liveavatar-terminate", s.handleLegacyTerminate).Methods(http.MethodPost)
		user.HandleFunc("/liveavatar-send-message", s.handleSendMessage).Methods(http.MethodPost)
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Serve runs the server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")

	errCh := make(chan error, 1)
	go func() {
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			errCh <- s.server.Serve(s.listener)
			return
		}
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("Stopping API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// String names the service for the supervisor.
func (s *Server) String() string {
	return "api-server"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
