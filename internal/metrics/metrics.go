package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// HTTP metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarminutes_http_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avatarminutes_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Ledger metrics
	LedgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarminutes_ledger_operations_total",
			Help: "Credit ledger operations by outcome",
		},
		[]string{"operation", "result"},
	)

	CreditMinutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarminutes_ledger_minutes_total",
			Help: "Credit minutes moved by ledger operation",
		},
		[]string{"operation"},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avatarminutes_sessions_started_total",
			Help: "Sessions that reached active status",
		},
	)

	SessionsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarminutes_sessions_finalized_total",
			Help: "Sessions moved to a terminal status",
		},
		[]string{"status"},
	)

	SessionMinutesUsed = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "avatarminutes_session_minutes_used",
			Help:    "Minutes recorded as used when a session ends",
			Buckets: []float64{1, 2, 5, 10, 15, 30, 60},
		},
	)

	StartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarminutes_session_start_failures_total",
			Help: "Session start failures by reason",
		},
		[]string{"reason"},
	)

	// Sweep metrics
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarminutes_sweep_runs_total",
			Help: "Expired-session sweep passes by outcome",
		},
		[]string{"result"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "avatarminutes_sweep_duration_seconds",
			Help:    "Duration of expired-session sweep passes",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	// Vendor metrics
	VendorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarminutes_vendor_requests_total",
			Help: "Avatar vendor API calls by operation and outcome",
		},
		[]string{"operation", "result"},
	)

	VendorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avatarminutes_vendor_request_duration_seconds",
			Help:    "Avatar vendor API call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"operation"},
	)

	VendorBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "avatarminutes_vendor_circuit_breaker_state",
			Help: "Vendor circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Payment metrics
	PaymentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarminutes_payments_total",
			Help: "Payment webhook outcomes",
		},
		[]string{"result"},
	)

	PaymentCompensations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avatarminutes_payment_compensations_total",
			Help: "Top-ups rolled back after the payment record failed to persist",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		LedgerOperations,
		CreditMinutes,
		SessionsStarted,
		SessionsFinalized,
		SessionMinutesUsed,
		StartFailures,
		SweepRuns,
		SweepDuration,
		VendorRequests,
		VendorRequestDuration,
		VendorBreakerState,
		PaymentsProcessed,
		PaymentCompensations,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Serve runs the metrics server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")

	errCh := make(chan error, 1)
	go func() {
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
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
		s.logger.Info().Msg("Stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// String names the service for the supervisor.
func (s *Server) String() string {
	return "metrics-server"
}
