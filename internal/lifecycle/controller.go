// Package lifecycle drives avatar sessions from reservation to a terminal
// status and keeps the credit ledger consistent with the vendor.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/avatarminutes/internal/clock"
	"github.com/goodtune/avatarminutes/internal/ledger"
	"github.com/goodtune/avatarminutes/internal/metrics"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/goodtune/avatarminutes/internal/tracing"
	"github.com/goodtune/avatarminutes/internal/vendor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultGracePeriod = 5 * time.Minute
	DefaultStopTimeout = 5 * time.Second

	// MaxDurationMinutes caps a single booking at one day.
	MaxDurationMinutes = 24 * 60
)

var (
	// ErrValidation wraps every rejected start request.
	ErrValidation = errors.New("validation failed")

	// ErrSessionNotFound is returned for unknown sessions and sessions owned by someone else.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPersistence is returned when a session record could not be written.
	ErrPersistence = errors.New("failed to persist session")
)

// Gateway is the subset of the vendor client the controller drives.
type Gateway interface {
	CreateToken(ctx context.Context, avatarID, voiceID, contextID string) (*vendor.TokenResponse, error)
	StartSession(ctx context.Context, sessionToken string) (*vendor.StartResponse, error)
	StopSession(ctx context.Context, sessionToken string) (vendor.StopResult, error)
}

// Config holds controller settings.
type Config struct {
	GracePeriod time.Duration
	StopTimeout time.Duration
}

// Controller implements start, terminate and sweep.
type Controller struct {
	sessions storage.SessionStore
	profiles storage.ProfileStore
	ledger   *ledger.Ledger
	gateway  Gateway
	clock    clock.Clock
	cfg      Config
	logger   zerolog.Logger
}

// New creates a controller.
func New(store storage.Store, l *ledger.Ledger, gateway Gateway, clk clock.Clock, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Controller{
		sessions: store.Sessions(),
		profiles: store.Profiles(),
		ledger:   l,
		gateway:  gateway,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
	}
}

// StartRequest asks for a new billed session.
type StartRequest struct {
	UserID          string
	DurationMinutes int
	AvatarID        string
	VoiceID         string
	ContextID       string
}

func (r StartRequest) validate() error {
	if r.DurationMinutes < 1 {
		return fmt.Errorf("%w: invalid duration, must be a positive integer (minutes)", ErrValidation)
	}
	if r.DurationMinutes > MaxDurationMinutes {
		return fmt.Errorf("%w: invalid duration, must be at most %d minutes", ErrValidation, MaxDurationMinutes)
	}
	if strings.TrimSpace(r.AvatarID) == "" || strings.TrimSpace(r.ContextID) == "" {
		return fmt.Errorf("%w: avatar_id and context_id are required", ErrValidation)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrValidation)
	}
	return nil
}

// StartResult is an active session plus the vendor's start payload.
type StartResult struct {
	Session storage.Session
	Vendor  map[string]any
	Balance int
}

// Start reserves credits, opens the vendor session and records it as active.
// Any failure after the reservation releases it again.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.start", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Int("session.duration_minutes", req.DurationMinutes),
	))
	defer span.End()

	if err := req.validate(); err != nil {
		metrics.StartFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	balance, err := c.ledger.Reserve(ctx, req.UserID, req.DurationMinutes)
	if err != nil {
		metrics.StartFailures.WithLabelValues(startFailureReason(err)).Inc()
		tracing.RecordError(span, err)
		return nil, err
	}

	c.logger.Info().
		Str("user_id", req.UserID).
		Int("reserved", req.DurationMinutes).
		Int("balance", balance).
		Msg("Credits reserved")

	token, err := c.gateway.CreateToken(ctx, req.AvatarID, req.VoiceID, req.ContextID)
	if err != nil {
		c.release(ctx, req.UserID, req.DurationMinutes, "create_token")
		metrics.StartFailures.WithLabelValues("vendor").Inc()
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to create vendor session: %w", err)
	}

	started, err := c.gateway.StartSession(ctx, token.SessionToken)
	if err != nil {
		c.release(ctx, req.UserID, req.DurationMinutes, "start_session")
		metrics.StartFailures.WithLabelValues("vendor").Inc()
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to start vendor session: %w", err)
	}

	now := c.clock.Now().UTC()
	session := storage.Session{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		AvatarID:        req.AvatarID,
		VoiceID:         req.VoiceID,
		ContextID:       req.ContextID,
		VendorSessionID: token.SessionID,
		SessionToken:    token.SessionToken,
		DurationMinutes: req.DurationMinutes,
		StartTime:       now,
		EndTime:         now.Add(time.Duration(req.DurationMinutes) * time.Minute),
		Status:          storage.SessionActive,
		CreatedAt:       now,
	}

	if err := c.sessions.Create(ctx, session); err != nil {
		c.release(ctx, req.UserID, req.DurationMinutes, "persist")
		c.stopVendor(ctx, session)
		metrics.StartFailures.WithLabelValues("persistence").Inc()
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	metrics.SessionsStarted.Inc()
	span.SetAttributes(attribute.String("session.id", session.ID))

	c.logger.Info().
		Str("session_id", session.ID).
		Str("user_id", session.UserID).
		Str("vendor_session_id", session.VendorSessionID).
		Time("end_time", session.EndTime).
		Msg("Session started")

	return &StartResult{Session: session, Vendor: started.Fields, Balance: balance}, nil
}

func (c *Controller) release(ctx context.Context, userID string, minutes int, stage string) {
	balance, err := c.ledger.Release(context.WithoutCancel(ctx), userID, minutes)
	if err != nil {
		c.logger.Error().Err(err).
			Str("user_id", userID).
			Int("minutes", minutes).
			Str("stage", stage).
			Msg("Failed to release reserved credits")
		return
	}
	c.logger.Warn().
		Str("user_id", userID).
		Int("minutes", minutes).
		Int("balance", balance).
		Str("stage", stage).
		Msg("Released reserved credits after failed start")
}

func startFailureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ledger.ErrProfileNotFound):
		return "profile_not_found"
	default:
		return "ledger"
	}
}

// TerminateResult describes a session after a terminate request.
type TerminateResult struct {
	Session storage.Session
	// CreditsRemaining is nil when the balance could not be read.
	CreditsRemaining *int
	// AlreadyEnded is set when the session had left active before this call.
	AlreadyEnded bool
}

// Terminate ends an owner's active session and records the minutes used.
// Calling it on a session that already ended returns its recorded state.
func (c *Controller) Terminate(ctx context.Context, userID, sessionID string) (*TerminateResult, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.terminate", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrValidation)
	}

	session, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && session.UserID != userID) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	result := &TerminateResult{Session: *session}
	if !session.IsActive() {
		result.AlreadyEnded = true
		result.CreditsRemaining = c.balance(ctx, userID)
		return result, nil
	}

	now := c.clock.Now().UTC()
	used := MinutesUsed(session.StartTime, now, session.DurationMinutes)

	c.stopVendor(ctx, *session)

	final, err := c.sessions.Finalize(ctx, session.ID, storage.SessionTerminated, used, now)
	switch {
	case errors.Is(err, storage.ErrSessionNotActive):
		c.logger.Info().Str("session_id", session.ID).Msg("Session ended concurrently")
		result.AlreadyEnded = true
	case err != nil:
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	default:
		metrics.SessionsFinalized.WithLabelValues(string(storage.SessionTerminated)).Inc()
		metrics.SessionMinutesUsed.Observe(float64(used))
		c.logger.Info().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Int("minutes_used", used).
			Msg("Session terminated")
	}

	if final != nil {
		result.Session = *final
	}
	result.CreditsRemaining = c.balance(ctx, userID)
	return result, nil
}

func (c *Controller) balance(ctx context.Context, userID string) *int {
	balance, err := c.ledger.Balance(ctx, userID)
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to read balance")
		return nil
	}
	return &balance
}

// stopVendor asks the vendor to stop a session. Failures are logged only;
// the local record stays authoritative for billing.
func (c *Controller) stopVendor(ctx context.Context, session storage.Session) {
	if session.SessionToken == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StopTimeout)
	defer cancel()

	result, err := c.gateway.StopSession(ctx, session.SessionToken)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Vendor stop failed, continuing")
		return
	}
	c.logger.Debug().Str("session_id", session.ID).Stringer("result", result).Msg("Vendor session stopped")
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	TerminatedCount int `json:"terminated_count"`
	TotalExpired    int `json:"total_expired"`
}

// Sweep marks active sessions past end_time plus the grace period as
// cleaned. The ledger is not touched: the full reservation stays charged.
func (c *Controller) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.sweep")
	defer span.End()

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := c.clock.Now().UTC()
	cutoff := now.Add(-c.cfg.GracePeriod)

	expired, err := c.sessions.ListExpired(ctx, cutoff)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	result := &SweepResult{TotalExpired: len(expired)}
	for _, session := range expired {
		if ctx.Err() != nil {
			break
		}

		c.stopVendor(ctx, session)

		used := MinutesUsed(session.StartTime, now, session.DurationMinutes)
		if _, err := c.sessions.Finalize(ctx, session.ID, storage.SessionCleaned, used, now); err != nil {
			if errors.Is(err, storage.ErrSessionNotActive) {
				c.logger.Debug().Str("session_id", session.ID).Msg("Session ended before sweep reached it")
				continue
			}
			c.logger.Error().Err(err).Str("session_id", session.ID).Msg("Failed to clean up session")
			continue
		}

		result.TerminatedCount++
		metrics.SessionsFinalized.WithLabelValues(string(storage.SessionCleaned)).Inc()
		metrics.SessionMinutesUsed.Observe(float64(used))
		c.logger.Info().
			Str("session_id", session.ID).
			Str("user_id", session.UserID).
			Int("minutes_used", used).
			Msg("Expired session cleaned up")
	}

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	span.SetAttributes(
		attribute.Int("sweep.expired", result.TotalExpired),
		attribute.Int("sweep.cleaned", result.TerminatedCount),
	)
	return result, ctx.Err()
}

// ProfileView is the dashboard summary of a user.
type ProfileView struct {
	Profile        storage.Profile
	ActiveSessions []storage.Session
}

// Profile returns the user's balance and currently active sessions.
func (c *Controller) Profile(ctx context.Context, userID string) (*ProfileView, error) {
	profile, err := c.profiles.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ledger.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	active, err := c.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	return &ProfileView{Profile: *profile, ActiveSessions: active}, nil
}
