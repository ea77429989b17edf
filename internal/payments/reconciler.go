// Package payments applies paid credit packages to user balances exactly once.
package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goodtune/avatarminutes/internal/ledger"
	"github.com/goodtune/avatarminutes/internal/metrics"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/goodtune/avatarminutes/internal/tracing"
	"github.com/goodtune/avatarminutes/internal/validation"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// StatusPaid is the only provider status that credits minutes.
	StatusPaid = "paid"

	DefaultPricePerMinute = 1.5
	DefaultSettingsTTL    = 5 * time.Minute

	// MaxPackageMinutes is the largest package one callback may credit.
	// Keep in step with the lte tag on Request.PackageMinutes.
	MaxPackageMinutes = 1_000_000
)

var (
	ErrValidation          = errors.New("invalid payment")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	ErrUserNotFound        = errors.New("user not found")
	ErrPersistence         = errors.New("failed to record payment")
)

// NotConfirmedError carries the status the provider sent.
type NotConfirmedError struct {
	Status string
}

func (e *NotConfirmedError) Error() string {
	return fmt.Sprintf("payment not confirmed: status %q", e.Status)
}

func (e *NotConfirmedError) Is(target error) bool {
	return target == ErrPaymentNotConfirmed
}

// Request is one provider callback.
type Request struct {
	UserID           string   `json:"user_id" validate:"required"`
	PackageMinutes   int      `json:"package" validate:"gt=0,lte=1000000"`
	PaymentReference string   `json:"payment_reference" validate:"required"`
	Status           string   `json:"status" validate:"required"`
	PricePerMinute   *float64 `json:"price_per_minute,omitempty" validate:"omitempty,gt=0"`
}

// Result reports what Apply did.
type Result struct {
	UserID           string
	CreditsAdded     int
	AmountEUR        float64
	Balance          int
	AlreadyProcessed bool
}

// Config holds reconciler settings.
type Config struct {
	DefaultPricePerMinute float64
	SettingsTTL           time.Duration
}

// Reconciler applies payments.
type Reconciler struct {
	payments storage.PaymentStore
	settings storage.SettingsStore
	ledger   *ledger.Ledger
	prices   *expirable.LRU[string, float64]
	fallback float64
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a reconciler.
func New(store storage.Store, l *ledger.Ledger, cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.DefaultPricePerMinute <= 0 {
		cfg.DefaultPricePerMinute = DefaultPricePerMinute
	}
	if cfg.SettingsTTL <= 0 {
		cfg.SettingsTTL = DefaultSettingsTTL
	}

	return &Reconciler{
		payments: store.Payments(),
		settings: store.Settings(),
		ledger:   l,
		prices:   expirable.NewLRU[string, float64](8, nil, cfg.SettingsTTL),
		fallback: cfg.DefaultPricePerMinute,
		now:      time.Now,
		logger:   logger.With().Str("component", "payments").Logger(),
	}
}

// Apply credits a paid package once per payment reference.
func (r *Reconciler) Apply(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "payments.apply", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("payment.reference", req.PaymentReference),
	))
	defer span.End()

	if err := validation.Struct(req); err != nil {
		metrics.PaymentsProcessed.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.PricePerMinute != nil && !finite(*req.PricePerMinute) {
		metrics.PaymentsProcessed.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: price_per_minute must be a finite number", ErrValidation)
	}
	if req.Status != StatusPaid {
		metrics.PaymentsProcessed.WithLabelValues("not_confirmed").Inc()
		return nil, &NotConfirmedError{Status: req.Status}
	}

	existing, err := r.payments.GetByReference(ctx, req.PaymentReference)
	switch {
	case err == nil:
		r.logger.Info().Str("payment_reference", existing.PaymentReference).Msg("Payment already processed")
		metrics.PaymentsProcessed.WithLabelValues("duplicate").Inc()
		return &Result{UserID: existing.UserID, AlreadyProcessed: true}, nil
	case !errors.Is(err, storage.ErrNotFound):
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to look up payment: %w", err)
	}

	price := r.price(ctx, req.PricePerMinute)
	amount := float64(req.PackageMinutes) * price

	balance, err := r.ledger.TopUp(ctx, req.UserID, req.PackageMinutes)
	if errors.Is(err, ledger.ErrProfileNotFound) {
		metrics.PaymentsProcessed.WithLabelValues("user_not_found").Inc()
		return nil, ErrUserNotFound
	}
	if errors.Is(err, ledger.ErrBalanceLimit) {
		metrics.PaymentsProcessed.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: package would exceed the balance limit", ErrValidation)
	}
	if err != nil {
		metrics.PaymentsProcessed.WithLabelValues("error").Inc()
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to add credits: %w", err)
	}

	payment := storage.Payment{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		PackageMinutes:   req.PackageMinutes,
		AmountEUR:        amount,
		PaymentReference: req.PaymentReference,
		CreatedAt:        r.now().UTC(),
	}

	if err := r.payments.Insert(ctx, payment); err != nil {
		// The credits were added above; take them back before reporting.
		r.compensate(ctx, req.UserID, req.PackageMinutes)

		if errors.Is(err, storage.ErrDuplicatePayment) {
			r.logger.Info().Str("payment_reference", req.PaymentReference).Msg("Payment applied concurrently")
			metrics.PaymentsProcessed.WithLabelValues("duplicate").Inc()
			return &Result{UserID: req.UserID, AlreadyProcessed: true}, nil
		}

		metrics.PaymentsProcessed.WithLabelValues("error").Inc()
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	metrics.PaymentsProcessed.WithLabelValues("applied").Inc()
	r.logger.Info().
		Str("user_id", req.UserID).
		Str("payment_reference", req.PaymentReference).
		Int("credits_added", req.PackageMinutes).
		Float64("amount_eur", amount).
		Int("balance", balance).
		Msg("Payment applied")

	return &Result{
		UserID:       req.UserID,
		CreditsAdded: req.PackageMinutes,
		AmountEUR:    amount,
		Balance:      balance,
	}, nil
}

func (r *Reconciler) compensate(ctx context.Context, userID string, minutes int) {
	metrics.PaymentCompensations.Inc()

	balance, err := r.ledger.Settle(context.WithoutCancel(ctx), userID, minutes)
	if err != nil {
		r.logger.Error().Err(err).
			Str("user_id", userID).
			Int("minutes", minutes).
			Msg("Failed to roll back credits after payment insert failure")
		return
	}
	r.logger.Warn().
		Str("user_id", userID).
		Int("minutes", minutes).
		Int("balance", balance).
		Msg("Rolled back credits after payment insert failure")
}

// price resolves the per-minute price: explicit, then the stored setting,
// then the configured fallback.
func (r *Reconciler) price(ctx context.Context, explicit *float64) float64 {
	if explicit != nil && *explicit > 0 {
		return *explicit
	}

	if cached, ok := r.prices.Get(storage.SettingPricePerMinute); ok {
		return cached
	}

	price := r.fallback
	raw, err := r.settings.Get(ctx, storage.SettingPricePerMinute)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		// Not cached so the next payment retries the lookup.
		r.logger.Warn().Err(err).Msg("Failed to read price setting, using fallback")
		return price
	default:
		parsed, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || parsed <= 0 || !finite(parsed) {
			r.logger.Warn().Str("value", raw).Msg("Ignoring invalid price setting")
		} else {
			price = parsed
		}
	}

	r.prices.Add(storage.SettingPricePerMinute, price)
	return price
}

func finite(x float64) bool {
	return !math.IsInf(x, 0) && !math.IsNaN(x)
}

// PurgeSettings drops cached settings so the next payment reads them again.
func (r *Reconciler) PurgeSettings() {
	r.prices.Purge()
}
