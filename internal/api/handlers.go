package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/avatarminutes/internal/auth"
	"github.com/goodtune/avatarminutes/internal/ledger"
	"github.com/goodtune/avatarminutes/internal/lifecycle"
	"github.com/goodtune/avatarminutes/internal/payments"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/goodtune/avatarminutes/internal/vendor"
)

type startRequest struct {
	Duration  flexInt `json:"duration"`
	AvatarID  string  `json:"avatar_id"`
	VoiceID   string  `json:"voice_id"`
	ContextID string  `json:"context_id"`
}

func (s *Server) handleSessionsStart(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	result, err := s.deps.Sessions.Start(r.Context(), lifecycle.StartRequest{
		UserID:          userID,
		DurationMinutes: int(req.Duration),
		AvatarID:        req.AvatarID,
		VoiceID:         req.VoiceID,
		ContextID:       req.ContextID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	// Our own fields override anything the vendor returned under the same name.
	body := make(map[string]any, len(result.Vendor)+5)
	for k, v := range result.Vendor {
		body[k] = v
	}
	body["session_id"] = result.Session.ID
	body["liveavatar_session_id"] = result.Session.VendorSessionID
	body["session_token"] = result.Session.SessionToken
	body["end_time"] = result.Session.EndTime.UTC().Format(time.RFC3339Nano)
	body["duration_minutes"] = result.Session.DurationMinutes

	writeJSON(w, http.StatusOK, body)
}

type terminateRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleSessionsTerminate(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req terminateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}

	result, err := s.deps.Sessions.Terminate(r.Context(), userID, req.SessionID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	message := "Session terminated successfully"
	if result.AlreadyEnded {
		message = "Session already ended"
	}

	body := map[string]any{
		"success":      true,
		"message":      message,
		"status":       result.Session.Status,
		"minutes_used": result.Session.MinutesUsed,
	}
	if result.CreditsRemaining != nil {
		body["credits_remaining"] = *result.CreditsRemaining
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSessionsCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Sessions.Sweep(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"terminated_count": result.TerminatedCount,
		"total_expired":    result.TotalExpired,
	})
}

type webhookRequest struct {
	UserID           string     `json:"user_id"`
	Package          flexInt    `json:"package"`
	PaymentReference string     `json:"payment_reference"`
	Status           string     `json:"status"`
	PricePerMinute   *flexFloat `json:"price_per_minute"`
}

func (s *Server) handlePaymentsWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	var price *float64
	if req.PricePerMinute != nil && *req.PricePerMinute != 0 {
		p := float64(*req.PricePerMinute)
		price = &p
	}

	result, err := s.deps.Payments.Apply(r.Context(), payments.Request{
		UserID:           req.UserID,
		PackageMinutes:   int(req.Package),
		PaymentReference: req.PaymentReference,
		Status:           req.Status,
		PricePerMinute:   price,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if result.AlreadyProcessed {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Payment already processed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"user_id":       result.UserID,
		"credits_added": result.CreditsAdded,
		"amount_eur":    result.AmountEUR,
	})
}

// sessionView is a session as shown to its owner outside the start response.
type sessionView struct {
	ID              string                `json:"id"`
	AvatarID        string                `json:"avatar_id"`
	VoiceID         string                `json:"voice_id,omitempty"`
	ContextID       string                `json:"context_id"`
	DurationMinutes int                   `json:"duration_minutes"`
	StartTime       time.Time             `json:"start_time"`
	EndTime         time.Time             `json:"end_time"`
	Status          storage.SessionStatus `json:"status"`
}

func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	view, err := s.deps.Sessions.Profile(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	active := make([]sessionView, 0, len(view.ActiveSessions))
	for _, session := range view.ActiveSessions {
		active = append(active, sessionView{
			ID:              session.ID,
			AvatarID:        session.AvatarID,
			VoiceID:         session.VoiceID,
			ContextID:       session.ContextID,
			DurationMinutes: session.DurationMinutes,
			StartTime:       session.StartTime,
			EndTime:         session.EndTime,
			Status:          session.Status,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":                 view.Profile.ID,
		"email":              view.Profile.Email,
		"credits_in_minutes": view.Profile.CreditsInMinutes,
		"active_sessions":    active,
	})
}

// writeDomainError maps service errors to status codes and bodies.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		insufficient *ledger.InsufficientCreditsError
		notConfirmed *payments.NotConfirmedError
		vendorErr    *vendor.VendorError
	)

	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusForbidden, "Insufficient credits", map[string]any{
			"available_credits": insufficient.Available,
			"required_credits":  insufficient.Required,
		})
	case errors.As(err, &notConfirmed):
		writeError(w, http.StatusBadRequest, "Payment not confirmed", map[string]any{
			"received_status": notConfirmed.Status,
		})
	case errors.Is(err, lifecycle.ErrValidation), errors.Is(err, payments.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, ledger.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "Profile not found", nil)
	case errors.Is(err, lifecycle.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found", nil)
	case errors.Is(err, payments.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found", nil)
	case errors.As(err, &vendorErr), errors.Is(err, vendor.ErrMalformedResponse), errors.Is(err, vendor.ErrNotConfigured):
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Vendor request failed")
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}
