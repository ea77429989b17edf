package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a session record.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionTerminated SessionStatus = "terminated"
	SessionCleaned    SessionStatus = "cleaned"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionTerminated, SessionCleaned:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s SessionStatus) Terminal() bool {
	return s == SessionTerminated || s == SessionCleaned
}

// UnmarshalJSON implements json.Unmarshaler to normalize status to lowercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SessionStatus(strings.ToLower(raw))
	if !normalized.Valid() {
		return fmt.Errorf("invalid session status: %s (must be active, terminated, or cleaned)", raw)
	}
	*s = normalized
	return nil
}

// Profile is a user's credit balance record.
type Profile struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	CreditsInMinutes int       `json:"credits_in_minutes"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Session is one brokered avatar session.
// SessionToken is the vendor capability and must only reach the owner.
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	AvatarID        string        `json:"avatar_id"`
	VoiceID         string        `json:"voice_id,omitempty"`
	ContextID       string        `json:"context_id"`
	VendorSessionID string        `json:"liveavatar_session_id"`
	SessionToken    string        `json:"session_token"`
	DurationMinutes int           `json:"duration_minutes"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Status          SessionStatus `json:"status"`
	MinutesUsed     int           `json:"minutes_used,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// IsActive reports whether the session can still transition.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// Payment is an applied credit package purchase.
type Payment struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	PackageMinutes   int       `json:"package_minutes"`
	AmountEUR        float64   `json:"amount_eur"`
	PaymentReference string    `json:"payment_reference"`
	CreatedAt        time.Time `json:"created_at"`
}

// SettingPricePerMinute is the settings key holding the EUR price of one minute.
const SettingPricePerMinute = "price_per_minute_eur"
