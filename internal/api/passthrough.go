package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/goodtune/avatarminutes/internal/vendor"
)

// handleListResources fetches avatars and voices concurrently. A failure of
// one list is reported next to the other instead of failing the request.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources := make(map[string]any, 2)
	var (
		avatars, voices       json.RawMessage
		avatarsErr, voicesErr error
		wg                    sync.WaitGroup
	)

	ctx := r.Context()
	wg.Add(2)
	go func() {
		defer wg.Done()
		avatars, avatarsErr = s.deps.Vendor.ListAvatars(ctx)
	}()
	go func() {
		defer wg.Done()
		voices, voicesErr = s.deps.Vendor.ListVoices(ctx)
	}()
	wg.Wait()

	if errors.Is(avatarsErr, vendor.ErrNotConfigured) || errors.Is(voicesErr, vendor.ErrNotConfigured) {
		s.writeDomainError(w, r, vendor.ErrNotConfigured)
		return
	}

	if avatarsErr != nil {
		s.logger.Warn().Err(avatarsErr).Msg("Failed to fetch avatars")
		resources["avatars_error"] = resourceError("avatars", avatarsErr)
	} else {
		resources["avatars"] = avatars
	}
	if voicesErr != nil {
		s.logger.Warn().Err(voicesErr).Msg("Failed to fetch voices")
		resources["voices_error"] = resourceError("voices", voicesErr)
	} else {
		resources["voices"] = voices
	}

	writeJSON(w, http.StatusOK, resources)
}

func resourceError(kind string, err error) string {
	var vendorErr *vendor.VendorError
	if errors.As(err, &vendorErr) {
		return fmt.Sprintf("Failed to fetch %s: %d", kind, vendorErr.Status)
	}
	return fmt.Sprintf("Failed to fetch %s: %v", kind, err)
}

type legacyStartRequest struct {
	AvatarID string `json:"avatar_id"`
	VoiceID  string `json:"voice_id"`
}

// handleLegacyStart opens a vendor session without touching credits.
func (s *Server) handleLegacyStart(w http.ResponseWriter, r *http.Request) {
	var req legacyStartRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	data, err := s.deps.Vendor.CreateLegacySession(r.Context(), req.AvatarID, req.VoiceID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

type legacyTerminateRequest struct {
	SessionToken string `json:"session_token"`
}

func (s *Server) handleLegacyTerminate(w http.ResponseWriter, r *http.Request) {
	var req legacyTerminateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if req.SessionToken == "" {
		writeError(w, http.StatusBadRequest, "session_token is required", nil)
		return
	}

	// A session the vendor no longer knows counts as stopped.
	if _, err := s.deps.Vendor.StopSession(r.Context(), req.SessionToken); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type sendMessageRequest struct {
	SessionToken string `json:"session_token"`
	Text         string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if req.SessionToken == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "session_token and text are required", nil)
		return
	}

	data, err := s.deps.Vendor.SendMessage(r.Context(), req.SessionToken, req.Text)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
