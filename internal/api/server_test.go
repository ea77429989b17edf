package api

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/goodtune/avatarminutes/internal/auth"
	"github.com/goodtune/avatarminutes/internal/ledger"
	"github.com/goodtune/avatarminutes/internal/lifecycle"
	"github.com/goodtune/avatarminutes/internal/payments"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/goodtune/avatarminutes/internal/vendor"
	"github.com/rs/zerolog"
)

const testSecret = "test-jwt-secret"

type fakeSessions struct {
	startReq   lifecycle.StartRequest
	startErr   error
	terminated string
	termErr    error
	alreadyEnd bool
	noBalance  bool
	sweepCount int
	profileErr error
}

func (f *fakeSessions) Start(ctx context.Context, req lifecycle.StartRequest) (*lifecycle.StartResult, error) {
	f.startReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return &lifecycle.StartResult{
		Session: storage.Session{
			ID:              "sess-1",
			UserID:          req.UserID,
			VendorSessionID: "vendor-1",
			SessionToken:    "tok-1",
			DurationMinutes: req.DurationMinutes,
			StartTime:       start,
			EndTime:         start.Add(time.Duration(req.DurationMinutes) * time.Minute),
			Status:          storage.SessionActive,
		},
		Vendor:  map[string]any{"livekit_url": "wss://example", "session_id": "overridden"},
		Balance: 5,
	}, nil
}

func (f *fakeSessions) Terminate(ctx context.Context, userID, sessionID string) (*lifecycle.TerminateResult, error) {
	if f.termErr != nil {
		return nil, f.termErr
	}
	f.terminated = sessionID
	status := storage.SessionTerminated
	result := &lifecycle.TerminateResult{
		Session:      storage.Session{ID: sessionID, UserID: userID, Status: status, MinutesUsed: 2},
		AlreadyEnded: f.alreadyEnd,
	}
	if !f.noBalance {
		credits := 8
		result.CreditsRemaining = &credits
	}
	return result, nil
}

func (f *fakeSessions) Sweep(ctx context.Context) (*lifecycle.SweepResult, error) {
	return &lifecycle.SweepResult{TerminatedCount: f.sweepCount, TotalExpired: f.sweepCount}, nil
}

func (f *fakeSessions) Profile(ctx context.Context, userID string) (*lifecycle.ProfileView, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return &lifecycle.ProfileView{
		Profile: storage.Profile{ID: userID, Email: "user@example.com", CreditsInMinutes: 42},
		ActiveSessions: []storage.Session{
			{ID: "sess-1", UserID: userID, SessionToken: "secret-token", Status: storage.SessionActive},
		},
	}, nil
}

type fakePayments struct {
	req    payments.Request
	result *payments.Result
	err    error
}

func (f *fakePayments) Apply(ctx context.Context, req payments.Request) (*payments.Result, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeVendor struct {
	avatarsErr error
	stopErr    error
	stopped    string
}

func (f *fakeVendor) ListAvatars(ctx context.Context) (json.RawMessage, error) {
	if f.avatarsErr != nil {
		return nil, f.avatarsErr
	}
	return json.RawMessage(`[{"id":"a1"}]`), nil
}

func (f *fakeVendor) ListVoices(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`[{"id":"v1"}]`), nil
}

func (f *fakeVendor) SendMessage(ctx context.Context, sessionToken, text string) (json.RawMessage, error) {
	return json.RawMessage(`{"reply":"` + text + `"}`), nil
}

func (f *fakeVendor) StopSession(ctx context.Context, sessionToken string) (vendor.StopResult, error) {
	f.stopped = sessionToken
	if f.stopErr != nil {
		return vendor.StopOK, f.stopErr
	}
	return vendor.StopOK, nil
}

func (f *fakeVendor) CreateLegacySession(ctx context.Context, avatarID, voiceID string) (map[string]any, error) {
	return map[string]any{"session_id": "legacy-1", "avatar_id": avatarID}, nil
}

type harness struct {
	sessions *fakeSessions
	payments *fakePayments
	vendor   *fakeVendor
	verifier *auth.Verifier
	handler  http.Handler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sessions: &fakeSessions{},
		payments: &fakePayments{},
		vendor:   &fakeVendor{},
		verifier: auth.NewVerifier(testSecret, auth.DefaultAudience, time.Hour),
	}
	srv := NewServer(cfg, Deps{
		Sessions: h.sessions,
		Payments: h.payments,
		Vendor:   h.vendor,
		Verifier: h.verifier,
	}, zerolog.Nop())
	h.handler = srv.Handler()
	return h
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := h.verifier.GenerateToken(userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return token
}

func (h *harness) do(t *testing.T, method, path, token, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rr.Body.String()), "{") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Config{})
	rr, body := h.do(t, http.MethodGet, "/health", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestUserRoutesRequireAuth(t *testing.T) {
	h := newHarness(t, Config{LegacyPassthrough: true})

	paths := []string{
		"/sessions-start",
		"/sessions-terminate",
		"/user-profile",
		"/liveavatar-list-resources",
		"/liveavatar-start",
		"/liveavatar-terminate",
		"/liveavatar-send-message",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			rr, body := h.do(t, http.MethodPost, BasePath+path, "", `{}`, nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status 401, got %d", rr.Code)
			}
			if body["error"] != "Unauthorized" {
				t.Errorf("Expected error Unauthorized, got %v", body["error"])
			}
		})
	}
}

func TestSessionsStart(t *testing.T) {
	h := newHarness(t, Config{})
	token := h.token(t, "user-1")

	rr, body := h.do(t, http.MethodPost, BasePath+"/sessions-start", token,
		`{"duration":"5","avatar_id":"av","context_id":"ctx"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if h.sessions.startReq.UserID != "user-1" {
		t.Errorf("Expected user-1 from token, got %q", h.sessions.startReq.UserID)
	}
	if h.sessions.startReq.DurationMinutes != 5 {
		t.Errorf("Expected duration 5 from numeric string, got %d", h.sessions.startReq.DurationMinutes)
	}
	if body["session_id"] != "sess-1" {
		t.Errorf("Expected our session_id to override vendor field, got %v", body["session_id"])
	}
	if body["livekit_url"] != "wss://example" {
		t.Errorf("Expected vendor fields to be forwarded, got %v", body["livekit_url"])
	}
	if body["liveavatar_session_id"] != "vendor-1" {
		t.Errorf("Expected liveavatar_session_id vendor-1, got %v", body["liveavatar_session_id"])
	}
	if body["session_token"] != "tok-1" {
		t.Errorf("Expected session_token tok-1, got %v", body["session_token"])
	}
	if body["duration_minutes"] != float64(5) {
		t.Errorf("Expected duration_minutes 5, got %v", body["duration_minutes"])
	}
	if body["end_time"] != "2026-01-01T12:05:00Z" {
		t.Errorf("Expected end_time 2026-01-01T12:05:00Z, got %v", body["end_time"])
	}
}

func TestSessionsStartErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed body",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "validation",
			body:       `{"duration":0}`,
			err:        fmt.Errorf("%w: duration must be greater than 0", lifecycle.ErrValidation),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "insufficient credits",
			body:       `{"duration":10,"avatar_id":"a","context_id":"c"}`,
			err:        &ledger.InsufficientCreditsError{Available: 3, Required: 10},
			wantStatus: http.StatusForbidden,
			wantError:  "Insufficient credits",
		},
		{
			name:       "profile missing",
			body:       `{"duration":10,"avatar_id":"a","context_id":"c"}`,
			err:        ledger.ErrProfileNotFound,
			wantStatus: http.StatusNotFound,
			wantError:  "Profile not found",
		},
		{
			name:       "vendor failure",
			body:       `{"duration":10,"avatar_id":"a","context_id":"c"}`,
			err:        fmt.Errorf("create token: %w", &vendor.VendorError{Status: 502, Body: "bad gateway"}),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "unexpected",
			body:       `{"duration":10,"avatar_id":"a","context_id":"c"}`,
			err:        fmt.Errorf("boom"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.sessions.startErr = tt.err

			rr, body := h.do(t, http.MethodPost, BasePath+"/sessions-start", h.token(t, "user-1"), tt.body, nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if body["error"] == nil {
				t.Fatalf("Expected an error field, got %v", body)
			}
			if tt.wantError != "" && body["error"] != tt.wantError {
				t.Errorf("Expected error %q, got %v", tt.wantError, body["error"])
			}
		})
	}
}

func TestInsufficientCreditsBody(t *testing.T) {
	h := newHarness(t, Config{})
	h.sessions.startErr = &ledger.InsufficientCreditsError{Available: 3, Required: 10}

	_, body := h.do(t, http.MethodPost, BasePath+"/sessions-start", h.token(t, "user-1"), `{"duration":10}`, nil)
	if body["available_credits"] != float64(3) {
		t.Errorf("Expected available_credits 3, got %v", body["available_credits"])
	}
	if body["required_credits"] != float64(10) {
		t.Errorf("Expected required_credits 10, got %v", body["required_credits"])
	}
}

func TestSessionsTerminate(t *testing.T) {
	h := newHarness(t, Config{})
	token := h.token(t, "user-1")

	rr, body := h.do(t, http.MethodPost, BasePath+"/sessions-terminate", token, `{"session_id":"sess-9"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if h.sessions.terminated != "sess-9" {
		t.Errorf("Expected sess-9 terminated, got %q", h.sessions.terminated)
	}
	if body["success"] != true {
		t.Errorf("Expected success true, got %v", body["success"])
	}
	if body["minutes_used"] != float64(2) {
		t.Errorf("Expected minutes_used 2, got %v", body["minutes_used"])
	}
	if body["credits_remaining"] != float64(8) {
		t.Errorf("Expected credits_remaining 8, got %v", body["credits_remaining"])
	}
	if body["status"] != "terminated" {
		t.Errorf("Expected status terminated, got %v", body["status"])
	}

	h.sessions.alreadyEnd = true
	_, body = h.do(t, http.MethodPost, BasePath+"/sessions-terminate", token, `{"session_id":"sess-9"}`, nil)
	if body["message"] != "Session already ended" {
		t.Errorf("Expected already ended message, got %v", body["message"])
	}
}

func TestSessionsTerminateWithoutBalance(t *testing.T) {
	h := newHarness(t, Config{})
	h.sessions.noBalance = true

	rr, body := h.do(t, http.MethodPost, BasePath+"/sessions-terminate", h.token(t, "user-1"), `{"session_id":"sess-9"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if _, ok := body["credits_remaining"]; ok {
		t.Errorf("Expected credits_remaining to be omitted, got %v", body["credits_remaining"])
	}
	if body["minutes_used"] != float64(2) {
		t.Errorf("Expected minutes_used 2, got %v", body["minutes_used"])
	}
}

func TestSessionsTerminateErrors(t *testing.T) {
	h := newHarness(t, Config{})
	token := h.token(t, "user-1")

	rr, _ := h.do(t, http.MethodPost, BasePath+"/sessions-terminate", token, `{}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing session_id, got %d", rr.Code)
	}

	h.sessions.termErr = lifecycle.ErrSessionNotFound
	rr, body := h.do(t, http.MethodPost, BasePath+"/sessions-terminate", token, `{"session_id":"other"}`, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
	if body["error"] != "Session not found" {
		t.Errorf("Expected Session not found, got %v", body["error"])
	}
}

func TestSessionsCleanup(t *testing.T) {
	h := newHarness(t, Config{CronSecret: "cron"})
	h.sessions.sweepCount = 3

	rr, _ := h.do(t, http.MethodPost, BasePath+"/sessions-cleanup", "", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401 without secret, got %d", rr.Code)
	}

	rr, body := h.do(t, http.MethodPost, BasePath+"/sessions-cleanup", "", "", map[string]string{"X-Cron-Secret": "cron"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if body["terminated_count"] != float64(3) {
		t.Errorf("Expected terminated_count 3, got %v", body["terminated_count"])
	}
	if body["total_expired"] != float64(3) {
		t.Errorf("Expected total_expired 3, got %v", body["total_expired"])
	}
}

func TestPaymentsWebhook(t *testing.T) {
	h := newHarness(t, Config{})
	h.payments.result = &payments.Result{UserID: "user-1", CreditsAdded: 10, AmountEUR: 15, Balance: 10}

	rr, body := h.do(t, http.MethodPost, BasePath+"/payments-webhook", "",
		`{"user_id":"user-1","package":"10","payment_reference":"ref-1","status":"paid","price_per_minute":"1.5"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if h.payments.req.PackageMinutes != 10 {
		t.Errorf("Expected package 10, got %d", h.payments.req.PackageMinutes)
	}
	if h.payments.req.PricePerMinute == nil || *h.payments.req.PricePerMinute != 1.5 {
		t.Errorf("Expected explicit price 1.5, got %v", h.payments.req.PricePerMinute)
	}
	if body["credits_added"] != float64(10) {
		t.Errorf("Expected credits_added 10, got %v", body["credits_added"])
	}
	if body["amount_eur"] != float64(15) {
		t.Errorf("Expected amount_eur 15, got %v", body["amount_eur"])
	}

	// A zero price falls back to the configured price.
	h.do(t, http.MethodPost, BasePath+"/payments-webhook", "",
		`{"user_id":"user-1","package":10,"payment_reference":"ref-2","status":"paid","price_per_minute":0}`, nil)
	if h.payments.req.PricePerMinute != nil {
		t.Errorf("Expected no explicit price for 0, got %v", *h.payments.req.PricePerMinute)
	}
}

func TestPaymentsWebhookReplay(t *testing.T) {
	h := newHarness(t, Config{})
	h.payments.result = &payments.Result{AlreadyProcessed: true}

	rr, body := h.do(t, http.MethodPost, BasePath+"/payments-webhook", "",
		`{"user_id":"user-1","package":10,"payment_reference":"ref-1","status":"paid"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if body["message"] != "Payment already processed" {
		t.Errorf("Expected already processed message, got %v", body["message"])
	}
	if _, ok := body["credits_added"]; ok {
		t.Errorf("Expected no credits_added on replay, got %v", body["credits_added"])
	}
}

func TestPaymentsWebhookErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantField  string
	}{
		{"not confirmed", &payments.NotConfirmedError{Status: "pending"}, http.StatusBadRequest, "received_status"},
		{"validation", fmt.Errorf("%w: user_id is required", payments.ErrValidation), http.StatusBadRequest, "error"},
		{"unknown user", payments.ErrUserNotFound, http.StatusNotFound, "error"},
		{"persistence", payments.ErrPersistence, http.StatusInternalServerError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{WebhookSecret: "hook"})
			h.payments.err = tt.err

			rr, body := h.do(t, http.MethodPost, BasePath+"/payments-webhook", "",
				`{"user_id":"user-1","package":10,"payment_reference":"ref-1","status":"pending"}`,
				map[string]string{"X-Webhook-Secret": "hook"})
			if rr.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if _, ok := body[tt.wantField]; !ok {
				t.Errorf("Expected field %q in %v", tt.wantField, body)
			}
		})
	}
}

func TestPaymentsWebhookRejectsNonFinitePrice(t *testing.T) {
	for _, price := range []string{`"Infinity"`, `"-Inf"`, `"NaN"`, `1e400`} {
		t.Run(price, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.payments.result = &payments.Result{UserID: "user-1", CreditsAdded: 10}

			rr, body := h.do(t, http.MethodPost, BasePath+"/payments-webhook", "",
				`{"user_id":"user-1","package":10,"payment_reference":"ref-1","status":"paid","price_per_minute":`+price+`}`, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", rr.Code)
			}
			if body["error"] != "Invalid request body" {
				t.Errorf("Expected invalid body error, got %v", body["error"])
			}
			if h.payments.req.UserID != "" {
				t.Errorf("Expected payment not to be applied, got %+v", h.payments.req)
			}
		})
	}
}

func TestPaymentsWebhookOversizedPackage(t *testing.T) {
	h := newHarness(t, Config{})
	h.payments.err = fmt.Errorf("%w: package too large", payments.ErrValidation)

	rr, _ := h.do(t, http.MethodPost, BasePath+"/payments-webhook", "",
		`{"user_id":"user-1","package":"99999999999999999999","payment_reference":"ref-1","status":"paid"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rr.Code)
	}
	if h.payments.req.PackageMinutes <= payments.MaxPackageMinutes {
		t.Errorf("Expected oversized package to stay above the limit, got %d", h.payments.req.PackageMinutes)
	}
}

func TestUnencodableResponseIsServerError(t *testing.T) {
	h := newHarness(t, Config{})
	h.payments.result = &payments.Result{UserID: "user-1", CreditsAdded: 10, AmountEUR: math.Inf(1)}

	rr, body := h.do(t, http.MethodPost, BasePath+"/payments-webhook", "",
		`{"user_id":"user-1","package":10,"payment_reference":"ref-1","status":"paid"}`, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rr.Code)
	}
	if body["error"] != "Internal server error" {
		t.Errorf("Expected internal error body, got %q", rr.Body.String())
	}
}

func TestFlexInt(t *testing.T) {
	tests := []struct {
		raw  string
		want flexInt
	}{
		{`5`, 5},
		{`"5"`, 5},
		{`5.0`, 5},
		{`5.5`, -1},
		{`"abc"`, -1},
		{`"NaN"`, -1},
		{`"Infinity"`, -1},
		{`null`, 0},
		{`99999999999999999999`, math.MaxInt},
		{`1e30`, math.MaxInt},
		{`-99999999999999999999`, math.MinInt},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var got flexInt
			if err := got.UnmarshalJSON([]byte(tt.raw)); err != nil {
				t.Fatalf("UnmarshalJSON failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestUserProfileHidesTokens(t *testing.T) {
	h := newHarness(t, Config{})

	rr, body := h.do(t, http.MethodGet, BasePath+"/user-profile", h.token(t, "user-1"), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if body["credits_in_minutes"] != float64(42) {
		t.Errorf("Expected credits 42, got %v", body["credits_in_minutes"])
	}
	if strings.Contains(rr.Body.String(), "secret-token") {
		t.Errorf("Expected session token to be omitted, got %s", rr.Body.String())
	}
	active, ok := body["active_sessions"].([]any)
	if !ok || len(active) != 1 {
		t.Fatalf("Expected 1 active session, got %v", body["active_sessions"])
	}

	h.sessions.profileErr = ledger.ErrProfileNotFound
	rr, _ = h.do(t, http.MethodGet, BasePath+"/user-profile", h.token(t, "user-1"), "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestListResources(t *testing.T) {
	h := newHarness(t, Config{})
	h.vendor.avatarsErr = &vendor.VendorError{Status: 503, Body: "down"}

	rr, body := h.do(t, http.MethodGet, BasePath+"/liveavatar-list-resources", h.token(t, "user-1"), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if body["avatars_error"] != "Failed to fetch avatars: 503" {
		t.Errorf("Expected avatars_error, got %v", body["avatars_error"])
	}
	if _, ok := body["voices"]; !ok {
		t.Errorf("Expected voices despite avatars failure, got %v", body)
	}
}

func TestLegacyRoutesDisabledByDefault(t *testing.T) {
	h := newHarness(t, Config{})
	rr, _ := h.do(t, http.MethodPost, BasePath+"/liveavatar-start", h.token(t, "user-1"), "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 with legacy routes disabled, got %d", rr.Code)
	}
}

func TestLegacyPassthrough(t *testing.T) {
	h := newHarness(t, Config{LegacyPassthrough: true})
	token := h.token(t, "user-1")

	rr, body := h.do(t, http.MethodPost, BasePath+"/liveavatar-start", token, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for legacy start, got %d", rr.Code)
	}
	if body["session_id"] != "legacy-1" {
		t.Errorf("Expected legacy-1, got %v", body["session_id"])
	}

	rr, _ = h.do(t, http.MethodPost, BasePath+"/liveavatar-terminate", token, `{}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without session_token, got %d", rr.Code)
	}
	rr, body = h.do(t, http.MethodPost, BasePath+"/liveavatar-terminate", token, `{"session_token":"t"}`, nil)
	if rr.Code != http.StatusOK || body["success"] != true {
		t.Errorf("Expected success, got %d %v", rr.Code, body)
	}
	if h.vendor.stopped != "t" {
		t.Errorf("Expected token t stopped, got %q", h.vendor.stopped)
	}

	rr, body = h.do(t, http.MethodPost, BasePath+"/liveavatar-send-message", token, `{"session_token":"t","text":"hi"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for send message, got %d", rr.Code)
	}
	if body["reply"] != "hi" {
		t.Errorf("Expected vendor body forwarded, got %v", body)
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		rr, _ := h.do(t, http.MethodGet, "/health", "", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected status 200 on request %d, got %d", i, rr.Code)
		}
	}
	rr, _ := h.do(t, http.MethodGet, "/health", "", "", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, Config{})

	req := httptest.NewRequest(http.MethodOptions, BasePath+"/sessions-start", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected Access-Control-Allow-Origin *, got %q", got)
	}
}
