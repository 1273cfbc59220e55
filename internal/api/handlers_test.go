package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goodtune/engage/internal/engagement"
	"github.com/goodtune/engage/internal/session"
	"github.com/goodtune/engage/internal/storage/memory"
	"github.com/goodtune/engage/web"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testAPI struct {
	server  *Server
	store   *memory.Store
	clock   *engagement.ManualClock
	manager *session.Manager
}

func setupTestAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()

	store := memory.New()
	clock := engagement.NewManualClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	manager := session.NewManager(store, nil, session.Config{
		DefaultThreshold: 30,
		CleanupInterval:  time.Hour,
		Clock:            clock,
	}, zerolog.Nop())

	srv := NewServer(cfg, manager, zerolog.Nop())
	t.Cleanup(func() {
		srv.rateLimiter.Stop()
		manager.Close()
	})

	return &testAPI{server: srv, store: store, clock: clock, manager: manager}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestStartSession(t *testing.T) {
	a := setupTestAPI(t, Config{})

	rec := a.do(t, http.MethodPost, "/api/sessions", StartRequest{SessionToken: "tok-1", PageVisible: true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	info := decode[session.Info](t, rec)
	if info.SessionToken != "tok-1" {
		t.Errorf("Expected token tok-1, got %s", info.SessionToken)
	}
	if info.ThresholdSeconds != 30 {
		t.Errorf("Expected default threshold 30, got %d", info.ThresholdSeconds)
	}
	if !info.PageVisible || info.Playing || info.Completed {
		t.Errorf("Unexpected state: %+v", info)
	}
}

func TestStartSession_Errors(t *testing.T) {
	a := setupTestAPI(t, Config{})

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"malformed body", "{not json", http.StatusBadRequest},
		{"negative threshold", StartRequest{SessionToken: "x", ThresholdSeconds: -5}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/sessions", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("Expected %d, got %d", tt.want, rec.Code)
			}
			resp := decode[ErrorResponse](t, rec)
			if resp.Code != tt.want || resp.Error == "" {
				t.Errorf("Unexpected error body: %+v", resp)
			}
		})
	}
}

func TestSessionEvents(t *testing.T) {
	a := setupTestAPI(t, Config{})

	if rec := a.do(t, http.MethodPost, "/api/sessions", StartRequest{SessionToken: "tok-2", ThresholdSeconds: 2, PageVisible: true}); rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d", rec.Code)
	}

	rec := a.do(t, http.MethodPut, "/api/sessions/tok-2/playing", map[string]bool{"playing": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("playing: expected 200, got %d", rec.Code)
	}
	info := decode[session.Info](t, rec)
	if !info.Playing || !info.ClockRunning {
		t.Errorf("Expected playing with running clock, got %+v", info)
	}

	rec = a.do(t, http.MethodPut, "/api/sessions/tok-2/visibility", map[string]bool{"visible": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("visibility: expected 200, got %d", rec.Code)
	}
	info = decode[session.Info](t, rec)
	if info.PageVisible || info.ClockRunning {
		t.Errorf("Expected hidden page with stopped clock, got %+v", info)
	}

	rec = a.do(t, http.MethodPut, "/api/sessions/tok-2/visibility", map[string]bool{"visible": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("visibility: expected 200, got %d", rec.Code)
	}

	a.clock.FireAll()
	a.clock.FireAll()

	deadline := time.Now().Add(2 * time.Second)
	for {
		completed, err := a.store.Verifications().Has(context.Background(), "tok-2")
		if err != nil {
			t.Fatalf("Has failed: %v", err)
		}
		if completed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = a.do(t, http.MethodGet, "/api/verifications/tok-2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verification: expected 200, got %d", rec.Code)
	}
	if v := decode[VerificationResponse](t, rec); !v.Completed {
		t.Errorf("Expected tok-2 to be verified, got %+v", v)
	}
}

func TestSessionEvents_BadBodies(t *testing.T) {
	a := setupTestAPI(t, Config{})
	a.do(t, http.MethodPost, "/api/sessions", StartRequest{SessionToken: "tok-3"})

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"playing missing field", "/api/sessions/tok-3/playing", map[string]bool{}},
		{"playing wrong field", "/api/sessions/tok-3/playing", map[string]bool{"visible": true}},
		{"visibility missing field", "/api/sessions/tok-3/visibility", map[string]bool{}},
		{"visibility malformed", "/api/sessions/tok-3/visibility", "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := a.do(t, http.MethodPut, tt.path, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestUnknownSession(t *testing.T) {
	a := setupTestAPI(t, Config{})

	tests := []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodGet, "/api/sessions/ghost", nil},
		{http.MethodDelete, "/api/sessions/ghost", nil},
		{http.MethodPut, "/api/sessions/ghost/playing", map[string]bool{"playing": true}},
		{http.MethodPut, "/api/sessions/ghost/visibility", map[string]bool{"visible": true}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := a.do(t, tt.method, tt.path, tt.body)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("Expected 404, got %d", rec.Code)
			}
			if resp := decode[ErrorResponse](t, rec); resp.Message != "Session not found" {
				t.Errorf("Unexpected message %q", resp.Message)
			}
		})
	}
}

func TestListAndEndSessions(t *testing.T) {
	a := setupTestAPI(t, Config{})

	for _, token := range []string{"a", "b"} {
		a.do(t, http.MethodPost, "/api/sessions", StartRequest{SessionToken: token})
		a.clock.Advance(time.Second)
	}

	rec := a.do(t, http.MethodGet, "/api/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	list := decode[struct {
		Sessions []session.Info `json:"sessions"`
		Count    int            `json:"count"`
	}](t, rec)
	if list.Count != 2 || list.Sessions[0].SessionToken != "a" {
		t.Errorf("Unexpected list: %+v", list)
	}

	if rec := a.do(t, http.MethodDelete, "/api/sessions/a", nil); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on end, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/sessions/a", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected ended session to 404, got %d", rec.Code)
	}
}

func TestVerifications(t *testing.T) {
	a := setupTestAPI(t, Config{})
	ctx := context.Background()

	if err := a.store.Verifications().MarkCompleted(ctx, "paid"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	rec := a.do(t, http.MethodGet, "/api/verifications", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	list := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if list.Count != 1 {
		t.Errorf("Expected 1 verification, got %d", list.Count)
	}

	if v := decode[VerificationResponse](t, a.do(t, http.MethodGet, "/api/verifications/other", nil)); v.Completed {
		t.Error("Expected unknown token to be unverified")
	}

	if rec := a.do(t, http.MethodDelete, "/api/verifications/paid", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if v := decode[VerificationResponse](t, a.do(t, http.MethodGet, "/api/verifications/paid", nil)); v.Completed {
		t.Error("Expected cleared token to be unverified")
	}

	// A cleared token can be watched again from zero
	rec = a.do(t, http.MethodPost, "/api/sessions", StartRequest{SessionToken: "paid"})
	if info := decode[session.Info](t, rec); info.Completed {
		t.Error("Expected fresh session after clear")
	}
}

func TestHealth(t *testing.T) {
	a := setupTestAPI(t, Config{})

	rec := a.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
}

func TestServesEventAdapter(t *testing.T) {
	a := setupTestAPI(t, Config{})

	rec := a.do(t, http.MethodGet, web.AdapterPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	a := setupTestAPI(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions/tok/playing", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Expected allowed origin header, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for unknown origin, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	a := setupTestAPI(t, Config{RateLimit: 2, RateLimitWindow: time.Hour})

	for i := 0; i < 2; i++ {
		if rec := a.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := a.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
}
