package claim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClaimer(url string, retries int) *HTTPClaimer {
	return NewHTTPClaimer(Config{
		URL:       url,
		Timeout:   time.Second,
		Retries:   retries,
		BaseDelay: time.Millisecond,
	}, zerolog.Nop())
}

func TestHTTPClaimer_Success(t *testing.T) {
	var got Completion
	var idempotencyKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		idempotencyKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	completion := Completion{
		SessionToken:       "sess-1",
		AccumulatedSeconds: 30,
		ThresholdSeconds:   30,
		CompletedAt:        time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
	}

	if err := newTestClaimer(srv.URL, 0).Claim(context.Background(), completion); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if got.SessionToken != "sess-1" || got.AccumulatedSeconds != 30 {
		t.Errorf("Unexpected payload: %+v", got)
	}
	if !got.CompletedAt.Equal(completion.CompletedAt) {
		t.Errorf("Expected completed_at %v, got %v", completion.CompletedAt, got.CompletedAt)
	}
	if idempotencyKey != "sess-1" {
		t.Errorf("Expected Idempotency-Key sess-1, got %q", idempotencyKey)
	}
}

func TestHTTPClaimer_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := newTestClaimer(srv.URL, 3).Claim(context.Background(), Completion{SessionToken: "sess-2"}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPClaimer_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestClaimer(srv.URL, 2).Claim(context.Background(), Completion{SessionToken: "sess-3"})
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPClaimer_DoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := newTestClaimer(srv.URL, 3).Claim(context.Background(), Completion{SessionToken: "sess-4"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls.Load())
	}
}

func TestHTTPClaimer_ConflictMeansAlreadyClaimed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	if err := newTestClaimer(srv.URL, 0).Claim(context.Background(), Completion{SessionToken: "sess-5"}); err != nil {
		t.Fatalf("Expected 409 to count as claimed, got %v", err)
	}
}

func TestHTTPClaimer_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClaimer(Config{URL: srv.URL, Retries: 5, BaseDelay: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Claim(ctx, Completion{SessionToken: "sess-6"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestNopClaimer(t *testing.T) {
	if err := (NopClaimer{Logger: zerolog.Nop()}).Claim(context.Background(), Completion{SessionToken: "x"}); err != nil {
		t.Fatalf("Expected nil, got %v", err)
	}
}
