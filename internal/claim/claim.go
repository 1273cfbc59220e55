// Package claim delivers completed engagement sessions to the reward service.
package claim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goodtune/engage/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 10 * time.Second

	// DefaultBaseDelay is the first retry backoff; it doubles per attempt.
	DefaultBaseDelay = 200 * time.Millisecond
)

// ErrRejected is returned when the reward service refuses a claim with a 4xx.
// Rejections are not retried.
var ErrRejected = errors.New("claim: rejected by reward service")

// Completion is the payload reported for a session that reached its threshold.
type Completion struct {
	SessionToken       string    `json:"session_token"`
	AccumulatedSeconds int64     `json:"accumulated_seconds"`
	ThresholdSeconds   int64     `json:"threshold_seconds"`
	CompletedAt        time.Time `json:"completed_at"`
}

// Claimer consumes completions.
type Claimer interface {
	Claim(ctx context.Context, completion Completion) error
}

// NopClaimer logs completions and does nothing else. It is used when no
// reward endpoint is configured.
type NopClaimer struct {
	Logger zerolog.Logger
}

func (n NopClaimer) Claim(_ context.Context, completion Completion) error {
	n.Logger.Info().
		Str("session_token", completion.SessionToken).
		Int64("accumulated_seconds", completion.AccumulatedSeconds).
		Msg("Completion not claimed, no reward endpoint configured")
	metrics.ClaimsTotal.WithLabelValues("skipped").Inc()
	return nil
}

// Config holds HTTP claimer configuration
type Config struct {
	URL       string
	Timeout   time.Duration
	Retries   int
	BaseDelay time.Duration
}

// HTTPClaimer POSTs completions as JSON to the reward service.
type HTTPClaimer struct {
	url       string
	retries   int
	baseDelay time.Duration
	client    *http.Client
	logger    zerolog.Logger
}

// NewHTTPClaimer creates a claimer for cfg.URL.
func NewHTTPClaimer(cfg Config, logger zerolog.Logger) *HTTPClaimer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	return &HTTPClaimer{
		url:       cfg.URL,
		retries:   cfg.Retries,
		baseDelay: cfg.BaseDelay,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger.With().Str("component", "claimer").Logger(),
	}
}

// Claim delivers completion, retrying network errors and 5xx responses with
// exponential backoff. The session token is sent as the Idempotency-Key so
// the reward service can drop duplicates.
func (c *HTTPClaimer) Claim(ctx context.Context, completion Completion) error {
	start := time.Now()
	defer func() {
		metrics.ClaimDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << uint(attempt-1)
			select {
			case <-ctx.Done():
				metrics.ClaimsTotal.WithLabelValues("failed").Inc()
				return fmt.Errorf("claim %s: %w", completion.SessionToken, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = c.post(ctx, completion.SessionToken, body)
		if lastErr == nil {
			metrics.ClaimsTotal.WithLabelValues("success").Inc()
			c.logger.Info().
				Str("session_token", completion.SessionToken).
				Int("attempts", attempt+1).
				Msg("Completion claimed")
			return nil
		}

		if errors.Is(lastErr, ErrRejected) {
			metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
			return lastErr
		}

		c.logger.Warn().
			Err(lastErr).
			Str("session_token", completion.SessionToken).
			Int("attempt", attempt+1).
			Msg("Claim attempt failed")
	}

	metrics.ClaimsTotal.WithLabelValues("failed").Inc()
	return fmt.Errorf("claim %s after %d attempts: %w", completion.SessionToken, c.retries+1, lastErr)
}

func (c *HTTPClaimer) post(ctx context.Context, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already claimed on the reward side
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("reward service returned status %d", resp.StatusCode)
	}
}
