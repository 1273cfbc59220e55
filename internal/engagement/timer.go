// Package engagement counts seconds of genuine watch time toward a threshold.
//
// A Timer only counts a tick while the media is playing and the page is
// visible, and reports completion once per session token. Completions are
// recorded in a durable store so a token never completes twice, even across
// restarts. Timers are not safe for concurrent use; Driver serialises access.
package engagement

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/engage/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrInvalidArgument is returned when a session is created with an empty
// token or a non-positive threshold.
var ErrInvalidArgument = errors.New("engagement: invalid argument")

// CompletionStore is the durable idempotency store consulted by a Timer.
type CompletionStore interface {
	Has(ctx context.Context, token string) (bool, error)
	MarkCompleted(ctx context.Context, token string) error
}

// Timer accumulates gated watch time for one session.
type Timer struct {
	state  State
	store  CompletionStore
	logger zerolog.Logger
}

// New creates a timer for cfg.SessionToken. If the store already holds the
// token, the timer starts completed and never ticks.
func New(ctx context.Context, store CompletionStore, cfg Config, logger zerolog.Logger) (*Timer, error) {
	if cfg.SessionToken == "" {
		return nil, fmt.Errorf("%w: session token is empty", ErrInvalidArgument)
	}
	if cfg.ThresholdSeconds <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive, got %d", ErrInvalidArgument, cfg.ThresholdSeconds)
	}

	completed, err := store.Has(ctx, cfg.SessionToken)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("has").Inc()
		return nil, fmt.Errorf("check completion for %s: %w", cfg.SessionToken, err)
	}

	t := &Timer{
		state: State{
			SessionToken:     cfg.SessionToken,
			ThresholdSeconds: cfg.ThresholdSeconds,
			PageVisible:      cfg.PageVisible,
			Completed:        completed,
		},
		store:  store,
		logger: logger.With().Str("component", "engagement-timer").Str("session_token", cfg.SessionToken).Logger(),
	}

	if completed {
		t.logger.Debug().Msg("Session already verified, ticking disabled")
	}

	return t, nil
}

// State returns a copy of the current state.
func (t *Timer) State() State {
	return t.state
}

// Gated reports whether a tick would currently count.
func (t *Timer) Gated() bool {
	return t.state.Playing && t.state.PageVisible && !t.state.Completed
}

// SetPlaying records the media play state. No-op once completed.
func (t *Timer) SetPlaying(playing bool) {
	if t.state.Completed {
		return
	}
	t.state.Playing = playing
}

// SetPageVisible records the page visibility. No-op once completed.
func (t *Timer) SetPageVisible(visible bool) {
	if t.state.Completed {
		return
	}
	t.state.PageVisible = visible
}

// Tick counts one second if the gating condition holds. The tick that
// reaches the threshold records the token and reports JustCompleted.
func (t *Timer) Tick(ctx context.Context) TickResult {
	if t.state.Completed {
		return TickResult{AccumulatedSeconds: t.state.AccumulatedSeconds, Completed: true}
	}
	if !t.state.Playing || !t.state.PageVisible {
		return TickResult{AccumulatedSeconds: t.state.AccumulatedSeconds}
	}

	t.state.AccumulatedSeconds++
	metrics.TicksTotal.Inc()

	// >= so a batched tick that overshoots still completes
	if t.state.AccumulatedSeconds < t.state.ThresholdSeconds {
		return TickResult{AccumulatedSeconds: t.state.AccumulatedSeconds}
	}

	t.state.Completed = true
	metrics.CompletionsTotal.Inc()

	// The latch stays closed in memory even if persisting fails.
	if err := t.store.MarkCompleted(ctx, t.state.SessionToken); err != nil {
		metrics.StoreErrors.WithLabelValues("mark_completed").Inc()
		t.logger.Error().Err(err).Msg("Failed to record completion")
	}

	t.logger.Info().
		Int64("accumulated_seconds", t.state.AccumulatedSeconds).
		Int64("threshold_seconds", t.state.ThresholdSeconds).
		Msg("Watch threshold reached")

	return TickResult{
		AccumulatedSeconds: t.state.AccumulatedSeconds,
		Completed:          true,
		JustCompleted:      true,
	}
}
