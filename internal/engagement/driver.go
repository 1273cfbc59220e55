package engagement

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/engage/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is the period of the driving clock.
	DefaultTickInterval = time.Second

	// storeTimeout bounds the completion write made from a tick.
	storeTimeout = 5 * time.Second
)

// DriverConfig holds driver configuration
type DriverConfig struct {
	Clock    Clock
	Interval time.Duration
	// OnTick is called after every tick, outside the driver's lock. It must
	// not call Stop.
	OnTick func(State, TickResult)
}

// Driver owns the periodic clock for one Timer. The clock is registered only
// while the timer is gated and is torn down as soon as either signal drops
// or the timer completes.
type Driver struct {
	timer    *Timer
	clock    Clock
	interval time.Duration
	onTick   func(State, TickResult)
	logger   zerolog.Logger

	mu       sync.Mutex
	ticker   Ticker
	stopLoop chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// NewDriver wraps timer. The clock starts immediately if the timer is
// already gated.
func NewDriver(timer *Timer, cfg DriverConfig, logger zerolog.Logger) *Driver {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickInterval
	}

	d := &Driver{
		timer:    timer,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		onTick:   cfg.OnTick,
		logger:   logger.With().Str("component", "engagement-driver").Str("session_token", timer.state.SessionToken).Logger(),
	}

	d.mu.Lock()
	d.reconcileLocked()
	d.mu.Unlock()

	return d
}

// SetPlaying forwards a media state change and starts or stops the clock.
func (d *Driver) SetPlaying(playing bool) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.timer.SetPlaying(playing)
	d.reconcileLocked()
	return d.timer.State()
}

// SetPageVisible forwards a visibility change and starts or stops the clock.
func (d *Driver) SetPageVisible(visible bool) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.timer.SetPageVisible(visible)
	d.reconcileLocked()
	return d.timer.State()
}

// State returns the timer's current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer.State()
}

// Running reports whether the clock is registered.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticker != nil
}

// Stop tears down the clock and waits for the tick loop to exit. The driver
// ignores further events afterwards.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.reconcileLocked()
	d.mu.Unlock()

	d.wg.Wait()
}

// reconcileLocked makes the clock run iff the timer is gated.
func (d *Driver) reconcileLocked() {
	want := !d.stopped && d.timer.Gated()

	switch {
	case want && d.ticker == nil:
		d.ticker = d.clock.NewTicker(d.interval)
		d.stopLoop = make(chan struct{})
		d.wg.Add(1)
		go d.run(d.ticker, d.stopLoop)
		metrics.RunningClocks.Inc()
		d.logger.Debug().Msg("Clock started")

	case !want && d.ticker != nil:
		d.ticker.Stop()
		close(d.stopLoop)
		d.ticker = nil
		d.stopLoop = nil
		metrics.RunningClocks.Dec()
		d.logger.Debug().Msg("Clock stopped")
	}
}

func (d *Driver) run(ticker Ticker, stop chan struct{}) {
	defer d.wg.Done()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}

		d.mu.Lock()
		// The clock may have been torn down while this tick waited for the lock.
		select {
		case <-stop:
			d.mu.Unlock()
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		result := d.timer.Tick(ctx)
		cancel()

		state := d.timer.State()
		d.reconcileLocked()
		d.mu.Unlock()

		if d.onTick != nil {
			d.onTick(state, result)
		}
	}
}
