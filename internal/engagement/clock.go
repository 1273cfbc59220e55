package engagement

import (
	"sync"
	"time"
)

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock provides time and tickers. This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// SystemClock is the default Clock implementation using the standard library.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// ManualClock is a Clock driven by hand, for tests.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManualClock returns a ManualClock reading now.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward without firing any ticker.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *ManualClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{c: make(chan time.Time), done: make(chan struct{})}
	c.tickers = append(c.tickers, t)
	return t
}

// Live returns the number of tickers that have not been stopped.
func (c *ManualClock) Live() int {
	return len(c.live())
}

// FireAll delivers one tick to every live ticker, blocking until each has
// been received or stopped. It returns how many ticks were delivered.
func (c *ManualClock) FireAll() int {
	now := c.Now()
	delivered := 0
	for _, t := range c.live() {
		select {
		case t.c <- now:
			delivered++
		case <-t.done:
		}
	}
	return delivered
}

func (c *ManualClock) live() []*manualTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := make([]*manualTicker, 0, len(c.tickers))
	kept := c.tickers[:0]
	for _, t := range c.tickers {
		select {
		case <-t.done:
		default:
			live = append(live, t)
			kept = append(kept, t)
		}
	}
	c.tickers = kept
	return live
}

type manualTicker struct {
	c    chan time.Time
	done chan struct{}
	once sync.Once
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.once.Do(func() { close(t.done) })
}
