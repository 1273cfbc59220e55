package session

import (
	"time"

	"github.com/goodtune/engage/internal/engagement"
)

// Info describes a tracked session as reported to API clients.
type Info struct {
	engagement.State
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	ClockRunning bool      `json:"clock_running"`
}

// StartOptions describes a session to begin tracking.
type StartOptions struct {
	// SessionToken identifies the session; a random token is issued when empty.
	SessionToken string
	// ThresholdSeconds of zero selects the configured default.
	ThresholdSeconds int64
	PageVisible      bool
}

// session is the manager's bookkeeping for one tracked token
type session struct {
	driver       *engagement.Driver
	startedAt    time.Time
	lastActivity time.Time
	claimed      bool
}

func (s *session) info() Info {
	return Info{
		State:        s.driver.State(),
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
		ClockRunning: s.driver.Running(),
	}
}
