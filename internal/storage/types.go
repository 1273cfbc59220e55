package storage

import (
	"time"
)

// VerifiedKeyPrefix prefixes every idempotency key. Browser clients of the
// original flow used the same prefix in local storage.
const VerifiedKeyPrefix = "verified_"

// VerifiedKey returns the idempotency key for a session token.
func VerifiedKey(token string) string {
	return VerifiedKeyPrefix + token
}

// Verification records a session token that reached its watch threshold.
type Verification struct {
	SessionToken string    `json:"session_token"`
	CompletedAt  time.Time `json:"completed_at"`
}

// EngagementSession is a point-in-time snapshot of a tracked session.
type EngagementSession struct {
	SessionToken       string    `json:"session_token"`
	ThresholdSeconds   int64     `json:"threshold_seconds"`
	AccumulatedSeconds int64     `json:"accumulated_seconds"`
	Playing            bool      `json:"playing"`
	PageVisible        bool      `json:"page_visible"`
	Completed          bool      `json:"completed"`
	StartedAt          time.Time `json:"started_at"`
	LastActivity       time.Time `json:"last_activity"`
	Active             bool      `json:"active"`
}
