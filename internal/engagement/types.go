package engagement

// State is a snapshot of one engagement session's timer.
type State struct {
	SessionToken       string `json:"session_token"`
	AccumulatedSeconds int64  `json:"accumulated_seconds"`
	ThresholdSeconds   int64  `json:"threshold_seconds"`
	Playing            bool   `json:"playing"`
	PageVisible        bool   `json:"page_visible"`
	Completed          bool   `json:"completed"`
}

// TickResult is returned by every Tick. JustCompleted is the only signal a
// caller gets that the threshold was reached; it is true on exactly one tick.
type TickResult struct {
	AccumulatedSeconds int64 `json:"accumulated_seconds"`
	Completed          bool  `json:"completed"`
	JustCompleted      bool  `json:"just_completed"`
}

// Config describes a new engagement session.
type Config struct {
	SessionToken     string
	ThresholdSeconds int64
	// PageVisible is the hosting page's visibility when the session begins.
	PageVisible bool
}
