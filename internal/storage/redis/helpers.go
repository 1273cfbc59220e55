package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/engage/internal/storage"
)

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// parseEngagementSession converts a Redis hash to EngagementSession
func parseEngagementSession(data map[string]string) (*storage.EngagementSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	threshold, err := strconv.ParseInt(data["threshold_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse threshold_seconds: %w", err)
	}

	accumulated, err := strconv.ParseInt(data["accumulated_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse accumulated_seconds: %w", err)
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastActivity, err := time.Parse(time.RFC3339Nano, data["last_activity"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_activity: %w", err)
	}

	return &storage.EngagementSession{
		SessionToken:       data["session_token"],
		ThresholdSeconds:   threshold,
		AccumulatedSeconds: accumulated,
		Playing:            data["playing"] == "1",
		PageVisible:        data["page_visible"] == "1",
		Completed:          data["completed"] == "1",
		StartedAt:          startedAt,
		LastActivity:       lastActivity,
		Active:             data["active"] == "1",
	}, nil
}
