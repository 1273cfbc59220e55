package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestMarkCompletedScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	key := verifiedKey("sess-1")
	first := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	second := time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)

	created, err := client.Eval(ctx, markCompletedScript, []string{key, verifiedIndexKey}, "sess-1", first).Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if created != 1 {
		t.Errorf("Expected first mark to create the key, got %d", created)
	}

	created, err = client.Eval(ctx, markCompletedScript, []string{key, verifiedIndexKey}, "sess-1", second).Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if created != 0 {
		t.Errorf("Expected second mark to be a no-op, got %d", created)
	}

	// First writer keeps its timestamp
	got, err := client.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("Failed to get verified key: %v", err)
	}
	if got != first {
		t.Errorf("Expected completed_at=%s, got %s", first, got)
	}

	isMember, err := client.SIsMember(ctx, verifiedIndexKey, "sess-1").Result()
	if err != nil {
		t.Fatalf("Failed to check set membership: %v", err)
	}
	if !isMember {
		t.Error("Expected token in verified index")
	}
}

func TestClearVerificationScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	key := verifiedKey("sess-1")

	if err := client.Eval(ctx, markCompletedScript, []string{key, verifiedIndexKey}, "sess-1", time.Now().Format(time.RFC3339Nano)).Err(); err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}

	if err := client.Eval(ctx, clearVerificationScript, []string{key, verifiedIndexKey}, "sess-1").Err(); err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}

	if mr.Exists(key) {
		t.Error("Expected verified key to be deleted")
	}

	isMember, err := client.SIsMember(ctx, verifiedIndexKey, "sess-1").Result()
	if err != nil {
		t.Fatalf("Failed to check set membership: %v", err)
	}
	if isMember {
		t.Error("Expected token removed from verified index")
	}
}

func TestUpsertSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	tests := []struct {
		name      string
		token     string
		active    string
		wantInSet bool
		wantTTL   bool
	}{
		{
			name:      "create active session",
			token:     "sess-1",
			active:    "1",
			wantInSet: true,
			wantTTL:   false,
		},
		{
			name:      "create inactive session",
			token:     "sess-2",
			active:    "0",
			wantInSet: false,
			wantTTL:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := sessionKey(tt.token)
			now := time.Now().Format(time.RFC3339Nano)

			result := client.Eval(ctx, upsertSessionScript, []string{key, activeSessionsKey},
				tt.token, 30, 12, "1", "1", "0", now, now, tt.active, inactiveSessionTTL)
			if result.Err() != nil {
				t.Fatalf("Script execution failed: %v", result.Err())
			}

			sessionData, err := client.HGetAll(ctx, key).Result()
			if err != nil {
				t.Fatalf("Failed to get session data: %v", err)
			}
			if sessionData["session_token"] != tt.token {
				t.Errorf("Expected session_token=%s, got %s", tt.token, sessionData["session_token"])
			}
			if sessionData["accumulated_seconds"] != "12" {
				t.Errorf("Expected accumulated_seconds=12, got %s", sessionData["accumulated_seconds"])
			}
			if sessionData["active"] != tt.active {
				t.Errorf("Expected active=%s, got %s", tt.active, sessionData["active"])
			}

			isMember, err := client.SIsMember(ctx, activeSessionsKey, tt.token).Result()
			if err != nil {
				t.Fatalf("Failed to check set membership: %v", err)
			}
			if isMember != tt.wantInSet {
				t.Errorf("Expected set membership=%v, got %v", tt.wantInSet, isMember)
			}

			hasTTL := mr.TTL(key) > 0
			if hasTTL != tt.wantTTL {
				t.Errorf("Expected TTL set=%v, got TTL %v", tt.wantTTL, mr.TTL(key))
			}
		})
	}
}

func TestUpsertSessionScript_ReactivateClearsTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	key := sessionKey("sess-1")
	now := time.Now().Format(time.RFC3339Nano)

	// End the session, then bring it back
	for _, active := range []string{"0", "1"} {
		if err := client.Eval(ctx, upsertSessionScript, []string{key, activeSessionsKey},
			"sess-1", 30, 5, "0", "1", "0", now, now, active, inactiveSessionTTL).Err(); err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
	}

	if ttl := mr.TTL(key); ttl != 0 {
		t.Errorf("Expected no TTL after reactivation, got %v", ttl)
	}
}
