package limiter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisLimiter_Options(t *testing.T) {
	opts := &redis.Options{Addr: "localhost:6379"}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	defer client.Close()

	t.Run("WithPrefix", func(t *testing.T) {
		prefix := "staging:"
		key := fmt.Sprintf("rate:chat:opt_%d", time.Now().UnixNano())
		limit := Limit{Capacity: 1, Window: time.Second}

		lim, err := NewRedisLimiter(client, WithPrefix(prefix))
		if err != nil {
			t.Fatalf("Failed to create limiter: %v", err)
		}

		if _, err := lim.Consume(ctx, key, limit, 1); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}

		// Verify the key landed under the custom prefix
		exists, err := client.Exists(ctx, prefix+key).Result()
		if err != nil {
			t.Fatalf("Redis Exists failed: %v", err)
		}
		if exists == 0 {
			t.Errorf("Expected key %s to exist, but it does not", prefix+key)
		}
	})

	t.Run("WithTimeout", func(t *testing.T) {
		// Hard to test timeout without mocking network latency; verify
		// construction succeeds with a tight but valid timeout.
		_, err := NewRedisLimiter(client, WithTimeout(100*time.Millisecond))
		if err != nil {
			t.Errorf("WithTimeout should not cause error on valid client: %v", err)
		}
	})
}
