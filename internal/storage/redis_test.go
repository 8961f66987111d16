package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskd/internal/storage"
	"taskd/internal/storage/storetest"
)

// Set TASKD_TEST_REDIS_URL (e.g. redis://localhost:6379/15) to run against a
// real server. Each subtest uses its own key prefix and removes it afterwards.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("TASKD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TASKD_TEST_REDIS_URL not set")
	}
	var cfg storage.Config
	storetest.Run(t, storetest.Harness{
		Open: func(t *testing.T) storage.Store {
			cfg = storage.Config{Driver: "redis", URL: url, KeyPrefix: "taskd-test:" + uuid.NewString() + ":"}
			t.Cleanup(func() { dropRedisPrefix(t, url, cfg.KeyPrefix) })
			return openAt(t, cfg)
		},
		Peer: func(t *testing.T) storage.Store { return openAt(t, cfg) },
	})
}

func dropRedisPrefix(t *testing.T, url, prefix string) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Errorf("parse url: %v", err)
		return
	}
	client := redis.NewClient(opts)
	defer client.Close()
	ctx := context.Background()
	keys := []string{prefix + "schedules", prefix + "versions", prefix + "due", prefix + "runs"}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		t.Errorf("cleanup: %v", err)
	}
}
