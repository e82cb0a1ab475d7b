package redisqueue_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"loom/internal/workqueue"
	"loom/internal/workqueue/queuetest"
	"loom/internal/workqueue/redisqueue"
)

func TestRedisQueueContract(t *testing.T) {
	addr := os.Getenv("LOOM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOOM_TEST_REDIS_ADDR not set")
	}
	queuetest.Run(t, func(t *testing.T) workqueue.Queue {
		ctx := context.Background()
		q, err := redisqueue.Open(ctx, redisqueue.Options{Addr: addr, Prefix: "loomtest:" + uuid.NewString()})
		if err != nil {
			t.Fatalf("redisqueue.Open: %v", err)
		}
		return resettingQueue{q}
	})
}

// resettingQueue drops the test's keys before closing the client.
type resettingQueue struct {
	*redisqueue.Queue
}

func (r resettingQueue) Close() error {
	_ = r.Reset(context.Background())
	return r.Queue.Close()
}
