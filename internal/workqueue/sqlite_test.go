package workqueue_test

import (
	"testing"

	"loom/internal/testsupport"
	"loom/internal/workqueue"
	"loom/internal/workqueue/queuetest"
)

func TestSQLiteQueueContract(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) workqueue.Queue {
		_, q := testsupport.MustOpenStores(t, testsupport.NewConfig(t))
		return q
	})
}
