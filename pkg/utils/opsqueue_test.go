package utils_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/testutils"
	"github.com/livekit/media-relay/pkg/utils"
)

func TestOpsQueueOrdering(t *testing.T) {
	oq := utils.NewOpsQueue(utils.OpsQueueParams{Name: "test"})
	oq.Start()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, oq.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	<-oq.Stop()

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestOpsQueueStopped(t *testing.T) {
	oq := utils.NewOpsQueue(utils.OpsQueueParams{Name: "test"})
	oq.Start()
	<-oq.Stop()

	require.False(t, oq.Enqueue(func() {}))
	// stopping twice is fine
	<-oq.Stop()
}

func TestOpsQueueStopBeforeStart(t *testing.T) {
	oq := utils.NewOpsQueue(utils.OpsQueueParams{Name: "test"})
	<-oq.Stop()
	require.False(t, oq.Enqueue(func() {}))
}

func TestOpsQueueMaxSize(t *testing.T) {
	oq := utils.NewOpsQueue(utils.OpsQueueParams{Name: "test", MaxSize: 2})
	// not started, so nothing drains
	require.True(t, oq.Enqueue(func() {}))
	require.True(t, oq.Enqueue(func() {}))
	require.False(t, oq.Enqueue(func() {}))
}

func TestOpsQueueConcurrentEnqueue(t *testing.T) {
	oq := utils.NewOpsQueue(utils.OpsQueueParams{Name: "test"})
	oq.Start()
	defer oq.Stop()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				oq.Enqueue(func() { count.Inc() })
			}
		}()
	}
	wg.Wait()

	testutils.WithTimeout(t, func() string {
		if count.Load() != 500 {
			return fmt.Sprintf("expected 500 ops, got %d", count.Load())
		}
		return ""
	})
}
