package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/engine/enginetest"
)

func newTestWorkerPool(t *testing.T, num int, exit func(int)) (*WorkerPool, *enginetest.Engine) {
	e := enginetest.NewEngine()
	p, err := newWorkerPool(context.Background(), &config.RTCConfig{
		NumWorkers:      num,
		WorkerDiedGrace: 20 * time.Millisecond,
	}, e, exit)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, e
}

func TestWorkerPool_RoundRobin(t *testing.T) {
	p, _ := newTestWorkerPool(t, 3, func(int) {})
	require.Equal(t, 3, p.NumWorkers())

	var acquired []string
	for i := 0; i < 6; i++ {
		w, err := p.AcquireWorker()
		require.NoError(t, err)
		acquired = append(acquired, w.ID())
	}
	require.NotEqual(t, acquired[0], acquired[1])
	require.NotEqual(t, acquired[1], acquired[2])
	require.NotEqual(t, acquired[0], acquired[2])
	require.Equal(t, acquired[:3], acquired[3:])
}

func TestWorkerPool_CreateFailure(t *testing.T) {
	e := enginetest.NewEngine()
	e.FailCreateWorker = errors.New("no binary")
	_, err := newWorkerPool(context.Background(), &config.RTCConfig{NumWorkers: 2}, e, func(int) {})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no binary")
}

func TestWorkerPool_Died(t *testing.T) {
	t.Run("exits once after grace period", func(t *testing.T) {
		exits := atomic.NewInt32(0)
		codes := make(chan int, 2)
		p, e := newTestWorkerPool(t, 2, func(code int) {
			exits.Inc()
			codes <- code
		})
		require.Equal(t, 2, p.NumWorkers())

		start := time.Now()
		workers := e.Workers()
		workers[0].Die(errors.New("killed"))
		workers[1].Die(errors.New("killed"))

		w, err := p.AcquireWorker()
		require.NoError(t, err)
		require.True(t, w.IsClosed())

		select {
		case code := <-codes:
			require.Equal(t, 1, code)
			require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
		case <-time.After(2 * time.Second):
			t.Fatal("process did not exit")
		}
		time.Sleep(100 * time.Millisecond)
		require.Equal(t, int32(1), exits.Load())
	})

	t.Run("no exit after close", func(t *testing.T) {
		exits := atomic.NewInt32(0)
		p, e := newTestWorkerPool(t, 1, func(int) {
			exits.Inc()
		})
		p.Close()
		p.onWorkerDied(e.Workers()[0], errors.New("killed"))
		time.Sleep(100 * time.Millisecond)
		require.Zero(t, exits.Load())

		_, err := p.AcquireWorker()
		require.ErrorIs(t, err, ErrNoWorkers)
	})
}
