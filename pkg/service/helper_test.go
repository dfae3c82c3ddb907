package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/engine/enginetest"
)

func testConfig() *config.Config {
	conf := config.DefaultConfig
	conf.NodeID = "ND_test"
	conf.RTC.NumWorkers = 1
	conf.RTC.WorkerDiedGrace = time.Hour
	conf.RTC.RequestTimeout = time.Second
	return &conf
}

type testRelay struct {
	conf    *config.Config
	engine  *enginetest.Engine
	workers *WorkerPool
	store   *LocalRoomStore
	rooms   *RoomManager
}

func newTestRelay(t *testing.T, conf *config.Config) *testRelay {
	if conf == nil {
		conf = testConfig()
	}
	e := enginetest.NewEngine()
	workers, err := newWorkerPool(context.Background(), &conf.RTC, e, func(int) {})
	require.NoError(t, err)

	store := NewLocalRoomStore()
	rooms := NewRoomManager(conf, workers, store)
	t.Cleanup(func() {
		rooms.Stop()
		workers.Close()
	})
	return &testRelay{
		conf:    conf,
		engine:  e,
		workers: workers,
		store:   store,
		rooms:   rooms,
	}
}

func (r *testRelay) worker() *enginetest.Worker {
	return r.engine.Workers()[0]
}
