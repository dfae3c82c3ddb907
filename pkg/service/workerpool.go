// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/media-relay/pkg/telemetry/prometheus"
	"github.com/livekit/protocol/logger"
)

// WorkerPool owns the media workers of this process and hands them out round robin.
// A worker dying is unrecoverable: the process exits once the grace period has passed.
type WorkerPool struct {
	workers []engine.Worker
	next    atomic.Uint32
	grace   time.Duration
	exit    func(code int)
	logger  logger.Logger

	exitOnce sync.Once
	closed   atomic.Bool
}

func NewWorkerPool(conf *config.Config, e engine.Engine) (*WorkerPool, error) {
	return newWorkerPool(context.Background(), &conf.RTC, e, os.Exit)
}

func newWorkerPool(ctx context.Context, conf *config.RTCConfig, e engine.Engine, exit func(code int)) (*WorkerPool, error) {
	num := conf.NumWorkers
	if num <= 0 {
		num = runtime.NumCPU()
	}
	p := &WorkerPool{
		workers: make([]engine.Worker, num),
		grace:   conf.WorkerDiedGrace,
		exit:    exit,
		logger:  logger.GetLogger().WithName("workers"),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < num; i++ {
		i := i
		g.Go(func() error {
			w, err := e.CreateWorker(gctx, conf.WorkerSettings())
			if err != nil {
				return errors.Wrapf(err, "could not create worker %d", i)
			}
			p.workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range p.workers {
			if w != nil {
				w.Close()
			}
		}
		return nil, err
	}

	for _, w := range p.workers {
		w := w
		prometheus.AddWorker()
		w.OnDied(func(err error) {
			p.onWorkerDied(w, err)
		})
		p.logger.Infow("worker created", "worker", w.ID())
	}
	return p, nil
}

func (p *WorkerPool) onWorkerDied(w engine.Worker, err error) {
	prometheus.SubWorker()
	prometheus.WorkerDied()
	if p.closed.Load() {
		return
	}
	p.logger.Errorw("media worker died, exiting", err, "worker", w.ID(), "grace", p.grace)
	p.exitOnce.Do(func() {
		time.AfterFunc(p.grace, func() {
			p.exit(1)
		})
	})
}

// AcquireWorker returns the next worker in round robin order. Dead workers are not skipped since
// the process exits soon after one dies. The only error is ErrNoWorkers, returned once the pool
// has been closed.
func (p *WorkerPool) AcquireWorker() (engine.Worker, error) {
	if p.closed.Load() || len(p.workers) == 0 {
		return nil, ErrNoWorkers
	}
	idx := p.next.Inc() - 1
	return p.workers[idx%uint32(len(p.workers))], nil
}

func (p *WorkerPool) NumWorkers() int {
	return len(p.workers)
}

func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		if !w.IsClosed() {
			prometheus.SubWorker()
		}
		w.Close()
	}
}
