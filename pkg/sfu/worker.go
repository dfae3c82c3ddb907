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

package sfu

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/logger/pionlogger"
)

// Worker groups routers and runs their blocking handshakes on a bounded task pool. A panic in
// one of those tasks kills the worker.
type Worker struct {
	id            string
	settings      engine.WorkerSettings
	logger        logger.Logger
	loggerFactory logging.LoggerFactory
	tasks         *workerpool.WorkerPool

	lock    sync.Mutex
	routers map[string]*Router
	onDied  []func(error)
	closed  atomic.Bool
}

func newWorker(settings engine.WorkerSettings, params EngineParams) (*Worker, error) {
	if settings.RtcMinPort > settings.RtcMaxPort {
		return nil, ErrInvalidPortRange
	}
	id := uuid.NewString()
	l := params.Logger.WithValues("worker", id)
	return &Worker{
		id:            id,
		settings:      settings,
		logger:        l,
		loggerFactory: pionlogger.NewLoggerFactory(l),
		tasks:         workerpool.New(params.MaxHandshakes),
		routers:       make(map[string]*Router),
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) CreateRouter(ctx context.Context, opts engine.RouterOptions) (engine.Router, error) {
	if w.closed.Load() {
		return nil, engine.ErrWorkerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := engine.GenerateRouterRtpCapabilities(opts.MediaCodecs)
	if err != nil {
		return nil, err
	}

	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	r.logger = w.logger.WithValues("router", r.id)

	w.lock.Lock()
	if w.closed.Load() {
		w.lock.Unlock()
		return nil, engine.ErrWorkerClosed
	}
	w.routers[r.id] = r
	w.lock.Unlock()
	return r, nil
}

func (w *Worker) OnDied(f func(err error)) {
	w.lock.Lock()
	w.onDied = append(w.onDied, f)
	w.lock.Unlock()
}

func (w *Worker) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	for _, r := range w.snapshotRouters() {
		r.Close()
	}
	w.tasks.Stop()
}

func (w *Worker) IsClosed() bool {
	return w.closed.Load()
}

func (w *Worker) die(err error) {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.logger.Errorw("worker died", err)

	w.lock.Lock()
	handlers := append([]func(error){}, w.onDied...)
	w.lock.Unlock()
	for _, h := range handlers {
		h(err)
	}

	for _, r := range w.snapshotRouters() {
		r.Close()
	}
	// may be running on one of the pool's own goroutines
	go w.tasks.Stop()
}

func (w *Worker) submit(task func()) {
	w.tasks.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				w.die(fmt.Errorf("media task panicked: %v", r))
			}
		}()
		task()
	})
}

func (w *Worker) snapshotRouters() []*Router {
	w.lock.Lock()
	defer w.lock.Unlock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	return routers
}

func (w *Worker) removeRouter(id string) {
	w.lock.Lock()
	delete(w.routers, id)
	w.lock.Unlock()
}

// settingEngine builds the pion settings for one transport.
func (w *Worker) settingEngine(opts engine.WebRtcTransportOptions) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: w.loggerFactory,
	}
	se.SetLite(true)

	if w.settings.RtcMinPort != 0 && w.settings.RtcMaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(w.settings.RtcMinPort, w.settings.RtcMaxPort); err != nil {
			return se, err
		}
	}

	var networkTypes []webrtc.NetworkType
	if opts.EnableUDP {
		networkTypes = append(networkTypes, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	if opts.EnableTCP {
		networkTypes = append(networkTypes, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}
	if len(networkTypes) == 0 {
		return se, ErrNoNetworkTypes
	}
	se.SetNetworkTypes(networkTypes)

	var (
		allowed   []net.IP
		announced []string
		anyIP     bool
	)
	for _, lip := range opts.ListenIPs {
		ip := net.ParseIP(lip.IP)
		if ip == nil || ip.IsUnspecified() {
			anyIP = true
		} else {
			allowed = append(allowed, ip)
		}
		if lip.AnnouncedIP != "" {
			announced = append(announced, lip.AnnouncedIP)
		}
	}
	if !anyIP && len(allowed) > 0 {
		se.SetIPFilter(func(ip net.IP) bool {
			for _, a := range allowed {
				if a.Equal(ip) {
					return true
				}
			}
			return false
		})
	}
	if len(announced) > 0 {
		se.SetNAT1To1IPs(announced, webrtc.ICECandidateTypeHost)
	}
	return se, nil
}
