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

// Package enginetest is an in-memory engine.Engine. It moves no media but keeps the object graph,
// close cascades and capability checks of a real engine, and exposes hooks to inject failures and
// engine side events.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
)

type Engine struct {
	lock    sync.Mutex
	workers []*Worker

	// when set, the next CreateWorker calls fail with this error
	FailCreateWorker error
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) CreateWorker(ctx context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.FailCreateWorker != nil {
		return nil, e.FailCreateWorker
	}
	w := &Worker{
		id:       fmt.Sprintf("worker-%d", len(e.workers)+1),
		settings: settings,
	}
	e.workers = append(e.workers, w)
	return w, nil
}

func (e *Engine) Workers() []*Worker {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([]*Worker{}, e.workers...)
}

// ---------------------------------------------

type Worker struct {
	id       string
	settings engine.WorkerSettings

	lock    sync.Mutex
	routers []*Router
	onDied  []func(error)
	closed  atomic.Bool

	routersCreated atomic.Int32
	// when set, CreateRouter fails with this error
	FailCreateRouter error
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) CreateRouter(ctx context.Context, opts engine.RouterOptions) (engine.Router, error) {
	if w.closed.Load() {
		return nil, engine.ErrWorkerClosed
	}
	w.lock.Lock()
	fail := w.FailCreateRouter
	w.lock.Unlock()
	if fail != nil {
		return nil, fail
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
		producers:  make(map[string]*Producer),
		transports: make(map[string]*Transport),
	}

	w.lock.Lock()
	w.routers = append(w.routers, r)
	w.lock.Unlock()
	w.routersCreated.Inc()
	return r, nil
}

func (w *Worker) SetFailCreateRouter(err error) {
	w.lock.Lock()
	w.FailCreateRouter = err
	w.lock.Unlock()
}

// RoutersCreated counts every router this worker ever created.
func (w *Worker) RoutersCreated() int {
	return int(w.routersCreated.Load())
}

func (w *Worker) Routers() []*Router {
	w.lock.Lock()
	defer w.lock.Unlock()
	return append([]*Router{}, w.routers...)
}

func (w *Worker) OnDied(f func(err error)) {
	w.lock.Lock()
	w.onDied = append(w.onDied, f)
	w.lock.Unlock()
}

// Die simulates an unexpected worker exit.
func (w *Worker) Die(err error) {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.lock.Lock()
	handlers := append([]func(error){}, w.onDied...)
	w.lock.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

func (w *Worker) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	for _, r := range w.Routers() {
		r.Close()
	}
}

func (w *Worker) IsClosed() bool {
	return w.closed.Load()
}

// ---------------------------------------------

type Router struct {
	id     string
	worker *Worker
	caps   engine.RtpCapabilities

	lock       sync.Mutex
	producers  map[string]*Producer
	transports map[string]*Transport
	closed     atomic.Bool
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) RtpCapabilities() engine.RtpCapabilities {
	return r.caps
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts engine.WebRtcTransportOptions) (engine.WebRtcTransport, error) {
	if r.closed.Load() {
		return nil, engine.ErrRouterClosed
	}

	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		opts:      opts,
		dtlsState: engine.DtlsStateNew,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.iceParameters = engine.IceParameters{
		UsernameFragment: uuid.NewString()[:8],
		Password:         uuid.NewString(),
		IceLite:          true,
	}
	port := uint16(40000)
	for _, lip := range opts.ListenIPs {
		ip := lip.IP
		if lip.AnnouncedIP != "" {
			ip = lip.AnnouncedIP
		}
		if opts.EnableUDP {
			t.iceCandidates = append(t.iceCandidates, candidate(ip, port, engine.TransportProtocolUDP))
		}
		if opts.EnableTCP {
			t.iceCandidates = append(t.iceCandidates, candidate(ip, port, engine.TransportProtocolTCP))
		}
		port++
	}

	r.lock.Lock()
	r.transports[t.id] = t
	r.lock.Unlock()
	return t, nil
}

func candidate(ip string, port uint16, proto engine.TransportProtocol) engine.IceCandidate {
	c := engine.IceCandidate{
		Foundation: "fake" + string(proto),
		Priority:   1076302079,
		IP:         ip,
		Address:    ip,
		Protocol:   proto,
		Port:       port,
		Type:       "host",
	}
	if proto == engine.TransportProtocolTCP {
		c.TCPType = "passive"
		c.Priority = 1076276479
	}
	return c
}

func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	r.lock.Lock()
	p := r.producers[producerID]
	r.lock.Unlock()
	if p == nil || p.IsClosed() {
		return false
	}
	return engine.CanConsume(p.consumable, caps)
}

func (r *Router) Transports() []*Transport {
	r.lock.Lock()
	defer r.lock.Unlock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	return transports
}

func (r *Router) Producer(id string) *Producer {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.producers[id]
}

func (r *Router) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	for _, t := range r.Transports() {
		t.Close()
	}
}

func (r *Router) IsClosed() bool {
	return r.closed.Load()
}

func (r *Router) removeTransport(id string) {
	r.lock.Lock()
	delete(r.transports, id)
	r.lock.Unlock()
}

func (r *Router) addProducer(p *Producer) {
	r.lock.Lock()
	r.producers[p.id] = p
	r.lock.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.lock.Lock()
	delete(r.producers, id)
	r.lock.Unlock()
}
