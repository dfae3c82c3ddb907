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
	"sync"

	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/protocol/logger"
)

type Router struct {
	id     string
	worker *Worker
	caps   engine.RtpCapabilities
	logger logger.Logger

	lock       sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
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
	t, err := newTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}

	r.lock.Lock()
	if r.closed.Load() {
		r.lock.Unlock()
		t.Close()
		return nil, engine.ErrRouterClosed
	}
	r.transports[t.id] = t
	r.lock.Unlock()
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	p := r.producer(producerID)
	if p == nil || p.IsClosed() {
		return false
	}
	return engine.CanConsume(p.consumable, caps)
}

func (r *Router) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.lock.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.lock.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.worker.removeRouter(r.id)
	r.logger.Debugw("router closed")
}

func (r *Router) IsClosed() bool {
	return r.closed.Load()
}

func (r *Router) producer(id string) *Producer {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.producers[id]
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

func (r *Router) removeTransport(id string) {
	r.lock.Lock()
	delete(r.transports, id)
	r.lock.Unlock()
}
