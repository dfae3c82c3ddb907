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

package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
)

var ErrMissingFingerprints = errors.New("dtls parameters without fingerprints")

type Transport struct {
	id            string
	router        *Router
	opts          engine.WebRtcTransportOptions
	iceParameters engine.IceParameters
	iceCandidates []engine.IceCandidate

	lock           sync.Mutex
	dtlsState      engine.DtlsState
	connected      bool
	remoteDtls     engine.DtlsParameters
	producers      map[string]*Producer
	consumers      map[string]*Consumer
	onDtlsChange   []func(engine.DtlsState)
	onClose        []func()
	closed         atomic.Bool
	failNextCreate error
	failAfter      int
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Options() engine.WebRtcTransportOptions {
	return t.opts
}

func (t *Transport) IceParameters() engine.IceParameters {
	return t.iceParameters
}

func (t *Transport) IceCandidates() []engine.IceCandidate {
	return t.iceCandidates
}

func (t *Transport) DtlsParameters() engine.DtlsParameters {
	return engine.DtlsParameters{
		Role: engine.DtlsRoleAuto,
		Fingerprints: []engine.DtlsFingerprint{
			{Algorithm: "sha-256", Value: "AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99"},
		},
	}
}

func (t *Transport) DtlsState() engine.DtlsState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.dtlsState
}

func (t *Transport) RemoteDtlsParameters() engine.DtlsParameters {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.remoteDtls
}

// FailNextCreate makes the next Produce or Consume call fail with err.
func (t *Transport) FailNextCreate(err error) {
	t.FailCreateAfter(0, err)
}

// FailCreateAfter lets n Produce or Consume calls succeed and fails the one after with err.
func (t *Transport) FailCreateAfter(n int, err error) {
	t.lock.Lock()
	t.failNextCreate = err
	t.failAfter = n
	t.lock.Unlock()
}

func (t *Transport) takeFailure() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.failNextCreate == nil {
		return nil
	}
	if t.failAfter > 0 {
		t.failAfter--
		return nil
	}
	err := t.failNextCreate
	t.failNextCreate = nil
	return err
}

func (t *Transport) Connect(ctx context.Context, opts engine.TransportConnectOptions) error {
	if t.closed.Load() {
		return engine.ErrTransportClosed
	}
	if len(opts.DtlsParameters.Fingerprints) == 0 {
		return ErrMissingFingerprints
	}

	t.lock.Lock()
	if t.connected {
		t.lock.Unlock()
		return engine.ErrAlreadyConnected
	}
	t.connected = true
	t.remoteDtls = opts.DtlsParameters
	t.lock.Unlock()

	t.SetDtlsState(engine.DtlsStateConnecting)
	t.SetDtlsState(engine.DtlsStateConnected)
	return nil
}

func (t *Transport) IsConnected() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connected
}

// SetDtlsState simulates a DTLS state change reported by the engine.
func (t *Transport) SetDtlsState(state engine.DtlsState) {
	t.lock.Lock()
	if t.dtlsState == state {
		t.lock.Unlock()
		return
	}
	t.dtlsState = state
	handlers := append([]func(engine.DtlsState){}, t.onDtlsChange...)
	t.lock.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if t.closed.Load() {
		return nil, engine.ErrTransportClosed
	}
	if err := t.takeFailure(); err != nil {
		return nil, err
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("invalid kind %q", opts.Kind)
	}
	consumable, _, err := engine.ConsumableRtpParameters(opts.Kind, opts.RtpParameters, t.router.caps)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		id:         uuid.NewString(),
		kind:       opts.Kind,
		params:     opts.RtpParameters,
		consumable: consumable,
		transport:  t,
		consumers:  make(map[string]*Consumer),
	}
	p.paused.Store(opts.Paused)

	t.lock.Lock()
	t.producers[p.id] = p
	t.lock.Unlock()
	t.router.addProducer(p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if t.closed.Load() {
		return nil, engine.ErrTransportClosed
	}
	if err := t.takeFailure(); err != nil {
		return nil, err
	}
	p := t.router.Producer(opts.ProducerID)
	if p == nil || p.IsClosed() {
		return nil, engine.ErrProducerUnknown
	}
	params, err := engine.ConsumerRtpParameters(p.consumable, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		params:    params,
		transport: t,
	}
	c.paused.Store(opts.Paused)

	if !p.addConsumer(c) {
		return nil, engine.ErrProducerUnknown
	}
	t.lock.Lock()
	t.consumers[c.id] = c
	t.lock.Unlock()
	return c, nil
}

func (t *Transport) OnDtlsStateChange(f func(state engine.DtlsState)) {
	t.lock.Lock()
	t.onDtlsChange = append(t.onDtlsChange, f)
	t.lock.Unlock()
}

func (t *Transport) OnClose(f func()) {
	t.lock.Lock()
	t.onClose = append(t.onClose, f)
	t.lock.Unlock()
}

func (t *Transport) Producers() []*Producer {
	t.lock.Lock()
	defer t.lock.Unlock()
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	return producers
}

func (t *Transport) Consumers() []*Consumer {
	t.lock.Lock()
	defer t.lock.Unlock()
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	return consumers
}

func (t *Transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	for _, c := range t.Consumers() {
		c.close(engine.CloseReasonTransportClosed)
	}
	for _, p := range t.Producers() {
		p.Close()
	}
	t.router.removeTransport(t.id)

	t.lock.Lock()
	t.dtlsState = engine.DtlsStateClosed
	handlers := append([]func(){}, t.onClose...)
	t.lock.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

func (t *Transport) removeProducer(id string) {
	t.lock.Lock()
	delete(t.producers, id)
	t.lock.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.lock.Lock()
	delete(t.consumers, id)
	t.lock.Unlock()
}
