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
	"sync"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/protocol/logger"
)

type Transport struct {
	id     string
	router *Router
	opts   engine.WebRtcTransportOptions
	logger logger.Logger

	me       *webrtc.MediaEngine
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	iceParameters  engine.IceParameters
	iceCandidates  []engine.IceCandidate
	dtlsParameters engine.DtlsParameters

	lock         sync.Mutex
	dtlsState    engine.DtlsState
	connecting   bool
	producers    map[string]*Producer
	consumers    map[string]*Consumer
	onDtlsChange []func(engine.DtlsState)
	onClose      []func()

	// broken once DTLS is up, media may flow from then on
	connected core.Fuse
	done      core.Fuse
	closed    atomic.Bool
}

func newTransport(ctx context.Context, r *Router, opts engine.WebRtcTransportOptions) (*Transport, error) {
	se, err := r.worker.settingEngine(opts)
	if err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	for _, c := range r.caps.Codecs {
		if err := me.RegisterCodec(routerCodec(c), codecType(c.Kind)); err != nil {
			return nil, errors.Wrapf(err, "could not register %s", c.MimeType)
		}
	}
	for _, ext := range r.caps.HeaderExtensions {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(ext.Kind)); err != nil {
			return nil, errors.Wrapf(err, "could not register %s", ext.URI)
		}
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se), webrtc.WithInterceptorRegistry(ir))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "could not create ice gatherer")
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "could not create dtls transport")
	}

	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		opts:      opts,
		me:        me,
		api:       api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		dtlsState: engine.DtlsStateNew,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.logger = r.logger.WithValues("transport", t.id)
	dtls.OnStateChange(t.handleDTLSState)

	if err := t.gather(ctx); err != nil {
		t.stop()
		return nil, err
	}
	return t, nil
}

func (t *Transport) gather(ctx context.Context) error {
	var once sync.Once
	done := make(chan struct{})
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return errors.Wrap(err, "could not gather candidates")
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return err
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return err
	}

	t.iceCandidates = fromICECandidates(candidates, t.opts)
	t.iceParameters = fromICEParameters(iceParams)
	t.dtlsParameters = fromDTLSParameters(dtlsParams)
	return nil
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) IceParameters() engine.IceParameters {
	return t.iceParameters
}

func (t *Transport) IceCandidates() []engine.IceCandidate {
	return t.iceCandidates
}

func (t *Transport) DtlsParameters() engine.DtlsParameters {
	return t.dtlsParameters
}

func (t *Transport) DtlsState() engine.DtlsState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.dtlsState
}

// Connect starts ICE and DTLS against the remote endpoint. It returns once the handshake is
// scheduled, progress is reported through OnDtlsStateChange.
func (t *Transport) Connect(ctx context.Context, opts engine.TransportConnectOptions) error {
	if t.closed.Load() {
		return engine.ErrTransportClosed
	}
	if opts.IceParameters == nil || opts.IceParameters.UsernameFragment == "" {
		return ErrMissingIceParameters
	}
	if len(opts.DtlsParameters.Fingerprints) == 0 {
		return ErrMissingFingerprints
	}
	candidates, err := toICECandidates(opts.IceCandidates)
	if err != nil {
		return err
	}

	t.lock.Lock()
	if t.connecting {
		t.lock.Unlock()
		return engine.ErrAlreadyConnected
	}
	t.connecting = true
	t.lock.Unlock()

	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return errors.Wrap(err, "could not set remote candidates")
	}

	iceParams := toICEParameters(*opts.IceParameters)
	dtlsParams := toDTLSParameters(opts.DtlsParameters)
	t.setDtlsState(engine.DtlsStateConnecting)
	t.router.worker.submit(func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, iceParams, &role); err != nil {
			t.handshakeFailed("ice", err)
			return
		}
		if err := t.dtls.Start(dtlsParams); err != nil {
			t.handshakeFailed("dtls", err)
		}
	})
	return nil
}

func (t *Transport) handshakeFailed(stage string, err error) {
	if t.closed.Load() {
		return
	}
	t.logger.Infow("handshake failed", "stage", stage, "error", err)
	t.setDtlsState(engine.DtlsStateFailed)
}

func (t *Transport) handleDTLSState(state webrtc.DTLSTransportState) {
	s := fromDTLSState(state)
	if s == engine.DtlsStateConnected {
		t.connected.Break()
	}
	t.setDtlsState(s)
}

func (t *Transport) setDtlsState(state engine.DtlsState) {
	if t.closed.Load() {
		return
	}
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

// whenConnected runs f on a new goroutine once DTLS is connected. f is dropped when the transport
// closes first.
func (t *Transport) whenConnected(f func()) {
	go func() {
		select {
		case <-t.connected.Watch():
			f()
		case <-t.done.Watch():
		}
	}()
}

func (t *Transport) writeRTCP(pkts ...rtcp.Packet) error {
	if !t.connected.IsBroken() || t.closed.Load() {
		return nil
	}
	_, err := t.dtls.WriteRTCP(pkts)
	return err
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if t.closed.Load() {
		return nil, engine.ErrTransportClosed
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, opts.Kind)
	}
	consumable, _, err := engine.ConsumableRtpParameters(opts.Kind, opts.RtpParameters, t.router.caps)
	if err != nil {
		return nil, err
	}
	if opts.RtpParameters.Encodings[0].SSRC == 0 {
		return nil, ErrMissingSSRC
	}

	// packets arrive with the endpoint's payload types
	for _, c := range opts.RtpParameters.MediaCodecs() {
		if err := t.me.RegisterCodec(codecParameters(c), codecType(opts.Kind)); err != nil {
			return nil, errors.Wrapf(err, "could not register %s", c.MimeType)
		}
	}
	receiver, err := t.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, errors.Wrap(err, "could not create receiver")
	}

	p := newProducer(t, opts, consumable, receiver)

	t.lock.Lock()
	t.producers[p.id] = p
	t.lock.Unlock()
	t.router.addProducer(p)

	t.whenConnected(p.start)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if t.closed.Load() {
		return nil, engine.ErrTransportClosed
	}
	p := t.router.producer(opts.ProducerID)
	if p == nil || p.IsClosed() {
		return nil, engine.ErrProducerUnknown
	}
	params, err := engine.ConsumerRtpParameters(p.consumable, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}

	c, err := newConsumer(t, p, params, opts.Paused)
	if err != nil {
		return nil, err
	}
	if !p.addConsumer(c) {
		c.stop()
		return nil, engine.ErrProducerUnknown
	}

	t.lock.Lock()
	t.consumers[c.id] = c
	t.lock.Unlock()

	go c.rtcpWorker()
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

// Close closes consumers and producers of this transport first, then the transport itself.
func (t *Transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.done.Break()

	t.lock.Lock()
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.lock.Unlock()

	for _, c := range consumers {
		c.close(engine.CloseReasonTransportClosed)
	}
	for _, p := range producers {
		p.Close()
	}
	t.router.removeTransport(t.id)
	t.stop()

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

func (t *Transport) stop() {
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debugw("could not stop dtls", "error", err)
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debugw("could not stop ice", "error", err)
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debugw("could not close gatherer", "error", err)
	}
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
