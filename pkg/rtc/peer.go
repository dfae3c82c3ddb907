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

package rtc

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/protocol/logger"
)

type TransportDirection string

const (
	TransportDirectionSend TransportDirection = "send"
	TransportDirectionRecv TransportDirection = "recv"
)

type TransportState string

const (
	TransportStateCreated   TransportState = "created"
	TransportStateConnected TransportState = "connected"
	TransportStateClosed    TransportState = "closed"
)

// TransportInfo is a peer's view of one of its engine transports.
type TransportInfo struct {
	transport engine.WebRtcTransport
	direction TransportDirection
	state     atomic.String
}

func newTransportInfo(t engine.WebRtcTransport, direction TransportDirection) *TransportInfo {
	info := &TransportInfo{
		transport: t,
		direction: direction,
	}
	info.state.Store(string(TransportStateCreated))
	return info
}

func (t *TransportInfo) ID() string {
	return t.transport.ID()
}

func (t *TransportInfo) Transport() engine.WebRtcTransport {
	return t.transport
}

func (t *TransportInfo) Direction() TransportDirection {
	return t.direction
}

func (t *TransportInfo) State() TransportState {
	return TransportState(t.state.Load())
}

// setState never leaves the closed state.
func (t *TransportInfo) setState(state TransportState) {
	for {
		current := t.state.Load()
		if current == string(TransportStateClosed) {
			return
		}
		if t.state.CompareAndSwap(current, string(state)) {
			return
		}
	}
}

type consumerInfo struct {
	consumer    engine.Consumer
	transportID string
}

type PeerParams struct {
	ID              string
	DisplayName     string
	RtpCapabilities engine.RtpCapabilities
	Sink            SignalSink
	Logger          logger.Logger
}

// Peer is the state of one participant inside a room. Engine close callbacks mutate it from other
// goroutines, so every map is guarded by lock.
type Peer struct {
	params PeerParams

	lock       sync.Mutex
	transports map[string]*TransportInfo
	producers  *orderedmap.OrderedMap[string, engine.Producer]
	consumers  map[string]*consumerInfo
	closed     core.Fuse
}

func NewPeer(params PeerParams) *Peer {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Peer{
		params:     params,
		transports: make(map[string]*TransportInfo),
		producers:  orderedmap.NewOrderedMap[string, engine.Producer](),
		consumers:  make(map[string]*consumerInfo),
	}
}

func (p *Peer) ID() string {
	return p.params.ID
}

func (p *Peer) DisplayName() string {
	return p.params.DisplayName
}

func (p *Peer) RtpCapabilities() engine.RtpCapabilities {
	return p.params.RtpCapabilities
}

func (p *Peer) Info() PeerInfo {
	return PeerInfo{ID: p.params.ID, DisplayName: p.params.DisplayName}
}

// SendNotification pushes an event to the peer's connection. Peers that are leaving get nothing.
func (p *Peer) SendNotification(method string, data interface{}) error {
	if p.closed.IsBroken() {
		return ErrSessionClosed
	}
	if p.params.Sink == nil {
		return nil
	}
	return p.params.Sink.WriteMessage(NewNotification(method, data))
}

// AddTransport records t and returns the transport it replaces, if the peer already had one for
// that direction. The replaced transport is marked closed, closing it is up to the caller.
func (p *Peer) AddTransport(t engine.WebRtcTransport, direction TransportDirection) (*TransportInfo, *TransportInfo) {
	info := newTransportInfo(t, direction)

	p.lock.Lock()
	defer p.lock.Unlock()
	var replaced *TransportInfo
	for _, existing := range p.transports {
		if existing.direction == direction && existing.State() != TransportStateClosed {
			replaced = existing
			replaced.setState(TransportStateClosed)
			break
		}
	}
	p.transports[t.ID()] = info
	return info, replaced
}

func (p *Peer) GetTransport(id string) *TransportInfo {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.transports[id]
}

// TransportByDirection returns the open transport of the given direction.
func (p *Peer) TransportByDirection(direction TransportDirection) *TransportInfo {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, t := range p.transports {
		if t.direction == direction && t.State() != TransportStateClosed {
			return t
		}
	}
	return nil
}

func (p *Peer) RemoveTransport(id string) *TransportInfo {
	p.lock.Lock()
	defer p.lock.Unlock()
	t := p.transports[id]
	if t == nil {
		return nil
	}
	delete(p.transports, id)
	t.setState(TransportStateClosed)
	return t
}

func (p *Peer) Transports() []*TransportInfo {
	p.lock.Lock()
	defer p.lock.Unlock()
	transports := make([]*TransportInfo, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	return transports
}

func (p *Peer) AddProducer(producer engine.Producer) {
	p.lock.Lock()
	p.producers.Set(producer.ID(), producer)
	p.lock.Unlock()
}

func (p *Peer) GetProducer(id string) engine.Producer {
	p.lock.Lock()
	defer p.lock.Unlock()
	producer, _ := p.producers.Get(id)
	return producer
}

func (p *Peer) RemoveProducer(id string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.producers.Delete(id)
}

// Producers returns the open producers in creation order.
func (p *Peer) Producers() []engine.Producer {
	p.lock.Lock()
	defer p.lock.Unlock()
	producers := make([]engine.Producer, 0, p.producers.Len())
	for el := p.producers.Front(); el != nil; el = el.Next() {
		if el.Value.IsClosed() {
			continue
		}
		producers = append(producers, el.Value)
	}
	return producers
}

func (p *Peer) AddConsumer(c engine.Consumer, transportID string) {
	p.lock.Lock()
	p.consumers[c.ID()] = &consumerInfo{consumer: c, transportID: transportID}
	p.lock.Unlock()
}

func (p *Peer) GetConsumer(id string) engine.Consumer {
	p.lock.Lock()
	defer p.lock.Unlock()
	if ci := p.consumers[id]; ci != nil {
		return ci.consumer
	}
	return nil
}

func (p *Peer) consumerTransport(id string) *TransportInfo {
	p.lock.Lock()
	defer p.lock.Unlock()
	ci := p.consumers[id]
	if ci == nil {
		return nil
	}
	return p.transports[ci.transportID]
}

func (p *Peer) RemoveConsumer(id string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.consumers[id]; !ok {
		return false
	}
	delete(p.consumers, id)
	return true
}

func (p *Peer) Consumers() []engine.Consumer {
	p.lock.Lock()
	defer p.lock.Unlock()
	consumers := make([]engine.Consumer, 0, len(p.consumers))
	for _, ci := range p.consumers {
		consumers = append(consumers, ci.consumer)
	}
	return consumers
}

// Close silences the peer and closes every transport it owns. Closing a transport releases the
// producers and consumers carried on it.
func (p *Peer) Close() {
	p.lock.Lock()
	if p.closed.IsBroken() {
		p.lock.Unlock()
		return
	}
	p.closed.Break()
	transports := make([]*TransportInfo, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	p.lock.Unlock()

	for _, t := range transports {
		t.transport.Close()
	}
}

func (p *Peer) IsClosed() bool {
	return p.closed.IsBroken()
}
