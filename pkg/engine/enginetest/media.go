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
	"sync"

	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
)

type Producer struct {
	id         string
	kind       engine.MediaKind
	params     engine.RtpParameters
	consumable engine.RtpParameters
	transport  *Transport
	paused     atomic.Bool

	lock      sync.Mutex
	consumers map[string]*Consumer
	onClose   []func()
	closed    atomic.Bool
}

func (p *Producer) ID() string {
	return p.id
}

func (p *Producer) Kind() engine.MediaKind {
	return p.kind
}

func (p *Producer) RtpParameters() engine.RtpParameters {
	return p.params
}

func (p *Producer) Paused() bool {
	return p.paused.Load()
}

func (p *Producer) OnClose(f func()) {
	p.lock.Lock()
	p.onClose = append(p.onClose, f)
	p.lock.Unlock()
}

func (p *Producer) Consumers() []*Consumer {
	p.lock.Lock()
	defer p.lock.Unlock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	return consumers
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed.Load() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id string) {
	p.lock.Lock()
	delete(p.consumers, id)
	p.lock.Unlock()
}

func (p *Producer) Close() {
	p.lock.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.lock.Unlock()
		return
	}
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	handlers := append([]func(){}, p.onClose...)
	p.lock.Unlock()

	p.transport.router.removeProducer(p.id)
	p.transport.removeProducer(p.id)
	for _, c := range consumers {
		c.close(engine.CloseReasonProducerClosed)
	}

	for _, h := range handlers {
		h()
	}
}

func (p *Producer) IsClosed() bool {
	return p.closed.Load()
}

// ---------------------------------------------

type Consumer struct {
	id        string
	producer  *Producer
	params    engine.RtpParameters
	transport *Transport
	paused    atomic.Bool

	lock    sync.Mutex
	onClose []func(engine.CloseReason)
	closed  atomic.Bool
}

func (c *Consumer) ID() string {
	return c.id
}

func (c *Consumer) ProducerID() string {
	return c.producer.id
}

func (c *Consumer) Kind() engine.MediaKind {
	return c.producer.kind
}

func (c *Consumer) RtpParameters() engine.RtpParameters {
	return c.params
}

func (c *Consumer) Type() engine.ConsumerType {
	return engine.ConsumerTypeSimple
}

func (c *Consumer) Paused() bool {
	return c.paused.Load()
}

func (c *Consumer) ProducerPaused() bool {
	return c.producer.Paused()
}

func (c *Consumer) Resume(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrConsumerClosed
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Pause(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrConsumerClosed
	}
	c.paused.Store(true)
	return nil
}

func (c *Consumer) OnClose(f func(reason engine.CloseReason)) {
	c.lock.Lock()
	c.onClose = append(c.onClose, f)
	c.lock.Unlock()
}

func (c *Consumer) Close() {
	c.close(engine.CloseReasonLocal)
}

func (c *Consumer) close(reason engine.CloseReason) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)

	c.lock.Lock()
	handlers := append([]func(engine.CloseReason){}, c.onClose...)
	c.lock.Unlock()

	for _, h := range handlers {
		h(reason)
	}
}

func (c *Consumer) IsClosed() bool {
	return c.closed.Load()
}
