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

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/media-relay/pkg/telemetry/prometheus"
	"github.com/livekit/protocol/logger"
)

type Consumer struct {
	id        string
	producer  *Producer
	params    engine.RtpParameters
	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	logger    logger.Logger
	paused    atomic.Bool

	lock    sync.Mutex
	onClose []func(engine.CloseReason)
	closed  atomic.Bool
}

func newConsumer(t *Transport, p *Producer, params engine.RtpParameters, paused bool) (*Consumer, error) {
	codec := params.Codecs[0]
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(codecParameters(codec).RTPCodecCapability, id, p.id)
	if err != nil {
		return nil, errors.Wrap(err, "could not create track")
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, errors.Wrap(err, "could not create sender")
	}

	// the sender picks the outgoing ssrc
	ssrc := sender.GetParameters().Encodings[0].SSRC
	params.Encodings = []engine.RtpEncodingParameters{{SSRC: uint32(ssrc)}}
	if err := sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        ssrc,
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	}); err != nil {
		_ = sender.Stop()
		return nil, errors.Wrap(err, "could not start sender")
	}

	c := &Consumer{
		id:        id,
		producer:  p,
		params:    params,
		transport: t,
		track:     track,
		sender:    sender,
		logger:    t.logger.WithValues("consumer", id, "producer", p.id),
	}
	c.paused.Store(paused)
	return c, nil
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

// Resume starts forwarding and asks the producer for a key frame so the decoder can start.
func (c *Consumer) Resume(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrConsumerClosed
	}
	if c.paused.Swap(false) {
		c.producer.requestKeyFrame()
	}
	return nil
}

func (c *Consumer) Pause(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrConsumerClosed
	}
	c.paused.Store(true)
	return nil
}

func (c *Consumer) writeRTP(pkt *rtp.Packet) {
	if c.paused.Load() || c.closed.Load() {
		return
	}
	if err := c.track.WriteRTP(pkt); err != nil {
		c.logger.Debugw("could not forward packet", "error", err)
		return
	}
	prometheus.IncrementPackets(prometheus.Outgoing, 1, uint64(pkt.MarshalSize()))
}

func (c *Consumer) rtcpWorker() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				prometheus.IncrementPLI(prometheus.Incoming)
				c.producer.requestKeyFrame()
			}
		}
	}
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
	c.stop()

	c.lock.Lock()
	handlers := append([]func(engine.CloseReason){}, c.onClose...)
	c.lock.Unlock()

	for _, h := range handlers {
		h(reason)
	}
}

func (c *Consumer) stop() {
	if err := c.sender.Stop(); err != nil {
		c.logger.Debugw("could not stop sender", "error", err)
	}
}

func (c *Consumer) IsClosed() bool {
	return c.closed.Load()
}
