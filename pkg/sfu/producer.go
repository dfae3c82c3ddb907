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
	"errors"
	"io"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/media-relay/pkg/telemetry/prometheus"
	"github.com/livekit/protocol/logger"
)

const (
	bitrateCapInterval = 5 * time.Second
	minKeyFrameGap     = 500 * time.Millisecond
)

type Producer struct {
	id         string
	kind       engine.MediaKind
	params     engine.RtpParameters
	consumable engine.RtpParameters
	ssrc       uint32
	transport  *Transport
	receiver   *webrtc.RTPReceiver
	logger     logger.Logger
	paused     atomic.Bool

	lock      sync.RWMutex
	consumers map[string]*Consumer
	// copy on write, read for every packet
	downTracks []*Consumer
	onClose    []func()
	lastKeyReq time.Time
	closed     atomic.Bool
	done       core.Fuse
}

func newProducer(t *Transport, opts engine.ProducerOptions, consumable engine.RtpParameters, receiver *webrtc.RTPReceiver) *Producer {
	p := &Producer{
		id:         uuid.NewString(),
		kind:       opts.Kind,
		params:     opts.RtpParameters,
		consumable: consumable,
		ssrc:       opts.RtpParameters.Encodings[0].SSRC,
		transport:  t,
		receiver:   receiver,
		consumers:  make(map[string]*Consumer),
	}
	p.logger = t.logger.WithValues("producer", p.id, "kind", p.kind)
	p.paused.Store(opts.Paused)
	return p
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

// start begins receiving. Called once DTLS is connected.
func (p *Producer) start() {
	if p.closed.Load() {
		return
	}
	codec := p.params.MediaCodecs()[0]
	enc := p.params.Encodings[0]
	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         enc.Rid,
				SSRC:        webrtc.SSRC(enc.SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		p.logger.Warnw("could not start receiving", err)
		p.Close()
		return
	}

	go p.drainRTCP()
	if p.transport.opts.MaxIncomingBitrate > 0 && p.kind == engine.MediaKindVideo {
		go p.bitrateCapWorker(p.transport.opts.MaxIncomingBitrate)
	}
	p.forward()
}

func (p *Producer) forward() {
	track := p.receiver.Track()
	if track == nil {
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !p.closed.Load() && !errors.Is(err, io.EOF) {
				p.logger.Debugw("stopped reading", "error", err)
			}
			return
		}
		prometheus.IncrementPackets(prometheus.Incoming, 1, uint64(pkt.MarshalSize()))
		if p.paused.Load() {
			continue
		}

		p.lock.RLock()
		downTracks := p.downTracks
		p.lock.RUnlock()
		for _, c := range downTracks {
			c.writeRTP(pkt)
		}
	}
}

func (p *Producer) drainRTCP() {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (p *Producer) bitrateCapWorker(bitrate uint32) {
	ticker := time.NewTicker(bitrateCapInterval)
	defer ticker.Stop()

	for {
		if err := p.transport.writeRTCP(&rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(bitrate),
			SSRCs:   []uint32{p.ssrc},
		}); err != nil {
			p.logger.Debugw("could not write remb", "error", err)
		}

		select {
		case <-p.done.Watch():
			return
		case <-ticker.C:
		}
	}
}

// requestKeyFrame asks the sending endpoint for a key frame, at most once per minKeyFrameGap.
func (p *Producer) requestKeyFrame() {
	if p.kind != engine.MediaKindVideo || p.closed.Load() {
		return
	}
	p.lock.Lock()
	if time.Since(p.lastKeyReq) < minKeyFrameGap {
		p.lock.Unlock()
		return
	}
	p.lastKeyReq = time.Now()
	p.lock.Unlock()

	if err := p.transport.writeRTCP(&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}); err != nil {
		p.logger.Debugw("could not write pli", "error", err)
		return
	}
	prometheus.IncrementPLI(prometheus.Outgoing)
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed.Load() {
		return false
	}
	p.consumers[c.id] = c
	p.downTracks = append(append(make([]*Consumer, 0, len(p.downTracks)+1), p.downTracks...), c)
	return true
}

func (p *Producer) removeConsumer(id string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.consumers[id]; !ok {
		return
	}
	delete(p.consumers, id)
	downTracks := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.downTracks {
		if c.id != id {
			downTracks = append(downTracks, c)
		}
	}
	p.downTracks = downTracks
}

// Close closes every consumer of this producer with CloseReasonProducerClosed.
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
	p.done.Break()

	p.transport.router.removeProducer(p.id)
	p.transport.removeProducer(p.id)
	for _, c := range consumers {
		c.close(engine.CloseReasonProducerClosed)
	}
	if err := p.receiver.Stop(); err != nil {
		p.logger.Debugw("could not stop receiver", "error", err)
	}

	for _, h := range handlers {
		h()
	}
}

func (p *Producer) IsClosed() bool {
	return p.closed.Load()
}
