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
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/media-relay/pkg/telemetry/prometheus"
)

func (s *Session) dispatchTable() map[string]requestHandler {
	return map[string]requestHandler{
		MethodGetRouterRtpCapabilities: s.handleGetRouterRtpCapabilities,
		MethodJoin:                     s.handleJoin,
		MethodJoinRoom:                 s.handleJoinRoom,
		MethodCreateProducerTransport: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return s.createTransport(ctx, TransportDirectionSend)
		},
		MethodCreateConsumerTransport: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return s.createTransport(ctx, TransportDirectionRecv)
		},
		MethodConnectTransport: func(ctx context.Context, data json.RawMessage) (interface{}, error) {
			return s.connectTransport(ctx, data, "")
		},
		MethodConnectProducerTransport: func(ctx context.Context, data json.RawMessage) (interface{}, error) {
			return s.connectTransport(ctx, data, TransportDirectionSend)
		},
		MethodConnectConsumerTransport: func(ctx context.Context, data json.RawMessage) (interface{}, error) {
			return s.connectTransport(ctx, data, TransportDirectionRecv)
		},
		MethodProduce:        s.handleProduce,
		MethodConsume:        s.handleConsume,
		MethodResumeConsumer: s.handleResumeConsumer,
		MethodCloseProducer:  s.handleCloseProducer,
		MethodLeaveRoom: func(_ context.Context, _ json.RawMessage) (interface{}, error) {
			s.leave()
			return nil, nil
		},
	}
}

func (s *Session) handleGetRouterRtpCapabilities(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req GetRouterRtpCapabilitiesRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = s.RoomID()
	}
	if roomID == "" {
		return nil, ErrMissingRoomID
	}

	room, err := s.params.Rooms.GetOrCreateRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Router().RtpCapabilities(), nil
}

func (s *Session) handleJoin(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req JoinRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	if req.RoomID == "" {
		return nil, ErrMissingRoomID
	}

	s.lock.Lock()
	current, peer := s.room, s.peer
	s.lock.Unlock()
	if current != nil {
		if current.ID() == req.RoomID {
			return nil, nil
		}
		if peer != nil {
			return nil, ErrAlreadyJoined
		}
	}

	room, err := s.bindRoom(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	s.room = room
	s.roomID = room.ID()
	s.state = SessionStateRoomJoined
	s.lock.Unlock()

	if current != nil {
		// rebinding a connection that never announced itself
		current.Release()
	}
	s.logger.Infow("joined room", "room", room.ID())
	return nil, nil
}

func (s *Session) handleJoinRoom(_ context.Context, data json.RawMessage) (interface{}, error) {
	var req JoinRoomRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}

	s.lock.Lock()
	room, existing := s.room, s.peer
	s.lock.Unlock()
	if room == nil {
		return nil, ErrRoomNotJoined
	}
	if existing != nil {
		return nil, ErrAlreadyJoined
	}

	peer := NewPeer(PeerParams{
		ID:              s.params.ID,
		DisplayName:     req.DisplayName,
		RtpCapabilities: req.RtpCapabilities,
		Sink:            s.params.Sink,
		Logger:          s.logger,
	})
	others, err := room.AddPeer(peer)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	s.peer = peer
	s.state = SessionStateAnnounced
	s.lock.Unlock()

	details := make([]PeerInfo, 0, len(others))
	for _, other := range others {
		if err := other.SendNotification(EventPeerJoined, peer.Info()); err != nil {
			s.logger.Debugw("could not notify peer", "peer", other.ID(), "error", err)
		}
		details = append(details, other.Info())
	}
	s.push(EventAvailablePeers, AvailablePeersEvent{OtherPeerDetails: details})
	return nil, nil
}

func (s *Session) createTransport(ctx context.Context, direction TransportDirection) (interface{}, error) {
	room, peer, err := s.currentPeer()
	if err != nil {
		return nil, err
	}

	opts := s.params.TransportOptions
	opts.AppData = map[string]interface{}{
		"peerId":    peer.ID(),
		"direction": string(direction),
	}
	ectx, cancel := s.engineContext(ctx)
	defer cancel()
	t, err := room.Router().CreateWebRtcTransport(ectx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "could not create transport")
	}

	_, replaced := peer.AddTransport(t, direction)
	prometheus.AddTransport(string(direction))

	t.OnDtlsStateChange(func(state engine.DtlsState) {
		if state == engine.DtlsStateClosed || state == engine.DtlsStateFailed {
			s.logger.Debugw("transport dtls ended", "transport", t.ID(), "state", state)
			t.Close()
		}
	})
	t.OnClose(func() {
		s.onTransportClosed(peer, t.ID(), direction)
	})
	if t.IsClosed() {
		s.onTransportClosed(peer, t.ID(), direction)
	}

	if replaced != nil {
		s.logger.Debugw("replacing transport", "old", replaced.ID(), "new", t.ID(), "direction", direction)
		replaced.Transport().Close()
	}

	s.logger.Debugw("transport created", "transport", t.ID(), "direction", direction)
	return TransportResponse{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}, nil
}

func (s *Session) onTransportClosed(peer *Peer, transportID string, direction TransportDirection) {
	if peer.RemoveTransport(transportID) != nil {
		prometheus.SubTransport(string(direction))
		s.logger.Debugw("transport closed", "transport", transportID, "direction", direction)
	}
}

// connectTransport serves connectTransport and its per-direction aliases. The aliases may leave
// out the transport id, the peer's transport of that direction is used then.
func (s *Session) connectTransport(ctx context.Context, data json.RawMessage, direction TransportDirection) (interface{}, error) {
	var req ConnectTransportRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	_, peer, err := s.currentPeer()
	if err != nil {
		return nil, err
	}

	var info *TransportInfo
	if req.TransportID != "" {
		info = peer.GetTransport(req.TransportID)
	} else if direction != "" {
		info = peer.TransportByDirection(direction)
	}
	if info == nil || info.State() == TransportStateClosed {
		return nil, withID(ErrTransportNotFound, req.TransportID)
	}
	if direction != "" && info.Direction() != direction {
		return nil, ErrWrongTransportDirection
	}
	if info.State() == TransportStateConnected {
		return nil, ErrTransportAlreadyConnected
	}
	if req.DtlsParameters == nil || len(req.DtlsParameters.Fingerprints) == 0 {
		return nil, ErrMissingDtlsParameters
	}

	ectx, cancel := s.engineContext(ctx)
	defer cancel()
	if err := info.Transport().Connect(ectx, engine.TransportConnectOptions{
		DtlsParameters: *req.DtlsParameters,
		IceParameters:  req.IceParameters,
		IceCandidates:  req.IceCandidates,
	}); err != nil {
		return nil, errors.Wrap(err, "could not connect transport")
	}
	info.setState(TransportStateConnected)
	s.logger.Debugw("transport connected", "transport", info.ID(), "direction", info.Direction())
	return nil, nil
}

func (s *Session) handleProduce(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req ProduceRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	room, peer, err := s.currentPeer()
	if err != nil {
		return nil, err
	}

	info := peer.GetTransport(req.TransportID)
	if info == nil || info.State() == TransportStateClosed {
		return nil, withID(ErrTransportNotFound, req.TransportID)
	}
	if info.Direction() != TransportDirectionSend {
		return nil, ErrWrongTransportDirection
	}
	if info.State() != TransportStateConnected {
		return nil, ErrTransportNotConnected
	}
	if !req.Kind.Valid() {
		return nil, ErrInvalidKind
	}

	ectx, cancel := s.engineContext(ctx)
	defer cancel()
	producer, err := info.Transport().Produce(ectx, engine.ProducerOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData:       req.AppData,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not produce")
	}

	peer.AddProducer(producer)
	prometheus.AddProducer(string(req.Kind))
	producer.OnClose(func() {
		s.onProducerClosed(peer, producer)
	})
	if producer.IsClosed() {
		s.onProducerClosed(peer, producer)
		return nil, engine.ErrProducerClosed
	}

	s.logger.Infow("producer created", "producer", producer.ID(), "kind", req.Kind, zap.Inline(req.RtpParameters))
	room.Broadcast(peer.ID(), EventNewProducer, NewProducerEvent{
		ProducerID:     producer.ID(),
		ProducerPeerID: peer.ID(),
		Kind:           req.Kind,
	})
	return ProduceResponse{ID: producer.ID()}, nil
}

func (s *Session) onProducerClosed(peer *Peer, producer engine.Producer) {
	if peer.RemoveProducer(producer.ID()) {
		prometheus.SubProducer(string(producer.Kind()))
		s.logger.Debugw("producer closed", "producer", producer.ID())
	}
}

// handleConsume creates a paused consumer for every producer of the target peer that the
// requester can receive. Incompatible producers are skipped, a target without producers yields
// no consumers. The receive transport may still be unconnected since clients connect it lazily
// on the first consumer; resumeConsumer is what requires the connection.
// If the engine fails midway, the consumers already created by this request are closed again.
func (s *Session) handleConsume(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req ConsumeRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	room, peer, err := s.currentPeer()
	if err != nil {
		return nil, err
	}

	if req.PeerID == peer.ID() {
		return nil, ErrCannotConsumeSelf
	}
	target := room.GetPeer(req.PeerID)
	if target == nil {
		return nil, withID(ErrPeerNotFound, req.PeerID)
	}
	recv := peer.TransportByDirection(TransportDirectionRecv)
	if recv == nil {
		return nil, ErrNoReceiveTransport
	}

	caps := peer.RtpCapabilities()
	if req.RtpCapabilities != nil {
		caps = *req.RtpCapabilities
	}

	consumerIDs := make([]string, 0)
	var created []engine.Consumer
	for _, producer := range target.Producers() {
		if !room.Router().CanConsume(producer.ID(), caps) {
			s.logger.Debugw("cannot consume producer", "producer", producer.ID(), "producerPeer", target.ID())
			prometheus.RecordConsumeSkipped()
			continue
		}

		ectx, cancel := s.engineContext(ctx)
		consumer, err := recv.Transport().Consume(ectx, engine.ConsumerOptions{
			ProducerID:      producer.ID(),
			RtpCapabilities: caps,
			Paused:          true,
		})
		cancel()
		if err != nil {
			if errors.Is(err, engine.ErrProducerUnknown) || errors.Is(err, engine.ErrProducerClosed) {
				// producer went away since it was listed
				continue
			}
			s.abortConsume(created)
			return nil, errors.Wrap(err, "could not consume")
		}

		peer.AddConsumer(consumer, recv.ID())
		prometheus.AddConsumer(string(consumer.Kind()))
		consumer.OnClose(func(reason engine.CloseReason) {
			s.onConsumerClosed(peer, consumer, reason)
		})
		if consumer.IsClosed() {
			// the client never heard of it, nothing to report
			s.onConsumerClosed(peer, consumer, engine.CloseReasonLocal)
			continue
		}

		s.push(EventNewConsumer, NewConsumerEvent{
			PeerID:         target.ID(),
			ProducerID:     producer.ID(),
			ID:             consumer.ID(),
			Kind:           consumer.Kind(),
			RtpParameters:  consumer.RtpParameters(),
			Type:           consumer.Type(),
			ProducerPaused: consumer.ProducerPaused(),
		})
		consumerIDs = append(consumerIDs, consumer.ID())
		created = append(created, consumer)
	}

	s.logger.Debugw("consumed peer", "producerPeer", target.ID(), "consumers", len(consumerIDs))
	return ConsumeResponse{ConsumerIDs: consumerIDs}, nil
}

// abortConsume closes consumers the client was already told about, following each newConsumer
// with a consumerClosed.
func (s *Session) abortConsume(consumers []engine.Consumer) {
	for _, consumer := range consumers {
		consumer.Close()
		s.push(EventConsumerClosed, ConsumerClosedEvent{
			ConsumerID: consumer.ID(),
			ProducerID: consumer.ProducerID(),
		})
	}
}

// onConsumerClosed runs on the engine's goroutine. Consumers closed by the engine because their
// producer or transport went away are reported to the client, consumers closed on request are not.
func (s *Session) onConsumerClosed(peer *Peer, consumer engine.Consumer, reason engine.CloseReason) {
	if !peer.RemoveConsumer(consumer.ID()) {
		return
	}
	prometheus.SubConsumer(string(consumer.Kind()))
	s.logger.Debugw("consumer closed", "consumer", consumer.ID(), "reason", reason)

	if reason == engine.CloseReasonLocal {
		return
	}
	if err := peer.SendNotification(EventConsumerClosed, ConsumerClosedEvent{
		ConsumerID: consumer.ID(),
		ProducerID: consumer.ProducerID(),
	}); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Debugw("could not notify consumer closed", "consumer", consumer.ID(), "error", err)
	}
}

// handleResumeConsumer succeeds without doing anything for consumers that are gone or already
// running.
func (s *Session) handleResumeConsumer(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req ResumeConsumerRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	_, peer, err := s.currentPeer()
	if err != nil {
		return nil, err
	}

	consumer := peer.GetConsumer(req.ConsumerID)
	if consumer == nil || consumer.IsClosed() {
		s.logger.Debugw("resume of unknown consumer", "consumer", req.ConsumerID)
		return nil, nil
	}
	info := peer.consumerTransport(req.ConsumerID)
	if info == nil || info.State() == TransportStateClosed {
		return nil, nil
	}
	if info.State() != TransportStateConnected {
		return nil, ErrTransportNotConnected
	}
	if !consumer.Paused() {
		return nil, nil
	}

	ectx, cancel := s.engineContext(ctx)
	defer cancel()
	if err := consumer.Resume(ectx); err != nil {
		if errors.Is(err, engine.ErrConsumerClosed) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "could not resume consumer")
	}
	s.logger.Debugw("consumer resumed", "consumer", consumer.ID())
	return nil, nil
}

func (s *Session) handleCloseProducer(_ context.Context, data json.RawMessage) (interface{}, error) {
	var req CloseProducerRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	_, peer, err := s.currentPeer()
	if err != nil {
		return nil, err
	}

	producer := peer.GetProducer(req.ProducerID)
	if producer == nil {
		return nil, withID(ErrProducerNotFound, req.ProducerID)
	}
	producer.Close()
	// in case the engine reports closure asynchronously
	s.onProducerClosed(peer, producer)
	return nil, nil
}

func withID(err error, id string) error {
	if id == "" {
		return err
	}
	return errors.Wrap(err, id)
}
