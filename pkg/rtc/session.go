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
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/media-relay/pkg/telemetry/prometheus"
	"github.com/livekit/protocol/logger"
)

// RoomProvider resolves room ids to live rooms, creating them on first use.
type RoomProvider interface {
	GetOrCreateRoom(ctx context.Context, roomID string) (*Room, error)
}

type SessionState int

const (
	SessionStateIdle SessionState = iota
	// room id bound, no Peer yet
	SessionStateRoomJoined
	// Peer created and visible to the room
	SessionStateAnnounced
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "IDLE"
	case SessionStateRoomJoined:
		return "ROOM_JOINED"
	case SessionStateAnnounced:
		return "ANNOUNCED"
	case SessionStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type SessionParams struct {
	// connection id, also used as peer id
	ID               string
	Rooms            RoomProvider
	Sink             SignalSink
	TransportOptions engine.WebRtcTransportOptions
	// how long a single engine call may take
	RequestTimeout time.Duration
	Logger         logger.Logger
}

type requestHandler func(ctx context.Context, data json.RawMessage) (interface{}, error)

// Session is the signaling state of one client connection. Requests of a session must be handled
// one at a time, in arrival order; different sessions run concurrently.
type Session struct {
	params   SessionParams
	logger   logger.Logger
	handlers map[string]requestHandler

	lock   sync.Mutex
	state  SessionState
	roomID string
	room   *Room
	peer   *Peer
	closed core.Fuse
}

func NewSession(params SessionParams) *Session {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.RequestTimeout == 0 {
		params.RequestTimeout = 10 * time.Second
	}
	s := &Session{
		params: params,
		logger: params.Logger.WithValues("connID", params.ID),
	}
	s.handlers = s.dispatchTable()
	return s
}

func (s *Session) ID() string {
	return s.params.ID
}

func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Session) RoomID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.roomID
}

func (s *Session) Peer() *Peer {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.peer
}

// HandleMessage processes one raw frame from the client and writes the response, if any.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debugw("could not parse message", "error", err)
		s.pushError(errors.Wrap(ErrInvalidRequest, err.Error()))
		return
	}

	var (
		data interface{}
		err  error
	)
	if msg.Method == "" {
		err = errors.Wrap(ErrInvalidRequest, "missing method")
	} else {
		data, err = s.HandleRequest(ctx, msg.Method, msg.Data)
	}

	if msg.ID != nil {
		s.respond(*msg.ID, data, err)
		return
	}
	// no id, nobody waits for a response
	if err != nil {
		s.pushError(err)
	}
}

func (s *Session) respond(id uint64, data interface{}, err error) {
	if werr := s.params.Sink.WriteMessage(NewResponse(id, data, err)); werr != nil {
		s.logger.Debugw("could not write response", "id", id, "error", werr)
	}
}

// HandleRequest runs one request through the dispatch table. A panic inside a handler fails the
// request with ErrInternal instead of taking the connection down.
func (s *Session) HandleRequest(ctx context.Context, method string, data json.RawMessage) (result interface{}, err error) {
	method = normalizeMethod(method)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("panic handling request", nil, "method", method, "panic", r)
			result, err = nil, ErrInternal
		}
		status := "success"
		if err != nil {
			status = "failure"
			s.logger.Debugw("request failed", "method", method, "error", err)
		}
		prometheus.RecordSignalMessage(method, status)
	}()

	if s.closed.IsBroken() {
		return nil, ErrSessionClosed
	}
	handler, ok := s.handlers[method]
	if !ok {
		return nil, errors.Wrap(ErrUnknownMethod, method)
	}
	return handler(ctx, data)
}

func (s *Session) push(method string, data interface{}) {
	if s.closed.IsBroken() {
		return
	}
	if err := s.params.Sink.WriteMessage(NewNotification(method, data)); err != nil {
		s.logger.Debugw("could not push event", "method", method, "error", err)
	}
}

func (s *Session) pushError(err error) {
	s.push(EventError, ErrorEvent{Error: err.Error()})
}

// Close tears the session down as if the client had left the room. It is safe to call more than once.
func (s *Session) Close() {
	if s.closed.IsBroken() {
		return
	}
	s.closed.Break()
	s.leave()

	s.lock.Lock()
	s.state = SessionStateClosed
	s.lock.Unlock()
}

func (s *Session) IsClosed() bool {
	return s.closed.IsBroken()
}

// bindRoom holds the room for this connection, looking it up again if it closed in between.
func (s *Session) bindRoom(ctx context.Context, roomID string) (*Room, error) {
	for i := 0; i < 3; i++ {
		room, err := s.params.Rooms.GetOrCreateRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if room.Hold() {
			return room, nil
		}
	}
	return nil, ErrRoomClosed
}

func (s *Session) currentPeer() (*Room, *Peer, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.room == nil {
		return nil, nil, ErrRoomNotJoined
	}
	if s.peer == nil {
		return nil, nil, ErrNotAnnounced
	}
	return s.room, s.peer, nil
}

// leave closes every transport of the peer, removes it from the room once and tells the
// remaining peers, in that order. The session may join again afterwards.
func (s *Session) leave() {
	s.lock.Lock()
	room, peer := s.room, s.peer
	s.room, s.peer, s.roomID = nil, nil, ""
	if s.state != SessionStateClosed {
		s.state = SessionStateIdle
	}
	s.lock.Unlock()

	if room == nil {
		return
	}
	if peer != nil {
		peer.Close()
		if _, removed := room.RemovePeer(peer.ID()); removed {
			room.Broadcast(peer.ID(), EventPeerLeft, PeerLeftEvent{ID: peer.ID()})
		}
	}
	room.Release()
	s.logger.Infow("left room", "room", room.ID())
}

func (s *Session) engineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.params.RequestTimeout)
}

func decodeRequest(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return nil
}
