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
	"encoding/json"
	"strings"

	"github.com/livekit/media-relay/pkg/engine"
)

// request methods
const (
	MethodGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	MethodJoin                     = "join"
	MethodJoinRoom                 = "joinRoom"
	MethodCreateProducerTransport  = "createProducerTransport"
	MethodCreateConsumerTransport  = "createConsumerTransport"
	MethodConnectTransport         = "connectTransport"
	MethodConnectProducerTransport = "connectProducerTransport"
	MethodConnectConsumerTransport = "connectConsumerTransport"
	MethodProduce                  = "produce"
	MethodConsume                  = "consume"
	MethodResumeConsumer           = "resumeConsumer"
	MethodCloseProducer            = "closeProducer"
	MethodLeaveRoom                = "leaveRoom"
)

// pushed events
const (
	EventPeerJoined     = "peerJoined"
	EventPeerLeft       = "peerLeft"
	EventAvailablePeers = "availablePeers"
	EventNewProducer    = "newProducer"
	EventNewConsumer    = "newConsumer"
	EventConsumerClosed = "consumerClosed"
	EventError          = "error"
)

// clients written against socket.io servers prefix every event
const legacyMethodPrefix = "mediasoup:"

func normalizeMethod(method string) string {
	return strings.TrimPrefix(method, legacyMethodPrefix)
}

// Message is any frame received from a client. Requests carrying an id expect a response,
// requests and notifications without one are fire-and-forget.
type Message struct {
	Request      bool            `json:"request,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           *uint64         `json:"id,omitempty"`
	Method       string          `json:"method"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	Response bool        `json:"response"`
	ID       uint64      `json:"id"`
	OK       bool        `json:"ok"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type Notification struct {
	Notification bool        `json:"notification"`
	Method       string      `json:"method"`
	Data         interface{} `json:"data,omitempty"`
}

func NewResponse(id uint64, data interface{}, err error) *Response {
	if err != nil {
		return &Response{Response: true, ID: id, Error: err.Error()}
	}
	return &Response{Response: true, ID: id, OK: true, Data: data}
}

func NewNotification(method string, data interface{}) *Notification {
	return &Notification{Notification: true, Method: method, Data: data}
}

// SignalSink delivers frames to one client connection. Implementations must not block on the
// network, broadcasts to a room write to every peer's sink in turn.
type SignalSink interface {
	WriteMessage(msg interface{}) error
}

// ---------------------------------------------
// request payloads

type GetRouterRtpCapabilitiesRequest struct {
	RoomID string `json:"roomId"`
}

type JoinRequest struct {
	RoomID string `json:"roomId"`
}

type JoinRoomRequest struct {
	DisplayName     string                 `json:"displayName"`
	RtpCapabilities engine.RtpCapabilities `json:"rtpCapabilities"`
}

type ConnectTransportRequest struct {
	TransportID    string                 `json:"transportId"`
	DtlsParameters *engine.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *engine.IceParameters  `json:"iceParameters,omitempty"`
	IceCandidates  []engine.IceCandidate  `json:"iceCandidates,omitempty"`
}

type ProduceRequest struct {
	TransportID   string                 `json:"transportId"`
	Kind          engine.MediaKind       `json:"kind"`
	RtpParameters engine.RtpParameters   `json:"rtpParameters"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

type ConsumeRequest struct {
	PeerID          string                  `json:"peerId"`
	RtpCapabilities *engine.RtpCapabilities `json:"rtpCapabilities,omitempty"`
}

type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

// ---------------------------------------------
// replies and events

type TransportResponse struct {
	ID             string                `json:"id"`
	IceParameters  engine.IceParameters  `json:"iceParameters"`
	IceCandidates  []engine.IceCandidate `json:"iceCandidates"`
	DtlsParameters engine.DtlsParameters `json:"dtlsParameters"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeResponse struct {
	ConsumerIDs []string `json:"consumerIds"`
}

type PeerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type PeerLeftEvent struct {
	ID string `json:"id"`
}

type AvailablePeersEvent struct {
	OtherPeerDetails []PeerInfo `json:"otherPeerDetails"`
}

type NewProducerEvent struct {
	ProducerID     string           `json:"producerId"`
	ProducerPeerID string           `json:"producerPeerId"`
	Kind           engine.MediaKind `json:"kind"`
}

type NewConsumerEvent struct {
	PeerID         string                 `json:"peerId"`
	ProducerID     string                 `json:"producerId"`
	ID             string                 `json:"id"`
	Kind           engine.MediaKind       `json:"kind"`
	RtpParameters  engine.RtpParameters   `json:"rtpParameters"`
	Type           engine.ConsumerType    `json:"type"`
	AppData        map[string]interface{} `json:"appData,omitempty"`
	ProducerPaused bool                   `json:"producerPaused"`
}

type ConsumerClosedEvent struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}
