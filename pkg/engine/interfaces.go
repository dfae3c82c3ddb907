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

// Package engine describes the media engine the relay orchestrates. The engine owns all media
// plumbing; the relay only creates, connects and closes engine objects on behalf of peers.
//
// Close handlers registered with On* methods run once, on the goroutine that caused the close,
// after the object has been marked closed. They must not block.
package engine

import (
	"context"
	"errors"
)

var (
	ErrWorkerClosed     = errors.New("worker closed")
	ErrRouterClosed     = errors.New("router closed")
	ErrTransportClosed  = errors.New("transport closed")
	ErrProducerClosed   = errors.New("producer closed")
	ErrConsumerClosed   = errors.New("consumer closed")
	ErrProducerUnknown  = errors.New("producer not found in router")
	ErrAlreadyConnected = errors.New("transport already connected")
)

type Engine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	// OnDied is called when the worker stops unexpectedly, never after Close.
	OnDied(f func(err error))
	Close()
	IsClosed() bool
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (WebRtcTransport, error)
	CanConsume(producerID string, caps RtpCapabilities) bool
	Close()
	IsClosed() bool
}

type WebRtcTransport interface {
	ID() string
	IceParameters() IceParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DtlsParameters
	DtlsState() DtlsState
	Connect(ctx context.Context, opts TransportConnectOptions) error
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	OnDtlsStateChange(f func(state DtlsState))
	OnClose(f func())
	Close()
	IsClosed() bool
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	OnClose(f func())
	Close()
	IsClosed() bool
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Type() ConsumerType
	Paused() bool
	ProducerPaused() bool
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	OnClose(f func(reason CloseReason))
	Close()
	IsClosed() bool
}
