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

// Package sfu is the production media engine. It drives pion's ORTC objects directly: every
// transport owns an ICE-lite gatherer, an ICE transport and a DTLS transport, producers read RTP
// from an RTPReceiver and forward it to the RTPSenders of their consumers.
package sfu

import (
	"context"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/protocol/logger"
)

const defaultMaxHandshakes = 64

type EngineParams struct {
	// concurrent ICE/DTLS handshakes per worker
	MaxHandshakes int
	Logger        logger.Logger
}

type Engine struct {
	params EngineParams
}

func NewEngine(params EngineParams) *Engine {
	if params.MaxHandshakes <= 0 {
		params.MaxHandshakes = defaultMaxHandshakes
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger().WithName("sfu")
	}
	return &Engine{params: params}
}

func (e *Engine) CreateWorker(ctx context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newWorker(settings, e.params)
}
