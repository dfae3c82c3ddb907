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

package service

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/rtc"
	"github.com/livekit/media-relay/pkg/utils"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"
)

// SignalService accepts websocket connections and runs one signaling session per connection.
type SignalService struct {
	config   *config.Config
	rooms    *RoomManager
	upgrader websocket.Upgrader
	logger   logger.Logger

	numConnections atomic.Int32
}

func NewSignalService(conf *config.Config, rooms *RoomManager) *SignalService {
	s := &SignalService{
		config: conf,
		rooms:  rooms,
		logger: logger.GetLogger().WithName("signal"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(conf.CORS.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *SignalService) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("GET /signal", s)
	// clients that connect to the bare host
	mux.Handle("GET /{$}", s)
}

func (s *SignalService) NumConnections() int {
	return int(s.numConnections.Load())
}

func (s *SignalService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response
		s.logger.Debugw("could not upgrade connection", "error", err, "remote", GetClientIP(r))
		return
	}

	connID := guid.New(utils.ConnectionPrefix)
	connLogger := s.logger.WithValues("connID", connID)
	wsc := NewWSSignalConnection(conn, WSSignalConnectionParams{
		PingInterval:   s.config.Signal.PingInterval,
		PingTimeout:    s.config.Signal.PingTimeout,
		MaxMessageSize: s.config.Signal.MaxMessageSize,
		WriteQueueSize: s.config.Signal.WriteQueueSize,
		Logger:         connLogger,
	})
	session := rtc.NewSession(rtc.SessionParams{
		ID:               connID,
		Rooms:            s.rooms,
		Sink:             wsc,
		TransportOptions: s.config.RTC.TransportOptions(),
		RequestTimeout:   s.config.RTC.RequestTimeout,
		Logger:           connLogger,
	})

	s.numConnections.Inc()
	connLogger.Infow("client connected", "remote", GetClientIP(r), "connections", s.NumConnections())
	defer func() {
		session.Close()
		_ = wsc.Close()
		s.numConnections.Dec()
		connLogger.Infow("client disconnected", "connections", s.NumConnections())
	}()

	// requests of one connection are handled in order, on this goroutine
	ctx := context.WithoutCancel(r.Context())
	for {
		payload, err := wsc.ReadMessage()
		if err != nil {
			if !IsWebSocketCloseError(err) {
				connLogger.Infow("error reading from websocket", "error", err)
			}
			return
		}
		session.HandleMessage(ctx, payload)
	}
}
