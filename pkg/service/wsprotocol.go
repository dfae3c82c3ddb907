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
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/livekit/media-relay/pkg/utils"
	"github.com/livekit/protocol/logger"
)

const (
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 30 * time.Second
	writeTimeout        = 5 * time.Second
)

var errWriteQueueFull = errors.New("write queue full")

type WebsocketClient interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

type WSSignalConnectionParams struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxMessageSize int64
	WriteQueueSize uint
	Logger         logger.Logger
}

// WSSignalConnection frames signaling messages as JSON text over a websocket. Writes are queued and
// sent from a single goroutine so that slow clients never block a room broadcast.
type WSSignalConnection struct {
	conn   WebsocketClient
	params WSSignalConnectionParams
	writes *utils.OpsQueue
	closed core.Fuse
}

func NewWSSignalConnection(conn WebsocketClient, params WSSignalConnectionParams) *WSSignalConnection {
	if params.PingInterval <= 0 {
		params.PingInterval = defaultPingInterval
	}
	if params.PingTimeout <= 0 {
		params.PingTimeout = defaultPingTimeout
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	wsc := &WSSignalConnection{
		conn:   conn,
		params: params,
		writes: utils.NewOpsQueue(utils.OpsQueueParams{
			Name:    "signal-writes",
			MinSize: 64,
			MaxSize: params.WriteQueueSize,
			Logger:  params.Logger,
		}),
	}

	if params.MaxMessageSize > 0 {
		conn.SetReadLimit(params.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(params.PingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsc.params.PingTimeout))
	})

	wsc.writes.Start()
	go wsc.pingWorker()
	return wsc
}

// ReadMessage blocks until the next data frame arrives.
func (c *WSSignalConnection) ReadMessage() ([]byte, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			_ = c.conn.SetReadDeadline(time.Now().Add(c.params.PingTimeout))
			return payload, nil
		default:
			c.params.Logger.Debugw("unsupported message", "message", messageType)
		}
	}
}

func (c *WSSignalConnection) WriteMessage(msg interface{}) error {
	if c.closed.IsBroken() {
		return io.ErrClosedPipe
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.writes.Enqueue(func() { c.write(payload) }) {
		if c.closed.IsBroken() {
			return io.ErrClosedPipe
		}
		return errWriteQueueFull
	}
	return nil
}

func (c *WSSignalConnection) write(payload []byte) {
	if c.closed.IsBroken() {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !IsWebSocketCloseError(err) {
			c.params.Logger.Warnw("could not write to websocket", err)
		}
		// unblocks the reader as well
		c.closed.Break()
		_ = c.conn.Close()
	}
}

// Close flushes queued writes and closes the socket.
func (c *WSSignalConnection) Close() error {
	select {
	case <-c.writes.Stop():
	case <-time.After(writeTimeout):
	}
	if c.closed.IsBroken() {
		return nil
	}
	c.closed.Break()
	return c.conn.Close()
}

func (c *WSSignalConnection) pingWorker() {
	ticker := time.NewTicker(c.params.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(writeTimeout))
			if err != nil {
				return
			}
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
