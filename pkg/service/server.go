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
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/telemetry/prometheus"
	"github.com/livekit/media-relay/version"
	"github.com/livekit/protocol/logger"
)

type RelayServer struct {
	config        *config.Config
	roomService   *RoomService
	signalService *SignalService
	roomManager   *RoomManager
	workers       *WorkerPool
	httpServer    *http.Server
	promServer    *http.Server
	running       atomic.Bool
	forced        core.Fuse
	doneChan      chan struct{}
	closedChan    chan struct{}
}

func NewRelayServer(conf *config.Config,
	roomService *RoomService,
	signalService *SignalService,
	roomManager *RoomManager,
	workers *WorkerPool,
) (*RelayServer, error) {
	s := &RelayServer{
		config:        conf,
		roomService:   roomService,
		signalService: signalService,
		roomManager:   roomManager,
		workers:       workers,
		closedChan:    make(chan struct{}),
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowedOrigins: conf.CORS.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}),
		negroni.HandlerFunc(RemoveDoubleSlashes),
	}

	mux := http.NewServeMux()
	roomService.SetupRoutes(mux)
	signalService.SetupRoutes(mux)
	mux.HandleFunc("GET /healthz", s.healthCheck)

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	if conf.PrometheusPort > 0 {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promMux,
		}
	}

	return s, nil
}

// Handler exposes the configured HTTP stack, mostly for tests.
func (s *RelayServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *RelayServer) IsRunning() bool {
	return s.running.Load()
}

func (s *RelayServer) Start() error {
	if s.running.Load() {
		return errors.New("already running")
	}
	s.doneChan = make(chan struct{})

	addresses := s.config.BindAddresses
	if addresses == nil {
		addresses = []string{""}
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0)
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(int(s.config.Port))))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	var promListener net.Listener
	if s.promServer != nil {
		ln, err := net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		promListener = ln
	}

	values := []interface{}{
		"portHttp", s.config.Port,
		"nodeID", s.config.NodeID,
		"workers", s.workers.NumWorkers(),
		"rtc.portRange", fmt.Sprintf("%d-%d", s.config.RTC.PortRangeStart, s.config.RTC.PortRangeEnd),
		"rtc.maxIncomingBitrate", humanize.SIWithDigits(float64(s.config.RTC.MaxIncomingBitrate), 1, "bps"),
		"version", version.Version,
	}
	if s.config.RTC.AnnouncedIP != "" {
		values = append(values, "announcedIP", s.config.RTC.AnnouncedIP)
	}
	if len(addresses) == 1 && addresses[0] == "" {
		values = append(values, "bindAddresses", "all")
	} else {
		values = append(values, "bindAddresses", addresses)
	}
	logger.Infow("starting media relay", values...)

	s.roomManager.Start()

	if promListener != nil {
		go func() {
			if err := s.promServer.Serve(promListener); err != nil && err != http.ErrServerClosed {
				logger.Errorw("could not serve prometheus", err)
			}
		}()
	}

	s.running.Store(true)

	var g errgroup.Group
	for _, ln := range listeners {
		l := ln
		g.Go(func() error {
			return s.httpServer.Serve(l)
		})
	}
	go func() {
		if err := g.Wait(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("could not start server", err)
			s.Stop(true)
		}
	}()

	<-s.doneChan

	// wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}

	s.roomManager.Stop()
	s.workers.Close()

	close(s.closedChan)
	return nil
}

// Stop asks a running server to shut down. Without force, it waits for connected clients to go away.
// A forced Stop also ends a graceful one that is still waiting.
func (s *RelayServer) Stop(force bool) {
	if force {
		s.forced.Break()
	}
	if !s.running.Swap(false) {
		return
	}

	if !force {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
	wait:
		for s.signalService.NumConnections() > 0 {
			logger.Infow("waiting for clients to disconnect", "connections", s.signalService.NumConnections())
			select {
			case <-s.forced.Watch():
				break wait
			case <-ticker.C:
			}
		}
	}

	close(s.doneChan)

	// wait for fully closed
	<-s.closedChan
}

func (s *RelayServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if s.workers.NumWorkers() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ErrNoWorkers.Error()})
		return
	}
	stats := prometheus.GetSnapshot()
	packetsIn, packetsOut := prometheus.PacketTotals()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"rooms":       s.roomManager.NumRooms(),
		"clients":     s.signalService.NumConnections(),
		"peers":       stats.Peers,
		"transports":  stats.Transports,
		"producers":   stats.Producers,
		"consumers":   stats.Consumers,
		"workers":     s.workers.NumWorkers(),
		"workersDied": prometheus.WorkersDied(),
		"packetsIn":   packetsIn,
		"packetsOut":  packetsOut,
	})
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
