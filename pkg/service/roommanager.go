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
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/media-relay/pkg/rtc"
	"github.com/livekit/protocol/logger"
)

const (
	roomStoreDebounce = 500 * time.Millisecond
	maxIdleCheck      = 5 * time.Second

	defaultRequestTimeout = 10 * time.Second
)

// RoomManager is the registry of live rooms on this node. Every room owns exactly one router,
// created on first access.
type RoomManager struct {
	config    *config.Config
	workers   *WorkerPool
	roomStore RoomStore
	logger    logger.Logger

	lock  sync.RWMutex
	rooms map[string]*rtc.Room

	flight singleflight.Group
	done   core.Fuse
}

func NewRoomManager(conf *config.Config, workers *WorkerPool, roomStore RoomStore) *RoomManager {
	return &RoomManager{
		config:    conf,
		workers:   workers,
		roomStore: roomStore,
		logger:    logger.GetLogger().WithName("rooms"),
		rooms:     make(map[string]*rtc.Room),
	}
}

// Start runs the idle room collector when rooms are configured to expire.
func (r *RoomManager) Start() {
	timeout := r.emptyTimeout()
	if timeout == 0 {
		return
	}
	interval := timeout / 2
	if interval > maxIdleCheck {
		interval = maxIdleCheck
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	go r.closeIdleRoomsWorker(interval)
}

func (r *RoomManager) emptyTimeout() time.Duration {
	return time.Duration(r.config.Room.EmptyTimeout) * time.Second
}

func (r *RoomManager) GetRoom(roomID string) *rtc.Room {
	r.lock.RLock()
	defer r.lock.RUnlock()
	room := r.rooms[roomID]
	if room == nil || room.IsClosed() {
		return nil
	}
	return room
}

// GetOrCreateRoom returns the live room with the given id, creating it and its router on first
// access. Concurrent first accesses share a single creation.
func (r *RoomManager) GetOrCreateRoom(ctx context.Context, roomID string) (*rtc.Room, error) {
	if roomID == "" {
		return nil, ErrMissingRoomID
	}
	if room := r.GetRoom(roomID); room != nil {
		return room, nil
	}

	res, err, _ := r.flight.Do(roomID, func() (interface{}, error) {
		// another flight may have finished in the meantime
		if room := r.GetRoom(roomID); room != nil {
			return room, nil
		}
		return r.createRoom(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*rtc.Room), nil
}

// GetOrCreateRouter is GetOrCreateRoom for callers that only need the router.
func (r *RoomManager) GetOrCreateRouter(ctx context.Context, roomID string) (engine.Router, error) {
	room, err := r.GetOrCreateRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Router(), nil
}

func (r *RoomManager) createRoom(ctx context.Context, roomID string) (*rtc.Room, error) {
	if r.done.IsBroken() {
		return nil, ErrServerStopped
	}
	worker, err := r.workers.AcquireWorker()
	if err != nil {
		return nil, err
	}

	// the creation is shared, it must not fail because the first caller went away
	timeout := r.config.RTC.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	router, err := worker.CreateRouter(cctx, engine.RouterOptions{MediaCodecs: r.config.RTC.Codecs})
	if err != nil {
		return nil, errors.Wrap(err, "could not create router")
	}

	room := rtc.NewRoom(roomID, router, r.logger)
	info := &RoomInfo{
		Name:         roomID,
		NodeID:       r.config.NodeID,
		CreationTime: room.CreatedAt().Unix(),
	}
	storeInfo := debounce.New(roomStoreDebounce)
	room.OnPeersChanged(func(numPeers int) {
		storeInfo(func() {
			if room.IsClosed() {
				return
			}
			updated := *info
			updated.NumPeers = room.NumPeers()
			if err := r.roomStore.StoreRoom(context.Background(), &updated); err != nil {
				r.logger.Warnw("could not update room", err, "room", roomID)
			}
		})
	})

	r.lock.Lock()
	r.rooms[roomID] = room
	r.lock.Unlock()

	if err := r.roomStore.StoreRoom(cctx, info); err != nil {
		r.logger.Warnw("could not store room", err, "room", roomID)
	}
	r.logger.Infow("room created", "room", roomID, "router", router.ID(), "worker", worker.ID())
	return room, nil
}

// RoomExists checks the local registry first, then the shared room store.
func (r *RoomManager) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if r.GetRoom(roomID) != nil {
		return true, nil
	}
	_, err := r.roomStore.LoadRoom(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateRoomIfAbsent makes sure the room and its router exist.
func (r *RoomManager) CreateRoomIfAbsent(ctx context.Context, roomID string) error {
	_, err := r.GetOrCreateRoom(ctx, roomID)
	return err
}

func (r *RoomManager) ListRooms(ctx context.Context) ([]*RoomInfo, error) {
	return r.roomStore.ListRooms(ctx)
}

func (r *RoomManager) NumRooms() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.rooms)
}

// CloseIdleRooms closes rooms nobody has used for longer than the configured empty timeout.
func (r *RoomManager) CloseIdleRooms() {
	timeout := r.emptyTimeout()
	if timeout == 0 {
		return
	}

	r.lock.RLock()
	rooms := make([]*rtc.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.lock.RUnlock()

	for _, room := range rooms {
		if room.CloseIfIdle(timeout) {
			r.removeRoom(room)
		}
	}
}

func (r *RoomManager) removeRoom(room *rtc.Room) {
	r.lock.Lock()
	// the id may already belong to a newer room
	if r.rooms[room.ID()] == room {
		delete(r.rooms, room.ID())
	}
	r.lock.Unlock()

	if err := r.roomStore.DeleteRoom(context.Background(), room.ID()); err != nil {
		r.logger.Warnw("could not delete room", err, "room", room.ID())
	}
}

func (r *RoomManager) closeIdleRoomsWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done.Watch():
			return
		case <-ticker.C:
			r.CloseIdleRooms()
		}
	}
}

// Stop closes every room. Connected clients see their transports close.
func (r *RoomManager) Stop() {
	r.done.Break()

	r.lock.Lock()
	rooms := make([]*rtc.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.rooms = make(map[string]*rtc.Room)
	r.lock.Unlock()

	for _, room := range rooms {
		room.Close()
		if err := r.roomStore.DeleteRoom(context.Background(), room.ID()); err != nil {
			r.logger.Warnw("could not delete room", err, "room", room.ID())
		}
	}
}
