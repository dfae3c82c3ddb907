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
	"sort"
	"sync"
	"time"
)

// LocalRoomStore is a single node, in-memory implementation of RoomStore
type LocalRoomStore struct {
	// map of roomName => RoomInfo
	rooms map[string]*RoomInfo
	lock  sync.RWMutex
}

func NewLocalRoomStore() *LocalRoomStore {
	return &LocalRoomStore{
		rooms: make(map[string]*RoomInfo),
	}
}

func (p *LocalRoomStore) StoreRoom(_ context.Context, room *RoomInfo) error {
	if room.CreationTime == 0 {
		room.CreationTime = time.Now().Unix()
	}
	stored := *room
	p.lock.Lock()
	p.rooms[room.Name] = &stored
	p.lock.Unlock()
	return nil
}

func (p *LocalRoomStore) LoadRoom(_ context.Context, name string) (*RoomInfo, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	room := p.rooms[name]
	if room == nil {
		return nil, ErrRoomNotFound
	}
	loaded := *room
	return &loaded, nil
}

func (p *LocalRoomStore) ListRooms(_ context.Context) ([]*RoomInfo, error) {
	p.lock.RLock()
	rooms := make([]*RoomInfo, 0, len(p.rooms))
	for _, r := range p.rooms {
		room := *r
		rooms = append(rooms, &room)
	}
	p.lock.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Name < rooms[j].Name
	})
	return rooms, nil
}

func (p *LocalRoomStore) DeleteRoom(_ context.Context, name string) error {
	p.lock.Lock()
	delete(p.rooms, name)
	p.lock.Unlock()
	return nil
}
