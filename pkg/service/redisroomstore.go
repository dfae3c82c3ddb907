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
	"crypto/tls"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/protocol/logger"
)

const (
	// hash of room_name => RoomInfo json
	RoomsKey = "media_relay:rooms"
)

type RedisRoomStore struct {
	rc *redis.Client
}

func NewRedisRoomStore(rc *redis.Client) *RedisRoomStore {
	return &RedisRoomStore{
		rc: rc,
	}
}

func (s *RedisRoomStore) StoreRoom(ctx context.Context, room *RoomInfo) error {
	if room.CreationTime == 0 {
		room.CreationTime = time.Now().Unix()
	}

	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := s.rc.HSet(ctx, RoomsKey, room.Name, data).Err(); err != nil {
		return errors.Wrap(err, "could not store room")
	}
	return nil
}

func (s *RedisRoomStore) LoadRoom(ctx context.Context, name string) (*RoomInfo, error) {
	data, err := s.rc.HGet(ctx, RoomsKey, name).Result()
	if err != nil {
		if err == redis.Nil {
			err = ErrRoomNotFound
		}
		return nil, err
	}

	room := RoomInfo{}
	if err = json.Unmarshal([]byte(data), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *RedisRoomStore) ListRooms(ctx context.Context) ([]*RoomInfo, error) {
	items, err := s.rc.HVals(ctx, RoomsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "could not get rooms")
	}

	rooms := make([]*RoomInfo, 0, len(items))
	for _, item := range items {
		room := RoomInfo{}
		if err := json.Unmarshal([]byte(item), &room); err != nil {
			return nil, err
		}
		rooms = append(rooms, &room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Name < rooms[j].Name
	})
	return rooms, nil
}

func (s *RedisRoomStore) DeleteRoom(ctx context.Context, name string) error {
	return s.rc.HDel(ctx, RoomsKey, name).Err()
}

func createRedisClient(conf *config.Config) (*redis.Client, error) {
	if !conf.Redis.IsConfigured() {
		return nil, nil
	}

	logger.Infow("using redis", "address", conf.Redis.Address)
	opts := &redis.Options{
		Addr:     conf.Redis.Address,
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	}
	if conf.Redis.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rc := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, errors.Wrap(err, "unable to connect to redis")
	}
	return rc, nil
}

func createRoomStore(rc *redis.Client) RoomStore {
	if rc != nil {
		return NewRedisRoomStore(rc)
	}
	return NewLocalRoomStore()
}
