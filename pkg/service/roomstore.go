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
)

// RoomInfo is what is known about a room outside of the node that hosts it.
type RoomInfo struct {
	Name   string `json:"name"`
	NodeID string `json:"nodeId"`
	// unix seconds
	CreationTime int64 `json:"creationTime"`
	NumPeers     int   `json:"numPeers"`
}

// RoomStore persists RoomInfo. With redis configured it is shared by every node.
type RoomStore interface {
	StoreRoom(ctx context.Context, room *RoomInfo) error
	LoadRoom(ctx context.Context, name string) (*RoomInfo, error)
	ListRooms(ctx context.Context) ([]*RoomInfo, error)
	DeleteRoom(ctx context.Context, name string) error
}
