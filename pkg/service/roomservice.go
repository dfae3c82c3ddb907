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
	"net/http"

	"github.com/livekit/protocol/logger"
)

type CreateRoomRequest struct {
	RoomID string `json:"roomId"`
}

type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

type RoomExistsResponse struct {
	Exists bool `json:"exists"`
}

type ListRoomsResponse struct {
	Rooms []*RoomInfo `json:"rooms"`
}

// RoomService is the HTTP control plane used to prepare rooms before clients connect.
type RoomService struct {
	rooms  *RoomManager
	logger logger.Logger
}

func NewRoomService(rooms *RoomManager) *RoomService {
	return &RoomService{
		rooms:  rooms,
		logger: logger.GetLogger().WithName("roomservice"),
	}
}

func (s *RoomService) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rooms", s.CreateRoom)
	mux.HandleFunc("GET /api/rooms", s.ListRooms)
	mux.HandleFunc("GET /api/rooms/{roomId}", s.RoomExists)
}

func (s *RoomService) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrMissingRoomID.Error()})
		return
	}

	if err := s.rooms.CreateRoomIfAbsent(r.Context(), req.RoomID); err != nil {
		handleError(w, r, http.StatusInternalServerError, err, "Failed to create room", "room", req.RoomID)
		return
	}
	s.logger.Infow("room created through api", "room", req.RoomID)
	writeJSON(w, http.StatusCreated, CreateRoomResponse{RoomID: req.RoomID})
}

func (s *RoomService) RoomExists(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	exists, err := s.rooms.RoomExists(r.Context(), roomID)
	if err != nil {
		handleError(w, r, http.StatusInternalServerError, err, ErrOperationFailed.Error(), "room", roomID)
		return
	}
	writeJSON(w, http.StatusOK, RoomExistsResponse{Exists: exists})
}

func (s *RoomService) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.rooms.ListRooms(r.Context())
	if err != nil {
		handleError(w, r, http.StatusInternalServerError, err, ErrOperationFailed.Error())
		return
	}
	if rooms == nil {
		rooms = []*RoomInfo{}
	}
	writeJSON(w, http.StatusOK, ListRoomsResponse{Rooms: rooms})
}
