package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/service"
)

func TestLocalRoomStore(t *testing.T) {
	ctx := context.Background()
	s := service.NewLocalRoomStore()

	_, err := s.LoadRoom(ctx, "r1")
	require.ErrorIs(t, err, service.ErrRoomNotFound)

	info := &service.RoomInfo{Name: "r2", NodeID: "ND_1", CreationTime: 10}
	require.NoError(t, s.StoreRoom(ctx, info))
	require.NoError(t, s.StoreRoom(ctx, &service.RoomInfo{Name: "r1", NodeID: "ND_1"}))

	t.Run("stored rooms are copies", func(t *testing.T) {
		info.NumPeers = 5
		loaded, err := s.LoadRoom(ctx, "r2")
		require.NoError(t, err)
		require.Zero(t, loaded.NumPeers)
		require.Equal(t, int64(10), loaded.CreationTime)
	})

	t.Run("list is sorted by name", func(t *testing.T) {
		rooms, err := s.ListRooms(ctx)
		require.NoError(t, err)
		require.Len(t, rooms, 2)
		require.Equal(t, "r1", rooms[0].Name)
		require.Equal(t, "r2", rooms[1].Name)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteRoom(ctx, "r1"))
		require.NoError(t, s.DeleteRoom(ctx, "unknown"))
		_, err := s.LoadRoom(ctx, "r1")
		require.ErrorIs(t, err, service.ErrRoomNotFound)
	})
}
