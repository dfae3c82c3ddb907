package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/service"
)

func redisClient(t *testing.T) *redis.Client {
	if testing.Short() {
		t.SkipNow()
	}
	rc := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		t.Skip("redis not available:", err)
	}
	t.Cleanup(func() {
		_ = rc.Close()
	})
	return rc
}

func TestRedisRoomStore(t *testing.T) {
	ctx := context.Background()
	rs := service.NewRedisRoomStore(redisClient(t))

	roomName := "test-room-" + time.Now().Format("150405.000")
	t.Cleanup(func() {
		_ = rs.DeleteRoom(context.Background(), roomName)
	})

	_, err := rs.LoadRoom(ctx, roomName)
	require.ErrorIs(t, err, service.ErrRoomNotFound)

	require.NoError(t, rs.StoreRoom(ctx, &service.RoomInfo{Name: roomName, NodeID: "ND_test", NumPeers: 2}))

	loaded, err := rs.LoadRoom(ctx, roomName)
	require.NoError(t, err)
	require.Equal(t, "ND_test", loaded.NodeID)
	require.Equal(t, 2, loaded.NumPeers)
	require.NotZero(t, loaded.CreationTime)

	rooms, err := rs.ListRooms(ctx)
	require.NoError(t, err)
	found := false
	for _, r := range rooms {
		if r.Name == roomName {
			found = true
		}
	}
	require.True(t, found)

	require.NoError(t, rs.DeleteRoom(ctx, roomName))
	_, err = rs.LoadRoom(ctx, roomName)
	require.ErrorIs(t, err, service.ErrRoomNotFound)
}
