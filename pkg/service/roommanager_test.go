package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/rtc"
)

func TestRoomManager_GetOrCreateRoom(t *testing.T) {
	t.Run("concurrent first access creates one router", func(t *testing.T) {
		r := newTestRelay(t, nil)

		var wg sync.WaitGroup
		rooms := make([]*rtc.Room, 20)
		for i := range rooms {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				room, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
				require.NoError(t, err)
				rooms[i] = room
			}(i)
		}
		wg.Wait()

		for _, room := range rooms {
			require.Same(t, rooms[0], room)
		}
		require.Equal(t, 1, r.worker().RoutersCreated())
		require.Equal(t, 1, r.rooms.NumRooms())

		router, err := r.rooms.GetOrCreateRouter(context.Background(), "r1")
		require.NoError(t, err)
		require.Equal(t, rooms[0].Router().ID(), router.ID())
	})

	t.Run("room id is required", func(t *testing.T) {
		r := newTestRelay(t, nil)
		_, err := r.rooms.GetOrCreateRoom(context.Background(), "")
		require.ErrorIs(t, err, ErrMissingRoomID)
		require.Zero(t, r.worker().RoutersCreated())
	})

	t.Run("failed creation is not cached", func(t *testing.T) {
		r := newTestRelay(t, nil)
		r.worker().SetFailCreateRouter(errors.New("router failed"))

		_, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
		require.Error(t, err)
		require.Nil(t, r.rooms.GetRoom("r1"))

		r.worker().SetFailCreateRouter(nil)
		room, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
		require.NoError(t, err)
		require.NotNil(t, room)
		require.Equal(t, 1, r.worker().RoutersCreated())
	})

	t.Run("cancelled caller does not fail creation", func(t *testing.T) {
		r := newTestRelay(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		room, err := r.rooms.GetOrCreateRoom(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, room)
	})

	t.Run("different rooms get different routers", func(t *testing.T) {
		r := newTestRelay(t, nil)
		r1, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
		require.NoError(t, err)
		r2, err := r.rooms.GetOrCreateRoom(context.Background(), "r2")
		require.NoError(t, err)
		require.NotEqual(t, r1.Router().ID(), r2.Router().ID())
		require.Equal(t, 2, r.rooms.NumRooms())
	})
}

func TestRoomManager_RoomExists(t *testing.T) {
	r := newTestRelay(t, nil)
	ctx := context.Background()

	exists, err := r.rooms.RoomExists(ctx, "r1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, r.rooms.CreateRoomIfAbsent(ctx, "r1"))
	exists, err = r.rooms.RoomExists(ctx, "r1")
	require.NoError(t, err)
	require.True(t, exists)

	// a room hosted by another node is only in the store
	require.NoError(t, r.store.StoreRoom(ctx, &RoomInfo{Name: "remote", NodeID: "ND_other"}))
	exists, err = r.rooms.RoomExists(ctx, "remote")
	require.NoError(t, err)
	require.True(t, exists)

	infos, err := r.rooms.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "ND_test", infos[0].NodeID)
}

func TestRoomManager_IdleRooms(t *testing.T) {
	t.Run("rooms persist without empty timeout", func(t *testing.T) {
		r := newTestRelay(t, nil)
		room, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
		require.NoError(t, err)

		r.rooms.CloseIdleRooms()
		require.False(t, room.IsClosed())
		require.Equal(t, 1, r.rooms.NumRooms())
	})

	t.Run("idle rooms are closed", func(t *testing.T) {
		conf := testConfig()
		conf.Room.EmptyTimeout = 1
		r := newTestRelay(t, conf)
		r.rooms.Start()

		room, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return room.IsClosed() && r.rooms.NumRooms() == 0
		}, 5*time.Second, 50*time.Millisecond)
		require.True(t, r.worker().Routers()[0].IsClosed())

		exists, err := r.rooms.RoomExists(context.Background(), "r1")
		require.NoError(t, err)
		require.False(t, exists)

		// the next access starts over with a new router
		next, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
		require.NoError(t, err)
		require.NotSame(t, room, next)
		require.Equal(t, 2, r.worker().RoutersCreated())
	})

	t.Run("held rooms stay open", func(t *testing.T) {
		conf := testConfig()
		conf.Room.EmptyTimeout = 1
		r := newTestRelay(t, conf)

		room, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
		require.NoError(t, err)
		require.True(t, room.Hold())

		time.Sleep(1100 * time.Millisecond)
		r.rooms.CloseIdleRooms()
		require.False(t, room.IsClosed())

		room.Release()
		r.rooms.CloseIdleRooms()
		require.False(t, room.IsClosed(), "idle time restarts on release")
	})
}

func TestRoomManager_Stop(t *testing.T) {
	r := newTestRelay(t, nil)
	room, err := r.rooms.GetOrCreateRoom(context.Background(), "r1")
	require.NoError(t, err)

	r.rooms.Stop()
	require.True(t, room.IsClosed())
	require.Zero(t, r.rooms.NumRooms())

	_, err = r.rooms.GetOrCreateRoom(context.Background(), "r2")
	require.ErrorIs(t, err, ErrServerStopped)
}
