//go:build wireinject
// +build wireinject

package service

import (
	"github.com/google/wire"

	"github.com/livekit/media-relay/pkg/config"
)

func InitializeServer(conf *config.Config) (*RelayServer, error) {
	wire.Build(
		ServiceSet,
	)
	return &RelayServer{}, nil
}

func InitializeRoomStore(conf *config.Config) (RoomStore, error) {
	wire.Build(
		createRedisClient,
		createRoomStore,
	)
	return nil, nil
}
