package service

import "errors"

var (
	ErrRoomNotFound    = errors.New("requested room does not exist")
	ErrMissingRoomID   = errors.New("roomId is required")
	ErrNoWorkers       = errors.New("no media workers available")
	ErrServerStopped   = errors.New("server is stopping")
	ErrOperationFailed = errors.New("operation cannot be completed")
)
