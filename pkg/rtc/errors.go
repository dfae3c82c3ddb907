package rtc

import "errors"

var (
	ErrRoomClosed                = errors.New("room has already closed")
	ErrMissingRoomID             = errors.New("roomId is required")
	ErrRoomNotJoined             = errors.New("no room joined yet")
	ErrNotAnnounced              = errors.New("peer has not joined the room with its capabilities")
	ErrAlreadyJoined             = errors.New("a peer with the same id is already in the room")
	ErrPeerNotFound              = errors.New("peer not found")
	ErrTransportNotFound         = errors.New("transport not found")
	ErrTransportNotConnected     = errors.New("transport is not connected")
	ErrTransportAlreadyConnected = errors.New("transport is already connected")
	ErrWrongTransportDirection   = errors.New("transport has the wrong direction for this request")
	ErrNoReceiveTransport        = errors.New("no consumer transport found")
	ErrMissingDtlsParameters     = errors.New("dtlsParameters are required")
	ErrProducerNotFound          = errors.New("producer not found")
	ErrCannotConsumeSelf         = errors.New("cannot consume own producers")
	ErrInvalidKind               = errors.New("kind must be audio or video")
	ErrUnknownMethod             = errors.New("unknown method")
	ErrInvalidRequest            = errors.New("invalid request data")
	ErrSessionClosed             = errors.New("signal session closed")
	ErrInternal                  = errors.New("internal error")
)
