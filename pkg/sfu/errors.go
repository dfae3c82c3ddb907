package sfu

import "errors"

var (
	ErrInvalidPortRange     = errors.New("invalid rtc port range")
	ErrNoNetworkTypes       = errors.New("neither udp nor tcp enabled")
	ErrMissingIceParameters = errors.New("remote ice parameters required")
	ErrMissingFingerprints  = errors.New("dtls parameters without fingerprints")
	ErrMissingSSRC          = errors.New("producer encoding without ssrc")
	ErrInvalidKind          = errors.New("invalid media kind")
)
