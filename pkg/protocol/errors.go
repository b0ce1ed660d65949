package protocol

import "errors"

// Decoding errors
var (
	ErrNilMessage         = errors.New("nil message")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Status machine errors
var (
	ErrInvalidStatusEvent = errors.New("status event not allowed in current status")
)
