package replication

import "errors"

// Domain errors
var (
	ErrDomainClosed   = errors.New("replication domain closed")
	ErrPeerRegistered = errors.New("peer already registered")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrInvalidPeer    = errors.New("invalid peer")
)

// Session errors
var (
	ErrSessionClosed    = errors.New("session closed")
	ErrUnknownTransport = errors.New("unknown transport")
)
