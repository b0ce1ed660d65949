package replication

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// Session carries protocol messages to and from one peer. Send may be
// called concurrently; Receive has a single caller.
type Session interface {
	Send(msg protocol.Msg) error
	Receive() (protocol.Msg, error)
	Close() error
}

// socketSession runs the envelope codec over a Socket.
type socketSession struct {
	sock Socket

	sendMu sync.Mutex
	mu     sync.Mutex
	closed bool
}

// NewSocketSession wraps sock in a Session.
func NewSocketSession(sock Socket) Session {
	return &socketSession{sock: sock}
}

func (s *socketSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socketSession) Send(msg protocol.Msg) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.sock.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// Receive returns the next message. Undecodable input is reported with an
// error wrapping protocol.ErrMalformedMessage or
// protocol.ErrUnknownMessageType and leaves the session usable.
func (s *socketSession) Receive() (protocol.Msg, error) {
	raw, err := s.sock.Recv()
	if err != nil {
		if s.isClosed() {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("receive: %w", err)
	}
	return protocol.Decode(raw)
}

func (s *socketSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.sock.Close()
}

// isProtocolViolation reports whether err came from undecodable input
// rather than from the connection.
func isProtocolViolation(err error) bool {
	return errors.Is(err, protocol.ErrMalformedMessage) || errors.Is(err, protocol.ErrUnknownMessageType)
}
