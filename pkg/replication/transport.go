package replication

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/logging"
)

// Socket is a message oriented socket. It abstracts the underlying
// transport (NNG, ZMQ, or an in-memory pipe in tests).
type Socket interface {
	io.Closer
	Send([]byte) error
	Recv() ([]byte, error)
	SetRecvDeadline(d time.Duration) error
	SetSendDeadline(d time.Duration) error
}

// PairSocket is a one-to-one socket that either listens or dials.
type PairSocket interface {
	Socket
	Listen(addr string) error
	Dial(addr string) error
}

// SocketFactory creates the sockets sessions run on.
type SocketFactory interface {
	NewPairSocket() (PairSocket, error)
}

// SessionConfig configures OpenSession.
type SessionConfig struct {
	Address     string // e.g. "tcp://10.0.0.2:8989"
	Listen      bool
	SendTimeout time.Duration
}

// OpenSession creates a pair socket, listens on or dials the configured
// address and wraps the socket in a Session.
func OpenSession(factory SocketFactory, cfg SessionConfig, logger logging.Logger) (Session, error) {
	cleanup := NewResourceCleanup(logger)
	defer cleanup.Cleanup()

	sock, err := factory.NewPairSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create pair socket: %w", err)
	}
	cleanup.Add(sock, "pair socket")

	if cfg.SendTimeout > 0 {
		if err := sock.SetSendDeadline(cfg.SendTimeout); err != nil {
			return nil, fmt.Errorf("failed to set send deadline: %w", err)
		}
	}

	if cfg.Listen {
		err = sock.Listen(cfg.Address)
	} else {
		err = sock.Dial(cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s: %w", cfg.Address, err)
	}

	cleanup.Clear()
	return NewSocketSession(sock), nil
}

var (
	transportsMu sync.RWMutex
	transports   = make(map[string]func() SocketFactory)
)

// RegisterTransport makes a socket factory available under name.
func RegisterTransport(name string, factory func() SocketFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = factory
}

// Transports returns the registered transport names.
func Transports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTransportSession opens a session over the transport registered as name.
func NewTransportSession(name string, cfg SessionConfig, logger logging.Logger) (Session, error) {
	transportsMu.RLock()
	factory, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
	return OpenSession(factory(), cfg, logger)
}
