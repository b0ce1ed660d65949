//go:build zmq
// +build zmq

package replication

import (
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/dd0wney/cluso-replication/pkg/logging"
)

// zmqSocket wraps a ZeroMQ PAIR socket to implement PairSocket.
type zmqSocket struct {
	sock *zmq.Socket
}

func (s *zmqSocket) Send(data []byte) error {
	_, err := s.sock.SendBytes(data, 0)
	return err
}

func (s *zmqSocket) Recv() ([]byte, error) {
	return s.sock.RecvBytes(0)
}

func (s *zmqSocket) Close() error {
	return s.sock.Close()
}

func (s *zmqSocket) SetRecvDeadline(d time.Duration) error {
	return s.sock.SetRcvtimeo(d)
}

func (s *zmqSocket) SetSendDeadline(d time.Duration) error {
	return s.sock.SetSndtimeo(d)
}

func (s *zmqSocket) Listen(addr string) error {
	return s.sock.Bind(addr)
}

func (s *zmqSocket) Dial(addr string) error {
	return s.sock.Connect(addr)
}

// ZMQSocketFactory creates ZeroMQ sockets.
type ZMQSocketFactory struct{}

// NewZMQSocketFactory creates a new ZeroMQ socket factory.
func NewZMQSocketFactory() *ZMQSocketFactory {
	return &ZMQSocketFactory{}
}

func (f *ZMQSocketFactory) NewPairSocket() (PairSocket, error) {
	sock, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return nil, err
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, err
	}
	return &zmqSocket{sock: sock}, nil
}

// NewZMQSession opens a session over a ZeroMQ pair socket.
func NewZMQSession(cfg SessionConfig, logger logging.Logger) (Session, error) {
	return OpenSession(NewZMQSocketFactory(), cfg, logger)
}

func init() {
	RegisterTransport("zmq", func() SocketFactory { return NewZMQSocketFactory() })
}

var _ SocketFactory = (*ZMQSocketFactory)(nil)
