package replication

import (
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pair"

	// tcp, tls+tcp, ipc, inproc and ws peer addresses
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-replication/pkg/logging"
)

// nngPeerSocket carries one peer connection over a mangos pair socket.
// Send, Recv, Close, Listen and Dial come from the embedded socket.
type nngPeerSocket struct {
	mangos.Socket
}

func (s nngPeerSocket) SetRecvDeadline(d time.Duration) error {
	return s.SetOption(mangos.OptionRecvDeadline, d)
}

func (s nngPeerSocket) SetSendDeadline(d time.Duration) error {
	return s.SetOption(mangos.OptionSendDeadline, d)
}

// NNGSocketFactory is the default peer transport. It is registered as
// "nng".
type NNGSocketFactory struct{}

func NewNNGSocketFactory() *NNGSocketFactory {
	return &NNGSocketFactory{}
}

func (f *NNGSocketFactory) NewPairSocket() (PairSocket, error) {
	sock, err := pair.NewSocket()
	if err != nil {
		return nil, err
	}
	return nngPeerSocket{Socket: sock}, nil
}

// NewNNGSession opens a peer session. cfg.Address selects the mangos
// transport, e.g. tcp://rs2:8989 or inproc://name in tests.
func NewNNGSession(cfg SessionConfig, logger logging.Logger) (Session, error) {
	return OpenSession(NewNNGSocketFactory(), cfg, logger)
}

func init() {
	RegisterTransport("nng", func() SocketFactory { return NewNNGSocketFactory() })
}

var (
	_ SocketFactory = (*NNGSocketFactory)(nil)
	_ PairSocket    = nngPeerSocket{}
)
