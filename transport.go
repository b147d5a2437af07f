package qjournal

import (
	"bufio"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	rpcMaxQueue = 128
	// DefaultTimeoutScale is the default TimeoutScale for a NetTransport;
	// the value is stored on the transport and nothing reads it.
	DefaultTimeoutScale = 256 * 1024 // 256KB
)

// NetLayer is the listener+dialer pair a transport needs; TcpLayer
// implements it. Tests use memRPC instead of a NetTransport.
type NetLayer interface {
	net.Listener
	Dial(addr string, timeout time.Duration) (net.Conn, error)
}

type (
	// WithPeers lets a transport double (mem_transport.go) wire up the
	// peers it should be able to reach without a real socket.
	WithPeers interface {
		Connect(addr string, rpc RpcInterface)
		Disconnect(addr string)
		DisconnectAll()
	}

	PackageParser interface {
		Encode(writer *bufio.Writer, cmdType rpcType, data []byte) (err error)
		Decode(reader *bufio.Reader) (rpcType, []byte, error)
	}

	CmdConvert interface {
		Deserialization(data []byte, i interface{}) error
		Serialization(i interface{}) ([]byte, error)
	}

	// MsgpackCmdHandler encodes RPC bodies with msgpack rather than JSON:
	// journal() carries an arbitrary edit-log byte payload, and msgpack
	// round-trips []byte natively instead of inflating it through base64.
	MsgpackCmdHandler struct{}
)

var defaultCmdConverter = new(MsgpackCmdHandler)

func (MsgpackCmdHandler) Deserialization(data []byte, i interface{}) error {
	return msgpack.Unmarshal(data, i)
}

func (MsgpackCmdHandler) Serialization(i interface{}) ([]byte, error) {
	return msgpack.Marshal(i)
}
