package qjournal

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	. "github.com/fuyao-w/common-util"
)

type (
	netConn struct {
		remote string
		c      net.Conn
		rw     *bufio.ReadWriter
	}
	typConnPool map[string][]*netConn

	// NetTransport is the TCP-backed RpcInterface: a dial-on-demand
	// connection pool for outbound calls, and a listener loop decoding
	// inbound calls onto cmdChan for journalnode.go's dispatch loop to
	// consume.
	NetTransport struct {
		logger       Logger
		shutDown     shutDown
		timeout      time.Duration
		cmdChan      chan *RPC
		netLayer     NetLayer
		connPool     *connPool
		processor    Processor
		TimeoutScale int64
		ctx          *LockItem[netCtx]
	}
	netCtx struct {
		ctx    context.Context
		cancel context.CancelFunc
	}
	connPool struct {
		pool             *LockItem[typConnPool]
		maxSinglePoolNum int
	}
)

func (n *NetTransport) LocalAddr() string {
	return n.netLayer.Addr().String()
}

func (n *NetTransport) Consumer() <-chan *RPC {
	return n.cmdChan
}

func (n *NetTransport) sendRpc(conn *netConn, cmdType rpcType, request interface{}) error {
	data, err := defaultCmdConverter.Serialization(request)
	if err != nil {
		return err
	}
	if err = defaultPackageParser.Encode(conn.rw.Writer, cmdType, data); err != nil {
		return err
	}
	return conn.rw.Flush()
}

func (n *NetTransport) recvRpc(conn *netConn, resp interface{}) error {
	_, data, err := defaultPackageParser.Decode(conn.rw.Reader)
	if err != nil {
		return err
	}
	var env rpcEnvelope
	if err := defaultCmdConverter.Deserialization(data, &env); err != nil {
		return err
	}
	if env.Fail != nil {
		return env.Fail.decode()
	}
	return defaultCmdConverter.Deserialization(env.Body, resp)
}

func (n *NetTransport) genericRPC(peer *JournalNodeInfo, cmdType rpcType, request, response interface{}) (err error) {
	conn, err := n.getConn(peer)
	if err != nil {
		return err
	}
	if n.timeout > 0 {
		conn.c.SetDeadline(time.Now().Add(n.timeout))
	}
	defer func() {
		if err != nil {
			conn.Close()
			n.logger.Infof("genericRPC err: %s, rpcType: %s, peer: %s", err, cmdType, peer)
		} else {
			n.connPool.PutConn(conn)
		}
	}()
	if err = n.sendRpc(conn, cmdType, request); err != nil {
		return
	}
	return n.recvRpc(conn, response)
}

func (n *NetTransport) getConn(peer *JournalNodeInfo) (*netConn, error) {
	if conn := n.connPool.GetConn(peer.IpcAddr); conn != nil {
		return conn, nil
	}
	conn, err := n.netLayer.Dial(peer.IpcAddr, n.timeout)
	if err != nil {
		return nil, err
	}
	return newNetConn(peer.IpcAddr, conn), nil
}

func newNetConn(addr string, conn net.Conn) *netConn {
	return &netConn{
		remote: addr,
		c:      conn,
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
	}
}

func (n *NetTransport) GetJournalState(peer *JournalNodeInfo, req *GetJournalStateRequest) (*GetJournalStateResponse, error) {
	resp := new(GetJournalStateResponse)
	return resp, n.genericRPC(peer, RpcGetJournalState, req, resp)
}

func (n *NetTransport) NewEpoch(peer *JournalNodeInfo, req *NewEpochRequest) (*NewEpochResponse, error) {
	resp := new(NewEpochResponse)
	return resp, n.genericRPC(peer, RpcNewEpoch, req, resp)
}

func (n *NetTransport) StartLogSegment(peer *JournalNodeInfo, req *StartLogSegmentRequest) (*StartLogSegmentResponse, error) {
	resp := new(StartLogSegmentResponse)
	return resp, n.genericRPC(peer, RpcStartLogSegment, req, resp)
}

func (n *NetTransport) Journal(peer *JournalNodeInfo, req *JournalRequest) (*JournalResponse, error) {
	resp := new(JournalResponse)
	return resp, n.genericRPC(peer, RpcJournal, req, resp)
}

func (n *NetTransport) FinalizeLogSegment(peer *JournalNodeInfo, req *FinalizeLogSegmentRequest) (*FinalizeLogSegmentResponse, error) {
	resp := new(FinalizeLogSegmentResponse)
	return resp, n.genericRPC(peer, RpcFinalizeLogSegment, req, resp)
}

func (n *NetTransport) PrepareRecovery(peer *JournalNodeInfo, req *PrepareRecoveryRequest) (*PrepareRecoveryResponse, error) {
	resp := new(PrepareRecoveryResponse)
	return resp, n.genericRPC(peer, RpcPrepareRecovery, req, resp)
}

func (n *NetTransport) AcceptRecovery(peer *JournalNodeInfo, req *AcceptRecoveryRequest) (*AcceptRecoveryResponse, error) {
	resp := new(AcceptRecoveryResponse)
	return resp, n.genericRPC(peer, RpcAcceptRecovery, req, resp)
}

func newConnPool(maxSinglePoolNum int) *connPool {
	return &connPool{
		pool:             NewLockItem[typConnPool](map[string][]*netConn{}),
		maxSinglePoolNum: maxSinglePoolNum,
	}
}

func (c *connPool) GetConn(addr string) (conn *netConn) {
	c.pool.Action(func(t *typConnPool) {
		list, ok := (*t)[addr]
		if !ok || len(list) == 0 {
			return
		}
		conn = list[len(list)-1]
		(*t)[addr] = list[:len(list)-1]
	})
	return
}

func (c *connPool) PutConn(conn *netConn) {
	c.pool.Action(func(t *typConnPool) {
		if c.maxSinglePoolNum <= len((*t)[conn.remote]) {
			conn.Close()
			return
		}
		(*t)[conn.remote] = append((*t)[conn.remote], conn)
	})
}

func (n *netConn) Close() {
	n.c.Close()
}

type NetTransportConfig struct {
	Logger   Logger
	NetLayer NetLayer
	MaxPool  int
	Timeout  time.Duration
}

func NewNetTransport(conf *NetTransportConfig) *NetTransport {
	cmdCh := make(chan *RPC)
	ctx, cancel := context.WithCancel(context.Background())
	t := &NetTransport{
		logger:       conf.Logger,
		timeout:      conf.Timeout,
		cmdChan:      cmdCh,
		netLayer:     conf.NetLayer,
		connPool:     newConnPool(conf.MaxPool),
		processor:    newProcessorProxy(cmdCh),
		TimeoutScale: DefaultTimeoutScale,
		shutDown:     newShutDown(),
		ctx:          NewLockItem(netCtx{ctx: ctx, cancel: cancel}),
	}
	go t.Start()
	return t
}

func (n *NetTransport) CloseConnections() {
	n.connPool.pool.Action(func(t *typConnPool) {
		for _, list := range *t {
			for _, conn := range list {
				conn.Close()
			}
		}
		*t = map[string][]*netConn{}
	})
}

func (n *NetTransport) Close() error {
	n.shutDown.done(func(_ bool) {
		n.netLayer.Close()
	})
	return nil
}

func (n *NetTransport) Start() {
	var failures int64
	for {
		conn, err := n.netLayer.Accept()
		if err != nil {
			if n.processError(err, failures) {
				return
			}
			failures++
			continue
		}
		failures = 0
		go n.handleConn(n.ctx.Get().ctx, newNetConn("", conn))
	}
}

const (
	baseAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay  = 1 * time.Second
)

func (n *NetTransport) processError(err error, failures int64) (stop bool) {
	select {
	case <-n.shutDown.C:
		return true
	default:
	}
	netErr, ok := err.(net.Error)
	if !ok {
		return true
	}
	if netErr.Timeout() {
		delay := time.Duration(failures) * baseAcceptDelay
		if delay > maxAcceptDelay {
			delay = maxAcceptDelay
		}
		time.Sleep(delay)
		return false
	}
	return true
}

func (n *NetTransport) handleConn(ctx context.Context, conn *netConn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cmdType, data, err := defaultPackageParser.Decode(conn.rw.Reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				n.logger.Errorf("decode err: %s", err)
			}
			return
		}
		respData, err := n.processor.Do(cmdType, data)
		if err != nil {
			n.logger.Errorf("processor err: %s", err)
			return
		}
		if err = defaultPackageParser.Encode(conn.rw.Writer, cmdType, respData.([]byte)); err != nil {
			n.logger.Errorf("encode err: %s", err)
			return
		}
		if err := conn.rw.Flush(); err != nil {
			n.logger.Errorf("flush err: %s", err)
			return
		}
	}
}
