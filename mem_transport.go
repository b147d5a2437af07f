package qjournal

import (
	"sync"
	"time"

	. "github.com/fuyao-w/common-util"
)

// memRPC is an in-memory RpcInterface double: peers are wired directly
// to each other's consumer channel rather than through a socket, so
// tests can simulate a slow or failing peer deterministically without
// opening real listeners.
type memRPC struct {
	sync.Mutex
	consumerCh chan *RPC
	localAddr  string
	peerMap    map[string]*memRPC
	timeout    time.Duration
	shutDown   shutDown

	fault *LockItem[map[string]fault]
}

// fault describes how memRPC should misbehave for one peer address:
// delay before answering, and/or an error instead of a real answer.
// never means the peer never responds at all (scenario e).
type fault struct {
	delay time.Duration
	err   error
	never bool
}

func NewMemRpc(localAddr string) *memRPC {
	return &memRPC{
		localAddr:  localAddr,
		consumerCh: make(chan *RPC),
		peerMap:    map[string]*memRPC{},
		timeout:    time.Second,
		shutDown:   newShutDown(),
		fault:      NewLockItem(map[string]fault{}),
	}
}

func (m *memRPC) Connect(addr string, rpc RpcInterface) {
	m.Lock()
	defer m.Unlock()
	peer, ok := rpc.(*memRPC)
	if !ok {
		return
	}
	m.peerMap[addr] = peer
}

func (m *memRPC) Disconnect(addr string) {
	m.Lock()
	defer m.Unlock()
	delete(m.peerMap, addr)
}

func (m *memRPC) DisconnectAll() {
	m.Lock()
	defer m.Unlock()
	m.peerMap = map[string]*memRPC{}
}

// SetFault arranges for every future call from the endpoint at addr to
// this endpoint to delay by d and/or fail with err; passing never=true drops the
// request on the floor instead of ever answering it.
func (m *memRPC) SetFault(addr string, d time.Duration, err error, never bool) {
	m.fault.Action(func(t *map[string]fault) {
		(*t)[addr] = fault{delay: d, err: err, never: never}
	})
}

func (m *memRPC) ClearFault(addr string) {
	m.fault.Action(func(t *map[string]fault) {
		delete(*t, addr)
	})
}

func (m *memRPC) getPeer(peer *JournalNodeInfo) *memRPC {
	m.Lock()
	defer m.Unlock()
	return m.peerMap[peer.IpcAddr]
}

func (m *memRPC) Consumer() <-chan *RPC {
	return m.consumerCh
}

func (m *memRPC) LocalAddr() string {
	return m.localAddr
}

func (m *memRPC) doRpc(cmdType rpcType, peer *JournalNodeInfo, request interface{}) (interface{}, error) {
	target := m.getPeer(peer)
	if target == nil {
		return nil, ErrIOError
	}
	if f, ok := target.fault.Get()[m.localAddr]; ok {
		if f.never {
			time.Sleep(m.timeout)
			return nil, ErrTimeout
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.err != nil {
			return nil, f.err
		}
	}
	rpc := &RPC{
		RpcType:  cmdType,
		Request:  request,
		Response: make(chan RPCResult, 1),
	}
	select {
	case target.consumerCh <- rpc:
	case <-time.After(m.timeout):
		return nil, ErrTimeout
	}
	select {
	case result := <-rpc.Response:
		return result.Response, result.Err
	case <-time.After(m.timeout):
		return nil, ErrTimeout
	}
}

func (m *memRPC) GetJournalState(peer *JournalNodeInfo, req *GetJournalStateRequest) (*GetJournalStateResponse, error) {
	resp, err := m.doRpc(RpcGetJournalState, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*GetJournalStateResponse), nil
}

func (m *memRPC) NewEpoch(peer *JournalNodeInfo, req *NewEpochRequest) (*NewEpochResponse, error) {
	resp, err := m.doRpc(RpcNewEpoch, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*NewEpochResponse), nil
}

func (m *memRPC) StartLogSegment(peer *JournalNodeInfo, req *StartLogSegmentRequest) (*StartLogSegmentResponse, error) {
	resp, err := m.doRpc(RpcStartLogSegment, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*StartLogSegmentResponse), nil
}

func (m *memRPC) Journal(peer *JournalNodeInfo, req *JournalRequest) (*JournalResponse, error) {
	resp, err := m.doRpc(RpcJournal, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*JournalResponse), nil
}

func (m *memRPC) FinalizeLogSegment(peer *JournalNodeInfo, req *FinalizeLogSegmentRequest) (*FinalizeLogSegmentResponse, error) {
	resp, err := m.doRpc(RpcFinalizeLogSegment, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*FinalizeLogSegmentResponse), nil
}

func (m *memRPC) PrepareRecovery(peer *JournalNodeInfo, req *PrepareRecoveryRequest) (*PrepareRecoveryResponse, error) {
	resp, err := m.doRpc(RpcPrepareRecovery, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*PrepareRecoveryResponse), nil
}

func (m *memRPC) AcceptRecovery(peer *JournalNodeInfo, req *AcceptRecoveryRequest) (*AcceptRecoveryResponse, error) {
	resp, err := m.doRpc(RpcAcceptRecovery, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*AcceptRecoveryResponse), nil
}

// batchConn fully connects a set of memRPC instances to one another,
// wiring up a test cluster without a real network.
func batchConn(rpcs ...*memRPC) {
	for _, outer := range rpcs {
		for _, inner := range rpcs {
			outer.Connect(inner.LocalAddr(), inner)
			inner.Connect(outer.LocalAddr(), outer)
		}
	}
}
