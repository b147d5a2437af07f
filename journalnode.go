package qjournal

import (
	"fmt"
	"sync"
)

// JournalNode is the server-side process: it hosts one Journal per
// jid, accepts RPCs over a transport, and serves segment bytes over
// HTTP for recovery fetches. Dispatch is a flat switch over rpcType
// rather than a role-driven loop, since a JournalNode has no
// leader/follower distinction of its own.
type JournalNode struct {
	mu       sync.Mutex
	journals map[string]*Journal

	conf      *JournalNodeConfig
	transport RpcInterface
	http      *httpServer

	state    *ProcessState
	shutDown shutDown
}

func NewJournalNode(conf *JournalNodeConfig, transport RpcInterface) *JournalNode {
	jn := &JournalNode{
		journals:  map[string]*Journal{},
		conf:      conf,
		transport: transport,
		state:     newProcessState(),
		shutDown:  newShutDown(),
	}
	jn.http = newHTTPServer(conf.HttpAddr, jn)
	return jn
}

// Status reports whether this node is still accepting RPCs, useful for
// an operator polling a fleet of JournalNodes during a rolling restart.
func (jn *JournalNode) Status() ProcessState {
	return jn.state.Get()
}

// Start launches the dispatch loop and the HTTP file server; it
// returns once both are listening, and runs the dispatch loop in the
// background until Close is called.
func (jn *JournalNode) Start() error {
	if err := jn.http.Start(); err != nil {
		return err
	}
	// jn.conf.HttpAddr may have been "host:0"; every Journal created from
	// here on must advertise the address the listener actually bound to,
	// since that address is what other peers' recovery fetches dial.
	jn.conf.HttpAddr = jn.http.Addr()
	go jn.dispatchLoop()
	return nil
}

func (jn *JournalNode) Close() error {
	jn.state.set(ShuttingDown)
	jn.shutDown.done(nil)
	err := jn.http.Close()
	jn.state.set(Stopped)
	return err
}

// WaitForShutDown blocks until SIGINT/SIGTERM or an explicit Close,
// then closes jn if it hasn't been already, for use by
// cmd/journalnode's main loop in place of rolling its own signal
// handling.
func (jn *JournalNode) WaitForShutDown() {
	jn.shutDown.WaitForShutDown()
	jn.Close()
}

func (jn *JournalNode) dispatchLoop() {
	for {
		select {
		case <-jn.shutDown.C:
			return
		case rpc, ok := <-jn.transport.Consumer():
			if !ok {
				return
			}
			resp, err := jn.dispatch(rpc.RpcType, rpc.Request)
			rpc.Respond(resp, err)
		}
	}
}

func (jn *JournalNode) dispatch(typ rpcType, req interface{}) (interface{}, error) {
	switch typ {
	case RpcGetJournalState:
		r := req.(*GetJournalStateRequest)
		j, err := jn.journal(r.Jid, false)
		if err != nil {
			return nil, err
		}
		return j.GetJournalState(), nil

	case RpcNewEpoch:
		r := req.(*NewEpochRequest)
		j, err := jn.journal(r.Jid, true)
		if err != nil {
			return nil, err
		}
		return j.NewEpoch(r.NsInfo, r.ProposedEpoch)

	case RpcStartLogSegment:
		r := req.(*StartLogSegmentRequest)
		j, err := jn.journal(r.Req.Jid, false)
		if err != nil {
			return nil, err
		}
		return j.StartLogSegment(r.Req, r.TxId)

	case RpcJournal:
		r := req.(*JournalRequest)
		j, err := jn.journal(r.Req.Jid, false)
		if err != nil {
			return nil, err
		}
		return j.Journal(r.Req, r.FirstTxId, r.NumTxns, r.Payload)

	case RpcFinalizeLogSegment:
		r := req.(*FinalizeLogSegmentRequest)
		j, err := jn.journal(r.Req.Jid, false)
		if err != nil {
			return nil, err
		}
		return j.FinalizeLogSegment(r.Req, r.StartTxId, r.EndTxId)

	case RpcPrepareRecovery:
		r := req.(*PrepareRecoveryRequest)
		j, err := jn.journal(r.Req.Jid, false)
		if err != nil {
			return nil, err
		}
		return j.PrepareRecovery(r.Req, r.SegmentTxId)

	case RpcAcceptRecovery:
		r := req.(*AcceptRecoveryRequest)
		j, err := jn.journal(r.Req.Jid, false)
		if err != nil {
			return nil, err
		}
		return j.AcceptRecovery(r.Req, r.SegmentInfo, r.FromUrl)

	default:
		return nil, errUnrecognizedRequest
	}
}

// journal looks up (or, for newEpoch only, lazily creates) the Journal
// for jid. Every other RPC on an unknown jid is rejected: a journal
// only comes into existence via its first newEpoch call.
func (jn *JournalNode) journal(jid string, createIfMissing bool) (*Journal, error) {
	jn.mu.Lock()
	defer jn.mu.Unlock()

	if j, ok := jn.journals[jid]; ok {
		return j, nil
	}
	if !createIfMissing {
		return nil, fmt.Errorf("journal %q: %w", jid, ErrNotFormatted)
	}
	j, err := NewJournal(jid, jn.conf.DataDir, jn.conf.HttpAddr, jn.conf.NoSync, jn.conf.Logger)
	if err != nil {
		return nil, err
	}
	jn.journals[jid] = j
	return j, nil
}

// segmentStoreFor exposes a journal's SegmentStore to the HTTP file
// server without leaking the rest of Journal's surface.
func (jn *JournalNode) segmentStoreFor(jid string) (SegmentStore, error) {
	j, err := jn.journal(jid, false)
	if err != nil {
		return nil, err
	}
	return j.store, nil
}
