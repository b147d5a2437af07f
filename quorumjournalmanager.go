package qjournal

import (
	"fmt"
	"sync"
)

// QuorumJournalManager is the single-writer client facade: it owns one
// AsyncLogger per peer, runs the newEpoch/recovery handshake exactly
// once at startup, and then serializes every write through one
// segmentWriter for the currently open segment. It is the one object
// an application holds and calls into; everything else underneath is
// wiring.
type QuorumJournalManager struct {
	mu sync.Mutex

	jid   string
	ns    NamespaceInfo
	peers Peers
	conf  *Config

	loggers map[JournalNodeID]*AsyncLogger

	epoch    uint64
	writer   *segmentWriter
	shutDown shutDown
}

// RpcFactory builds the RpcInterface used to reach one peer; production
// callers pass a function that opens a NetTransport, tests pass one
// that hands back a pre-wired memRPC.
type RpcFactory func(JournalNodeInfo) RpcInterface

func NewQuorumJournalManager(jid string, ns NamespaceInfo, peers Peers, rpcFactory RpcFactory, conf *Config) (*QuorumJournalManager, error) {
	if err := peers.Validate(); err != nil {
		return nil, err
	}
	if conf == nil {
		conf = DefaultConfig()
	}
	if ok, hint := ValidateConfig(conf); !ok {
		return nil, fmt.Errorf("invalid config: %s", hint)
	}

	loggers := make(map[JournalNodeID]*AsyncLogger, len(peers.Nodes))
	for _, p := range peers.Nodes {
		loggers[p.ID] = NewAsyncLogger(p, rpcFactory(p), conf)
	}

	return &QuorumJournalManager{
		jid:      jid,
		ns:       ns,
		peers:    peers,
		conf:     conf,
		loggers:  loggers,
		shutDown: newShutDown(),
	}, nil
}

// obtainNewEpoch fences out any older writer by asking a quorum for an
// epoch strictly greater than any of theirs, then adopts it for every
// subsequent call this manager issues. It also computes S, the
// maximum lastSegmentTxId reported by the newEpoch quorum: the id of
// the tail segment recoverUnfinalizedSegments must run its Paxos
// protocol against, or hasTailSegment=false if no quorum member has
// an unfinalized segment at all.
func (q *QuorumJournalManager) obtainNewEpoch() (tailSegmentTxId uint64, hasTailSegment bool, err error) {
	proposed := q.highestKnownEpoch() + 1

	responses, err := QuorumCall("newEpoch", q.peers.Nodes, q.conf.QuorumTimeout, func(peer JournalNodeInfo) (*NewEpochResponse, error) {
		return q.loggers[peer.ID].NewEpoch(q.jid, q.ns, proposed).Response()
	})
	if err != nil {
		return 0, false, err
	}

	highest := proposed
	for _, resp := range responses {
		if resp.ServerLastPromisedEpoch > highest {
			highest = resp.ServerLastPromisedEpoch
		}
		if resp.HasSegment && (!hasTailSegment || resp.LastSegmentTxId > tailSegmentTxId) {
			tailSegmentTxId, hasTailSegment = resp.LastSegmentTxId, true
		}
	}

	q.mu.Lock()
	q.epoch = highest
	q.mu.Unlock()

	for _, l := range q.loggers {
		l.SetEpoch(highest)
	}
	return tailSegmentTxId, hasTailSegment, nil
}

// highestKnownEpoch asks every reachable peer what it has already
// promised and returns the maximum, a best-effort GetJournalState
// fan-out: a peer that never answers simply doesn't influence the
// proposal, since newEpoch itself is what actually needs a quorum.
func (q *QuorumJournalManager) highestKnownEpoch() uint64 {
	var (
		mu      sync.Mutex
		highest uint64
		wg      sync.WaitGroup
	)
	for _, p := range q.peers.Nodes {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := q.loggers[p.ID].GetJournalState(q.jid).Response()
			if err != nil {
				return
			}
			mu.Lock()
			if resp.LastPromisedEpoch > highest {
				highest = resp.LastPromisedEpoch
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	q.mu.Lock()
	if q.epoch > highest {
		highest = q.epoch
	}
	q.mu.Unlock()
	return highest
}

// RecoverUnfinalizedSegments obtains a new epoch and then, if the
// quorum reported an unfinalized tail segment, runs the
// Paxos-restricted tail-segment recovery protocol against it. This is
// the mandatory handshake a writer must complete once, before its
// very first startLogSegment/write.
func (q *QuorumJournalManager) RecoverUnfinalizedSegments() error {
	tailSegmentTxId, hasTailSegment, err := q.obtainNewEpoch()
	if err != nil {
		return err
	}
	if !hasTailSegment {
		return nil
	}
	q.mu.Lock()
	epoch := q.epoch
	q.mu.Unlock()
	return recoverUnfinalizedSegments(q.jid, q.ns, epoch, q.peers, q.loggers, tailSegmentTxId, q.conf.QuorumTimeout)
}

// StartLogSegment opens a new segment at txId across a quorum of
// peers, replacing any prior in-memory writer.
func (q *QuorumJournalManager) StartLogSegment(txId uint64) error {
	q.mu.Lock()
	epoch := q.epoch
	q.mu.Unlock()

	if epoch == 0 {
		return fmt.Errorf("startLogSegment called before recovering an epoch")
	}

	_, err := QuorumCall("startLogSegment", q.peers.Nodes, q.conf.QuorumTimeout, func(peer JournalNodeInfo) (*StartLogSegmentResponse, error) {
		return q.loggers[peer.ID].StartLogSegment(q.jid, q.ns, txId).Response()
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.writer = newSegmentWriter(q.jid, q.ns, q.peers, q.loggers, q.conf, txId)
	q.mu.Unlock()
	return nil
}

// Write buffers one transaction locally; it does not touch the network
// until SetReadyToFlush/Flush are called.
func (q *QuorumJournalManager) Write(txn Transaction) error {
	w, err := q.activeWriter()
	if err != nil {
		return err
	}
	w.write(txn)
	return nil
}

// SetReadyToFlush closes out the current write batch so the next Flush
// call has something to send; it returns false if there was nothing
// buffered.
func (q *QuorumJournalManager) SetReadyToFlush() (bool, error) {
	w, err := q.activeWriter()
	if err != nil {
		return false, err
	}
	return w.setReadyToFlush(), nil
}

// Flush blocks until a majority of peers have durably persisted the
// last SetReadyToFlush batch.
func (q *QuorumJournalManager) Flush() error {
	w, err := q.activeWriter()
	if err != nil {
		return err
	}
	_, err = w.flush().Response()
	return err
}

// FinalizeLogSegment closes the currently open segment across a
// quorum of peers, after which it becomes immutable.
func (q *QuorumJournalManager) FinalizeLogSegment(startTxId, endTxId uint64) error {
	q.mu.Lock()
	writer := q.writer
	q.mu.Unlock()
	if writer == nil {
		return ErrSegmentState
	}

	_, err := QuorumCall("finalizeLogSegment", q.peers.Nodes, q.conf.QuorumTimeout, func(peer JournalNodeInfo) (*FinalizeLogSegmentResponse, error) {
		return q.loggers[peer.ID].FinalizeLogSegment(q.jid, q.ns, startTxId, endTxId).Response()
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.writer = nil
	q.mu.Unlock()
	return nil
}

func (q *QuorumJournalManager) activeWriter() (*segmentWriter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.writer == nil {
		return nil, ErrSegmentState
	}
	return q.writer, nil
}

// Close stops every AsyncLogger's executor goroutine. Any call issued
// afterward fails with ErrShutDown.
func (q *QuorumJournalManager) Close() error {
	q.shutDown.done(func(bool) {
		for _, l := range q.loggers {
			l.Close()
		}
	})
	return nil
}
