package qjournal

import (
	"context"
	"sync"
)

// segmentWriter buffers a writer's local edit log for one open segment
// and flushes it to a quorum of JournalNodes on demand. It keeps the
// same double-buffer shape as the Java EditLogOutputStream this
// protocol is modeled on: writes accumulate in current, a call to
// setReadyToFlush swaps current into readyToFlush so new writes can
// keep accumulating while the previous batch is still being sent, and
// flush drains readyToFlush over the wire.
type segmentWriter struct {
	mu sync.Mutex

	jid    string
	ns     NamespaceInfo
	peers  Peers
	loggers map[JournalNodeID]*AsyncLogger
	conf   *Config

	startTxId uint64
	nextTxId  uint64

	current      []byte
	readyToFlush []byte
	readyFirstTxId uint64
	readyNumTxns   uint32

	currentNumTxns uint32
}

func newSegmentWriter(jid string, ns NamespaceInfo, peers Peers, loggers map[JournalNodeID]*AsyncLogger, conf *Config, startTxId uint64) *segmentWriter {
	return &segmentWriter{
		jid:       jid,
		ns:        ns,
		peers:     peers,
		loggers:   loggers,
		conf:      conf,
		startTxId: startTxId,
		nextTxId:  startTxId,
	}
}

// write appends one transaction's already-serialized bytes to the
// buffer that will be included in the next flush; it never itself
// touches the network.
func (w *segmentWriter) write(txn Transaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = append(w.current, txn.Data...)
	w.currentNumTxns++
	w.nextTxId++
}

// setReadyToFlush moves the current buffer into readyToFlush, the
// point past which no further write() calls may join this batch.
// It is a no-op if current is empty, mirroring the Java stream's
// flush-of-nothing behavior.
func (w *segmentWriter) setReadyToFlush() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentNumTxns == 0 {
		return false
	}
	w.readyToFlush = w.current
	w.readyFirstTxId = w.nextTxId - uint64(w.currentNumTxns)
	w.readyNumTxns = w.currentNumTxns
	w.current = nil
	w.currentNumTxns = 0
	return true
}

// flush sends readyToFlush to every peer and blocks until a majority
// have durably persisted it, satisfying property 3 ("if flush returns
// success, a majority of peers have fsynced a prefix that includes the
// just-flushed txids"). On QuorumCall failure the batch is left in
// readyToFlush so a caller may retry flush without re-submitting it
// through write()/setReadyToFlush().
func (w *segmentWriter) flush() *flushFuture {
	w.mu.Lock()
	payload := w.readyToFlush
	firstTxId := w.readyFirstTxId
	numTxns := w.readyNumTxns
	w.mu.Unlock()

	f := newFlushFuture(firstTxId + uint64(numTxns) - 1)

	if numTxns == 0 {
		f.success(struct{}{})
		return f
	}

	go func() {
		futures := make(map[JournalNodeID]Future[*JournalResponse], len(w.peers.Nodes))
		for _, p := range w.peers.Nodes {
			logger, ok := w.loggers[p.ID]
			if !ok {
				continue
			}
			futures[p.ID] = logger.SendEdits(context.Background(), w.jid, w.ns, firstTxId, numTxns, payload)
		}

		_, err := QuorumCall("flush", w.peers.Nodes, w.conf.QuorumTimeout, func(peer JournalNodeInfo) (*JournalResponse, error) {
			fut, ok := futures[peer.ID]
			if !ok {
				return nil, ErrIOError
			}
			return fut.Response()
		})
		if err != nil {
			f.fail(err)
			return
		}

		w.mu.Lock()
		w.readyToFlush = nil
		w.readyNumTxns = 0
		w.mu.Unlock()
		f.success(struct{}{})
	}()

	return f
}
