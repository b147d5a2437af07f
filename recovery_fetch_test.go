package qjournal

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// TestRecoverUnfinalizedSegmentsFetchesOverHTTP forces at least one
// peer into acceptRecovery's real HTTP-fetch branch (journal.go's
// fetchAndWriteSegment) rather than the in-place-finalize fast path:
// that peer is kept unreachable from the original writer for the
// entire time the tail segment is written, so it starts recovery with
// no local copy of it at all and must pull the winning bytes from a
// peer that does, over /getimage.
func TestRecoverUnfinalizedSegmentsFetchesOverHTTP(t *testing.T) {
	Convey("a peer with no local copy of the tail segment fetches it over HTTP during recovery", t, func() {
		c := newTestCluster(t, 3)
		isolated := c.peers.Nodes[2]

		w1 := c.writerRPC("writer-1")
		// isolated answers every call from writer-1 with an immediate I/O
		// error, so it never sees NewEpoch/startLogSegment/journal from
		// writer-1 and ends up with zero segments once writer-1 has
		// written and flushed a tail segment through the other two peers.
		// An immediate error rather than a never-respond fault: the latter
		// still costs a full RPC timeout per attempt (highestKnownEpoch
		// waits on every peer, not just a quorum), which would make this
		// test needlessly slow for the same end state.
		c.rpcs[isolated.ID].SetFault(w1.localAddr, 0, ErrIOError, false)

		qjm1, err := NewQuorumJournalManager("jid-1", testNamespace(), c.peers, c.rpcFactory(w1), DefaultConfig())
		So(err, ShouldBeNil)
		defer qjm1.Close()

		So(qjm1.RecoverUnfinalizedSegments(), ShouldBeNil)
		So(qjm1.StartLogSegment(1), ShouldBeNil)
		So(qjm1.Write(Transaction{TxId: 1, Data: []byte("a")}), ShouldBeNil)
		So(qjm1.Write(Transaction{TxId: 2, Data: []byte("b")}), ShouldBeNil)
		ready, err := qjm1.SetReadyToFlush()
		So(err, ShouldBeNil)
		So(ready, ShouldBeTrue)
		So(qjm1.Flush(), ShouldBeNil)
		// Deliberately never finalized: writer-1 is fenced out below while
		// its segment is still open on the two reachable peers, and
		// isolated has never heard of jid-1 at all.

		for _, node := range c.nodes[:2] {
			j, err := node.journal("jid-1", false)
			So(err, ShouldBeNil)
			So(j.curSegment, ShouldNotBeNil)
		}
		// isolated's dispatch loop was never reached by any call from
		// writer-1 (memRPC rejects a faulted call on the caller's side,
		// before it ever reaches the target's consumer channel), so its
		// journals map has no jid-1 entry yet at all.
		_, err = c.nodes[2].journal("jid-1", false)
		So(err, ShouldNotBeNil)

		// writer-2 is a distinct memRPC endpoint, unaffected by the fault
		// registered against writer-1's address, so it reaches all three
		// peers including isolated.
		w2 := c.writerRPC("writer-2")
		qjm2, err := NewQuorumJournalManager("jid-1", testNamespace(), c.peers, c.rpcFactory(w2), DefaultConfig())
		So(err, ShouldBeNil)
		defer qjm2.Close()

		So(qjm2.RecoverUnfinalizedSegments(), ShouldBeNil)

		Convey("every peer, including the one that started with nothing, now has segment 1-2 finalized", func() {
			// Recovery returns once a majority has accepted; Close drains
			// every AsyncLogger's queue, so the acceptRecovery still running
			// on the remaining peer has finished before the check below.
			qjm2.Close()
			for _, node := range c.nodes {
				j, err := node.journal("jid-1", false)
				So(err, ShouldBeNil)
				So(j.curSegment, ShouldBeNil)

				segs, err := j.store.List()
				So(err, ShouldBeNil)
				So(len(segs), ShouldEqual, 1)
				So(segs[0].State, ShouldEqual, Finalized)
				So(segs[0].StartTxId, ShouldEqual, uint64(1))
				So(segs[0].EndTxId, ShouldEqual, uint64(2))
			}
		})
	})
}
