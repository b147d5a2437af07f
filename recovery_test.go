package qjournal

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// TestRecoverUnfinalizedSegmentsInProgressWinner exercises the path
// where the winning recovery candidate is still open on its source
// (never finalized before its writer was fenced out): the source must
// serve its bytes under the in-progress filename, and every peer must
// end up with the same finalized segment regardless of whether it was
// the source, already had a matching local copy, or had to fetch.
func TestRecoverUnfinalizedSegmentsInProgressWinner(t *testing.T) {
	Convey("recovery finalizes a still-open tail segment across every peer", t, func() {
		c := newTestCluster(t, 3)

		w1 := c.writerRPC("writer-1")
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
		// Deliberately never finalized: qjm1 is fenced out below while
		// its segment is still open on every peer.

		w2 := c.writerRPC("writer-2")
		qjm2, err := NewQuorumJournalManager("jid-1", testNamespace(), c.peers, c.rpcFactory(w2), DefaultConfig())
		So(err, ShouldBeNil)
		defer qjm2.Close()

		So(qjm2.RecoverUnfinalizedSegments(), ShouldBeNil)

		Convey("every peer now has segment 1-2 finalized and no open segment left", func() {
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

		Convey("the new writer can now open the next segment", func() {
			So(qjm2.StartLogSegment(2), ShouldBeNil)
		})
	})
}
