package qjournal

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func newTestQJM(t *testing.T, c *testCluster) *QuorumJournalManager {
	t.Helper()
	writer := c.writerRPC("writer")
	qjm, err := NewQuorumJournalManager("jid-1", testNamespace(), c.peers, c.rpcFactory(writer), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { qjm.Close() })
	return qjm
}

func TestQuorumJournalManagerWriteFlushFinalize(t *testing.T) {
	Convey("a fresh writer recovers, opens a segment, writes, flushes and finalizes across a quorum", t, func() {
		c := newTestCluster(t, 3)
		qjm := newTestQJM(t, c)

		So(qjm.RecoverUnfinalizedSegments(), ShouldBeNil)
		So(qjm.StartLogSegment(1), ShouldBeNil)

		So(qjm.Write(Transaction{TxId: 1, Data: []byte("hello")}), ShouldBeNil)
		So(qjm.Write(Transaction{TxId: 2, Data: []byte("world")}), ShouldBeNil)

		ready, err := qjm.SetReadyToFlush()
		So(err, ShouldBeNil)
		So(ready, ShouldBeTrue)

		So(qjm.Flush(), ShouldBeNil)
		So(qjm.FinalizeLogSegment(1, 2), ShouldBeNil)

		Convey("a majority of peers now have the finalized segment on disk", func() {
			finalized := 0
			for _, node := range c.nodes {
				j, err := node.journal("jid-1", false)
				So(err, ShouldBeNil)
				segs, err := j.store.List()
				So(err, ShouldBeNil)
				for _, s := range segs {
					if s.State == Finalized && s.StartTxId == 1 && s.EndTxId == 2 {
						finalized++
					}
				}
			}
			So(finalized, ShouldBeGreaterThanOrEqualTo, c.peers.Majority())
		})
	})
}

func TestQuorumJournalManagerFencesOlderEpoch(t *testing.T) {
	Convey("a second writer fences the first out of any further writes", t, func() {
		c := newTestCluster(t, 3)

		w1 := c.writerRPC("writer-1")
		qjm1, err := NewQuorumJournalManager("jid-1", testNamespace(), c.peers, c.rpcFactory(w1), DefaultConfig())
		So(err, ShouldBeNil)
		defer qjm1.Close()
		So(qjm1.RecoverUnfinalizedSegments(), ShouldBeNil)
		So(qjm1.StartLogSegment(1), ShouldBeNil)

		w2 := c.writerRPC("writer-2")
		qjm2, err := NewQuorumJournalManager("jid-1", testNamespace(), c.peers, c.rpcFactory(w2), DefaultConfig())
		So(err, ShouldBeNil)
		defer qjm2.Close()
		So(qjm2.RecoverUnfinalizedSegments(), ShouldBeNil)
		So(qjm2.StartLogSegment(2), ShouldBeNil)

		So(qjm1.Write(Transaction{TxId: 1, Data: []byte("stale")}), ShouldBeNil)
		_, err = qjm1.SetReadyToFlush()
		So(err, ShouldBeNil)
		So(qjm1.Flush(), ShouldNotBeNil)
	})
}
