package qjournal

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// TestFlushToleratesOneNeverRespondingPeer covers the case where one
// of three peers never answers at all: a quorum call only needs a
// majority, so flush must still succeed using the other two.
func TestFlushToleratesOneNeverRespondingPeer(t *testing.T) {
	Convey("a majority of two out of three peers is enough to flush", t, func() {
		c := newTestCluster(t, 3)
		writer := c.writerRPC("writer")

		slow := c.peers.Nodes[2]
		c.rpcs[slow.ID].SetFault(writer.localAddr, 0, nil, true)

		qjm, err := NewQuorumJournalManager("jid-1", testNamespace(), c.peers, c.rpcFactory(writer), DefaultConfig())
		So(err, ShouldBeNil)
		defer qjm.Close()

		So(qjm.RecoverUnfinalizedSegments(), ShouldBeNil)
		So(qjm.StartLogSegment(1), ShouldBeNil)
		So(qjm.Write(Transaction{TxId: 1, Data: []byte("hello")}), ShouldBeNil)
		ready, err := qjm.SetReadyToFlush()
		So(err, ShouldBeNil)
		So(ready, ShouldBeTrue)
		So(qjm.Flush(), ShouldBeNil)
	})
}

// TestFlushFailsWhenMajorityReturnsIOError covers two out of three
// peers answering with a real error: no majority remains reachable, so
// the flush must fail rather than silently declaring success on one
// survivor.
func TestFlushFailsWhenMajorityReturnsIOError(t *testing.T) {
	Convey("losing a majority to IOError fails the quorum call", t, func() {
		c := newTestCluster(t, 3)
		writer := c.writerRPC("writer")

		qjm, err := NewQuorumJournalManager("jid-1", testNamespace(), c.peers, c.rpcFactory(writer), DefaultConfig())
		So(err, ShouldBeNil)
		defer qjm.Close()

		So(qjm.RecoverUnfinalizedSegments(), ShouldBeNil)
		So(qjm.StartLogSegment(1), ShouldBeNil)
		So(qjm.Write(Transaction{TxId: 1, Data: []byte("hello")}), ShouldBeNil)
		ready, err := qjm.SetReadyToFlush()
		So(err, ShouldBeNil)
		So(ready, ShouldBeTrue)

		c.rpcs[c.peers.Nodes[1].ID].SetFault(writer.localAddr, 0, ErrIOError, false)
		c.rpcs[c.peers.Nodes[2].ID].SetFault(writer.localAddr, 0, ErrIOError, false)

		So(qjm.Flush(), ShouldNotBeNil)
	})
}

// TestAsyncLoggerRetriesTransientErrorThenSucceeds confirms a single
// AsyncLogger retries a transient IOError instead of failing the whole
// call the first time a peer glitches.
func TestAsyncLoggerRetriesTransientErrorThenSucceeds(t *testing.T) {
	Convey("a transient error on the first attempt is retried and recovers", t, func() {
		c := newTestCluster(t, 2)
		writer := c.writerRPC("writer")

		target := c.peers.Nodes[0]
		c.rpcs[target.ID].SetFault(writer.localAddr, 5*time.Millisecond, ErrIOError, false)

		conf := DefaultConfig()
		logger := NewAsyncLogger(target, writer, conf)
		defer logger.Close()

		go func() {
			time.Sleep(20 * time.Millisecond)
			c.rpcs[target.ID].ClearFault(writer.localAddr)
		}()

		_, err := logger.NewEpoch("jid-1", testNamespace(), 1).Response()
		So(err, ShouldBeNil)
	})
}
