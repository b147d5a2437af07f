package qjournal

import (
	"os"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func testNamespace() NamespaceInfo {
	return NamespaceInfo{
		NamespaceID:  42,
		ClusterID:    "test-cluster",
		BlockPoolID:  "bp-test",
		CreationTime: 1700000000,
	}
}

func newTestJournal(t *testing.T) *Journal {
	dir, err := os.MkdirTemp("", "journal-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	j, err := NewJournal("test-jid", dir, "127.0.0.1:0", true, nil)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestJournalNewEpochFencing(t *testing.T) {
	Convey("a fresh journal formats on its first newEpoch call", t, func() {
		j := newTestJournal(t)
		ns := testNamespace()

		resp, err := j.NewEpoch(ns, 1)
		So(err, ShouldBeNil)
		So(resp.HasSegment, ShouldBeFalse)
		So(j.lastPromisedEpoch, ShouldEqual, uint64(1))

		Convey("a namespace mismatch on a later call is rejected", func() {
			other := ns
			other.ClusterID = "some-other-cluster"
			_, err := j.NewEpoch(other, 2)
			So(err, ShouldEqual, ErrNamespaceMismatch)
		})

		Convey("a lower or equal epoch is fenced with the literal scenario-c message", func() {
			_, err := j.NewEpoch(ns, 1)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "epoch 1 is less than the last promised epoch 1")
		})

		Convey("a strictly higher epoch is promised and persisted", func() {
			resp, err := j.NewEpoch(ns, 2)
			So(err, ShouldBeNil)
			So(resp.HasSegment, ShouldBeFalse)
			So(j.lastPromisedEpoch, ShouldEqual, uint64(2))
		})
	})
}

func TestJournalStartWriteFinalize(t *testing.T) {
	Convey("a promised writer can open, write, and finalize a segment", t, func() {
		j := newTestJournal(t)
		ns := testNamespace()

		_, err := j.NewEpoch(ns, 1)
		So(err, ShouldBeNil)

		req := RequestInfo{Jid: "test-jid", NsInfo: ns, Epoch: 1}

		_, err = j.StartLogSegment(req, 1)
		So(err, ShouldBeNil)

		_, err = j.Journal(req, 1, 1, []byte("txn-1"))
		So(err, ShouldBeNil)
		_, err = j.Journal(req, 2, 1, []byte("txn-2"))
		So(err, ShouldBeNil)

		Convey("an out-of-order firstTxId is rejected", func() {
			_, err := j.Journal(req, 10, 1, []byte("txn-10"))
			So(err, ShouldNotBeNil)
			_, ok := err.(*OutOfSyncError)
			So(ok, ShouldBeTrue)
		})

		Convey("finalize with the wrong endTxId is rejected, then the right one succeeds", func() {
			_, err := j.FinalizeLogSegment(req, 1, 5)
			So(err, ShouldEqual, ErrSegmentState)

			_, err = j.FinalizeLogSegment(req, 1, 2)
			So(err, ShouldBeNil)

			segs, listErr := j.store.List()
			So(listErr, ShouldBeNil)
			So(len(segs), ShouldEqual, 1)
			So(segs[0].State, ShouldEqual, Finalized)
			So(segs[0].FinalizedName(), ShouldEqual, "edits_0000000000000000001-0000000000000000002")
		})

		Convey("retrying finalize with identical parameters is idempotent", func() {
			_, err := j.FinalizeLogSegment(req, 1, 2)
			So(err, ShouldBeNil)
			_, err = j.FinalizeLogSegment(req, 1, 2)
			So(err, ShouldBeNil)
		})
	})
}

func TestJournalEpochTooLowOnStaleWriter(t *testing.T) {
	Convey("a write from a superseded writer epoch is rejected", t, func() {
		j := newTestJournal(t)
		ns := testNamespace()

		_, err := j.NewEpoch(ns, 1)
		So(err, ShouldBeNil)
		reqEpoch1 := RequestInfo{Jid: "test-jid", NsInfo: ns, Epoch: 1}
		_, err = j.StartLogSegment(reqEpoch1, 1)
		So(err, ShouldBeNil)

		_, err = j.NewEpoch(ns, 2)
		So(err, ShouldBeNil)
		reqEpoch2 := RequestInfo{Jid: "test-jid", NsInfo: ns, Epoch: 2}
		_, err = j.StartLogSegment(reqEpoch2, 1)
		So(err, ShouldBeNil)

		_, err = j.Journal(reqEpoch1, 1, 1, []byte("stale"))
		So(err, ShouldNotBeNil)
		_, ok := err.(*EpochTooLowError)
		So(ok, ShouldBeTrue)
	})
}

func TestJournalPrepareRecoveryBadEpoch(t *testing.T) {
	Convey("prepareRecovery before any epoch has ever been promised fails with the literal scenario-d substring", t, func() {
		j := newTestJournal(t)
		_, err := j.PrepareRecovery(RequestInfo{Jid: "test-jid", Epoch: 0}, 1)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "bad epoch")
	})
}

func TestJournalPrepareRecoveryReportsSegment(t *testing.T) {
	Convey("prepareRecovery reports the local in-progress segment for the tail txid", t, func() {
		j := newTestJournal(t)
		ns := testNamespace()
		_, err := j.NewEpoch(ns, 1)
		So(err, ShouldBeNil)
		req := RequestInfo{Jid: "test-jid", NsInfo: ns, Epoch: 1}
		_, err = j.StartLogSegment(req, 1)
		So(err, ShouldBeNil)
		_, err = j.Journal(req, 1, 1, []byte("txn-1"))
		So(err, ShouldBeNil)

		resp, err := j.PrepareRecovery(RequestInfo{Jid: "test-jid", NsInfo: ns, Epoch: 1}, 1)
		So(err, ShouldBeNil)
		So(resp.HasSegmentInfo, ShouldBeTrue)
		So(resp.SegmentInfo.StartTxId, ShouldEqual, uint64(1))
		So(resp.HasAccepted, ShouldBeFalse)
	})
}
