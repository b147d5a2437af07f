package qjournal

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// TestGetImageServesFinalizedSegmentWithContentLength exercises the
// byte contract acceptRecovery's HTTP fetch depends on: a 4-byte
// big-endian layout version prefix followed by the raw segment bytes,
// with Content-Length set up front rather than the response going out
// chunked.
func TestGetImageServesFinalizedSegmentWithContentLength(t *testing.T) {
	Convey("a finalized segment is served whole, with an accurate Content-Length", t, func() {
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

		node := c.nodes[0]
		j, err := node.journal("jid-1", false)
		So(err, ShouldBeNil)
		segs, err := j.store.List()
		So(err, ShouldBeNil)
		So(len(segs), ShouldEqual, 1)
		seg := segs[0]
		So(seg.State, ShouldEqual, Finalized)

		wantSize, err := j.store.Size(seg)
		So(err, ShouldBeNil)

		url := fmt.Sprintf("http://%s/getimage?jid=jid-1&filename=%s", node.conf.HttpAddr, seg.FinalizedName())
		resp, err := http.Get(url)
		So(err, ShouldBeNil)
		defer resp.Body.Close()

		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		So(resp.ContentLength, ShouldEqual, int64(4)+wantSize)

		body, err := io.ReadAll(resp.Body)
		So(err, ShouldBeNil)
		So(int64(len(body)), ShouldEqual, resp.ContentLength)
		So(body[:4], ShouldResemble, []byte{0, 0, 0, 0}) // testNamespace() leaves LayoutVersion at 0
	})
}

// TestGetImageMissingSegmentReturns500 covers the fixed error contract:
// a filename that does not resolve to any known segment answers 500,
// not 404.
func TestGetImageMissingSegmentReturns500(t *testing.T) {
	Convey("an unknown filename answers 500", t, func() {
		c := newTestCluster(t, 3)
		qjm := newTestQJM(t, c)
		So(qjm.RecoverUnfinalizedSegments(), ShouldBeNil)

		node := c.nodes[0]
		url := fmt.Sprintf("http://%s/getimage?jid=jid-1&filename=edits_0000000000000000001-0000000000000000002", node.conf.HttpAddr)
		resp, err := http.Get(url)
		So(err, ShouldBeNil)
		defer resp.Body.Close()
		So(resp.StatusCode, ShouldEqual, http.StatusInternalServerError)
	})
}

// TestGetImageMissingQueryParamsReturns500 covers the same fixed
// contract for a request missing jid or filename entirely.
func TestGetImageMissingQueryParamsReturns500(t *testing.T) {
	Convey("a request missing jid/filename answers 500", t, func() {
		c := newTestCluster(t, 1)
		node := c.nodes[0]

		resp, err := http.Get(fmt.Sprintf("http://%s/getimage", node.conf.HttpAddr))
		So(err, ShouldBeNil)
		defer resp.Body.Close()
		So(resp.StatusCode, ShouldEqual, http.StatusInternalServerError)
	})
}
