package qjournal

import (
	"sync"

	common_util "github.com/fuyao-w/common-util"
)

// nilRespFuture is the Future payload type for calls with no return
// value other than success/failure.
type nilRespFuture = any

// Future is a single-assignment, observably-complete result: Response
// blocks until the underlying call completes and may be called more
// than once, always returning the same value.
type Future[T any] interface {
	Response() (T, error)
}

type defaultDeferResponse = deferResponse[nilRespFuture]

// deferResponse is the Future[T] implementation shared by every async
// call in this package: AsyncLogger's per-RPC futures, the segment
// writer's flush future, and the recovery coordinator's per-peer calls.
type deferResponse[T any] struct {
	err      error
	once     *sync.Once
	errCh    chan error
	response T
}

func (d *deferResponse[_]) init() {
	d.errCh = make(chan error, 1)
	d.once = new(sync.Once)
}

func (d *deferResponse[T]) Response() (T, error) {
	d.once.Do(func() { d.err = <-d.errCh })
	return d.response, d.err
}

// responded delivers the final result; it must not be called twice.
func (d *deferResponse[T]) responded(resp T, err error) {
	d.response = resp
	select {
	case d.errCh <- err:
	default:
		panic("defer response not init")
	}
	close(d.errCh)
}

func (d *deferResponse[T]) success(resp T) {
	d.responded(resp, nil)
}

func (d *deferResponse[T]) fail(err error) {
	d.responded(common_util.Zero[T](), err)
}

// flushFuture is returned by the segment writer's Flush call and
// completes once a quorum of peers have fsynced the flushed range.
type flushFuture struct {
	defaultDeferResponse
	endTxId uint64
}

func newFlushFuture(endTxId uint64) *flushFuture {
	f := &flushFuture{endTxId: endTxId}
	f.init()
	return f
}
