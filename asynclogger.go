package qjournal

import (
	"context"
	"time"

	. "github.com/fuyao-w/common-util"
	"golang.org/x/sync/semaphore"
)

// maxBackoffRounds caps how many rounds of exponential growth
// AsyncLogger's retry backoff climbs through before pinning at
// conf.RetryMaxDelay.
const maxBackoffRounds = 10

// AsyncLogger is the writer-side handle on one JournalNode peer: every
// mutating RPC to that peer is submitted here and executed by a single
// dedicated goroutine, so calls to one peer are always observed in
// submission order — the same single-consumer-executor shape as the
// teacher's replication.go, minus the heartbeat goroutine (this
// protocol has no liveness ping; the writer only calls a peer when it
// has real work).
type AsyncLogger struct {
	peer   JournalNodeInfo
	rpc    RpcInterface
	logger Logger
	conf   *Config

	epoch *LockItem[uint64]

	// outstanding bounds the bytes of sendEdits payload queued but not
	// yet acknowledged by this peer, using a non-blocking semaphore so
	// a slow peer degrades to TooManyQueued instead of blocking the
	// writer indefinitely.
	outstanding *semaphore.Weighted

	work chan asyncLoggerTask
	done chan struct{}
}

type asyncLoggerTask struct {
	run func()
}

func NewAsyncLogger(peer JournalNodeInfo, rpc RpcInterface, conf *Config) *AsyncLogger {
	a := &AsyncLogger{
		peer:        peer,
		rpc:         rpc,
		logger:      conf.Logger,
		conf:        conf,
		epoch:       NewLockItem[uint64](0),
		outstanding: semaphore.NewWeighted(conf.MaxOutstandingBytes),
		work:        make(chan asyncLoggerTask, rpcMaxQueue),
		done:        make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for task := range a.work {
		task.run()
	}
}

// Close stops accepting new work; in-flight submissions still drain.
func (a *AsyncLogger) Close() {
	close(a.work)
	<-a.done
}

// SetEpoch fences every subsequent call this AsyncLogger issues with
// epoch, the writer-side half of epoch fencing.
func (a *AsyncLogger) SetEpoch(epoch uint64) {
	a.epoch.Set(epoch)
}

func (a *AsyncLogger) reqInfo(jid string, ns NamespaceInfo) RequestInfo {
	return RequestInfo{
		Jid:             jid,
		NsInfo:          ns,
		Epoch:           a.epoch.Get(),
		IpcSerialNumber: 0,
	}
}

// submit runs fn on this peer's single executor goroutine and returns
// a Future observing its result, retrying with exponential backoff on
// transient (non-fencing) errors up to conf.MaxRetryRounds times.
func submit[T any](a *AsyncLogger, weight int64, fn func() (T, error)) Future[T] {
	f := &deferResponse[T]{}
	f.init()

	if weight > 0 && !a.outstanding.TryAcquire(weight) {
		f.fail(ErrTooManyQueued)
		return f
	}

	select {
	case a.work <- asyncLoggerTask{run: func() {
		defer func() {
			if weight > 0 {
				a.outstanding.Release(weight)
			}
		}()
		resp, err := callWithRetry(a, fn)
		if err != nil {
			f.fail(err)
			return
		}
		f.success(resp)
	}}:
	case <-a.done:
		if weight > 0 {
			a.outstanding.Release(weight)
		}
		f.fail(ErrShutDown)
	}
	return f
}

// callWithRetry retries fn on IOError/Timeout, since those are
// transient-to-this-peer per the propagation policy; a
// fencing error (EpochTooLow/EpochMismatch) is never retried because a
// higher epoch has already superseded this writer.
func callWithRetry[T any](a *AsyncLogger, fn func() (T, error)) (T, error) {
	var (
		resp T
		err  error
	)
	for round := 1; round <= a.conf.MaxRetryRounds; round++ {
		resp, err = fn()
		if err == nil {
			return resp, nil
		}
		if !isRetriable(err) {
			return resp, err
		}
		select {
		case <-a.done:
			return resp, ErrShutDown
		case <-time.After(exponentialBackoff(a.conf.RetryBaseDelay, a.conf.RetryMaxDelay, round, maxBackoffRounds)):
		}
	}
	return resp, err
}

func isRetriable(err error) bool {
	switch err {
	case ErrIOError, ErrTimeout:
		return true
	default:
		return false
	}
}

// SendEdits submits journal() to this peer asynchronously.
func (a *AsyncLogger) SendEdits(ctx context.Context, jid string, ns NamespaceInfo, firstTxId uint64, numTxns uint32, payload []byte) Future[*JournalResponse] {
	return submit(a, int64(len(payload)), func() (*JournalResponse, error) {
		return a.rpc.Journal(&a.peer, &JournalRequest{
			Req:       a.reqInfo(jid, ns),
			FirstTxId: firstTxId,
			NumTxns:   numTxns,
			Payload:   payload,
		})
	})
}

func (a *AsyncLogger) StartLogSegment(jid string, ns NamespaceInfo, txId uint64) Future[*StartLogSegmentResponse] {
	return submit(a, 0, func() (*StartLogSegmentResponse, error) {
		return a.rpc.StartLogSegment(&a.peer, &StartLogSegmentRequest{
			Req:  a.reqInfo(jid, ns),
			TxId: txId,
		})
	})
}

func (a *AsyncLogger) FinalizeLogSegment(jid string, ns NamespaceInfo, startTxId, endTxId uint64) Future[*FinalizeLogSegmentResponse] {
	return submit(a, 0, func() (*FinalizeLogSegmentResponse, error) {
		return a.rpc.FinalizeLogSegment(&a.peer, &FinalizeLogSegmentRequest{
			Req:       a.reqInfo(jid, ns),
			StartTxId: startTxId,
			EndTxId:   endTxId,
		})
	})
}

func (a *AsyncLogger) GetJournalState(jid string) Future[*GetJournalStateResponse] {
	return submit(a, 0, func() (*GetJournalStateResponse, error) {
		return a.rpc.GetJournalState(&a.peer, &GetJournalStateRequest{Jid: jid})
	})
}

func (a *AsyncLogger) NewEpoch(jid string, ns NamespaceInfo, proposedEpoch uint64) Future[*NewEpochResponse] {
	return submit(a, 0, func() (*NewEpochResponse, error) {
		return a.rpc.NewEpoch(&a.peer, &NewEpochRequest{
			Jid:           jid,
			NsInfo:        ns,
			ProposedEpoch: proposedEpoch,
		})
	})
}

func (a *AsyncLogger) PrepareRecovery(jid string, ns NamespaceInfo, segmentTxId uint64) Future[*PrepareRecoveryResponse] {
	return submit(a, 0, func() (*PrepareRecoveryResponse, error) {
		return a.rpc.PrepareRecovery(&a.peer, &PrepareRecoveryRequest{
			Req:         a.reqInfo(jid, ns),
			SegmentTxId: segmentTxId,
		})
	})
}

func (a *AsyncLogger) AcceptRecovery(jid string, ns NamespaceInfo, seg SegmentInfo, fromUrl string) Future[*AcceptRecoveryResponse] {
	return submit(a, 0, func() (*AcceptRecoveryResponse, error) {
		return a.rpc.AcceptRecovery(&a.peer, &AcceptRecoveryRequest{
			Req:         a.reqInfo(jid, ns),
			SegmentInfo: seg,
			FromUrl:     fromUrl,
		})
	})
}
