package qjournal

import (
	"io"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	. "github.com/fuyao-w/common-util"
)

// shutDown coordinates a one-time graceful shutdown.
type shutDown struct {
	state *LockItem[bool]
	C     chan struct{}
}

func newShutDown() shutDown {
	return shutDown{
		state: NewLockItem[bool](),
		C:     make(chan struct{}),
	}
}

// done is idempotent: a signal-triggered shutdown racing an explicit
// Close must not double-close s.C.
func (s *shutDown) done(act func(oldState bool)) {
	s.state.Action(func(t *bool) {
		old := *t
		if old {
			return
		}
		*t = true
		if act != nil {
			act(old)
		}
		close(s.C)
	})
}

// WaitForShutDown blocks the calling goroutine until SIGINT/SIGTERM or
// an explicit Close, for use by the cmd/ binaries' main loop.
func (s *shutDown) WaitForShutDown() {
	notify := make(chan os.Signal, 1)
	signal.Notify(notify, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-notify:
	case <-s.C:
	}
}

// Logger is satisfied by github.com/fuyao-w/log.NewLogger() in
// production; tests leave it nil.
type Logger interface {
	Infof(format string, v ...any)
	Info(v ...any)
	Errorf(format string, v ...any)
	Error(v ...any)
	Warnf(format string, v ...any)
	Warn(v ...any)
	Debugf(format string, v ...any)
	Debug(v ...any)
}

func newCounterReader(r io.Reader) *countingReader {
	return &countingReader{reader: r, count: new(atomic.Uint64)}
}

// countingReader tracks bytes read so far. fetchAndWriteSegment checks
// that count against the response's Content-Length; the /getimage
// handler only streams through it.
type countingReader struct {
	reader io.Reader
	count  *atomic.Uint64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.count.Add(uint64(n))
	return
}

func (r *countingReader) Count() uint64 {
	return r.count.Load()
}

// exponentialBackoff is AsyncLogger's retry delay after a failed RPC to
// a peer, https://en.wikipedia.org/wiki/Exponential_backoff.
func exponentialBackoff(base, capped time.Duration, round, max int) time.Duration {
	y := float64(Max(Min(round, max)-2, 0))
	x := math.Pow(2, y)
	base *= time.Duration(x)
	return Min(base, capped)
}
