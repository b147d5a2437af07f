package qjournal

import (
	. "github.com/smartystreets/goconvey/convey"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	Convey("", t, func() {
		const base = 10 * time.Millisecond
		d := exponentialBackoff(base, time.Second, 1, maxBackoffRounds)
		So(d, ShouldEqual, base)
		d = exponentialBackoff(base, time.Second, 2, maxBackoffRounds)
		So(d, ShouldEqual, base)
		d = exponentialBackoff(base, time.Second, 3, maxBackoffRounds)
		So(d, ShouldEqual, base*2)
		d = exponentialBackoff(base, time.Second, 4, maxBackoffRounds)
		So(d, ShouldEqual, base*4)
		d = exponentialBackoff(base, time.Second, maxBackoffRounds+1, maxBackoffRounds)
		So(d, ShouldEqual, time.Second)
		d = exponentialBackoff(base, time.Hour*50, maxBackoffRounds+2, 11)
		So(d, ShouldEqual, 5120*time.Millisecond)
	})
}
