package worker

import "time"

// Clock abstracts time so reconnect/backoff and polling cadence tests can
// run deterministically, mirroring ratelimit.Clock from the teacher repo.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
	NewTimer(time.Duration) Timer
}

// Timer is the minimal surface the worker needs from a timer, so tests can
// substitute an instantly-firing fake.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(time.Duration) bool
}

type realClock struct{}

func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time                { return time.Now() }
func (realClock) Sleep(d time.Duration)          { time.Sleep(d) }
func (realClock) NewTimer(d time.Duration) Timer { return &realTimer{t: time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Stop() bool               { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
