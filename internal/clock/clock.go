// Package clock lets schedulers and sessions take time as a dependency.
// Production code uses Real; tests use Fake and move time explicitly.
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f once d has elapsed. The fake implementation runs
	// f synchronously inside Advance, so f must not block on the clock.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
	Sleep(d time.Duration)
}

// Timer is a cancellable AfterFunc registration.
type Timer struct {
	stop func() bool
}

// Stop reports whether the call prevented f from running.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *Ticker) Stop() {
	if t != nil && t.stop != nil {
		t.stop()
	}
}

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
