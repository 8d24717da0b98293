package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Waiters fire in deadline order when
// Advance moves time past them. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	interval time.Duration
	stopped  bool
	fired    bool
}

func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(&waiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		fn()
		return &Timer{stop: func() bool { return false }}
	}
	f.mu.Lock()
	w := &waiter{deadline: f.now.Add(d), fn: fn}
	f.addLocked(w)
	f.mu.Unlock()
	return &Timer{stop: func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		f.changed.Broadcast()
		return true
	}}
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), ch: ch, interval: d}
	f.addLocked(w)
	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.stopped = true
		f.changed.Broadcast()
	}}
}

func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves time forward by d and fires every waiter whose deadline
// is not after the new time. AfterFunc callbacks run on the caller's
// goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (f *Fake) collect(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, rest []*waiter
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(target) {
			rest = append(rest, w)
			continue
		}
		due = append(due, w)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			rest = append(rest, w)
		} else {
			w.fired = true
		}
	}
	f.waiters = rest
	f.changed.Broadcast()
	return due
}

// WaitForTimers blocks until at least n waiters are pending. It closes
// the race between a goroutine arming a timer and the test advancing.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) addLocked(w *waiter) {
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}
