package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := 0
	f.AfterFunc(time.Second, func() { fired++ })

	f.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	f.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired=%d want=1", fired)
	}
	f.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot fired twice")
	}
}

func TestFakeTimerStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })
	if f.PendingCount() != 1 {
		t.Fatalf("pending=%d want=1", f.PendingCount())
	}
	if !timer.Stop() {
		t.Fatalf("expected stop to cancel pending timer")
	}
	if timer.Stop() {
		t.Fatalf("second stop should report false")
	}
	f.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if f.PendingCount() != 0 {
		t.Fatalf("pending=%d want=0", f.PendingCount())
	}
}

func TestFakeTickerRearms(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		f.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}
}

func TestFakeSleepUnblocksAfterAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		f.Sleep(5 * time.Second)
		close(done)
	}()
	f.WaitForTimers(1)
	f.Advance(5 * time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sleep did not return")
	}
}
