package ratelimit

import (
	"testing"
	"time"

	"chatfleet/internal/clock"
)

func TestLimiterSlidesWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	l := New(2, time.Minute, clk)

	if r := l.Allow("ops"); !r.Allowed || r.Remaining != 1 {
		t.Fatalf("first=%+v", r)
	}
	clk.Advance(10 * time.Second)
	if r := l.Allow("ops"); !r.Allowed || r.Remaining != 0 {
		t.Fatalf("second=%+v", r)
	}
	r := l.Allow("ops")
	if r.Allowed {
		t.Fatalf("third call inside window was admitted")
	}
	if want := clk.Now().Add(-10 * time.Second).Add(time.Minute); !r.ResetAt.Equal(want) {
		t.Fatalf("reset=%s want=%s", r.ResetAt, want)
	}
	if r := l.Allow("viewer"); !r.Allowed {
		t.Fatalf("keys must not share a bucket")
	}

	clk.Advance(51 * time.Second)
	if r := l.Allow("ops"); !r.Allowed {
		t.Fatalf("oldest event should have left the window: %+v", r)
	}
}

func TestZeroLimitAdmitsAll(t *testing.T) {
	l := New(0, time.Minute, nil)
	for i := 0; i < 100; i++ {
		if !l.Allow("k").Allowed {
			t.Fatalf("call %d rejected", i)
		}
	}
}
