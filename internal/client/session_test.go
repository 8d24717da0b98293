package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatfleet/internal/clock"
	"chatfleet/internal/presence"
)

var me = presence.User{ID: 1, Username: "me"}

func TestSessionReconnectResyncsWithoutEmptyingDirectory(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := runStore(t, quietLogger())
	h := startSession(t, store, clk, nil)

	c1 := newFakeConn()
	h.conns <- c1
	if _, ok := nextRequest(t, c1).(presence.Snapshot); !ok {
		t.Fatalf("first request is not a snapshot")
	}
	c1.events <- presence.OnlineUsers{Users: []presence.User{me, {ID: 7, Username: "nova", IsBot: true}}}
	c1.events <- presence.RoomJoined{RoomID: "tech"}
	waitState(t, store, func(s State) bool { return s.CurrentRoom == "tech" && len(s.Users) == 2 })

	c1.drop(errors.New("connection reset"))
	st := waitState(t, store, func(s State) bool { return s.Connection == StatusReconnecting })
	if len(st.Users) != 2 {
		t.Fatalf("directory emptied during reconnect: %+v", st.Users)
	}

	c2 := newFakeConn()
	h.conns <- c2
	if _, ok := nextRequest(t, c2).(presence.Snapshot); !ok {
		t.Fatalf("reconnect did not request a snapshot first")
	}
	join, ok := nextRequest(t, c2).(presence.JoinRoom)
	if !ok || join.RoomID != "tech" {
		t.Fatalf("reconnect join=%+v ok=%t want tech", join, ok)
	}
	st = waitState(t, store, func(s State) bool { return s.Connection == StatusConnected })
	if len(st.Users) != 2 || st.CurrentRoom != "tech" {
		t.Fatalf("after reconnect users=%d room=%s", len(st.Users), st.CurrentRoom)
	}

	// Heartbeat belongs to the live connection only.
	clk.WaitForTimers(1)
	clk.Advance(30 * time.Second)
	if _, ok := nextRequest(t, c2).(presence.Snapshot); !ok {
		t.Fatalf("heartbeat did not request a snapshot")
	}

	h.cancel()
	if err := h.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("run err=%v want canceled", err)
	}
	if n := clk.PendingCount(); n != 0 {
		t.Fatalf("pending timers after disconnect=%d want=0", n)
	}
	st = waitState(t, store, func(s State) bool { return s.Connection == StatusDisconnected })
	if len(st.Users) != 0 {
		t.Fatalf("disconnect kept directory: %+v", st.Users)
	}
}

func TestSessionBacksOffBetweenFailedDials(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := runStore(t, quietLogger())
	start := clk.Now()

	var mu sync.Mutex
	var attempts []time.Duration
	conn := newFakeConn()
	dial := func(ctx context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, clk.Now().Sub(start))
		if len(attempts) < 3 {
			return nil, errors.New("refused")
		}
		return conn, nil
	}
	sess := NewSession(SessionConfig{Self: me}, dial, nil, store, clk, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	clk.WaitForTimers(1)
	clk.Advance(500 * time.Millisecond)
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	if _, ok := nextRequest(t, conn).(presence.Snapshot); !ok {
		t.Fatalf("no snapshot after connecting")
	}

	mu.Lock()
	got := append([]time.Duration(nil), attempts...)
	mu.Unlock()
	want := []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("attempts=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempts=%v want=%v", got, want)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestSessionKickEndsAfterCountdown(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := runStore(t, quietLogger())
	h := startSession(t, store, clk, nil)

	c := newFakeConn()
	h.conns <- c
	nextRequest(t, c)
	c.events <- presence.Kicked{Reason: "spam", Seconds: 5}
	waitState(t, store, func(s State) bool { return s.Kicked != nil })
	c.drop(presence.ErrClosed)

	clk.WaitForTimers(2)
	clk.Advance(5 * time.Second)
	if err := h.wait(t); !errors.Is(err, ErrKicked) {
		t.Fatalf("run err=%v want kicked", err)
	}
	waitState(t, store, func(s State) bool { return s.Connection == StatusDisconnected })
	if err := h.sess.SendMessage("still here"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after kick err=%v", err)
	}
}

func TestSessionLoadsHistoryAndRooms(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := runStore(t, quietLogger())
	loader := &fakeLoader{
		history: map[string][]presence.Message{
			"lobby": {{ID: "h1", SenderID: 7, Username: "nova", Content: "earlier"}},
			"music": {{ID: "h2", SenderID: 8, Username: "orbit", Content: "beat"}},
		},
		rooms: []presence.RoomInfo{{Name: "lobby", Occupancy: 3}, {Name: "music", Occupancy: 1}},
	}
	h := startSession(t, store, clk, loader)

	c := newFakeConn()
	h.conns <- c
	nextRequest(t, c)
	waitState(t, store, func(s State) bool { return len(s.Logs["lobby"]) == 1 && s.Rooms["lobby"] == 3 })

	if err := h.sess.JoinRoom("music"); err != nil {
		t.Fatalf("join: %v", err)
	}
	join, ok := nextRequest(t, c).(presence.JoinRoom)
	if !ok || join.RoomID != "music" {
		t.Fatalf("join request=%+v", join)
	}
	c.events <- presence.RoomJoined{RoomID: "music"}
	st := waitState(t, store, func(s State) bool { return s.CurrentRoom == "music" && len(s.Active) == 1 })
	if st.Active[0].ID != "h2" || st.Active[0].RoomID != "music" {
		t.Fatalf("active=%+v", st.Active)
	}

	if err := h.sess.SendMessage("hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, ok := nextRequest(t, c).(presence.SendMessage)
	if !ok || msg.RoomID != "music" || msg.Content != "hi" {
		t.Fatalf("send request=%+v", msg)
	}
}

type sessionHarness struct {
	sess   *Session
	conns  chan *fakeConn
	cancel context.CancelFunc
	done   chan error
}

func startSession(t *testing.T, store *Store, clk clock.Clock, loader Loader) *sessionHarness {
	t.Helper()
	h := &sessionHarness{conns: make(chan *fakeConn), done: make(chan error, 1)}
	dial := func(ctx context.Context) (Conn, error) {
		select {
		case c := <-h.conns:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.sess = NewSession(SessionConfig{Self: me}, dial, loader, store, clk, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.sess.Wait()
	})
	return h
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
		return nil
	}
}

func waitState(t *testing.T, store *Store, ok func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		syncStore(t, store)
		st := store.State()
		if ok(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never matched: conn=%s room=%s users=%d", st.Connection, st.CurrentRoom, len(st.Users))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextRequest(t *testing.T, c *fakeConn) presence.Request {
	t.Helper()
	select {
	case req := <-c.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("no request sent")
		return nil
	}
}

type fakeConn struct {
	events chan presence.Event
	sent   chan presence.Request

	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	err error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan presence.Event, 16),
		sent:   make(chan presence.Request, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Events() <-chan presence.Event { return c.events }

func (c *fakeConn) Send(req presence.Request) error {
	select {
	case <-c.closed:
		return presence.ErrClosed
	default:
	}
	c.sent <- req
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.events)
}

type fakeLoader struct {
	history map[string][]presence.Message
	rooms   []presence.RoomInfo
}

func (l *fakeLoader) History(ctx context.Context, room string, limit int) ([]presence.Message, error) {
	return l.history[room], nil
}

func (l *fakeLoader) Rooms(ctx context.Context) ([]presence.RoomInfo, error) {
	return l.rooms, nil
}
