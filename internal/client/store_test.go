package client

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"chatfleet/internal/presence"
)

func runStore(t *testing.T, logger *log.Logger) *Store {
	t.Helper()
	store := NewStore(NewState("lobby"), logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return store
}

func syncStore(t *testing.T, store *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestStoreAppliesActionsInOrder(t *testing.T) {
	store := runStore(t, quietLogger())
	store.Dispatch(Connected{Self: presence.User{ID: 1, Username: "me"}})
	for i := 0; i < 500; i++ {
		store.Dispatch(Received{Event: presence.NewMessage{Message: presence.Message{
			ID: string(rune('a' + i%26)), RoomID: "lobby", SenderID: 7, Username: "nova", Content: "x",
		}}})
	}
	store.Dispatch(Received{Event: presence.UserJoined{User: presence.User{ID: 7, Username: "nova"}}})
	store.Dispatch(Received{Event: presence.UserJoined{User: presence.User{ID: 7, Username: "nova", Room: "tech"}}})
	syncStore(t, store)

	st := store.State()
	if len(st.Logs["lobby"]) != 500 {
		t.Fatalf("lobby=%d want=500", len(st.Logs["lobby"]))
	}
	if st.Users[7].Room != "tech" {
		t.Fatalf("user=%+v want last upsert", st.Users[7])
	}
}

func TestStoreNotifiesOncePerNotice(t *testing.T) {
	store := runStore(t, quietLogger())
	var mu sync.Mutex
	var got []Notification
	store.OnNotify(func(n Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	store.Dispatch(Connected{Self: presence.User{ID: 1, Username: "me"}})
	store.Dispatch(Received{Event: presence.NewMessage{Message: presence.Message{
		ID: "m1", RoomID: "lobby", SenderID: 7, Username: "nova", Content: "hello",
	}}})
	store.Dispatch(Received{Event: presence.NewMessage{Message: presence.Message{
		ID: "m2", RoomID: "lobby", SenderID: 1, Username: "me", Content: "mine",
	}}})
	store.Dispatch(Received{Event: presence.PrivateMessage{Message: presence.DirectMessage{
		ID: "p1", SenderID: 8, SenderName: "orbit", ReceiverID: 1, Content: "psst",
	}}})
	syncStore(t, store)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("notifications=%+v want=2", got)
	}
	if got[0].From != "nova" || got[1].Kind != NotifyPrivate {
		t.Fatalf("notifications=%+v", got)
	}
}

func TestStoreLogsDroppedEvents(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := log.New(&lockedWriter{mu: &mu, w: &buf}, "", 0)
	store := runStore(t, logger)

	store.Dispatch(Received{Event: presence.NewMessage{Message: presence.Message{RoomID: "lobby", SenderID: 0, Username: "x", Content: "y"}}})
	syncStore(t, store)

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if !strings.Contains(out, "warn:") || !strings.Contains(out, "sender id") {
		t.Fatalf("log=%q", out)
	}
	if store.State().Dropped != 1 {
		t.Fatalf("dropped=%d want=1", store.State().Dropped)
	}
}

func TestStoreSubscribersSeeEveryBatch(t *testing.T) {
	store := runStore(t, quietLogger())
	seen := make(chan ConnectionStatus, 16)
	cancel := store.Subscribe(func(s State) {
		seen <- s.Connection
	})

	store.Dispatch(Connecting{})
	syncStore(t, store)
	if got := <-seen; got != StatusConnecting {
		t.Fatalf("status=%s", got)
	}

	cancel()
	store.Dispatch(Connected{})
	syncStore(t, store)
	select {
	case s := <-seen:
		t.Fatalf("cancelled subscriber saw %s", s)
	default:
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
