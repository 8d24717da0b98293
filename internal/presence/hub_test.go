package presence

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"chatfleet/internal/clock"
)

func TestEmitMessageReachesEveryViewer(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, 32)
	a := joinViewer(t, hub, "a", User{ID: 100, Username: "alice", Room: "lobby"})
	b := joinViewer(t, hub, "b", User{ID: 101, Username: "bob", Room: "random"})

	if err := hub.Emit(ctx, AgentEvent{Kind: AgentMessage, AgentID: 1, Username: "nova", Room: "lobby", Content: "hi"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	for _, ch := range []<-chan Event{a, b} {
		msg := nextOf[NewMessage](t, ch)
		if msg.Message.Content != "hi" || msg.Message.RoomID != "lobby" || msg.Message.Kind != MessageKindChat {
			t.Fatalf("message=%+v", msg.Message)
		}
	}
	if got := hub.History("lobby", 0); len(got) != 1 {
		t.Fatalf("history=%d want=1", len(got))
	}
}

func TestTypingStaysInRoom(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, 32)
	a := joinViewer(t, hub, "a", User{ID: 100, Username: "alice", Room: "lobby"})
	b := joinViewer(t, hub, "b", User{ID: 101, Username: "bob", Room: "random"})

	if err := hub.Emit(ctx, AgentEvent{Kind: AgentTyping, AgentID: 1, Username: "nova", Room: "lobby", IsTyping: true}); err != nil {
		t.Fatalf("emit typing: %v", err)
	}
	typing := nextOf[Typing](t, a)
	if typing.Username != "nova" || !typing.IsTyping {
		t.Fatalf("typing=%+v", typing)
	}
	for {
		select {
		case ev := <-b:
			if _, ok := ev.(Typing); ok {
				t.Fatalf("viewer in another room saw typing")
			}
			continue
		default:
		}
		break
	}
}

func TestRoomChangeUpdatesCounts(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, 64)
	ch := joinViewer(t, hub, "a", User{ID: 100, Username: "alice", Room: "lobby"})

	if err := hub.Announce(ctx, User{ID: 1, Username: "nova", Room: "lobby", IsBot: true}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	drain(ch)

	if err := hub.Emit(ctx, AgentEvent{Kind: AgentRoomChange, AgentID: 1, Username: "nova", FromRoom: "lobby", Room: "random"}); err != nil {
		t.Fatalf("emit room change: %v", err)
	}
	left := nextOf[UserLeftRoom](t, ch)
	if left.RoomID != "lobby" || left.UserID != 1 {
		t.Fatalf("left=%+v", left)
	}
	count := nextOf[RoomUserCountUpdated](t, ch)
	if count.RoomID != "lobby" || count.Count != 1 {
		t.Fatalf("lobby count=%+v", count)
	}
	joined := nextOf[UserJoinedRoom](t, ch)
	if joined.RoomID != "random" {
		t.Fatalf("joined=%+v", joined)
	}

	rooms := map[string]int{}
	for _, r := range hub.Rooms() {
		rooms[r.Name] = r.Occupancy
	}
	if rooms["lobby"] != 1 || rooms["random"] != 1 {
		t.Fatalf("rooms=%v", rooms)
	}
}

func TestPrivateMessageGoesToPairOnly(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, 32)
	a := joinViewer(t, hub, "a", User{ID: 100, Username: "alice", Room: "lobby"})
	b := joinViewer(t, hub, "b", User{ID: 101, Username: "bob", Room: "lobby"})
	c := joinViewer(t, hub, "c", User{ID: 102, Username: "carol", Room: "lobby"})
	drain(a)
	drain(b)
	drain(c)

	if err := hub.HandleRequest(ctx, "a", SendPrivate{ReceiverID: 101, Content: "psst"}); err != nil {
		t.Fatalf("private: %v", err)
	}
	if dm := nextOf[PrivateMessage](t, b); dm.Message.SenderID != 100 {
		t.Fatalf("receiver got %+v", dm)
	}
	if dm := nextOf[PrivateMessage](t, a); dm.Message.ReceiverID != 101 {
		t.Fatalf("echo got %+v", dm)
	}
	select {
	case ev := <-c:
		t.Fatalf("bystander received %s", ev.Kind())
	default:
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, 1)
	hub.Register("slow", 100)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = hub.Emit(ctx, AgentEvent{Kind: AgentMessage, AgentID: 1, Username: "nova", Room: "lobby", Content: "spam"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("emit blocked on a full subscriber")
	}
	if hub.Dropped() != 9 {
		t.Fatalf("dropped=%d want=9", hub.Dropped())
	}
}

func TestHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(HubConfig{QueueBuffer: 4, HistoryLimit: 3}, clock.NewFake(time.Unix(0, 0)), quietLogger())
	for i := 0; i < 5; i++ {
		_ = hub.Emit(ctx, AgentEvent{Kind: AgentReaction, AgentID: 1, Username: "nova", Room: "lobby", Content: string(rune('a' + i))})
	}
	got := hub.History("lobby", 0)
	if len(got) != 3 || got[0].Content != "c" || got[2].Content != "e" {
		t.Fatalf("history=%+v", got)
	}
	if got[0].Kind != MessageKindReaction {
		t.Fatalf("kind=%s want reaction", got[0].Kind)
	}
}

func TestEmitRejectsUnknownKind(t *testing.T) {
	hub := newTestHub(t, 4)
	err := hub.Emit(context.Background(), AgentEvent{Kind: "dance", AgentID: 1})
	if !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("err=%v want ErrUnknownFrame", err)
	}
}

func TestDeleteRoomMovesMembersHome(t *testing.T) {
	hub := newTestHub(t, 64)
	ch := joinViewer(t, hub, "a", User{ID: 100, Username: "alice", Room: "games"})
	drain(ch)

	if err := hub.DeleteRoom("games"); err != nil {
		t.Fatalf("delete room: %v", err)
	}
	nextOf[RoomDeleted](t, ch)
	if joined := nextOf[RoomJoined](t, ch); joined.RoomID != "lobby" {
		t.Fatalf("joined=%+v", joined)
	}
	if err := hub.DeleteRoom("lobby"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("delete default room err=%v", err)
	}
}

func TestEmitIntoDeletedRoomIsRejected(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, 64)
	if err := hub.CreateRoom("tech"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := hub.Announce(ctx, User{ID: 1, Username: "nova", Room: "tech", IsBot: true}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	ch := joinViewer(t, hub, "a", User{ID: 100, Username: "alice", Room: "lobby"})
	if err := hub.DeleteRoom("tech"); err != nil {
		t.Fatalf("delete room: %v", err)
	}
	drain(ch)

	for _, kind := range []AgentEventKind{AgentMessage, AgentReaction, AgentTyping} {
		err := hub.Emit(ctx, AgentEvent{Kind: kind, AgentID: 1, Username: "nova", Room: "tech", Content: "late", IsTyping: true})
		if !errors.Is(err, ErrUnknownRoom) {
			t.Fatalf("emit %s into deleted room err=%v want ErrUnknownRoom", kind, err)
		}
	}
	if got := hub.History("tech", 0); len(got) != 0 {
		t.Fatalf("history recreated for deleted room: %+v", got)
	}
	for _, r := range hub.Rooms() {
		if r.Name == "tech" {
			t.Fatalf("deleted room came back: %+v", hub.Rooms())
		}
	}
	select {
	case ev := <-ch:
		t.Fatalf("viewer got %T for a deleted room", ev)
	default:
	}

	if err := hub.Emit(ctx, AgentEvent{Kind: AgentMessage, AgentID: 1, Username: "nova", Content: "home"}); err != nil {
		t.Fatalf("emit without room: %v", err)
	}
	if got := hub.History("lobby", 0); len(got) != 1 {
		t.Fatalf("lobby history=%d want=1", len(got))
	}
}

func newTestHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	return NewHub(HubConfig{QueueBuffer: buffer, HistoryLimit: 10}, clock.NewFake(time.Unix(0, 0)), quietLogger())
}

func joinViewer(t *testing.T, hub *Hub, subID string, user User) <-chan Event {
	t.Helper()
	ch := hub.Register(subID, user.ID)
	if err := hub.Announce(context.Background(), user); err != nil {
		t.Fatalf("announce %s: %v", user.Username, err)
	}
	return ch
}

// nextOf skips queued events until one of type T is found.
func nextOf[T Event](t *testing.T, ch <-chan Event) T {
	t.Helper()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("queue closed")
			}
			if v, match := ev.(T); match {
				return v
			}
		case <-time.After(time.Second):
			var zero T
			t.Fatalf("no %T event queued", zero)
		}
	}
}

func drain(ch <-chan Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
