package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"chatfleet/internal/domain"
)

func TestUpsertAgentKeepsRuntimeFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	agent := domain.Agent{
		ID:            7,
		Username:      "nova",
		ActivityLevel: 12,
		Settings: domain.AgentSettings{
			TypingSpeed: 1.5,
			Personality: "curious",
			Interests:   []string{"music", "go"},
		},
	}
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	if err := store.MoveAgentToRoom(ctx, 7, "lobby"); err != nil {
		t.Fatalf("move agent: %v", err)
	}
	if err := store.UpdateAgentStatus(ctx, 7, domain.AgentStatusOnline); err != nil {
		t.Fatalf("update status: %v", err)
	}

	agent.DisplayName = "Nova"
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("re-upsert agent: %v", err)
	}
	got, err := store.GetAgent(ctx, 7)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.DisplayName != "Nova" {
		t.Fatalf("display name=%q want=Nova", got.DisplayName)
	}
	if got.ActivityLevel != domain.MaxActivityLevel {
		t.Fatalf("activity level=%d want clamped %d", got.ActivityLevel, domain.MaxActivityLevel)
	}
	if got.CurrentRoom != "lobby" || got.Status != domain.AgentStatusOnline {
		t.Fatalf("runtime fields overwritten: room=%q status=%s", got.CurrentRoom, got.Status)
	}
	if len(got.Settings.Interests) != 2 || got.Settings.Interests[1] != "go" {
		t.Fatalf("interests=%v", got.Settings.Interests)
	}
}

func TestMoveAgentToRoomAdjustsOccupancy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, id := range []int64{1, 2} {
		if err := store.UpsertAgent(ctx, domain.Agent{ID: id, Username: "bot" + string(rune('a'+id))}); err != nil {
			t.Fatalf("upsert agent %d: %v", id, err)
		}
		if err := store.MoveAgentToRoom(ctx, id, "lobby"); err != nil {
			t.Fatalf("initial move %d: %v", id, err)
		}
	}
	if err := store.MoveAgentToRoom(ctx, 1, "random"); err != nil {
		t.Fatalf("move agent: %v", err)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	counts := map[string]int{}
	for _, r := range rooms {
		counts[r.Name] = r.Occupancy
	}
	if counts["lobby"] != 1 || counts["random"] != 1 {
		t.Fatalf("occupancy=%v want lobby=1 random=1", counts)
	}

	activity, err := store.ListActivity(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(activity) != 2 {
		t.Fatalf("activity entries=%d want=2", len(activity))
	}
	if activity[0].RoomName != "random" || activity[0].ActionType != string(domain.ActionRoomChange) {
		t.Fatalf("latest activity=%+v", activity[0])
	}

	if err := store.MoveAgentToRoom(ctx, 99, "lobby"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("move unknown agent err=%v want ErrNotFound", err)
	}
}

func TestOccupancyNeverNegative(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.UpsertAgent(ctx, domain.Agent{ID: 1, Username: "drift", CurrentRoom: "ghost"}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	if err := store.EnsureRoom(ctx, "ghost"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	if err := store.MoveAgentToRoom(ctx, 1, "lobby"); err != nil {
		t.Fatalf("move: %v", err)
	}
	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	for _, r := range rooms {
		if r.Occupancy < 0 {
			t.Fatalf("room %s occupancy=%d", r.Name, r.Occupancy)
		}
	}
}

func TestRandomMessageBumpsUsage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if _, ok, err := store.RandomMessage(ctx, domain.MessageCategoryGreeting); err != nil || ok {
		t.Fatalf("empty category: ok=%t err=%v", ok, err)
	}
	if err := store.AddMessage(ctx, domain.MessageCategoryGreeting, "مرحبا"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if err := store.AddMessage(ctx, domain.MessageCategoryGreeting, "مرحبا"); err != nil {
		t.Fatalf("add duplicate message: %v", err)
	}
	for i := 0; i < 3; i++ {
		content, ok, err := store.RandomMessage(ctx, domain.MessageCategoryGreeting)
		if err != nil || !ok {
			t.Fatalf("random message: ok=%t err=%v", ok, err)
		}
		if content != "مرحبا" {
			t.Fatalf("content=%q", content)
		}
	}
	msgs, err := store.ListMessages(ctx, domain.MessageCategoryGreeting)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].UsageCount != 3 {
		t.Fatalf("messages=%+v want one with usage 3", msgs)
	}
}

func TestControlTokenLookup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.PutControlToken(ctx, domain.ControlToken{Name: "ops", Hash: "abc", Role: domain.RoleAdmin}); err != nil {
		t.Fatalf("put token: %v", err)
	}
	tok, err := store.LookupControlToken(ctx, "abc")
	if err != nil {
		t.Fatalf("lookup token: %v", err)
	}
	if tok.Name != "ops" || tok.Role != domain.RoleAdmin {
		t.Fatalf("token=%+v", tok)
	}
	if _, err := store.LookupControlToken(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup missing err=%v", err)
	}
}

func TestSetAllAgentsStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, id := range []int64{1, 2, 3} {
		if err := store.UpsertAgent(ctx, domain.Agent{ID: id, Username: "b" + string(rune('0'+id)), Status: domain.AgentStatusOnline}); err != nil {
			t.Fatalf("upsert agent: %v", err)
		}
	}
	if err := store.SetAllAgentsStatus(ctx, domain.AgentStatusOffline); err != nil {
		t.Fatalf("set all status: %v", err)
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	for _, a := range agents {
		if a.Status != domain.AgentStatusOffline {
			t.Fatalf("agent %d status=%s", a.ID, a.Status)
		}
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
