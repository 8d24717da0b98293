package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chatfleet/internal/clock"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in hub")
	ErrQueueFull               = errors.New("subscriber queue is full")
	ErrUnknownUser             = errors.New("user is not online")
	ErrInvalidRequest          = errors.New("invalid presence request")
	ErrUnknownRoom             = errors.New("room does not exist")
)

type HubConfig struct {
	QueueBuffer  int
	HistoryLimit int
	DefaultRoom  string
}

func (c HubConfig) withDefaults() HubConfig {
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = 256
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if strings.TrimSpace(c.DefaultRoom) == "" {
		c.DefaultRoom = "lobby"
	}
	return c
}

type subscriber struct {
	id     string
	userID int64
	ch     chan Event
}

// Hub is the presence authority: it owns the online directory and room
// membership, and fans events out to every registered viewer. Delivery
// never blocks; a viewer whose queue is full misses the event.
type Hub struct {
	cfg    HubConfig
	clock  clock.Clock
	logger *log.Logger

	mu      sync.Mutex
	subs    map[string]*subscriber
	users   map[int64]User
	rooms   map[string]map[int64]struct{}
	history map[string][]Message
	dropped int64
}

func NewHub(cfg HubConfig, clk clock.Clock, logger *log.Logger) *Hub {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		subs:    make(map[string]*subscriber),
		users:   make(map[int64]User),
		rooms:   make(map[string]map[int64]struct{}),
		history: make(map[string][]Message),
	}
	h.rooms[cfg.DefaultRoom] = make(map[int64]struct{})
	return h
}

// Register attaches a viewer queue. Registering an existing id returns
// the existing queue.
func (h *Hub) Register(subID string, userID int64) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[subID]; ok {
		return sub.ch
	}
	sub := &subscriber{id: subID, userID: userID, ch: make(chan Event, h.cfg.QueueBuffer)}
	h.subs[subID] = sub
	return sub.ch
}

func (h *Hub) Unregister(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[subID]
	if !ok {
		return
	}
	delete(h.subs, subID)
	close(sub.ch)
}

// HasSubscribers reports whether any viewer queue belongs to userID.
func (h *Hub) HasSubscribers(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.userID == userID {
			return true
		}
	}
	return false
}

// Connect readies the hub for a publisher. The in-process hub is always
// ready; the method exists so the fleet can treat every transport alike.
func (h *Hub) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Announce puts a user into the directory and its room.
func (h *Hub) Announce(ctx context.Context, user User) error {
	if user.ID <= 0 || strings.TrimSpace(user.Username) == "" {
		return fmt.Errorf("%w: announce requires id and username", ErrInvalidRequest)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, existed := h.users[user.ID]
	h.users[user.ID] = user
	h.deliverAllLocked(UserJoined{User: user})
	if existed && prev.Room != user.Room {
		h.leaveRoomLocked(prev)
	}
	if user.Room != "" && (!existed || prev.Room != user.Room) {
		h.joinRoomLocked(user)
	}
	return nil
}

// Withdraw removes a user from the directory. Unknown ids are ignored.
func (h *Hub) Withdraw(ctx context.Context, userID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	user, ok := h.users[userID]
	if !ok {
		return nil
	}
	delete(h.users, userID)
	h.leaveRoomLocked(user)
	h.deliverAllLocked(UserLeft{UserID: userID})
	return nil
}

// Emit turns a bot action into viewer events.
func (h *Hub) Emit(ctx context.Context, ev AgentEvent) error {
	if ev.AgentID <= 0 {
		return fmt.Errorf("%w: agent event without agent id", ErrInvalidRequest)
	}
	if ev.At.IsZero() {
		ev.At = h.clock.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Kind {
	case AgentTyping, AgentMessage, AgentReaction:
		if ev.Room == "" {
			ev.Room = h.cfg.DefaultRoom
		}
		if _, ok := h.rooms[ev.Room]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRoom, ev.Room)
		}
	}

	switch ev.Kind {
	case AgentTyping:
		h.deliverRoomLocked(ev.Room, Typing{Username: ev.Username, RoomID: ev.Room, IsTyping: ev.IsTyping})
	case AgentMessage, AgentReaction:
		kind := MessageKindChat
		if ev.Kind == AgentReaction {
			kind = MessageKindReaction
		}
		h.publishMessageLocked(Message{
			ID:       uuid.NewString(),
			RoomID:   ev.Room,
			SenderID: ev.AgentID,
			Username: ev.Username,
			Content:  ev.Content,
			Kind:     kind,
			SentAt:   ev.At,
		})
	case AgentRoomChange:
		user, ok := h.users[ev.AgentID]
		if !ok {
			user = User{ID: ev.AgentID, Username: ev.Username, Room: ev.FromRoom, IsBot: true}
		}
		if user.Room == ev.Room {
			return nil
		}
		h.leaveRoomLocked(user)
		user.Room = ev.Room
		if _, online := h.users[ev.AgentID]; online {
			h.users[ev.AgentID] = user
		}
		h.joinRoomLocked(user)
	default:
		return fmt.Errorf("%w: agent event %q", ErrUnknownFrame, ev.Kind)
	}
	return nil
}

// HandleRequest applies a viewer request on behalf of subscriber subID.
func (h *Hub) HandleRequest(ctx context.Context, subID string, req Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[subID]
	if !ok {
		return ErrSubscriberNotRegistered
	}
	self := h.users[sub.userID]

	switch r := req.(type) {
	case Hello:
		return fmt.Errorf("%w: duplicate hello", ErrInvalidRequest)
	case Snapshot:
		h.deliverLocked(sub, OnlineUsers{Users: h.usersLocked()})
	case JoinRoom:
		room := strings.TrimSpace(r.RoomID)
		if room == "" {
			return fmt.Errorf("%w: join without room", ErrInvalidRequest)
		}
		if self.ID == 0 {
			return ErrUnknownUser
		}
		if self.Room != room {
			h.leaveRoomLocked(self)
			self.Room = room
			h.users[self.ID] = self
			h.joinRoomLocked(self)
		}
		for _, s := range h.subs {
			if s.userID == self.ID {
				h.deliverLocked(s, RoomJoined{RoomID: room})
			}
		}
	case SendMessage:
		if self.ID == 0 {
			return ErrUnknownUser
		}
		content := strings.TrimSpace(r.Content)
		if content == "" {
			return fmt.Errorf("%w: empty message", ErrInvalidRequest)
		}
		room := r.RoomID
		if room == "" {
			room = self.Room
		}
		h.publishMessageLocked(Message{
			ID:       uuid.NewString(),
			RoomID:   room,
			SenderID: self.ID,
			Username: self.Username,
			Content:  content,
			Kind:     MessageKindChat,
			SentAt:   h.clock.Now().UTC(),
		})
	case SetTyping:
		if self.ID == 0 {
			return ErrUnknownUser
		}
		room := r.RoomID
		if room == "" {
			room = self.Room
		}
		h.deliverRoomLocked(room, Typing{Username: self.Username, RoomID: room, IsTyping: r.IsTyping})
	case SendPrivate:
		if self.ID == 0 {
			return ErrUnknownUser
		}
		if r.ReceiverID <= 0 || strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%w: private message needs receiver and content", ErrInvalidRequest)
		}
		dm := PrivateMessage{Message: DirectMessage{
			ID:         uuid.NewString(),
			SenderID:   self.ID,
			SenderName: self.Username,
			ReceiverID: r.ReceiverID,
			Content:    strings.TrimSpace(r.Content),
			SentAt:     h.clock.Now().UTC(),
		}}
		for _, s := range h.subs {
			if s.userID == r.ReceiverID || s.userID == self.ID {
				h.deliverLocked(s, dm)
			}
		}
	default:
		return fmt.Errorf("%w: request %T", ErrUnknownFrame, req)
	}
	return nil
}

// Kick tells every connection of userID to leave after seconds.
func (h *Hub) Kick(ctx context.Context, userID int64, reason string, seconds int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := false
	for _, s := range h.subs {
		if s.userID == userID {
			h.deliverLocked(s, Kicked{Reason: reason, Seconds: seconds})
			delivered = true
		}
	}
	if !delivered {
		return ErrUnknownUser
	}
	return nil
}

func (h *Hub) CreateRoom(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: room name is required", ErrInvalidRequest)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[name]; ok {
		return nil
	}
	h.rooms[name] = make(map[int64]struct{})
	h.deliverAllLocked(RoomCreated{Room: RoomInfo{Name: name}})
	return nil
}

// DeleteRoom drops a room and sends its members back to the default room.
func (h *Hub) DeleteRoom(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if name == h.cfg.DefaultRoom {
		return fmt.Errorf("%w: default room cannot be deleted", ErrInvalidRequest)
	}
	members, ok := h.rooms[name]
	if !ok {
		return nil
	}
	delete(h.rooms, name)
	delete(h.history, name)
	h.deliverAllLocked(RoomDeleted{RoomID: name})
	for id := range members {
		user, online := h.users[id]
		if !online {
			continue
		}
		user.Room = h.cfg.DefaultRoom
		h.users[id] = user
		h.joinRoomLocked(user)
		for _, s := range h.subs {
			if s.userID == id {
				h.deliverLocked(s, RoomJoined{RoomID: user.Room})
			}
		}
	}
	return nil
}

func (h *Hub) DefaultRoom() string {
	return h.cfg.DefaultRoom
}

func (h *Hub) Users() []User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usersLocked()
}

func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]RoomInfo, 0, len(h.rooms))
	for name, members := range h.rooms {
		out = append(out, RoomInfo{Name: name, Occupancy: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns up to limit of the most recent messages of a room,
// oldest first.
func (h *Hub) History(room string, limit int) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := h.history[room]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) usersLocked() []User {
	out := make([]User, 0, len(h.users))
	for _, u := range h.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) publishMessageLocked(msg Message) {
	if msg.RoomID == "" {
		msg.RoomID = h.cfg.DefaultRoom
	}
	msgs := append(h.history[msg.RoomID], msg)
	if len(msgs) > h.cfg.HistoryLimit {
		msgs = append([]Message(nil), msgs[len(msgs)-h.cfg.HistoryLimit:]...)
	}
	h.history[msg.RoomID] = msgs
	h.deliverAllLocked(NewMessage{Message: msg})
}

func (h *Hub) joinRoomLocked(user User) {
	if user.Room == "" {
		return
	}
	members, ok := h.rooms[user.Room]
	if !ok {
		members = make(map[int64]struct{})
		h.rooms[user.Room] = members
		h.deliverAllLocked(RoomCreated{Room: RoomInfo{Name: user.Room}})
	}
	members[user.ID] = struct{}{}
	h.deliverAllLocked(UserJoinedRoom{UserID: user.ID, Username: user.Username, RoomID: user.Room})
	h.deliverAllLocked(RoomUserCountUpdated{RoomID: user.Room, Count: len(members)})
}

func (h *Hub) leaveRoomLocked(user User) {
	members, ok := h.rooms[user.Room]
	if !ok {
		return
	}
	if _, in := members[user.ID]; !in {
		return
	}
	delete(members, user.ID)
	h.deliverAllLocked(UserLeftRoom{UserID: user.ID, Username: user.Username, RoomID: user.Room})
	h.deliverAllLocked(RoomUserCountUpdated{RoomID: user.Room, Count: len(members)})
}

func (h *Hub) deliverAllLocked(ev Event) {
	for _, sub := range h.subs {
		h.deliverLocked(sub, ev)
	}
}

func (h *Hub) deliverRoomLocked(room string, ev Event) {
	for _, sub := range h.subs {
		if h.users[sub.userID].Room == room {
			h.deliverLocked(sub, ev)
		}
	}
}

func (h *Hub) deliverLocked(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		h.dropped++
		h.logger.Printf("presence drop subscriber=%s kind=%s: %v", sub.id, ev.Kind(), ErrQueueFull)
	}
}
