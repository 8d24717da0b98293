package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chatfleet/internal/clock"
	"chatfleet/internal/presence"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrKicked       = errors.New("kicked by operator")
)

// Conn is the part of a presence connection a Session drives.
type Conn interface {
	Events() <-chan presence.Event
	Send(presence.Request) error
	Close() error
	Err() error
}

type Dialer func(ctx context.Context) (Conn, error)

// PresenceDialer dials the hub over TCP as user.
func PresenceDialer(addr string, user presence.User) Dialer {
	return func(ctx context.Context) (Conn, error) {
		c, err := presence.Dial(ctx, addr, user)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Loader fetches what the push stream does not carry.
type Loader interface {
	History(ctx context.Context, room string, limit int) ([]presence.Message, error)
	Rooms(ctx context.Context) ([]presence.RoomInfo, error)
}

type SessionConfig struct {
	Self         presence.User
	Heartbeat    time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	HistoryLimit int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

// Session keeps one presence connection alive and feeds its events into
// a Store.
type Session struct {
	cfg    SessionConfig
	dial   Dialer
	loader Loader
	store  *Store
	clock  clock.Clock
	logger *log.Logger

	mu   sync.Mutex
	conn Conn
	room string

	wg sync.WaitGroup
}

func NewSession(cfg SessionConfig, dial Dialer, loader Loader, store *Store, clk clock.Clock, logger *log.Logger) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		cfg:    cfg.withDefaults(),
		dial:   dial,
		loader: loader,
		store:  store,
		clock:  clk,
		logger: logger,
	}
}

// Run connects and reconnects until ctx ends or the user is kicked.
func (s *Session) Run(ctx context.Context) error {
	s.store.Dispatch(Connecting{})
	backoff := s.cfg.BackoffMin
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.store.Dispatch(Disconnected{})
				return ctx.Err()
			}
			s.logger.Printf("presence dial failed retry_in=%s: %v", backoff, err)
			s.store.Dispatch(Reconnecting{Err: err.Error()})
			select {
			case <-ctx.Done():
				s.store.Dispatch(Disconnected{})
				return ctx.Err()
			case <-s.clock.After(backoff):
			}
			backoff = min(backoff*2, s.cfg.BackoffMax)
			continue
		}
		backoff = s.cfg.BackoffMin

		err = s.serve(ctx, conn)
		if errors.Is(err, ErrKicked) || ctx.Err() != nil {
			s.store.Dispatch(Disconnected{})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.logger.Printf("presence connection lost: %v", err)
		s.store.Dispatch(Reconnecting{Err: err.Error()})
	}
}

// Wait blocks until background loads have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) serve(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.mu.Lock()
	s.conn = conn
	prev := s.room
	s.mu.Unlock()

	s.store.Dispatch(Connected{Self: s.cfg.Self})
	if err := conn.Send(presence.Snapshot{}); err != nil {
		return fmt.Errorf("request snapshot: %w", err)
	}
	if prev != "" {
		if err := conn.Send(presence.JoinRoom{RoomID: prev}); err != nil {
			return fmt.Errorf("rejoin %s: %w", prev, err)
		}
	} else {
		s.loadHistory(ctx, s.store.State().DefaultRoom)
	}
	s.loadRooms(ctx)

	heartbeat := s.clock.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	var kickDone <-chan time.Time
	events := conn.Events()
	for {
		select {
		case <-connCtx.Done():
			return connCtx.Err()
		case <-kickDone:
			return ErrKicked
		case <-heartbeat.C:
			if err := conn.Send(presence.Snapshot{}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case ev, ok := <-events:
			if !ok {
				if kickDone != nil {
					// The hub hangs up right after a kick; sit out the countdown.
					events = nil
					continue
				}
				if err := conn.Err(); err != nil {
					return err
				}
				return presence.ErrClosed
			}
			s.store.Dispatch(Received{Event: ev})
			switch e := ev.(type) {
			case presence.RoomJoined:
				s.mu.Lock()
				s.room = e.RoomID
				s.mu.Unlock()
				s.loadHistory(ctx, e.RoomID)
			case presence.Kicked:
				if kickDone == nil {
					s.logger.Printf("kicked reason=%q seconds=%d", e.Reason, e.Seconds)
					kickDone = s.clock.After(time.Duration(e.Seconds) * time.Second)
				}
			}
		}
	}
}

func (s *Session) loadHistory(ctx context.Context, room string) {
	if s.loader == nil || room == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		msgs, err := s.loader.History(ctx, room, s.cfg.HistoryLimit)
		if err != nil {
			s.store.Dispatch(LoadFailed{What: "history " + room, Err: err.Error()})
			return
		}
		s.store.Dispatch(HistoryLoaded{RoomID: room, Messages: msgs})
	}()
}

func (s *Session) loadRooms(ctx context.Context) {
	if s.loader == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rooms, err := s.loader.Rooms(ctx)
		if err != nil {
			s.store.Dispatch(LoadFailed{What: "rooms", Err: err.Error()})
			return
		}
		s.store.Dispatch(RoomsLoaded{Rooms: rooms})
	}()
}

func (s *Session) send(req presence.Request) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(req)
}

// SendMessage posts content to the room the viewer is in.
func (s *Session) SendMessage(content string) error {
	st := s.store.State()
	room := st.CurrentRoom
	if room == "" {
		room = st.DefaultRoom
	}
	return s.send(presence.SendMessage{RoomID: room, Content: content})
}

func (s *Session) JoinRoom(room string) error {
	if room == "" {
		return fmt.Errorf("join room: empty room id")
	}
	return s.send(presence.JoinRoom{RoomID: room})
}

func (s *Session) SetTyping(typing bool) error {
	return s.send(presence.SetTyping{RoomID: s.store.State().CurrentRoom, IsTyping: typing})
}

func (s *Session) SendPrivate(receiverID int64, content string) error {
	return s.send(presence.SendPrivate{ReceiverID: receiverID, Content: content})
}
