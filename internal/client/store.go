package client

import (
	"context"
	"log"
	"sync"
)

// Store is the only writer of a State. Dispatch queues an action and
// returns at once; Run applies queued actions in arrival order and then
// tells subscribers.
type Store struct {
	logger *log.Logger

	mu     sync.Mutex
	state  State
	queue  []Action
	wake   chan struct{}
	subs   map[int]func(State)
	nextID int
	notify func(Notification)
}

// barrier lets Sync wait for everything queued before it.
type barrier struct {
	done chan struct{}
}

func (barrier) isAction() {}

func NewStore(initial State, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		logger: logger,
		state:  initial,
		wake:   make(chan struct{}, 1),
		subs:   make(map[int]func(State)),
	}
}

func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	s.queue = append(s.queue, a)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to run after each applied batch of actions.
// fn runs on the Run goroutine and must not block.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// OnNotify sets the hook fired for every new notification.
func (s *Store) OnNotify(fn func(Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Sync blocks until every action dispatched before the call is applied.
func (s *Store) Sync(ctx context.Context) error {
	done := make(chan struct{})
	s.Dispatch(barrier{done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.drain()
	}
}

func (s *Store) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		prev := s.state
		s.mu.Unlock()

		next := prev
		var barriers []barrier
		var notices []Notification
		applied := 0
		for _, a := range batch {
			if b, ok := a.(barrier); ok {
				barriers = append(barriers, b)
				continue
			}
			applied++
			before := next
			next = Reduce(next, a)
			if next.Dropped != before.Dropped {
				s.logger.Printf("warn: client dropped event: %s", next.DropReason)
			}
			if next.NoticeSeq() != before.NoticeSeq() && next.Notice != nil {
				notices = append(notices, *next.Notice)
			}
		}

		s.mu.Lock()
		s.state = next
		subs := make([]func(State), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
		notify := s.notify
		s.mu.Unlock()

		if notify != nil {
			for _, n := range notices {
				notify(n)
			}
		}
		if applied > 0 {
			for _, fn := range subs {
				fn(next)
			}
		}
		for _, b := range barriers {
			close(b.done)
		}
	}
}
