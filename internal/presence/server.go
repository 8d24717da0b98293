package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
)

// Server exposes a Hub to viewers over a stream listener. Each
// connection carries CBOR frames; the first frame from a viewer must be
// a Hello.
type Server struct {
	hub    *Hub
	logger *log.Logger

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

func NewServer(hub *Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{hub: hub, logger: logger}
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("presence accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs a single viewer session and closes conn when done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	dec := NewDecoder(conn)
	user, err := readHello(dec)
	if err != nil {
		s.logger.Printf("presence handshake from %s: %v", conn.RemoteAddr(), err)
		return
	}
	user.IsBot = false

	subID := fmt.Sprintf("conn-%d", s.nextID.Add(1))
	events := s.hub.Register(subID, user.ID)
	if err := s.hub.Announce(ctx, user); err != nil {
		s.hub.Unregister(subID)
		s.logger.Printf("presence announce user=%d: %v", user.ID, err)
		return
	}
	s.logger.Printf("presence connected sub=%s user=%d username=%s", subID, user.ID, user.Username)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, events, cancel)
	}()

	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Printf("presence read sub=%s: %v", subID, err)
			}
			break
		}
		req, err := DecodeRequest(f)
		if err != nil {
			s.logger.Printf("presence decode sub=%s: %v", subID, err)
			continue
		}
		if err := s.hub.HandleRequest(ctx, subID, req); err != nil {
			s.logger.Printf("presence request sub=%s kind=%s: %v", subID, req.RequestKind(), err)
		}
	}

	s.hub.Unregister(subID)
	<-writerDone
	if !s.hub.HasSubscribers(user.ID) {
		_ = s.hub.Withdraw(context.Background(), user.ID)
	}
	s.logger.Printf("presence disconnected sub=%s user=%d", subID, user.ID)
}

func (s *Server) writeLoop(conn net.Conn, events <-chan Event, cancel context.CancelFunc) {
	enc := NewEncoder(conn)
	for ev := range events {
		f, err := EncodeEvent(ev)
		if err != nil {
			s.logger.Printf("presence encode: %v", err)
			continue
		}
		if err := enc.Encode(f); err != nil {
			cancel()
			// Consume until Unregister closes the queue.
			for range events {
			}
			return
		}
		if _, kicked := ev.(Kicked); kicked {
			cancel()
		}
	}
}

type frameDecoder interface {
	Decode(v any) error
}

func readHello(dec frameDecoder) (User, error) {
	var f Frame
	if err := dec.Decode(&f); err != nil {
		return User{}, fmt.Errorf("read hello: %w", err)
	}
	req, err := DecodeRequest(f)
	if err != nil {
		return User{}, err
	}
	hello, ok := req.(Hello)
	if !ok {
		return User{}, fmt.Errorf("%w: first frame is %s, want hello", ErrInvalidRequest, req.RequestKind())
	}
	if hello.User.ID <= 0 || hello.User.Username == "" {
		return User{}, fmt.Errorf("%w: hello without identity", ErrInvalidRequest)
	}
	return hello.User, nil
}
