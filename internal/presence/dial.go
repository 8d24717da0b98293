package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var ErrClosed = errors.New("presence connection closed")

// Conn is the viewer side of a presence connection.
type Conn struct {
	nc  net.Conn
	wmu sync.Mutex
	enc *cbor.Encoder

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func Dial(ctx context.Context, addr string, user User) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial presence %s: %w", addr, err)
	}
	c, err := NewConn(nc, user)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// NewConn sends the Hello handshake over nc and starts reading events.
func NewConn(nc net.Conn, user User) (*Conn, error) {
	c := &Conn{
		nc:     nc,
		enc:    NewEncoder(nc),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	if err := c.Send(Hello{User: user}); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// Events is closed when the connection ends; Err then reports why.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) Send(req Request) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	f, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		return fmt.Errorf("send %s: %w", req.RequestKind(), err)
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	defer close(c.events)
	dec := NewDecoder(c.nc)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			c.fail(err)
			return
		}
		ev, err := DecodeEvent(f)
		if errors.Is(err, ErrUnknownFrame) {
			continue
		}
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		err = ErrClosed
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	_ = c.Close()
}
