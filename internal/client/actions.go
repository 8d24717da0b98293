package client

import "chatfleet/internal/presence"

// Action is the closed set of inputs Reduce understands.
type Action interface {
	isAction()
}

type Connecting struct{}

// Connected is dispatched once a presence connection is up. It keeps the
// existing view so a reconnect does not flash an empty directory.
type Connected struct {
	Self presence.User
}

// Reconnecting marks a transient drop. State is kept as it was.
type Reconnecting struct {
	Err string
}

// Disconnected ends the session and resets the view.
type Disconnected struct{}

// Received wraps one event from the presence stream.
type Received struct {
	Event presence.Event
}

type SetIgnored struct {
	UserID  int64
	Ignored bool
}

// HistoryLoaded completes a history fetch for a room.
type HistoryLoaded struct {
	RoomID   string
	Messages []presence.Message
}

type RoomsLoaded struct {
	Rooms []presence.RoomInfo
}

// LoadFailed records a failed side fetch; nothing else changes.
type LoadFailed struct {
	What string
	Err  string
}

func (Connecting) isAction()    {}
func (Connected) isAction()     {}
func (Reconnecting) isAction()  {}
func (Disconnected) isAction()  {}
func (Received) isAction()      {}
func (SetIgnored) isAction()    {}
func (HistoryLoaded) isAction() {}
func (RoomsLoaded) isAction()   {}
func (LoadFailed) isAction()    {}
