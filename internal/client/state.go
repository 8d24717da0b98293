// Package client keeps one viewer's picture of the chat consistent with
// the presence stream.
//
// All mutation goes through Reduce, a pure function over immutable State
// values: every transition that touches a map or log builds a new one,
// so a State handed out by Store.State can be read without locks. The
// Store is the single writer; Session turns a presence connection into
// dispatched actions.
package client

import "chatfleet/internal/presence"

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

const DefaultRoom = "lobby"

type NotificationKind string

const (
	NotifyMessage NotificationKind = "message"
	NotifyPrivate NotificationKind = "private"
)

type Notification struct {
	Seq     uint64
	Kind    NotificationKind
	From    string
	RoomID  string
	PeerID  int64
	Preview string
}

type KickNotice struct {
	Reason  string
	Seconds int
}

type State struct {
	Connection  ConnectionStatus
	Self        presence.User
	DefaultRoom string
	CurrentRoom string

	// Logs holds every room's messages in arrival order. Active is the
	// log of CurrentRoom.
	Logs   map[string][]presence.Message
	Active []presence.Message

	Rooms   map[string]int
	Users   map[int64]presence.User
	Typing  map[string]struct{}
	Ignored map[int64]struct{}
	Private map[int64][]presence.DirectMessage
	Kicked  *KickNotice

	Notice  *Notification
	Dropped uint64
	// DropReason explains the most recent rejected event.
	DropReason string
	LastError  string
}

func NewState(defaultRoom string) State {
	if defaultRoom == "" {
		defaultRoom = DefaultRoom
	}
	return State{
		Connection:  StatusDisconnected,
		DefaultRoom: defaultRoom,
		Logs:        map[string][]presence.Message{},
		Rooms:       map[string]int{},
		Users:       map[int64]presence.User{},
		Typing:      map[string]struct{}{},
		Ignored:     map[int64]struct{}{},
		Private:     map[int64][]presence.DirectMessage{},
	}
}

func (s State) IsIgnored(userID int64) bool {
	_, ok := s.Ignored[userID]
	return ok
}

func (s State) NoticeSeq() uint64 {
	if s.Notice == nil {
		return 0
	}
	return s.Notice.Seq
}
