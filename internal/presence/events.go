// Package presence is the push channel between the fleet, the hub and
// connected viewers.
//
// Three closed families travel over it. AgentEvent is what a bot emits
// (typing, message, room_change, reaction). Event is what a viewer
// receives. Request is what a viewer sends. Each family is a sealed
// interface or a kind-tagged struct so consumers switch exhaustively on
// the concrete type instead of matching strings.
package presence

import "time"

type User struct {
	ID          int64  `cbor:"id" json:"id"`
	Username    string `cbor:"username" json:"username"`
	DisplayName string `cbor:"display_name,omitempty" json:"display_name,omitempty"`
	Room        string `cbor:"room,omitempty" json:"room,omitempty"`
	IsBot       bool   `cbor:"is_bot,omitempty" json:"is_bot,omitempty"`
}

type MessageKind string

const (
	MessageKindChat     MessageKind = "chat"
	MessageKindReaction MessageKind = "reaction"
)

type Message struct {
	ID       string      `cbor:"id" json:"id"`
	RoomID   string      `cbor:"room_id,omitempty" json:"room_id,omitempty"`
	SenderID int64       `cbor:"sender_id" json:"sender_id"`
	Username string      `cbor:"username" json:"username"`
	Content  string      `cbor:"content" json:"content"`
	Kind     MessageKind `cbor:"kind,omitempty" json:"kind,omitempty"`
	SentAt   time.Time   `cbor:"sent_at" json:"sent_at"`
}

type DirectMessage struct {
	ID         string    `cbor:"id" json:"id"`
	SenderID   int64     `cbor:"sender_id" json:"sender_id"`
	SenderName string    `cbor:"sender_name" json:"sender_name"`
	ReceiverID int64     `cbor:"receiver_id" json:"receiver_id"`
	Content    string    `cbor:"content" json:"content"`
	SentAt     time.Time `cbor:"sent_at" json:"sent_at"`
}

type RoomInfo struct {
	Name      string `cbor:"name" json:"name"`
	Occupancy int    `cbor:"occupancy" json:"occupancy"`
}

type EventKind string

const (
	KindOnlineUsers          EventKind = "onlineUsers"
	KindUserJoined           EventKind = "userJoined"
	KindUserLeft             EventKind = "userLeft"
	KindNewMessage           EventKind = "newMessage"
	KindPrivateMessage       EventKind = "privateMessage"
	KindTyping               EventKind = "typing"
	KindKicked               EventKind = "kicked"
	KindRoomJoined           EventKind = "roomJoined"
	KindUserJoinedRoom       EventKind = "userJoinedRoom"
	KindUserLeftRoom         EventKind = "userLeftRoom"
	KindRoomCreated          EventKind = "roomCreated"
	KindRoomDeleted          EventKind = "roomDeleted"
	KindRoomUserCountUpdated EventKind = "roomUserCountUpdated"
)

// Event is a world-to-viewer notification.
type Event interface {
	Kind() EventKind
	isEvent()
}

type OnlineUsers struct {
	Users []User `cbor:"users"`
}

type UserJoined struct {
	User User `cbor:"user"`
}

type UserLeft struct {
	UserID int64 `cbor:"user_id"`
}

type NewMessage struct {
	Message Message `cbor:"message"`
}

type PrivateMessage struct {
	Message DirectMessage `cbor:"message"`
}

type Typing struct {
	Username string `cbor:"username"`
	RoomID   string `cbor:"room_id,omitempty"`
	IsTyping bool   `cbor:"is_typing"`
}

type Kicked struct {
	Reason  string `cbor:"reason,omitempty"`
	Seconds int    `cbor:"seconds"`
}

type RoomJoined struct {
	RoomID string `cbor:"room_id"`
}

type UserJoinedRoom struct {
	UserID   int64  `cbor:"user_id"`
	Username string `cbor:"username"`
	RoomID   string `cbor:"room_id"`
}

type UserLeftRoom struct {
	UserID   int64  `cbor:"user_id"`
	Username string `cbor:"username"`
	RoomID   string `cbor:"room_id"`
}

type RoomCreated struct {
	Room RoomInfo `cbor:"room"`
}

type RoomDeleted struct {
	RoomID string `cbor:"room_id"`
}

type RoomUserCountUpdated struct {
	RoomID string `cbor:"room_id"`
	Count  int    `cbor:"count"`
}

func (OnlineUsers) Kind() EventKind          { return KindOnlineUsers }
func (UserJoined) Kind() EventKind           { return KindUserJoined }
func (UserLeft) Kind() EventKind             { return KindUserLeft }
func (NewMessage) Kind() EventKind           { return KindNewMessage }
func (PrivateMessage) Kind() EventKind       { return KindPrivateMessage }
func (Typing) Kind() EventKind               { return KindTyping }
func (Kicked) Kind() EventKind               { return KindKicked }
func (RoomJoined) Kind() EventKind           { return KindRoomJoined }
func (UserJoinedRoom) Kind() EventKind       { return KindUserJoinedRoom }
func (UserLeftRoom) Kind() EventKind         { return KindUserLeftRoom }
func (RoomCreated) Kind() EventKind          { return KindRoomCreated }
func (RoomDeleted) Kind() EventKind          { return KindRoomDeleted }
func (RoomUserCountUpdated) Kind() EventKind { return KindRoomUserCountUpdated }

func (OnlineUsers) isEvent()          {}
func (UserJoined) isEvent()           {}
func (UserLeft) isEvent()             {}
func (NewMessage) isEvent()           {}
func (PrivateMessage) isEvent()       {}
func (Typing) isEvent()               {}
func (Kicked) isEvent()               {}
func (RoomJoined) isEvent()           {}
func (UserJoinedRoom) isEvent()       {}
func (UserLeftRoom) isEvent()         {}
func (RoomCreated) isEvent()          {}
func (RoomDeleted) isEvent()          {}
func (RoomUserCountUpdated) isEvent() {}

type AgentEventKind string

const (
	AgentTyping     AgentEventKind = "typing"
	AgentMessage    AgentEventKind = "message"
	AgentRoomChange AgentEventKind = "room_change"
	AgentReaction   AgentEventKind = "reaction"
)

// AgentEvent is emitted by a scheduler. Identity and Room are attached
// by the fleet before the event reaches the transport.
type AgentEvent struct {
	Kind     AgentEventKind
	AgentID  int64
	Username string
	Room     string
	FromRoom string
	IsTyping bool
	Content  string
	At       time.Time
}

type RequestKind string

const (
	RequestHello       RequestKind = "hello"
	RequestSnapshot    RequestKind = "snapshot"
	RequestJoinRoom    RequestKind = "join_room"
	RequestSendMessage RequestKind = "send_message"
	RequestTyping      RequestKind = "typing"
	RequestPrivate     RequestKind = "private_message"
)

// Request is a viewer-to-hub instruction.
type Request interface {
	RequestKind() RequestKind
	isRequest()
}

type Hello struct {
	User User `cbor:"user"`
}

type Snapshot struct{}

type JoinRoom struct {
	RoomID string `cbor:"room_id"`
}

type SendMessage struct {
	RoomID  string `cbor:"room_id"`
	Content string `cbor:"content"`
}

type SetTyping struct {
	RoomID   string `cbor:"room_id"`
	IsTyping bool   `cbor:"is_typing"`
}

type SendPrivate struct {
	ReceiverID int64  `cbor:"receiver_id"`
	Content    string `cbor:"content"`
}

func (Hello) RequestKind() RequestKind       { return RequestHello }
func (Snapshot) RequestKind() RequestKind    { return RequestSnapshot }
func (JoinRoom) RequestKind() RequestKind    { return RequestJoinRoom }
func (SendMessage) RequestKind() RequestKind { return RequestSendMessage }
func (SetTyping) RequestKind() RequestKind   { return RequestTyping }
func (SendPrivate) RequestKind() RequestKind { return RequestPrivate }

func (Hello) isRequest()       {}
func (Snapshot) isRequest()    {}
func (JoinRoom) isRequest()    {}
func (SendMessage) isRequest() {}
func (SetTyping) isRequest()   {}
func (SendPrivate) isRequest() {}
