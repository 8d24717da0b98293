package client

import (
	"maps"
	"slices"
	"strings"

	"chatfleet/internal/presence"
)

// Reduce returns the state after applying a. It never mutates s: maps
// and logs that change are copied first.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case Connecting:
		s.Connection = StatusConnecting
		s.LastError = ""
	case Connected:
		s.Connection = StatusConnected
		s.Self = a.Self
		s.LastError = ""
		s.Kicked = nil
		if s.CurrentRoom == "" {
			s.CurrentRoom = s.DefaultRoom
			s.Active = s.Logs[s.CurrentRoom]
		}
	case Reconnecting:
		s.Connection = StatusReconnecting
		s.LastError = a.Err
	case Disconnected:
		fresh := NewState(s.DefaultRoom)
		fresh.Self = s.Self
		return fresh
	case Received:
		return reduceEvent(s, a.Event)
	case SetIgnored:
		if a.Ignored == s.IsIgnored(a.UserID) {
			return s
		}
		s.Ignored = cloned(s.Ignored)
		if a.Ignored {
			s.Ignored[a.UserID] = struct{}{}
		} else {
			delete(s.Ignored, a.UserID)
		}
	case HistoryLoaded:
		return mergeHistory(s, a.RoomID, a.Messages)
	case RoomsLoaded:
		rooms := make(map[string]int, len(a.Rooms))
		for _, r := range a.Rooms {
			rooms[r.Name] = r.Occupancy
		}
		s.Rooms = rooms
	case LoadFailed:
		s.LastError = a.What + ": " + a.Err
	}
	return s
}

func reduceEvent(s State, ev presence.Event) State {
	switch e := ev.(type) {
	case presence.OnlineUsers:
		users := make(map[int64]presence.User, len(e.Users))
		for _, u := range e.Users {
			if u.ID > 0 {
				users[u.ID] = u
			}
		}
		s.Users = users
	case presence.UserJoined:
		if e.User.ID <= 0 {
			return drop(s, "user joined without id")
		}
		s.Users = cloned(s.Users)
		s.Users[e.User.ID] = e.User
	case presence.UserLeft:
		if _, ok := s.Users[e.UserID]; !ok {
			return s
		}
		s.Users = cloned(s.Users)
		delete(s.Users, e.UserID)
	case presence.NewMessage:
		return receiveMessage(s, e.Message)
	case presence.PrivateMessage:
		return receivePrivate(s, e.Message)
	case presence.Typing:
		if e.Username == "" {
			return drop(s, "typing without username")
		}
		_, present := s.Typing[e.Username]
		if present == e.IsTyping {
			return s
		}
		s.Typing = cloned(s.Typing)
		if e.IsTyping {
			s.Typing[e.Username] = struct{}{}
		} else {
			delete(s.Typing, e.Username)
		}
	case presence.Kicked:
		s.Kicked = &KickNotice{Reason: e.Reason, Seconds: e.Seconds}
	case presence.RoomJoined:
		if e.RoomID == "" {
			return drop(s, "room joined without id")
		}
		if e.RoomID != s.CurrentRoom {
			s.Typing = map[string]struct{}{}
		}
		s.CurrentRoom = e.RoomID
		s.Active = s.Logs[e.RoomID]
	case presence.UserJoinedRoom:
		s = setUserRoom(s, e.UserID, e.RoomID)
	case presence.UserLeftRoom:
		if u, ok := s.Users[e.UserID]; ok && u.Room == e.RoomID {
			s = setUserRoom(s, e.UserID, "")
		}
	case presence.RoomCreated:
		s.Rooms = cloned(s.Rooms)
		s.Rooms[e.Room.Name] = e.Room.Occupancy
	case presence.RoomDeleted:
		s.Rooms = cloned(s.Rooms)
		delete(s.Rooms, e.RoomID)
		if _, ok := s.Logs[e.RoomID]; ok && e.RoomID != s.CurrentRoom {
			s.Logs = cloned(s.Logs)
			delete(s.Logs, e.RoomID)
		}
	case presence.RoomUserCountUpdated:
		if n, ok := s.Rooms[e.RoomID]; ok && n == e.Count {
			return s
		}
		s.Rooms = cloned(s.Rooms)
		s.Rooms[e.RoomID] = e.Count
	default:
		return drop(s, "unhandled event")
	}
	return s
}

// ValidateMessage reports why m must not be stored, or "" when it is fine.
func ValidateMessage(m presence.Message) string {
	switch {
	case m.SenderID <= 0:
		return "message sender id must be positive"
	case strings.TrimSpace(m.Username) == "":
		return "message without sender username"
	case strings.TrimSpace(m.Content) == "":
		return "message without content"
	}
	return ""
}

func receiveMessage(s State, m presence.Message) State {
	if reason := ValidateMessage(m); reason != "" {
		return drop(s, reason)
	}
	room := m.RoomID
	if room == "" {
		room = s.DefaultRoom
		m.RoomID = room
	}
	s.Logs = cloned(s.Logs)
	s.Logs[room] = append(slices.Clip(s.Logs[room]), m)

	if room != s.CurrentRoom {
		return s
	}
	s.Active = s.Logs[room]
	if m.SenderID != s.Self.ID && !s.IsIgnored(m.SenderID) {
		s.Notice = &Notification{
			Seq:     s.NoticeSeq() + 1,
			Kind:    NotifyMessage,
			From:    m.Username,
			RoomID:  room,
			Preview: preview(m.Content),
		}
	}
	return s
}

func receivePrivate(s State, m presence.DirectMessage) State {
	switch {
	case m.SenderID <= 0 || m.ReceiverID <= 0:
		return drop(s, "private message without participants")
	case strings.TrimSpace(m.Content) == "":
		return drop(s, "private message without content")
	}
	outgoing := s.Self.ID > 0 && m.SenderID == s.Self.ID
	peer := m.SenderID
	if outgoing {
		peer = m.ReceiverID
	}
	s.Private = cloned(s.Private)
	s.Private[peer] = append(slices.Clip(s.Private[peer]), m)

	if !outgoing && !s.IsIgnored(m.SenderID) {
		s.Notice = &Notification{
			Seq:     s.NoticeSeq() + 1,
			Kind:    NotifyPrivate,
			From:    m.SenderName,
			PeerID:  peer,
			Preview: preview(m.Content),
		}
	}
	return s
}

// mergeHistory puts fetched messages in front of what already arrived
// live, skipping ids the log already holds.
func mergeHistory(s State, room string, history []presence.Message) State {
	if room == "" {
		return s
	}
	existing := s.Logs[room]
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	merged := make([]presence.Message, 0, len(history)+len(existing))
	for _, m := range history {
		if ValidateMessage(m) != "" {
			continue
		}
		if _, dup := seen[m.ID]; dup && m.ID != "" {
			continue
		}
		if m.RoomID == "" {
			m.RoomID = room
		}
		merged = append(merged, m)
	}
	if len(merged) == 0 {
		return s
	}
	merged = append(merged, existing...)
	s.Logs = cloned(s.Logs)
	s.Logs[room] = merged
	if room == s.CurrentRoom {
		s.Active = merged
	}
	return s
}

func setUserRoom(s State, userID int64, room string) State {
	u, ok := s.Users[userID]
	if !ok || u.Room == room {
		return s
	}
	u.Room = room
	s.Users = cloned(s.Users)
	s.Users[userID] = u
	return s
}

func drop(s State, reason string) State {
	s.Dropped++
	s.DropReason = reason
	return s
}

func preview(content string) string {
	const limit = 80
	r := []rune(content)
	if len(r) <= limit {
		return content
	}
	return string(r[:limit-1]) + "…"
}

// cloned copies m into a fresh, writable map even when m is nil.
func cloned[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	maps.Copy(out, m)
	return out
}
