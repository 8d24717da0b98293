package client

import (
	"sort"

	"chatfleet/internal/presence"
)

// VisibleUsers lists the directory without ignored users, by username.
func VisibleUsers(s State) []presence.User {
	out := make([]presence.User, 0, len(s.Users))
	for id, u := range s.Users {
		if s.IsIgnored(id) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].ID < out[j].ID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// VisibleMessages is the active room log minus ignored senders.
func VisibleMessages(s State) []presence.Message {
	out := make([]presence.Message, 0, len(s.Active))
	for _, m := range s.Active {
		if s.IsIgnored(m.SenderID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func Conversation(s State, peerID int64) []presence.DirectMessage {
	if s.IsIgnored(peerID) {
		return nil
	}
	return append([]presence.DirectMessage(nil), s.Private[peerID]...)
}

func TypingUsers(s State) []string {
	ignoredNames := make(map[string]struct{})
	for id := range s.Ignored {
		if u, ok := s.Users[id]; ok {
			ignoredNames[u.Username] = struct{}{}
		}
	}
	out := make([]string, 0, len(s.Typing))
	for name := range s.Typing {
		if name == s.Self.Username {
			continue
		}
		if _, skip := ignoredNames[name]; skip {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func RoomNames(s State) []string {
	out := make([]string, 0, len(s.Rooms)+1)
	seen := map[string]bool{}
	for name := range s.Rooms {
		out = append(out, name)
		seen[name] = true
	}
	if s.CurrentRoom != "" && !seen[s.CurrentRoom] {
		out = append(out, s.CurrentRoom)
	}
	sort.Strings(out)
	return out
}
