package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rivo/tview"

	"chatfleet/internal/client"
	"chatfleet/internal/domain"
	"chatfleet/internal/presence"
)

func renderRooms(s client.State) string {
	var b strings.Builder
	for _, name := range client.RoomNames(s) {
		marker := "  "
		color := "white"
		if name == s.CurrentRoom {
			marker = "> "
			color = "yellow"
		}
		fmt.Fprintf(&b, "[%s]%s%s [gray](%d)[-]\n", color, marker, tview.Escape(name), s.Rooms[name])
	}
	return b.String()
}

func renderMessages(items []presence.Message) string {
	if len(items) == 0 {
		return "[gray]no messages yet"
	}
	var b strings.Builder
	for _, m := range items {
		stamp := "--:--:--"
		if !m.SentAt.IsZero() {
			stamp = m.SentAt.Local().Format("15:04:05")
		}
		if m.Kind == presence.MessageKindReaction {
			fmt.Fprintf(&b, "[gray]%s [green]%s[-] reacts %s\n", stamp, tview.Escape(m.Username), tview.Escape(m.Content))
			continue
		}
		fmt.Fprintf(&b, "[gray]%s [aqua]%s[-]: %s\n", stamp, tview.Escape(m.Username), tview.Escape(m.Content))
	}
	return b.String()
}

func renderUsers(s client.State) string {
	users := client.VisibleUsers(s)
	var b strings.Builder
	for _, u := range users {
		tag := ""
		if u.IsBot {
			tag = " [gray]bot[-]"
		}
		color := "white"
		if u.ID == s.Self.ID {
			color = "yellow"
		}
		room := ""
		if u.Room != "" {
			room = " [gray]#" + tview.Escape(u.Room) + "[-]"
		}
		fmt.Fprintf(&b, "[%s]%s[-] [gray]%d[-]%s%s\n", color, tview.Escape(trimLine(u.Username, 16)), u.ID, tag, room)
	}
	if hidden := len(s.Users) - len(users); hidden > 0 {
		fmt.Fprintf(&b, "[gray](%d ignored)\n", hidden)
	}
	return b.String()
}

func renderPrivate(s client.State) string {
	peers := make([]int64, 0, len(s.Private))
	for id := range s.Private {
		if !s.IsIgnored(id) {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	var b strings.Builder
	for _, peer := range peers {
		conv := client.Conversation(s, peer)
		if len(conv) == 0 {
			continue
		}
		last := conv[len(conv)-1]
		name := fmt.Sprintf("%d", peer)
		if u, ok := s.Users[peer]; ok {
			name = u.Username
		}
		fmt.Fprintf(&b, "[aqua]%s[-] (%d): %s\n", tview.Escape(name), len(conv), tview.Escape(trimLine(last.Content, 40)))
	}
	return b.String()
}

func renderStatus(s client.State, notice *client.Notification, flash string) string {
	parts := []string{fmt.Sprintf("[%s]%s[-] as %s in #%s", connectionColor(s.Connection), s.Connection, tview.Escape(s.Self.Username), tview.Escape(s.CurrentRoom))}
	if typing := client.TypingUsers(s); len(typing) > 0 {
		parts = append(parts, tview.Escape(strings.Join(typing, ", "))+" typing...")
	}
	if s.Kicked != nil {
		parts = append(parts, fmt.Sprintf("[red]kicked: %s (disconnecting in %ds)[-]", tview.Escape(s.Kicked.Reason), s.Kicked.Seconds))
	}
	if notice != nil {
		parts = append(parts, fmt.Sprintf("new %s from %s: %s", notice.Kind, tview.Escape(notice.From), tview.Escape(notice.Preview)))
	}
	if flash != "" {
		parts = append(parts, "[red]"+tview.Escape(flash)+"[-]")
	} else if s.LastError != "" {
		parts = append(parts, "[gray]"+tview.Escape(trimLine(s.LastError, 60))+"[-]")
	}
	return strings.Join(parts, " | ")
}

func renderStats(stats domain.FleetStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "agents  %d\nactive  %d\n", stats.Total, stats.Active)
	for _, status := range []domain.AgentStatus{domain.AgentStatusOnline, domain.AgentStatusBusy, domain.AgentStatusOffline} {
		fmt.Fprintf(&b, "%-7s %d\n", status, stats.ByStatus[status])
	}
	rooms := make([]string, 0, len(stats.ByRoom))
	for room := range stats.ByRoom {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	for _, room := range rooms {
		fmt.Fprintf(&b, "[gray]#%-8s[-] %d\n", tview.Escape(trimLine(room, 8)), stats.ByRoom[room])
	}
	return b.String()
}

func connectionColor(status client.ConnectionStatus) string {
	switch status {
	case client.StatusConnected:
		return "green"
	case client.StatusConnecting, client.StatusReconnecting:
		return "yellow"
	default:
		return "red"
	}
}

func trimLine(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
