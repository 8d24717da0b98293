package main

import (
	"strings"
	"testing"

	"chatfleet/internal/client"
	"chatfleet/internal/presence"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		want command
	}{
		{"hello there", command{kind: cmdSay, text: "hello there"}},
		{"//join is a command", command{kind: cmdSay, text: "/join is a command"}},
		{"/join tech", command{kind: cmdJoin, room: "tech"}},
		{"/ignore 42", command{kind: cmdIgnore, userID: 42}},
		{"/UNIGNORE 42", command{kind: cmdUnignore, userID: 42}},
		{"/msg 7  see you in #music", command{kind: cmdPrivate, userID: 7, text: "see you in #music"}},
		{"/quit", command{kind: cmdQuit}},
	}
	for _, tc := range cases {
		got, err := parseCommand(tc.line)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.line, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q = %+v want %+v", tc.line, got, tc.want)
		}
	}

	for _, bad := range []string{"", "   ", "/join", "/join two words", "/ignore nope", "/ignore -1", "/msg 7", "/msg x hi", "/dance"} {
		if _, err := parseCommand(bad); err == nil {
			t.Fatalf("parse %q: expected error", bad)
		}
	}
}

func TestRenderHidesIgnoredUsers(t *testing.T) {
	s := client.NewState("lobby")
	s = client.Reduce(s, client.Connected{Self: presence.User{ID: 1, Username: "me"}})
	s = client.Reduce(s, client.Received{Event: presence.OnlineUsers{Users: []presence.User{
		{ID: 1, Username: "me"}, {ID: 7, Username: "nova", IsBot: true}, {ID: 8, Username: "spammer"},
	}}})
	s = client.Reduce(s, client.SetIgnored{UserID: 8, Ignored: true})

	out := renderUsers(s)
	if strings.Contains(out, "spammer") {
		t.Fatalf("ignored user rendered:\n%s", out)
	}
	if !strings.Contains(out, "nova") || !strings.Contains(out, "(1 ignored)") {
		t.Fatalf("users view:\n%s", out)
	}
}
