package main

import (
	"fmt"
	"strconv"
	"strings"
)

type commandKind string

const (
	cmdSay      commandKind = "say"
	cmdJoin     commandKind = "join"
	cmdIgnore   commandKind = "ignore"
	cmdUnignore commandKind = "unignore"
	cmdPrivate  commandKind = "msg"
	cmdQuit     commandKind = "quit"
)

type command struct {
	kind   commandKind
	room   string
	userID int64
	text   string
}

// parseCommand reads one input line. Lines without a leading slash are
// chat messages; "//" escapes a literal slash.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("empty input")
	}
	if strings.HasPrefix(line, "//") {
		return command{kind: cmdSay, text: line[1:]}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSay, text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch commandKind(strings.ToLower(name)) {
	case cmdJoin:
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return command{}, fmt.Errorf("usage: /join room")
		}
		return command{kind: cmdJoin, room: rest}, nil
	case cmdIgnore, cmdUnignore:
		id, err := parseUserID(rest)
		if err != nil {
			return command{}, fmt.Errorf("usage: /%s id", name)
		}
		return command{kind: commandKind(strings.ToLower(name)), userID: id}, nil
	case cmdPrivate:
		rawID, text, _ := strings.Cut(rest, " ")
		id, err := parseUserID(rawID)
		text = strings.TrimSpace(text)
		if err != nil || text == "" {
			return command{}, fmt.Errorf("usage: /msg id text")
		}
		return command{kind: cmdPrivate, userID: id, text: text}, nil
	case cmdQuit:
		return command{kind: cmdQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command: /%s", name)
	}
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("user id must be positive")
	}
	return id, nil
}
