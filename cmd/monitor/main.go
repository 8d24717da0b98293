package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"

	"chatfleet/internal/client"
	"chatfleet/internal/clock"
	"chatfleet/internal/domain"
	"chatfleet/internal/presence"
)

func main() {
	flags := pflag.NewFlagSet("monitor", pflag.ExitOnError)
	addr := flags.String("addr", "http://localhost:8091", "fleet control base URL")
	presenceAddr := flags.String("presence", "localhost:7070", "presence tcp address")
	token := flags.String("token", os.Getenv("CHATFLEET_TOKEN"), "control token used for history and stats")
	userID := flags.Int64("user-id", 0, "viewer user id (default: derived from pid)")
	username := flags.String("username", "", "viewer username (default: $USER)")
	room := flags.String("room", client.DefaultRoom, "default room")
	interval := flags.Duration("interval", 2*time.Second, "stats refresh interval")
	logPath := flags.String("log-file", "", "append logs to this file instead of discarding them")
	_ = flags.Parse(os.Args[1:])

	logger, closeLog, err := openLogger(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	self := presence.User{
		ID:       *userID,
		Username: firstNonEmpty(*username, os.Getenv("USER"), "viewer"),
		Room:     *room,
	}
	if self.ID <= 0 {
		self.ID = 1_000_000 + int64(os.Getpid())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := client.NewStore(client.NewState(*room), logger)
	go store.Run(ctx)
	loader := client.NewHTTPLoader(*addr, *token, nil)
	sess := client.NewSession(
		client.SessionConfig{Self: self},
		client.PresenceDialer(*presenceAddr, self),
		loader,
		store,
		clock.Real(),
		logger,
	)

	app := tview.NewApplication()

	roomsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	roomsView.SetTitle("Rooms").SetBorder(true)

	messagesView := tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	messagesView.SetTitle("Messages").SetBorder(true)

	usersView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	usersView.SetTitle("Online").SetBorder(true)

	privateView := tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	privateView.SetTitle("Private").SetBorder(true)

	statsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statsView.SetTitle("Fleet").SetBorder(true)

	input := tview.NewInputField().SetLabel("> ")
	input.SetBorder(true).SetTitle("Enter = send | /join room | /ignore id | /unignore id | /msg id text | /quit")

	statusView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(roomsView, 0, 2, false).
		AddItem(statsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(usersView, 0, 2, false).
		AddItem(privateView, 0, 1, false)
	mainLayout := tview.NewFlex().
		AddItem(left, 22, 0, false).
		AddItem(messagesView, 0, 3, false).
		AddItem(right, 30, 0, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(input, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var lastNotice atomic.Pointer[client.Notification]
	var flash atomic.Pointer[string]
	setFlash := func(msg string) {
		flash.Store(&msg)
	}

	var latest atomic.Pointer[client.State]
	redraw := make(chan struct{}, 1)
	kick := func() {
		select {
		case redraw <- struct{}{}:
		default:
		}
	}
	store.Subscribe(func(s client.State) {
		latest.Store(&s)
		kick()
	})
	store.OnNotify(func(n client.Notification) {
		lastNotice.Store(&n)
		logger.Printf("notify kind=%s from=%s room=%s", n.Kind, n.From, n.RoomID)
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-redraw:
			}
			st := latest.Load()
			if st == nil {
				continue
			}
			s := *st
			app.QueueUpdateDraw(func() {
				roomsView.SetText(renderRooms(s))
				messagesView.SetText(renderMessages(client.VisibleMessages(s)))
				messagesView.ScrollToEnd()
				usersView.SetText(renderUsers(s))
				privateView.SetText(renderPrivate(s))
				msg := ""
				if p := flash.Load(); p != nil {
					msg = *p
				}
				statusView.SetText(renderStatus(s, lastNotice.Load(), msg))
			})
		}
	}()

	var typing atomic.Bool
	input.SetChangedFunc(func(text string) {
		want := strings.TrimSpace(text) != "" && !strings.HasPrefix(text, "/")
		if typing.Load() == want {
			return
		}
		typing.Store(want)
		_ = sess.SetTyping(want)
	})
	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := input.GetText()
		input.SetText("")
		if typing.Swap(false) {
			_ = sess.SetTyping(false)
		}
		cmd, err := parseCommand(line)
		if err != nil {
			setFlash(err.Error())
			kick()
			return
		}
		if cmd.kind == cmdQuit {
			app.Stop()
			return
		}
		if err := runCommand(sess, store, cmd); err != nil {
			setFlash(fmt.Sprintf("%s failed: %v", cmd.kind, err))
		} else {
			setFlash("")
		}
		kick()
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(input)
			return nil
		}
		return event
	})

	go func() {
		err := sess.Run(ctx)
		if err != nil && ctx.Err() == nil {
			setFlash("session ended: " + err.Error())
			kick()
		}
	}()

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			var stats domain.FleetStats
			err := loader.GetJSON(ctx, "/stats", &stats)
			app.QueueUpdateDraw(func() {
				if err != nil {
					statsView.SetText(fmt.Sprintf("[red]%s", trimLine(err.Error(), 60)))
					return
				}
				statsView.SetText(renderStats(stats))
			})
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		app.Stop()
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(input).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
	cancel()
	sess.Wait()
}

func runCommand(sess *client.Session, store *client.Store, cmd command) error {
	switch cmd.kind {
	case cmdSay:
		return sess.SendMessage(cmd.text)
	case cmdJoin:
		return sess.JoinRoom(cmd.room)
	case cmdIgnore:
		store.Dispatch(client.SetIgnored{UserID: cmd.userID, Ignored: true})
	case cmdUnignore:
		store.Dispatch(client.SetIgnored{UserID: cmd.userID, Ignored: false})
	case cmdPrivate:
		return sess.SendPrivate(cmd.userID, cmd.text)
	}
	return nil
}

func openLogger(path string) (*log.Logger, func(), error) {
	if path == "" {
		return log.New(io.Discard, "", 0), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return log.New(f, "monitor ", log.LstdFlags), func() { _ = f.Close() }, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
