package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"chatfleet/internal/agent"
	"chatfleet/internal/clock"
	"chatfleet/internal/config"
	"chatfleet/internal/control"
	"chatfleet/internal/domain"
	"chatfleet/internal/fleet"
	"chatfleet/internal/policy"
	"chatfleet/internal/presence"
	"chatfleet/internal/ratelimit"
	"chatfleet/internal/roster"
	sqlitestore "chatfleet/internal/store/sqlite"
)

func main() {
	flags := pflag.NewFlagSet("fleetd", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config.toml (default: ~/.chatfleet/config.toml)")
	controlAddr := flags.String("addr", "", "control http listen address override")
	presenceAddr := flags.String("presence-addr", "", "presence tcp listen address override")
	dbPathFlag := flags.String("db", "", "sqlite database path override")
	rosterPath := flags.String("roster", "", "yaml roster to seed before starting")
	adminToken := flags.String("admin-token", "", "bootstrap an admin control token with this secret")
	genToken := flags.Bool("generate-admin-token", false, "bootstrap an admin control token with a random secret and print it")
	autoStart := flags.Bool("auto-start", false, "start the fleet once initialized")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	httpAddr := firstNonEmpty(*controlAddr, cfg.Control.Addr, ":8091")
	tcpAddr := firstNonEmpty(*presenceAddr, cfg.Presence.Addr, ":7070")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Storage.DBPath, "data/chatfleet.db"))
	seedPath := firstNonEmpty(*rosterPath, cfg.Storage.RosterPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}
	if seedPath != "" {
		r, err := roster.Load(seedPath)
		if err != nil {
			log.Fatalf("load roster: %v", err)
		}
		if err := roster.Seed(ctx, store, r); err != nil {
			log.Fatalf("seed roster: %v", err)
		}
		log.Printf("roster seeded path=%s agents=%d rooms=%d", seedPath, len(r.Agents), len(r.Rooms))
	}
	secret := *adminToken
	if secret == "" && *genToken {
		secret, err = policy.GenerateToken()
		if err != nil {
			log.Fatalf("generate admin token: %v", err)
		}
		fmt.Fprintf(os.Stderr, "admin token: %s\n", secret)
	}
	if secret != "" {
		if err := store.PutControlToken(ctx, domain.ControlToken{
			Name: "bootstrap",
			Hash: policy.HashToken(secret),
			Role: domain.RoleAdmin,
		}); err != nil {
			log.Fatalf("bootstrap admin token: %v", err)
		}
	}
	if err := ensureRooms(ctx, store, fleetRooms(cfg)); err != nil {
		log.Fatalf("ensure rooms: %v", err)
	}
	registry, err := store.ListRooms(ctx)
	if err != nil {
		log.Fatalf("list rooms: %v", err)
	}

	clk := clock.Real()
	hub := presence.NewHub(presence.HubConfig{
		QueueBuffer:  cfg.Presence.QueueBuffer,
		HistoryLimit: cfg.Presence.HistoryLimit,
	}, clk, log.Default())
	for _, room := range registry {
		if err := hub.CreateRoom(room.Name); err != nil {
			log.Printf("create presence room failed room=%s: %v", room.Name, err)
		}
	}

	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		log.Fatalf("listen presence %s: %v", tcpAddr, err)
	}
	presenceServer := presence.NewServer(hub, log.Default())
	go func() {
		if err := presenceServer.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			log.Printf("presence server stopped: %v", err)
			cancel()
		}
	}()

	coord := fleet.New(store, hub, fleet.Config{
		Scheduler: agent.Config{
			BaseDelay:      durationMS(cfg.Fleet.BaseDelayMS, 30*time.Second),
			Rooms:          cfg.Fleet.Rooms,
			ReactionGlyphs: cfg.Fleet.ReactionGlyphs,
			TransitionMin:  durationMS(cfg.Fleet.TransitionMinMS, time.Second),
			TransitionMax:  durationMS(cfg.Fleet.TransitionMaxMS, 3*time.Second),
		},
		StartStagger: durationMS(cfg.Fleet.StartStaggerMS, 100*time.Millisecond),
		StartCap:     intOrDefault(cfg.Fleet.StartCap, 50),
		BatchDelay:   durationMS(cfg.Fleet.BatchDelayMS, 50*time.Millisecond),
	}, clk, log.Default())
	if err := coord.Initialize(ctx); err != nil {
		log.Fatalf("initialize fleet: %v", err)
	}
	if *autoStart || cfg.Fleet.AutoStart {
		go func() {
			n, err := coord.StartAll(ctx)
			if err != nil {
				log.Printf("auto start failed: %v", err)
				return
			}
			log.Printf("auto start done started=%d", n)
		}()
	}

	limiter := ratelimit.New(intOrDefault(cfg.Control.CommandsPerMinute, 60), time.Minute, clk)
	api := control.New(coord, hub, store, policy.New(store), limiter, log.Default())
	server := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := coord.StopAll(shutdownCtx); err != nil {
			log.Printf("stop fleet failed: %v", err)
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"chatfleet started control=%s presence=%s db=%s agents=%d",
		httpAddr,
		tcpAddr,
		dbPath,
		coord.Stats().Total,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	coord.Wait()
}

func ensureRooms(ctx context.Context, store *sqlitestore.Store, rooms []string) error {
	for _, room := range rooms {
		if err := store.EnsureRoom(ctx, room); err != nil {
			return fmt.Errorf("room %s: %w", room, err)
		}
	}
	return nil
}

func fleetRooms(cfg config.Config) []string {
	if len(cfg.Fleet.Rooms) > 0 {
		return cfg.Fleet.Rooms
	}
	return agent.DefaultRooms
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
