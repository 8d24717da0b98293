package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFleetSection(t *testing.T) {
	cfg, err := Parse(`
[fleet]
base_delay_ms = 30000
start_cap = 25
rooms = ["lobby", "random"]

[presence]
addr = ":7070"

[storage]
db_path = "data/fleet.db"
`, "inline")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Fleet.BaseDelayMS != 30000 || cfg.Fleet.StartCap != 25 {
		t.Fatalf("unexpected fleet config: %+v", cfg.Fleet)
	}
	if len(cfg.Fleet.Rooms) != 2 || cfg.Fleet.Rooms[1] != "random" {
		t.Fatalf("rooms=%v", cfg.Fleet.Rooms)
	}
	if cfg.Presence.Addr != ":7070" {
		t.Fatalf("presence addr=%q", cfg.Presence.Addr)
	}
	if _, ok := cfg.Raw["storage"]; !ok {
		t.Fatalf("raw config missing storage table")
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for explicit missing path")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[control]\naddr = \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Control.Addr != ":9000" {
		t.Fatalf("control addr=%q", cfg.Control.Addr)
	}
	if cfg.Path != path {
		t.Fatalf("path=%q want=%q", cfg.Path, path)
	}
}
