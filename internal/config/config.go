package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Fleet    FleetConfig    `toml:"fleet"`
	Presence PresenceConfig `toml:"presence"`
	Control  ControlConfig  `toml:"control"`
	Storage  StorageConfig  `toml:"storage"`
	Raw      map[string]any `toml:"-"`
	Path     string         `toml:"-"`
}

type FleetConfig struct {
	BaseDelayMS     int      `toml:"base_delay_ms"`
	StartStaggerMS  int      `toml:"start_stagger_ms"`
	StartCap        int      `toml:"start_cap"`
	BatchDelayMS    int      `toml:"batch_delay_ms"`
	TransitionMinMS int      `toml:"transition_min_ms"`
	TransitionMaxMS int      `toml:"transition_max_ms"`
	Rooms           []string `toml:"rooms"`
	ReactionGlyphs  []string `toml:"reaction_glyphs"`
	AutoStart       bool     `toml:"auto_start"`
}

type PresenceConfig struct {
	Addr         string `toml:"addr"`
	QueueBuffer  int    `toml:"queue_buffer"`
	HistoryLimit int    `toml:"history_limit"`
}

type ControlConfig struct {
	Addr              string `toml:"addr"`
	CommandsPerMinute int    `toml:"commands_per_minute"`
}

type StorageConfig struct {
	DBPath     string `toml:"db_path"`
	RosterPath string `toml:"roster_path"`
}

// Load reads a TOML config. A missing file at the default location is
// not an error; an explicit path that cannot be read is.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{Path: resolved, Raw: map[string]any{}}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	return Parse(string(bytes), resolved)
}

func Parse(text string, path string) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(text, &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = path
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatfleet/config.toml"
	}
	return filepath.Join(home, ".chatfleet", "config.toml")
}
