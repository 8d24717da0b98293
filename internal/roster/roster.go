// Package roster loads the YAML file that seeds a fresh fleet: the room
// registry, the agent profiles, message templates and control tokens.
package roster

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"chatfleet/internal/domain"
	"chatfleet/internal/policy"
)

type Roster struct {
	// Rooms are created in the registry before any agent is placed.
	Rooms []string `yaml:"rooms"`

	Agents []AgentSpec `yaml:"agents"`

	// Messages maps a category (chat, greeting, reaction) to templates.
	Messages map[domain.MessageCategory][]string `yaml:"messages"`

	Tokens []TokenSpec `yaml:"tokens"`
}

type AgentSpec struct {
	ID            int64    `yaml:"id"`
	Username      string   `yaml:"username"`
	DisplayName   string   `yaml:"display_name"`
	ActivityLevel int      `yaml:"activity_level"`
	Room          string   `yaml:"room"`
	Personality   string   `yaml:"personality"`
	TypingSpeed   float64  `yaml:"typing_speed"`
	Interests     []string `yaml:"interests"`
}

// TokenSpec carries a plaintext secret; only its hash is stored.
type TokenSpec struct {
	Name  string      `yaml:"name"`
	Role  domain.Role `yaml:"role"`
	Token string      `yaml:"token"`
}

// Store is what Seed writes to.
type Store interface {
	EnsureRoom(ctx context.Context, name string) error
	UpsertAgent(ctx context.Context, agent domain.Agent) error
	AddMessage(ctx context.Context, category domain.MessageCategory, content string) error
	PutControlToken(ctx context.Context, token domain.ControlToken) error
}

func Load(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("parse roster: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Roster{}, err
	}
	return r, nil
}

func (r Roster) Validate() error {
	seen := make(map[int64]bool, len(r.Agents))
	names := make(map[string]bool, len(r.Agents))
	for i, a := range r.Agents {
		if a.ID <= 0 {
			return fmt.Errorf("roster agent #%d: id must be positive", i)
		}
		if strings.TrimSpace(a.Username) == "" {
			return fmt.Errorf("roster agent %d: username is required", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("roster agent %d: duplicate id", a.ID)
		}
		if names[a.Username] {
			return fmt.Errorf("roster agent %d: duplicate username %q", a.ID, a.Username)
		}
		seen[a.ID] = true
		names[a.Username] = true
	}
	for category := range r.Messages {
		switch category {
		case domain.MessageCategoryChat, domain.MessageCategoryGreeting, domain.MessageCategoryReaction:
		default:
			return fmt.Errorf("roster messages: unknown category %q", category)
		}
	}
	for _, t := range r.Tokens {
		if t.Name == "" || t.Token == "" {
			return fmt.Errorf("roster token: name and token are required")
		}
		if t.Role != domain.RoleAdmin && t.Role != domain.RoleViewer {
			return fmt.Errorf("roster token %s: unknown role %q", t.Name, t.Role)
		}
	}
	return nil
}

// Seed writes the roster. Every write is an upsert, so seeding the same
// roster twice leaves the store unchanged.
func Seed(ctx context.Context, store Store, r Roster) error {
	for _, room := range r.Rooms {
		if err := store.EnsureRoom(ctx, room); err != nil {
			return fmt.Errorf("seed room %s: %w", room, err)
		}
	}
	for _, a := range r.Agents {
		if a.Room != "" {
			if err := store.EnsureRoom(ctx, a.Room); err != nil {
				return fmt.Errorf("seed room %s: %w", a.Room, err)
			}
		}
		if err := store.UpsertAgent(ctx, a.agent()); err != nil {
			return fmt.Errorf("seed agent %d: %w", a.ID, err)
		}
	}
	for category, templates := range r.Messages {
		for _, content := range templates {
			if err := store.AddMessage(ctx, category, content); err != nil {
				return fmt.Errorf("seed %s message: %w", category, err)
			}
		}
	}
	for _, t := range r.Tokens {
		err := store.PutControlToken(ctx, domain.ControlToken{
			Name: t.Name,
			Hash: policy.HashToken(t.Token),
			Role: t.Role,
		})
		if err != nil {
			return fmt.Errorf("seed token %s: %w", t.Name, err)
		}
	}
	return nil
}

func (a AgentSpec) agent() domain.Agent {
	display := a.DisplayName
	if display == "" {
		display = a.Username
	}
	level := a.ActivityLevel
	if level == 0 {
		level = 5
	}
	return domain.Agent{
		ID:            a.ID,
		Username:      a.Username,
		DisplayName:   display,
		ActivityLevel: domain.ClampActivityLevel(level),
		CurrentRoom:   a.Room,
		Status:        domain.AgentStatusOffline,
		Settings: domain.AgentSettings{
			TypingSpeed: a.TypingSpeed,
			Personality: a.Personality,
			Interests:   a.Interests,
		},
	}
}
