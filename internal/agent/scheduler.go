package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"chatfleet/internal/clock"
	"chatfleet/internal/domain"
	"chatfleet/internal/presence"
)

type MessageProvider interface {
	RandomMessage(ctx context.Context, category domain.MessageCategory) (string, bool, error)
}

type ActivityLog interface {
	LogActivity(ctx context.Context, entry domain.ActivityEntry) error
	TouchAgentAction(ctx context.Context, agentID int64, at time.Time) error
}

type RoomRegistry interface {
	MoveAgentToRoom(ctx context.Context, agentID int64, room string) error
}

// Emitter publishes one agent event. The fleet wraps the transport so
// that identity and current room are attached before sending.
type Emitter func(ctx context.Context, ev presence.AgentEvent) error

var ErrNoContent = errors.New("message provider returned no content")

var (
	DefaultRooms          = []string{"lobby", "random", "tech", "music", "games"}
	DefaultReactionGlyphs = []string{"👍", "❤️", "😂", "😮", "🎉", "🔥"}
)

type Config struct {
	BaseDelay      time.Duration
	Rooms          []string
	ReactionGlyphs []string
	TransitionMin  time.Duration
	TransitionMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if len(c.Rooms) == 0 {
		c.Rooms = DefaultRooms
	}
	if len(c.ReactionGlyphs) == 0 {
		c.ReactionGlyphs = DefaultReactionGlyphs
	}
	if c.TransitionMin <= 0 {
		c.TransitionMin = time.Second
	}
	if c.TransitionMax < c.TransitionMin {
		c.TransitionMax = 3 * time.Second
		if c.TransitionMax < c.TransitionMin {
			c.TransitionMax = c.TransitionMin
		}
	}
	return c
}

type Deps struct {
	Messages MessageProvider
	Activity ActivityLog
	Rooms    RoomRegistry
	Emit     Emitter
	Clock    clock.Clock
	Logger   *log.Logger
	Rand     *rand.Rand
}

type weightedAction struct {
	kind   domain.ActionKind
	weight float64
}

var actionWeights = []weightedAction{
	{kind: domain.ActionMessage, weight: 40},
	{kind: domain.ActionRoomChange, weight: 20},
	{kind: domain.ActionReaction, weight: 25},
	{kind: domain.ActionIdle, weight: 15},
}

// Scheduler drives one bot. It holds at most one pending wake; every
// path that arms a wake first stops the previous one.
type Scheduler struct {
	cfg      Config
	messages MessageProvider
	activity ActivityLog
	registry RoomRegistry
	emit     Emitter
	clock    clock.Clock
	logger   *log.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	agent  domain.Agent
	rooms  []string
	active bool
	wake   *clock.Timer
	gen    uint64
	runCtx context.Context
	cancel context.CancelFunc

	inflight sync.WaitGroup
}

func NewScheduler(agent domain.Agent, cfg Config, deps Deps) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if deps.Emit == nil {
		deps.Emit = func(context.Context, presence.AgentEvent) error { return nil }
	}
	agent.ActivityLevel = domain.ClampActivityLevel(agent.ActivityLevel)
	agent.Status = domain.AgentStatusOffline
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		rooms:    slices.Clone(cfg.Rooms),
		messages: deps.Messages,
		activity: deps.Activity,
		registry: deps.Rooms,
		emit:     deps.Emit,
		clock:    deps.Clock,
		logger:   deps.Logger,
		rng:      deps.Rand,
		agent:    agent,
	}
}

func (s *Scheduler) ID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent.ID
}

// Agent returns a copy of the bot's current view of itself.
func (s *Scheduler) Agent() domain.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent
	a.Settings.Interests = append([]string(nil), s.agent.Settings.Interests...)
	return a
}

func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// PendingWake reports whether a wake is armed.
func (s *Scheduler) PendingWake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake != nil
}

// Start activates the loop. It is a no-op when already active. ctx bounds
// every action the loop performs until Stop.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return false
	}
	s.active = true
	s.gen++
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.agent.Status = domain.AgentStatusOnline
	s.scheduleNextActionLocked()
	return true
}

// Stop cancels the pending wake and any action in flight.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return false
	}
	s.active = false
	s.gen++
	s.wake.Stop()
	s.wake = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.agent.Status = domain.AgentStatusOffline
	return true
}

// Wait blocks until in-flight actions have returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// SetActivityLevel applies from the next scheduled wake on; the pending
// wake keeps its delay.
func (s *Scheduler) SetActivityLevel(level int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent.ActivityLevel = domain.ClampActivityLevel(level)
	return s.agent.ActivityLevel
}

// ComputeDelay returns base × (11−level)/10 × jitter.
func ComputeDelay(base time.Duration, level int, jitter float64) time.Duration {
	multiplier := float64(11-domain.ClampActivityLevel(level)) / 10
	return time.Duration(float64(base) * multiplier * jitter)
}

func (s *Scheduler) scheduleNextActionLocked() {
	s.wake.Stop()
	s.wake = nil

	delay := ComputeDelay(s.cfg.BaseDelay, s.agent.ActivityLevel, s.uniform(0.5, 1.5))
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	gen := s.gen
	s.wake = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if !s.active || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.wake = nil
		ctx := s.runCtx
		s.inflight.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.inflight.Done()
			s.performAction(ctx, gen)
		}()
	})
}

func (s *Scheduler) performAction(ctx context.Context, gen uint64) {
	kind := s.pickAction()
	if err := s.run(ctx, kind); err != nil && ctx.Err() == nil {
		s.logger.Printf("agent action failed agent=%d kind=%s: %v", s.ID(), kind, err)
	}

	now := s.clock.Now().UTC()
	s.mu.Lock()
	s.agent.LastActionTime = &now
	agentID := s.agent.ID
	if s.active && s.gen == gen {
		s.scheduleNextActionLocked()
	}
	s.mu.Unlock()

	if s.activity != nil && kind != domain.ActionIdle {
		if err := s.activity.TouchAgentAction(context.WithoutCancel(ctx), agentID, now); err != nil {
			s.logger.Printf("agent touch failed agent=%d: %v", agentID, err)
		}
	}
}

// run executes one behavior and turns a panic into an error so the loop
// keeps going.
func (s *Scheduler) run(ctx context.Context, kind domain.ActionKind) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", kind, r)
		}
	}()
	switch kind {
	case domain.ActionMessage:
		return s.sendMessage(ctx)
	case domain.ActionRoomChange:
		return s.changeRoom(ctx)
	case domain.ActionReaction:
		return s.sendReaction(ctx)
	case domain.ActionIdle:
		return nil
	}
	return fmt.Errorf("unknown action kind %q", kind)
}

func (s *Scheduler) pickAction() domain.ActionKind {
	return pickWeighted(actionWeights, s.uniform(0, 1))
}

// pickWeighted walks the list subtracting weights from draw×Σweights and
// returns the first kind that brings the remainder to zero or below.
func pickWeighted(weights []weightedAction, draw float64) domain.ActionKind {
	total := 0.0
	for _, w := range weights {
		total += w.weight
	}
	remainder := draw * total
	for _, w := range weights {
		remainder -= w.weight
		if remainder <= 0 {
			return w.kind
		}
	}
	return weights[0].kind
}

func (s *Scheduler) pickCategory() domain.MessageCategory {
	r := s.uniform(0, 1)
	switch {
	case r < 0.10:
		return domain.MessageCategoryGreeting
	case r < 0.25:
		return domain.MessageCategoryReaction
	default:
		return domain.MessageCategoryChat
	}
}

func (s *Scheduler) sendMessage(ctx context.Context) error {
	if s.messages == nil {
		return ErrNoContent
	}
	category := s.pickCategory()
	content, ok, err := s.messages.RandomMessage(ctx, category)
	if err != nil {
		return fmt.Errorf("fetch %s message: %w", category, err)
	}
	if !ok || strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: category=%s", ErrNoContent, category)
	}

	agent := s.Agent()
	speed := agent.Settings.TypingSpeed
	if speed <= 0 {
		speed = 2
	}
	typing := time.Duration(speed * 1000 * s.uniform(0.8, 1.2) * float64(time.Millisecond))

	if err := s.emit(ctx, presence.AgentEvent{Kind: presence.AgentTyping, IsTyping: true}); err != nil {
		return fmt.Errorf("emit typing start: %w", err)
	}
	select {
	case <-s.clock.After(typing):
	case <-ctx.Done():
		_ = s.emit(context.WithoutCancel(ctx), presence.AgentEvent{Kind: presence.AgentTyping, IsTyping: false})
		return ctx.Err()
	}
	if err := s.emit(ctx, presence.AgentEvent{Kind: presence.AgentTyping, IsTyping: false}); err != nil {
		return fmt.Errorf("emit typing stop: %w", err)
	}
	if err := s.emit(ctx, presence.AgentEvent{Kind: presence.AgentMessage, Content: content}); err != nil {
		return fmt.Errorf("emit message: %w", err)
	}
	s.logActivity(ctx, domain.ActionMessage, agent.CurrentRoom, map[string]any{
		"category": category,
		"content":  content,
	})
	return nil
}

func (s *Scheduler) changeRoom(ctx context.Context) error {
	agent := s.Agent()
	target, ok := s.pickRoom(agent.CurrentRoom)
	if !ok {
		return nil
	}
	transition := s.cfg.TransitionMin
	if span := s.cfg.TransitionMax - s.cfg.TransitionMin; span > 0 {
		transition += time.Duration(s.uniform(0, 1) * float64(span))
	}
	select {
	case <-s.clock.After(transition):
	case <-ctx.Done():
		return ctx.Err()
	}
	if !slices.Contains(s.Rooms(), target) {
		// Closed while we were on the way.
		return nil
	}
	return s.commitMove(ctx, agent.CurrentRoom, target)
}

// Rooms returns the rooms the bot may wander into.
func (s *Scheduler) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rooms)
}

// SetRooms replaces the wander list. It does not move the bot.
func (s *Scheduler) SetRooms(rooms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = slices.Clone(rooms)
}

// pickRoom draws uniformly from the room list, redrawing while the pick
// equals current and another room exists.
func (s *Scheduler) pickRoom(current string) (string, bool) {
	rooms := s.Rooms()
	if len(rooms) == 0 {
		return "", false
	}
	distinct := false
	for _, r := range rooms {
		if r != current {
			distinct = true
			break
		}
	}
	if !distinct {
		return "", false
	}
	for {
		pick := rooms[s.intN(len(rooms))]
		if pick != current {
			return pick, true
		}
	}
}

func (s *Scheduler) commitMove(ctx context.Context, from, to string) error {
	if s.registry != nil {
		if err := s.registry.MoveAgentToRoom(ctx, s.ID(), to); err != nil {
			return fmt.Errorf("move to %s: %w", to, err)
		}
	}
	s.mu.Lock()
	s.agent.CurrentRoom = to
	s.mu.Unlock()

	if err := s.emit(ctx, presence.AgentEvent{Kind: presence.AgentRoomChange, FromRoom: from, Room: to}); err != nil {
		return fmt.Errorf("emit room change: %w", err)
	}
	return nil
}

func (s *Scheduler) sendReaction(ctx context.Context) error {
	glyph := s.cfg.ReactionGlyphs[s.intN(len(s.cfg.ReactionGlyphs))]
	if err := s.emit(ctx, presence.AgentEvent{Kind: presence.AgentReaction, Content: glyph}); err != nil {
		return fmt.Errorf("emit reaction: %w", err)
	}
	s.logActivity(ctx, domain.ActionReaction, s.Agent().CurrentRoom, map[string]any{"reaction": glyph})
	return nil
}

// SendMessageNow emits content right away, skipping the typing phase.
func (s *Scheduler) SendMessageNow(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrNoContent)
	}
	if err := s.emit(ctx, presence.AgentEvent{Kind: presence.AgentMessage, Content: content}); err != nil {
		return fmt.Errorf("emit message: %w", err)
	}
	s.logActivity(ctx, domain.ActionMessage, s.Agent().CurrentRoom, map[string]any{
		"content":  content,
		"operator": true,
	})
	return nil
}

// MoveTo commits a room change without the transition delay.
func (s *Scheduler) MoveTo(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("move: room is required")
	}
	current := s.Agent().CurrentRoom
	if current == room {
		return nil
	}
	return s.commitMove(ctx, current, room)
}

func (s *Scheduler) logActivity(ctx context.Context, kind domain.ActionKind, room string, details map[string]any) {
	if s.activity == nil {
		return
	}
	raw, _ := json.Marshal(details)
	err := s.activity.LogActivity(context.WithoutCancel(ctx), domain.ActivityEntry{
		AgentID:    s.ID(),
		ActionType: string(kind),
		RoomName:   room,
		Details:    raw,
		CreatedAt:  s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Printf("agent activity log failed agent=%d kind=%s: %v", s.ID(), kind, err)
	}
}

func (s *Scheduler) uniform(lo, hi float64) float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Scheduler) intN(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.IntN(n)
}
