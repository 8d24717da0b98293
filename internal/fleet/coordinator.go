// Package fleet owns every bot scheduler of one process and exposes the
// bulk and targeted operations the control channel drives.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"chatfleet/internal/agent"
	"chatfleet/internal/clock"
	"chatfleet/internal/domain"
	"chatfleet/internal/presence"
)

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrNotInitialized = errors.New("fleet is not initialized")
	ErrBadParams      = errors.New("invalid command params")
)

type Store interface {
	agent.MessageProvider
	agent.ActivityLog
	agent.RoomRegistry

	ListAgents(ctx context.Context) ([]domain.Agent, error)
	UpdateAgentStatus(ctx context.Context, agentID int64, status domain.AgentStatus) error
	SetAllAgentsStatus(ctx context.Context, status domain.AgentStatus) error
	UpdateActivityLevel(ctx context.Context, agentID int64, level int) error
}

type Transport interface {
	Connect(ctx context.Context) error
	Emit(ctx context.Context, ev presence.AgentEvent) error
	Announce(ctx context.Context, user presence.User) error
	Withdraw(ctx context.Context, userID int64) error
}

type Config struct {
	Scheduler    agent.Config
	StartStagger time.Duration
	StartCap     int
	BatchDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartStagger <= 0 {
		c.StartStagger = 100 * time.Millisecond
	}
	if c.StartCap <= 0 {
		c.StartCap = 50
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 50 * time.Millisecond
	}
	return c
}

// CommandResult is what HandleCommand reports back to the control channel.
type CommandResult struct {
	Command  domain.CommandKind       `json:"command"`
	Accepted bool                     `json:"accepted"`
	Ignored  bool                     `json:"ignored,omitempty"`
	Results  []domain.BatchItemResult `json:"results,omitempty"`
}

type Coordinator struct {
	store     Store
	transport Transport
	cfg       Config
	clock     clock.Clock
	logger    *log.Logger

	mu         sync.RWMutex
	lifeCtx    context.Context
	schedulers map[int64]*agent.Scheduler
	order      []int64
	rooms      []string

	// startGate is cancelled by StopAll so that start_all runs already
	// under way give up before starting anyone else.
	startGate   context.Context
	cancelStart context.CancelFunc

	startMu sync.Mutex
	wg      sync.WaitGroup
}

func New(store Store, transport Transport, cfg Config, clk clock.Clock, logger *log.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Default()
	}
	rooms := slices.Clone(cfg.Scheduler.Rooms)
	if len(rooms) == 0 {
		rooms = slices.Clone(agent.DefaultRooms)
	}
	return &Coordinator{
		rooms:      rooms,
		store:      store,
		transport:  transport,
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		schedulers: make(map[int64]*agent.Scheduler),
	}
}

// Initialize connects the transport and builds one scheduler per
// persisted agent. ctx is the fleet lifetime: schedulers and background
// commands stop when it ends. Calling it again picks up agents added to
// the store since the last call.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startGate == nil || c.lifeCtx != ctx {
		if c.cancelStart != nil {
			c.cancelStart()
		}
		c.startGate, c.cancelStart = context.WithCancel(ctx)
	}
	c.lifeCtx = ctx
	added := 0
	for _, a := range agents {
		if _, ok := c.schedulers[a.ID]; ok {
			continue
		}
		c.schedulers[a.ID] = c.newScheduler(a)
		c.order = append(c.order, a.ID)
		added++
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	c.logger.Printf("fleet initialized agents=%d added=%d", len(c.order), added)
	return nil
}

func (c *Coordinator) newScheduler(a domain.Agent) *agent.Scheduler {
	var sched *agent.Scheduler
	emit := func(ctx context.Context, ev presence.AgentEvent) error {
		self := sched.Agent()
		ev.AgentID = self.ID
		ev.Username = self.Username
		if ev.Room == "" {
			ev.Room = self.CurrentRoom
		}
		return c.transport.Emit(ctx, ev)
	}
	cfg := c.cfg.Scheduler
	cfg.Rooms = c.rooms
	sched = agent.NewScheduler(a, cfg, agent.Deps{
		Messages: c.store,
		Activity: c.store,
		Rooms:    c.store,
		Emit:     emit,
		Clock:    c.clock,
		Logger:   c.logger,
	})
	return sched
}

// StartAll activates inactive agents one stagger apart, at most StartCap
// of them per call. Agents beyond the cap stay offline until the next
// call. A StopAll issued meanwhile ends the run early.
func (c *Coordinator) StartAll(ctx context.Context) (int, error) {
	c.mu.RLock()
	gate := c.startGate
	c.mu.RUnlock()
	if gate == nil {
		return 0, ErrNotInitialized
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(gate, cancel)()

	c.startMu.Lock()
	defer c.startMu.Unlock()

	scheds, err := c.snapshot()
	if err != nil {
		return 0, err
	}
	started := 0
	for _, sched := range scheds {
		if started >= c.cfg.StartCap {
			break
		}
		if err := ctx.Err(); err != nil {
			c.logger.Printf("fleet start_all interrupted started=%d", started)
			return started, err
		}
		if sched.Active() {
			continue
		}
		if started > 0 {
			select {
			case <-c.clock.After(c.cfg.StartStagger):
			case <-ctx.Done():
				return started, ctx.Err()
			}
		}
		if c.startAgent(ctx, sched) {
			started++
		}
	}
	c.logger.Printf("fleet start_all started=%d cap=%d total=%d", started, c.cfg.StartCap, len(scheds))
	return started, nil
}

// StopAll stops every scheduler and marks every agent offline. Pending
// start_all runs are cancelled first and waited for.
func (c *Coordinator) StopAll(ctx context.Context) error {
	c.mu.Lock()
	if c.lifeCtx == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.cancelStart()
	c.startGate, c.cancelStart = context.WithCancel(c.lifeCtx)
	c.mu.Unlock()

	c.startMu.Lock()
	defer c.startMu.Unlock()

	scheds, err := c.snapshot()
	if err != nil {
		return err
	}
	stopped := 0
	for _, sched := range scheds {
		if sched.Stop() {
			stopped++
			if err := c.transport.Withdraw(ctx, sched.ID()); err != nil {
				c.logger.Printf("fleet withdraw agent=%d: %v", sched.ID(), err)
			}
		}
	}
	if err := c.store.SetAllAgentsStatus(ctx, domain.AgentStatusOffline); err != nil {
		return fmt.Errorf("mark agents offline: %w", err)
	}
	c.logger.Printf("fleet stop_all stopped=%d", stopped)
	return nil
}

func (c *Coordinator) StartOne(ctx context.Context, agentID int64) error {
	sched, err := c.lookup(agentID)
	if err != nil {
		return err
	}
	c.startAgent(ctx, sched)
	return nil
}

func (c *Coordinator) StopOne(ctx context.Context, agentID int64) error {
	sched, err := c.lookup(agentID)
	if err != nil {
		return err
	}
	c.stopAgent(ctx, sched)
	return nil
}

func (c *Coordinator) MoveAgentToRoom(ctx context.Context, agentID int64, room string) error {
	sched, err := c.lookup(agentID)
	if err != nil {
		return err
	}
	return sched.MoveTo(ctx, room)
}

func (c *Coordinator) SendAgentMessage(ctx context.Context, agentID int64, content string) error {
	sched, err := c.lookup(agentID)
	if err != nil {
		return err
	}
	return sched.SendMessageNow(ctx, content)
}

// UpdateActivityLevel takes effect from the agent's next natural wake.
func (c *Coordinator) UpdateActivityLevel(ctx context.Context, agentID int64, level int) error {
	sched, err := c.lookup(agentID)
	if err != nil {
		return err
	}
	applied := sched.SetActivityLevel(level)
	if err := c.store.UpdateActivityLevel(ctx, agentID, applied); err != nil {
		return fmt.Errorf("persist activity level: %w", err)
	}
	return nil
}

// OpenRoom adds name to the rooms bots wander into.
func (c *Coordinator) OpenRoom(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.rooms, name) {
		return
	}
	c.rooms = append(slices.Clip(c.rooms), name)
	c.pushRoomsLocked()
}

// CloseRoom takes name off the wander list and moves every bot still in
// it to fallback. Moves that fail are reported together; the room stays
// closed either way.
func (c *Coordinator) CloseRoom(ctx context.Context, name, fallback string) (int, error) {
	if strings.TrimSpace(fallback) == "" || name == fallback {
		return 0, fmt.Errorf("%w: close %q needs a different fallback room", ErrBadParams, name)
	}
	c.mu.Lock()
	if c.lifeCtx == nil {
		c.mu.Unlock()
		return 0, ErrNotInitialized
	}
	c.rooms = slices.DeleteFunc(slices.Clone(c.rooms), func(r string) bool { return r == name })
	c.pushRoomsLocked()
	scheds := make([]*agent.Scheduler, 0, len(c.order))
	for _, id := range c.order {
		scheds = append(scheds, c.schedulers[id])
	}
	c.mu.Unlock()

	moved := 0
	var errs []error
	for _, sched := range scheds {
		if sched.Agent().CurrentRoom != name {
			continue
		}
		if err := sched.MoveTo(ctx, fallback); err != nil {
			c.logger.Printf("fleet evacuate agent=%d room=%s: %v", sched.ID(), name, err)
			errs = append(errs, fmt.Errorf("agent %d: %w", sched.ID(), err))
			continue
		}
		moved++
	}
	c.logger.Printf("fleet closed room=%s moved=%d fallback=%s", name, moved, fallback)
	return moved, errors.Join(errs...)
}

// Rooms returns the current wander list.
func (c *Coordinator) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.rooms)
}

func (c *Coordinator) pushRoomsLocked() {
	for _, sched := range c.schedulers {
		sched.SetRooms(c.rooms)
	}
}

// PerformBatchAction applies one action to each id in order, BatchDelay
// apart. A failing item is recorded and the batch moves on.
func (c *Coordinator) PerformBatchAction(ctx context.Context, params domain.BatchParams) ([]domain.BatchItemResult, error) {
	switch params.Action {
	case domain.BatchStart, domain.BatchStop:
	case domain.BatchMove:
		if strings.TrimSpace(params.Room) == "" {
			return nil, fmt.Errorf("%w: batch move needs a room", ErrBadParams)
		}
	default:
		return nil, fmt.Errorf("%w: batch action %q", ErrBadParams, params.Action)
	}

	results := make([]domain.BatchItemResult, 0, len(params.AgentIDs))
	for i, id := range params.AgentIDs {
		if i > 0 {
			select {
			case <-c.clock.After(c.cfg.BatchDelay):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
		var err error
		switch params.Action {
		case domain.BatchStart:
			err = c.StartOne(ctx, id)
		case domain.BatchStop:
			err = c.StopOne(ctx, id)
		case domain.BatchMove:
			err = c.MoveAgentToRoom(ctx, id, params.Room)
		}
		item := domain.BatchItemResult{AgentID: id, OK: err == nil}
		if err != nil {
			item.Error = err.Error()
			c.logger.Printf("fleet batch item failed action=%s agent=%d: %v", params.Action, id, err)
		}
		results = append(results, item)
	}
	return results, nil
}

// Stats walks every scheduler; nothing is maintained incrementally.
func (c *Coordinator) Stats() domain.FleetStats {
	stats := domain.FleetStats{
		ByStatus: make(map[domain.AgentStatus]int),
		ByRoom:   make(map[string]int),
	}
	for _, a := range c.Agents() {
		stats.Total++
		stats.ByStatus[a.Status]++
		if a.Status == domain.AgentStatusOnline {
			stats.Active++
			if a.CurrentRoom != "" {
				stats.ByRoom[a.CurrentRoom]++
			}
		}
	}
	return stats
}

func (c *Coordinator) Agents() []domain.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Agent, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.schedulers[id].Agent())
	}
	return out
}

// HandleCommand executes one control envelope. start_all runs in the
// background under the fleet lifetime; unknown commands are ignored.
func (c *Coordinator) HandleCommand(ctx context.Context, cmd domain.Command) (CommandResult, error) {
	res := CommandResult{Command: cmd.Command, Accepted: true}
	switch cmd.Command {
	case domain.CommandStartAll:
		c.mu.RLock()
		life := c.lifeCtx
		c.mu.RUnlock()
		if life == nil {
			return CommandResult{}, ErrNotInitialized
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_, err := c.StartAll(life)
			if err != nil && life.Err() == nil && !errors.Is(err, context.Canceled) {
				c.logger.Printf("fleet start_all failed: %v", err)
			}
		}()
		return res, nil
	case domain.CommandStopAll:
		return res, c.StopAll(ctx)
	case domain.CommandStartBot:
		return res, c.StartOne(ctx, cmd.AgentID)
	case domain.CommandStopBot:
		return res, c.StopOne(ctx, cmd.AgentID)
	case domain.CommandMoveBot:
		var p domain.MoveParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return CommandResult{}, err
		}
		return res, c.MoveAgentToRoom(ctx, cmd.AgentID, p.Room)
	case domain.CommandSendMessage:
		var p domain.SendMessageParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return CommandResult{}, err
		}
		return res, c.SendAgentMessage(ctx, cmd.AgentID, p.Content)
	case domain.CommandUpdateActivity:
		var p domain.UpdateActivityParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return CommandResult{}, err
		}
		return res, c.UpdateActivityLevel(ctx, cmd.AgentID, p.Level)
	case domain.CommandBatchAction:
		var p domain.BatchParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return CommandResult{}, err
		}
		results, err := c.PerformBatchAction(ctx, p)
		res.Results = results
		return res, err
	}
	c.logger.Printf("fleet ignoring unknown command=%q", cmd.Command)
	return CommandResult{Command: cmd.Command, Ignored: true}, nil
}

// Wait blocks until background commands and in-flight actions finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
	scheds, _ := c.snapshot()
	for _, sched := range scheds {
		sched.Wait()
	}
}

func (c *Coordinator) startAgent(ctx context.Context, sched *agent.Scheduler) bool {
	c.mu.RLock()
	life := c.lifeCtx
	c.mu.RUnlock()
	if !sched.Start(life) {
		return false
	}
	a := sched.Agent()
	if err := c.store.UpdateAgentStatus(ctx, a.ID, domain.AgentStatusOnline); err != nil {
		c.logger.Printf("fleet mark online agent=%d: %v", a.ID, err)
	}
	err := c.transport.Announce(ctx, presence.User{
		ID:          a.ID,
		Username:    a.Username,
		DisplayName: a.DisplayName,
		Room:        a.CurrentRoom,
		IsBot:       true,
	})
	if err != nil {
		c.logger.Printf("fleet announce agent=%d: %v", a.ID, err)
	}
	return true
}

func (c *Coordinator) stopAgent(ctx context.Context, sched *agent.Scheduler) {
	if !sched.Stop() {
		return
	}
	id := sched.ID()
	if err := c.store.UpdateAgentStatus(ctx, id, domain.AgentStatusOffline); err != nil {
		c.logger.Printf("fleet mark offline agent=%d: %v", id, err)
	}
	if err := c.transport.Withdraw(ctx, id); err != nil {
		c.logger.Printf("fleet withdraw agent=%d: %v", id, err)
	}
}

func (c *Coordinator) lookup(agentID int64) (*agent.Scheduler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lifeCtx == nil {
		return nil, ErrNotInitialized
	}
	sched, ok := c.schedulers[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAgent, agentID)
	}
	return sched, nil
}

func (c *Coordinator) snapshot() ([]*agent.Scheduler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lifeCtx == nil {
		return nil, ErrNotInitialized
	}
	out := make([]*agent.Scheduler, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.schedulers[id])
	}
	return out, nil
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: params are required", ErrBadParams)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}
