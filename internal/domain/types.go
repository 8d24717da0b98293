package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a lookup matches nothing.
var ErrNotFound = errors.New("record not found")

type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusBusy    AgentStatus = "busy"
)

type ActionKind string

const (
	ActionMessage    ActionKind = "message"
	ActionRoomChange ActionKind = "room_change"
	ActionReaction   ActionKind = "reaction"
	ActionIdle       ActionKind = "idle"
)

type MessageCategory string

const (
	MessageCategoryChat     MessageCategory = "chat"
	MessageCategoryGreeting MessageCategory = "greeting"
	MessageCategoryReaction MessageCategory = "reaction"
)

const (
	MinActivityLevel = 1
	MaxActivityLevel = 10
)

type AgentSettings struct {
	TypingSpeed   float64  `json:"typing_speed"`
	ResponseDelay int      `json:"response_delay_ms"`
	Personality   string   `json:"personality"`
	Interests     []string `json:"interests,omitempty"`
}

type Agent struct {
	ID             int64         `json:"id"`
	Username       string        `json:"username"`
	DisplayName    string        `json:"display_name"`
	ActivityLevel  int           `json:"activity_level"`
	CurrentRoom    string        `json:"current_room"`
	Status         AgentStatus   `json:"status"`
	Settings       AgentSettings `json:"settings"`
	LastActionTime *time.Time    `json:"last_action_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ClampActivityLevel keeps a level inside [MinActivityLevel, MaxActivityLevel].
func ClampActivityLevel(level int) int {
	if level < MinActivityLevel {
		return MinActivityLevel
	}
	if level > MaxActivityLevel {
		return MaxActivityLevel
	}
	return level
}

type Room struct {
	Name      string    `json:"name"`
	Occupancy int       `json:"occupancy"`
	CreatedAt time.Time `json:"created_at"`
}

type ActivityEntry struct {
	ID         string          `json:"id"`
	AgentID    int64           `json:"agent_id"`
	ActionType string          `json:"action_type"`
	RoomName   string          `json:"room_name"`
	Details    json.RawMessage `json:"details"`
	CreatedAt  time.Time       `json:"created_at"`
}

type BotMessage struct {
	ID         int64           `json:"id"`
	Category   MessageCategory `json:"category"`
	Content    string          `json:"content"`
	UsageCount int             `json:"usage_count"`
}

type CommandKind string

const (
	CommandStartAll       CommandKind = "start_all"
	CommandStopAll        CommandKind = "stop_all"
	CommandStartBot       CommandKind = "start_bot"
	CommandStopBot        CommandKind = "stop_bot"
	CommandMoveBot        CommandKind = "move_bot"
	CommandSendMessage    CommandKind = "send_message"
	CommandUpdateActivity CommandKind = "update_activity"
	CommandBatchAction    CommandKind = "batch_action"
)

// Command is the control channel envelope.
type Command struct {
	Command CommandKind     `json:"command"`
	AgentID int64           `json:"agentId,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type MoveParams struct {
	Room string `json:"room"`
}

type SendMessageParams struct {
	Content string `json:"content"`
}

type UpdateActivityParams struct {
	Level int `json:"level"`
}

type BatchKind string

const (
	BatchStart BatchKind = "start"
	BatchStop  BatchKind = "stop"
	BatchMove  BatchKind = "move"
)

type BatchParams struct {
	AgentIDs []int64   `json:"agentIds"`
	Action   BatchKind `json:"action"`
	Room     string    `json:"room,omitempty"`
}

type BatchItemResult struct {
	AgentID int64  `json:"agent_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

type FleetStats struct {
	Total    int                 `json:"total"`
	Active   int                 `json:"active"`
	ByStatus map[AgentStatus]int `json:"by_status"`
	ByRoom   map[string]int      `json:"by_room"`
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

type ControlToken struct {
	Name      string    `json:"name"`
	Hash      string    `json:"-"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
