package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatfleet/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = domain.ErrNotFound

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	activity_level INTEGER NOT NULL DEFAULT 5,
	current_room TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline',
	typing_speed REAL NOT NULL DEFAULT 2,
	response_delay_ms INTEGER NOT NULL DEFAULT 0,
	personality TEXT NOT NULL DEFAULT '',
	interests TEXT NOT NULL DEFAULT '[]',
	last_action_at INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	name TEXT PRIMARY KEY,
	occupancy INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	content TEXT NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE(category, content)
);
CREATE INDEX IF NOT EXISTS idx_bot_messages_category ON bot_messages(category);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	agent_id INTEGER NOT NULL,
	action_type TEXT NOT NULL,
	room_name TEXT NOT NULL,
	details TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_log_agent ON activity_log(agent_id, created_at);

CREATE TABLE IF NOT EXISTS control_tokens (
	name TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const agentColumns = `id, username, display_name, activity_level, current_room, status,
	typing_speed, response_delay_ms, personality, interests, last_action_at, created_at, updated_at`

// UpsertAgent inserts an agent or refreshes its profile. Runtime fields
// (status, current room) of an existing row are left alone.
func (s *Store) UpsertAgent(ctx context.Context, agent domain.Agent) error {
	if agent.ID <= 0 {
		return fmt.Errorf("upsert agent: id must be positive")
	}
	if strings.TrimSpace(agent.Username) == "" {
		return fmt.Errorf("upsert agent %d: username is required", agent.ID)
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.Status == "" {
		agent.Status = domain.AgentStatusOffline
	}
	if agent.DisplayName == "" {
		agent.DisplayName = agent.Username
	}
	interests, err := json.Marshal(agent.Settings.Interests)
	if err != nil {
		return fmt.Errorf("encode interests: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO agents(`+agentColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			activity_level = excluded.activity_level,
			typing_speed = excluded.typing_speed,
			response_delay_ms = excluded.response_delay_ms,
			personality = excluded.personality,
			interests = excluded.interests,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Username, agent.DisplayName, domain.ClampActivityLevel(agent.ActivityLevel),
		agent.CurrentRoom, string(agent.Status), agent.Settings.TypingSpeed, agent.Settings.ResponseDelay,
		agent.Settings.Personality, string(interests), agent.CreatedAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID int64) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("get agent %d: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, agentID int64, status domain.AgentStatus) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Unix(), agentID,
	)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return requireAffected(res, "agent", agentID)
}

func (s *Store) SetAllAgentsStatus(ctx context.Context, status domain.AgentStatus) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET status = ?, updated_at = ?`,
		string(status), time.Now().UTC().Unix(),
	); err != nil {
		return fmt.Errorf("set all agents status: %w", err)
	}
	return nil
}

func (s *Store) UpdateActivityLevel(ctx context.Context, agentID int64, level int) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET activity_level = ?, updated_at = ? WHERE id = ?`,
		domain.ClampActivityLevel(level), time.Now().UTC().Unix(), agentID,
	)
	if err != nil {
		return fmt.Errorf("update activity level: %w", err)
	}
	return requireAffected(res, "agent", agentID)
}

func (s *Store) TouchAgentAction(ctx context.Context, agentID int64, at time.Time) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET last_action_at = ? WHERE id = ?`,
		at.UTC().Unix(), agentID,
	); err != nil {
		return fmt.Errorf("touch agent action: %w", err)
	}
	return nil
}

func (s *Store) EnsureRoom(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("ensure room: name is required")
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rooms(name, occupancy, created_at) VALUES(?, 0, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().Unix(),
	); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete room rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete room %s: %w", name, ErrNotFound)
	}
	return nil
}

func (s *Store) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, occupancy, created_at FROM rooms ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Room, 0)
	for rows.Next() {
		var r domain.Room
		var created int64
		if err := rows.Scan(&r.Name, &r.Occupancy, &created); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.CreatedAt = unixToTime(created)
		result = append(result, r)
	}
	return result, rows.Err()
}

// MoveAgentToRoom is the Room Registry commit: old room occupancy down
// (never below zero), new room up, agent row updated and an activity
// record appended, all in one transaction.
func (s *Store) MoveAgentToRoom(ctx context.Context, agentID int64, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("move agent: room is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var oldRoom string
	if err := tx.QueryRowContext(ctx, `SELECT current_room FROM agents WHERE id = ?`, agentID).Scan(&oldRoom); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("move agent %d: %w", agentID, ErrNotFound)
		}
		return fmt.Errorf("read agent room: %w", err)
	}
	now := time.Now().UTC()

	if oldRoom != "" && oldRoom != room {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE rooms SET occupancy = MAX(occupancy - 1, 0) WHERE name = ?`,
			oldRoom,
		); err != nil {
			return fmt.Errorf("decrement room %s: %w", oldRoom, err)
		}
	}
	if oldRoom != room {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO rooms(name, occupancy, created_at) VALUES(?, 1, ?)
			ON CONFLICT(name) DO UPDATE SET occupancy = occupancy + 1`,
			room, now.Unix(),
		); err != nil {
			return fmt.Errorf("increment room %s: %w", room, err)
		}
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE agents SET current_room = ?, updated_at = ? WHERE id = ?`,
		room, now.Unix(), agentID,
	); err != nil {
		return fmt.Errorf("update agent room: %w", err)
	}
	details := mustJSON(map[string]string{"from": oldRoom, "to": room})
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO activity_log(id, agent_id, action_type, room_name, details, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), agentID, string(domain.ActionRoomChange), room, string(details), now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("append move activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move tx: %w", err)
	}
	return nil
}

// AddMessage registers a template. Duplicate (category, content) pairs
// are ignored.
func (s *Store) AddMessage(ctx context.Context, category domain.MessageCategory, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("add message: content is required")
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO bot_messages(category, content, usage_count) VALUES(?, ?, 0)
		ON CONFLICT(category, content) DO NOTHING`,
		string(category), content,
	); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// RandomMessage picks a template of the category and bumps its usage
// counter. ok is false when the category has no templates.
func (s *Store) RandomMessage(ctx context.Context, category domain.MessageCategory) (string, bool, error) {
	var id int64
	var content string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, content FROM bot_messages WHERE category = ? ORDER BY RANDOM() LIMIT 1`,
		string(category),
	).Scan(&id, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("random message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE bot_messages SET usage_count = usage_count + 1 WHERE id = ?`, id); err != nil {
		return "", false, fmt.Errorf("bump message usage: %w", err)
	}
	return content, true, nil
}

func (s *Store) ListMessages(ctx context.Context, category domain.MessageCategory) ([]domain.BotMessage, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, category, content, usage_count FROM bot_messages WHERE category = ? ORDER BY id ASC`,
		string(category),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.BotMessage, 0)
	for rows.Next() {
		var m domain.BotMessage
		var cat string
		if err := rows.Scan(&m.ID, &cat, &m.Content, &m.UsageCount); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Category = domain.MessageCategory(cat)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) LogActivity(ctx context.Context, entry domain.ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = []byte("{}")
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO activity_log(id, agent_id, action_type, room_name, details, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentID, entry.ActionType, entry.RoomName, string(entry.Details), entry.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

func (s *Store) ListActivity(ctx context.Context, agentID int64, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, agent_id, action_type, room_name, details, created_at
		FROM activity_log WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ActivityEntry, 0, limit)
	for rows.Next() {
		var e domain.ActivityEntry
		var details string
		var created int64
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ActionType, &e.RoomName, &details, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Details = json.RawMessage(details)
		e.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) PutControlToken(ctx context.Context, token domain.ControlToken) error {
	if token.Name == "" || token.Hash == "" {
		return fmt.Errorf("put control token: name and hash are required")
	}
	if token.Role == "" {
		token.Role = domain.RoleViewer
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO control_tokens(name, token_hash, role, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET token_hash = excluded.token_hash, role = excluded.role`,
		token.Name, token.Hash, string(token.Role), token.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("put control token: %w", err)
	}
	return nil
}

func (s *Store) LookupControlToken(ctx context.Context, hash string) (domain.ControlToken, error) {
	var t domain.ControlToken
	var role string
	var created int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT name, token_hash, role, created_at FROM control_tokens WHERE token_hash = ?`,
		hash,
	).Scan(&t.Name, &t.Hash, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ControlToken{}, ErrNotFound
	}
	if err != nil {
		return domain.ControlToken{}, fmt.Errorf("lookup control token: %w", err)
	}
	t.Role = domain.Role(role)
	t.CreatedAt = unixToTime(created)
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var status, interests string
	var lastAction sql.NullInt64
	var created, updated int64
	if err := row.Scan(
		&a.ID, &a.Username, &a.DisplayName, &a.ActivityLevel, &a.CurrentRoom, &status,
		&a.Settings.TypingSpeed, &a.Settings.ResponseDelay, &a.Settings.Personality, &interests,
		&lastAction, &created, &updated,
	); err != nil {
		return domain.Agent{}, err
	}
	a.Status = domain.AgentStatus(status)
	if interests != "" {
		if err := json.Unmarshal([]byte(interests), &a.Settings.Interests); err != nil {
			return domain.Agent{}, fmt.Errorf("decode interests for agent %d: %w", a.ID, err)
		}
	}
	a.LastActionTime = int64ToTimePtr(lastAction)
	a.CreatedAt = unixToTime(created)
	a.UpdatedAt = unixToTime(updated)
	return a, nil
}

func requireAffected(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := unixToTime(v.Int64)
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
