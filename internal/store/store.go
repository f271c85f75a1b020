// Package store is the persistence adapter of spec.md §4.4: an opaque
// load/save interface per entity family plus an append-only per-agent
// log. Snapshot families (agents, tasks, goals+plans, triggers,
// memory, preferences) are stored as JSON files under the data
// directory; the config file is not handled here (internal/config
// reads and writes it as config.yaml). The log is
// backed by a modernc.org/sqlite table because readLogs(since, until)
// is a range query, not a snapshot read — see DESIGN.md.
//
// Saves are last-writer-wins; no cross-file transaction is attempted,
// matching spec §4.4's stated semantics.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workfarm/workfarm/internal/model"
)

// Store is the concrete persistence adapter.
type Store struct {
	dir string
	mu  sync.Mutex // guards JSON file writes; logDB serializes itself

	logDB *sql.DB
}

// Open creates (if needed) the data directory layout and opens the
// append-only log database.
func Open(dataDir string) (*Store, error) {
	for _, sub := range []string{"", "memory", "preferences", "logs"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	logPath := filepath.Join(dataDir, "logs", "logs.db")
	db, err := sql.Open("sqlite", logPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open log db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			event TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_logs_agent_at ON logs(agent_id, at);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create log schema: %w", err)
	}

	return &Store{dir: dataDir, logDB: db}, nil
}

// Close releases the log database handle.
func (s *Store) Close() error {
	return s.logDB.Close()
}

func (s *Store) writeJSON(relPath string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", relPath, err)
	}
	full := filepath.Join(s.dir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", relPath, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	return nil
}

func (s *Store) readJSON(relPath string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, relPath))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", relPath, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", relPath, err)
	}
	return nil
}

// LoadAgents reads agents.json, returning an empty slice if absent.
func (s *Store) LoadAgents() ([]model.Agent, error) {
	var agents []model.Agent
	if err := s.readJSON("agents.json", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// SaveAgents overwrites agents.json.
func (s *Store) SaveAgents(agents []model.Agent) error {
	return s.writeJSON("agents.json", agents)
}

// LoadTasks reads tasks.json.
func (s *Store) LoadTasks() ([]model.Task, error) {
	var tasks []model.Task
	if err := s.readJSON("tasks.json", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveTasks overwrites tasks.json.
func (s *Store) SaveTasks(tasks []model.Task) error {
	return s.writeJSON("tasks.json", tasks)
}

// GoalRecord is one heterogeneous entry of goals.json: either a goal or
// a plan, discriminated by Type ("goal" or "plan") per spec §4.4.
type GoalRecord struct {
	Type string           `json:"_type"`
	Goal *model.AgentGoal `json:"goal,omitempty"`
	Plan *model.AgentPlan `json:"plan,omitempty"`
}

// LoadGoals reads goals.json, splitting it back into goals and plans.
func (s *Store) LoadGoals() ([]model.AgentGoal, []model.AgentPlan, error) {
	var records []GoalRecord
	if err := s.readJSON("goals.json", &records); err != nil {
		return nil, nil, err
	}
	var goals []model.AgentGoal
	var plans []model.AgentPlan
	for _, r := range records {
		switch r.Type {
		case "plan":
			if r.Plan != nil {
				plans = append(plans, *r.Plan)
			}
		default:
			if r.Goal != nil {
				goals = append(goals, *r.Goal)
			}
		}
	}
	return goals, plans, nil
}

// SaveGoals writes goals and plans into the single heterogeneous
// goals.json collection, plans discriminated by _type:"plan".
func (s *Store) SaveGoals(goals []model.AgentGoal, plans []model.AgentPlan) error {
	records := make([]GoalRecord, 0, len(goals)+len(plans))
	for i := range goals {
		g := goals[i]
		records = append(records, GoalRecord{Type: "goal", Goal: &g})
	}
	for i := range plans {
		p := plans[i]
		p.Type = "plan"
		records = append(records, GoalRecord{Type: "plan", Plan: &p})
	}
	return s.writeJSON("goals.json", records)
}

// LoadTriggers reads triggers.json.
func (s *Store) LoadTriggers() ([]model.AgentTrigger, error) {
	var triggers []model.AgentTrigger
	if err := s.readJSON("triggers.json", &triggers); err != nil {
		return nil, err
	}
	return triggers, nil
}

// SaveTriggers overwrites triggers.json.
func (s *Store) SaveTriggers(triggers []model.AgentTrigger) error {
	return s.writeJSON("triggers.json", triggers)
}

// LoadPreferences reads preferences/<agentId>.json.
func (s *Store) LoadPreferences(agentID string) ([]model.AgentPreference, error) {
	var prefs []model.AgentPreference
	if err := s.readJSON(filepath.Join("preferences", agentID+".json"), &prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}

// SavePreferences overwrites preferences/<agentId>.json.
func (s *Store) SavePreferences(agentID string, prefs []model.AgentPreference) error {
	return s.writeJSON(filepath.Join("preferences", agentID+".json"), prefs)
}

// LoadAgentMemory reads memory/<agentId>.json.
func (s *Store) LoadAgentMemory(agentID string) (*model.AgentMemory, error) {
	mem := &model.AgentMemory{AgentID: agentID}
	if err := s.readJSON(filepath.Join("memory", agentID+".json"), mem); err != nil {
		return nil, err
	}
	if mem.AgentID == "" {
		mem.AgentID = agentID
	}
	return mem, nil
}

// SaveAgentMemory overwrites memory/<agentId>.json.
func (s *Store) SaveAgentMemory(agentID string, mem *model.AgentMemory) error {
	return s.writeJSON(filepath.Join("memory", agentID+".json"), mem)
}

// AppendLog appends one event line to the agent's append-only log.
func (s *Store) AppendLog(agentID string, event string) error {
	_, err := s.logDB.Exec(`INSERT INTO logs (agent_id, at, event) VALUES (?, ?, ?)`,
		agentID, time.Now().UnixNano(), event)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// LogRange bounds a ReadLogs query; zero values mean unbounded.
type LogRange struct {
	Since time.Time
	Until time.Time
}

// LoggedEvent is one row read back from ReadLogs.
type LoggedEvent struct {
	At    time.Time
	Event string
}

// ReadLogs returns events for agentID within the optional [since, until)
// range, oldest first.
func (s *Store) ReadLogs(agentID string, r LogRange) ([]LoggedEvent, error) {
	query := `SELECT at, event FROM logs WHERE agent_id = ?`
	args := []any{agentID}
	if !r.Since.IsZero() {
		query += ` AND at >= ?`
		args = append(args, r.Since.UnixNano())
	}
	if !r.Until.IsZero() {
		query += ` AND at < ?`
		args = append(args, r.Until.UnixNano())
	}
	query += ` ORDER BY at ASC`

	rows, err := s.logDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	defer rows.Close()

	var out []LoggedEvent
	for rows.Next() {
		var atNanos int64
		var event string
		if err := rows.Scan(&atNanos, &event); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, LoggedEvent{At: time.Unix(0, atNanos), Event: event})
	}
	return out, rows.Err()
}
