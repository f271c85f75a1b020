// Package session is the SessionManager of spec.md §4.9: it owns the
// mapping sessionId → AgentSession and agentId → sessionId, drives the
// Worker Runtime adapter, and mediates tool-permission negotiation.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/logging"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/workerruntime"
)

// continuationMessage is sent to resume a session after a permission
// grant, per spec §4.9.
const continuationMessage = "Permission granted. Continue your task."

type sessionState struct {
	mu sync.Mutex

	session model.AgentSession
	cancel  context.CancelFunc

	hasAssistantMessage bool
}

// Manager is the SessionManager.
type Manager struct {
	runtime *workerruntime.Runtime
	bus     *eventbus.Bus

	mu            sync.Mutex
	sessions      map[string]*sessionState
	agentSessions map[string]string // agentID -> sessionID, only for active|starting|waiting_input
}

// NewManager creates a SessionManager driving runtime and publishing to bus.
func NewManager(runtime *workerruntime.Runtime, bus *eventbus.Bus) *Manager {
	return &Manager{
		runtime:       runtime,
		bus:           bus,
		sessions:      make(map[string]*sessionState),
		agentSessions: make(map[string]string),
	}
}

// StartSessionOptions bundles StartSession's parameters.
type StartSessionOptions struct {
	AgentID        string
	TaskID         string
	Prompt         string
	WorkingDir     string
	SystemPrompt   string
	AllowedTools   []string
	MaxTurns       int
	AdditionalDirs []string
}

// StartSession allocates a new session in "starting", asks the Worker
// Runtime to spawn, transitions to "active", and publishes
// session_created and session_status_changed.
func (m *Manager) StartSession(opts StartSessionOptions) (string, error) {
	sessionID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	st := &sessionState{
		session: model.AgentSession{
			ID:             sessionID,
			AgentID:        opts.AgentID,
			TaskID:         opts.TaskID,
			Status:         model.SessionStarting,
			StartedAt:      time.Now(),
			LastActivityAt: time.Now(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.sessions[sessionID] = st
	m.agentSessions[opts.AgentID] = sessionID
	m.mu.Unlock()

	m.bus.Publish(eventbus.TopicSessionCreated, st.session)

	events, err := m.runtime.Spawn(ctx, workerruntime.SpawnOptions{
		SessionID:            sessionID,
		WorkingDir:           opts.WorkingDir,
		SystemPromptAddendum: opts.SystemPrompt,
		AllowedTools:         opts.AllowedTools,
		MaxTurns:             opts.MaxTurns,
		Prompt:               opts.Prompt,
		AdditionalDirs:       opts.AdditionalDirs,
	})
	if err != nil {
		cancel()
		m.setStatus(st, model.SessionError)
		return "", fmt.Errorf("spawn worker: %w", err)
	}

	m.setStatus(st, model.SessionActive)
	go m.pump(st, events)

	return sessionID, nil
}

// SendMessage appends a user message to the transcript and requests the
// Worker Runtime to resume the session with that message.
func (m *Manager) SendMessage(sessionID, message, workingDir string, allowedTools []string) error {
	st, ok := m.lookup(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	st.mu.Lock()
	st.session.Messages = append(st.session.Messages, model.SessionMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      model.MessageUser,
		Content:   message,
	})
	taskID := st.session.TaskID
	agentID := st.session.AgentID
	st.mu.Unlock()

	logging.Debugf("session %s resuming for agent %s task %s", sessionID, agentID, taskID)

	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	events, err := m.runtime.Spawn(ctx, workerruntime.SpawnOptions{
		SessionID:    sessionID,
		WorkingDir:   workingDir,
		AllowedTools: allowedTools,
		Prompt:       message,
		Resume:       true,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("resume worker: %w", err)
	}

	m.setStatus(st, model.SessionActive)
	go m.pump(st, events)
	return nil
}

// StopSession kills the subprocess and ends the session in "error".
func (m *Manager) StopSession(sessionID string) error {
	st, ok := m.lookup(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	m.runtime.Kill(sessionID)
	st.mu.Lock()
	st.cancel()
	st.mu.Unlock()
	m.endSession(st, model.SessionError)
	return nil
}

// ApprovePermission does a case-insensitive lookup into
// pendingPermissions, removes the matching entry, and returns the
// canonically-cased tool name. allApproved is true once the pending
// list is empty.
func (m *Manager) ApprovePermission(sessionID, toolName string) (resolved string, allApproved bool, err error) {
	st, ok := m.lookup(sessionID)
	if !ok {
		return "", false, fmt.Errorf("session %s not found", sessionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for i, p := range st.session.PendingPermissions {
		if strings.EqualFold(p.ToolName, toolName) {
			resolved = p.ToolName
			st.session.PendingPermissions = append(st.session.PendingPermissions[:i], st.session.PendingPermissions[i+1:]...)
			return resolved, len(st.session.PendingPermissions) == 0, nil
		}
	}
	// Idempotent: already resolved (or never pending) is a no-op, not an error.
	return toolName, len(st.session.PendingPermissions) == 0, nil
}

// DenyPermission ends the session in "completed".
func (m *Manager) DenyPermission(sessionID string) error {
	st, ok := m.lookup(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	m.endSession(st, model.SessionCompleted)
	return nil
}

// ResumeSession sends the canned continuation message with the updated
// tool list, transitioning the session back to "active".
func (m *Manager) ResumeSession(sessionID string, allowedTools []string, workingDir string) error {
	return m.SendMessage(sessionID, continuationMessage, workingDir, allowedTools)
}

// Get returns a snapshot of the session's current state.
func (m *Manager) Get(sessionID string) (model.AgentSession, bool) {
	st, ok := m.lookup(sessionID)
	if !ok {
		return model.AgentSession{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session, true
}

// ActiveSessionForAgent returns the session id currently tracked as
// active for agentID, if any. Per spec §3, at most one such session may
// exist per agent.
func (m *Manager) ActiveSessionForAgent(agentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.agentSessions[agentID]
	return id, ok
}

func (m *Manager) lookup(sessionID string) (*sessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	return st, ok
}

func (m *Manager) setStatus(st *sessionState, status model.SessionStatus) {
	st.mu.Lock()
	st.session.Status = status
	st.session.LastActivityAt = time.Now()
	st.mu.Unlock()
	m.bus.Publish(eventbus.TopicSessionStatusChanged, st.session)
	if status == model.SessionCompleted || status == model.SessionError {
		m.forgetActive(st.session.AgentID, st.session.ID)
	}
}

func (m *Manager) forgetActive(agentID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.agentSessions[agentID] == sessionID {
		delete(m.agentSessions, agentID)
	}
}

// pump consumes events from one Spawn() invocation, updating the
// session's transcript and status per spec §4.9's event-parsing table.
func (m *Manager) pump(st *sessionState, events <-chan workerruntime.RawEvent) {
	for evt := range events {
		typ, _ := evt.Data["type"].(string)

		if typ == "result" {
			m.handleTerminal(st, evt.Data)
			continue
		}

		msgs, _ := ParseEvent(evt.Data)
		if len(msgs) == 0 {
			continue
		}

		st.mu.Lock()
		alreadyEnded := st.session.Status == model.SessionCompleted || st.session.Status == model.SessionError
		if alreadyEnded {
			st.mu.Unlock()
			continue
		}
		for _, msg := range msgs {
			msg.ID = uuid.New().String()
			msg.Timestamp = time.Now()
			st.session.Messages = append(st.session.Messages, msg)
			if msg.Type == model.MessageAssistant {
				st.hasAssistantMessage = true
			}
		}
		st.session.LastActivityAt = time.Now()
		st.mu.Unlock()
	}
}

func (m *Manager) handleTerminal(st *sessionState, data map[string]any) {
	terminal := parseTerminal(data)

	st.mu.Lock()
	// Double-end protection: if already ended, ignore further terminals.
	if st.session.Status == model.SessionCompleted || st.session.Status == model.SessionError {
		st.mu.Unlock()
		return
	}

	if len(terminal.PermissionDenials) > 0 {
		pending := dedupePermissions(terminal.PermissionDenials)
		st.session.PendingPermissions = pending
		st.session.Status = model.SessionWaitingInput
		st.session.LastActivityAt = time.Now()
		st.mu.Unlock()

		m.bus.Publish(eventbus.TopicSessionStatusChanged, st.session)
		for _, p := range pending {
			m.bus.Publish(eventbus.TopicPermissionRequested, struct {
				SessionID string
				ToolName  string
			}{st.session.ID, p.ToolName})
		}
		return
	}

	// A waiting_input session must not transition directly to
	// completed|error without operator action: a stray close while
	// waiting is dropped.
	if st.session.Status == model.SessionWaitingInput {
		st.mu.Unlock()
		return
	}

	if !st.hasAssistantMessage && terminal.Result != "" {
		st.session.Messages = append(st.session.Messages, model.SessionMessage{
			ID:        uuid.New().String(),
			Timestamp: time.Now(),
			Type:      model.MessageAssistant,
			Content:   terminal.Result,
		})
		st.hasAssistantMessage = true
	}

	status := model.SessionCompleted
	if terminal.Subtype == "error" {
		status = model.SessionError
	}
	st.session.Status = status
	st.session.LastActivityAt = time.Now()
	snapshot := st.session
	st.mu.Unlock()

	logging.Debugf("session %s ended: %s", st.session.ID, status)
	m.bus.Publish(eventbus.TopicSessionStatusChanged, snapshot)
	m.bus.Publish(eventbus.TopicSessionEnded, snapshot)
	m.forgetActive(snapshot.AgentID, snapshot.ID)
}

func (m *Manager) endSession(st *sessionState, status model.SessionStatus) {
	st.mu.Lock()
	if st.session.Status == model.SessionCompleted || st.session.Status == model.SessionError {
		st.mu.Unlock()
		return
	}
	st.session.Status = status
	st.session.LastActivityAt = time.Now()
	snapshot := st.session
	st.mu.Unlock()

	m.bus.Publish(eventbus.TopicSessionStatusChanged, snapshot)
	m.bus.Publish(eventbus.TopicSessionEnded, snapshot)
	m.forgetActive(snapshot.AgentID, snapshot.ID)
}

func dedupePermissions(names []string) []model.PendingPermission {
	seen := make(map[string]bool)
	var out []model.PendingPermission
	for _, name := range names {
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.PendingPermission{ToolName: name})
	}
	return out
}
