// Package bridge implements the Bridge of spec.md §4.10: a thin facade
// composing AgentManager, TaskManager, GoalManager, and SessionManager.
// Grounded on the teacher's
// internal/agent/orchestrator/orchestrator.go Spawn/runAgent shape
// (limit check → persist → goroutine → result channel), generalized
// from "spawn a sub-agent" to "dispatch one worker session for one
// step" and reassembled around the EventBus rather than a results
// channel, since spec §4.1 requires synchronous, subscriber-visible
// delivery.
package bridge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/workfarm/workfarm/internal/agentmgr"
	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/goalmgr"
	"github.com/workfarm/workfarm/internal/logging"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/session"
	"github.com/workfarm/workfarm/internal/taskmgr"
)

// Bridge composes the shared managers behind a single-flight dispatch
// guard.
type Bridge struct {
	sessions *session.Manager
	agents   *agentmgr.Manager
	tasks    *taskmgr.Manager
	goals    *goalmgr.Manager
	bus      *eventbus.Bus

	mu               sync.Mutex
	activeExecutions map[string]bool   // agentId -> busy
	sessionWorkDirs  map[string]string // sessionId -> workingDir, for permission-grant resume
}

// New builds a Bridge and sweeps stale agent/task state left over from
// an unclean restart: any agent persisted as working|thinking is reset
// to idle, and its assigned task, if in_progress, is marked failed.
func New(sessions *session.Manager, agents *agentmgr.Manager, tasks *taskmgr.Manager, goals *goalmgr.Manager, bus *eventbus.Bus) *Bridge {
	b := &Bridge{
		sessions:         sessions,
		agents:           agents,
		tasks:            tasks,
		goals:            goals,
		bus:              bus,
		activeExecutions: make(map[string]bool),
		sessionWorkDirs:  make(map[string]string),
	}
	b.sweepStaleState()
	b.bus.Subscribe(eventbus.TopicSessionEnded, b.onSessionEnded)
	return b
}

func (b *Bridge) sweepStaleState() {
	for _, a := range b.agents.List() {
		if a.State != model.AgentWorking && a.State != model.AgentThinking {
			continue
		}
		if err := b.agents.UpdateState(a.ID, model.AgentIdle); err != nil {
			logging.Errorf("bridge: sweep reset agent %s: %v", a.ID, err)
		}
		if a.AssignedTaskID != "" {
			if task, ok := b.tasks.Get(a.AssignedTaskID); ok && task.Status == model.TaskInProgress {
				if err := b.tasks.FailTask(task.ID, "interrupted by restart"); err != nil {
					logging.Errorf("bridge: sweep fail task %s: %v", task.ID, err)
				}
			}
			if err := b.agents.UnassignTask(a.ID); err != nil {
				logging.Errorf("bridge: sweep unassign agent %s: %v", a.ID, err)
			}
		}
	}
}

// DispatchOptions carries dispatchWorker's optional parameters.
type DispatchOptions struct {
	MaxTurns   int
	WorkingDir string
	Prompt     string
}

// DispatchWorker starts a worker session for agentId/taskId, or
// returns an error if the agent already has an execution in flight
// (the single-flight guard).
func (b *Bridge) DispatchWorker(agentID, taskID string, opts DispatchOptions) (string, error) {
	b.mu.Lock()
	if b.activeExecutions[agentID] {
		b.mu.Unlock()
		return "", fmt.Errorf("agent %s already has an active execution", agentID)
	}
	b.activeExecutions[agentID] = true
	b.mu.Unlock()

	agent, ok := b.agents.Get(agentID)
	if !ok {
		b.releaseGuard(agentID)
		return "", fmt.Errorf("agent %q not found", agentID)
	}

	systemPrompt := ""
	if agent.SystemPrompt != nil {
		systemPrompt = *agent.SystemPrompt
	}

	sessionID, err := b.sessions.StartSession(session.StartSessionOptions{
		AgentID:      agentID,
		TaskID:       taskID,
		Prompt:       opts.Prompt,
		WorkingDir:   opts.WorkingDir,
		SystemPrompt: systemPrompt,
		AllowedTools: agent.ApprovedTools,
		MaxTurns:     opts.MaxTurns,
	})
	if err != nil {
		b.releaseGuard(agentID)
		return "", fmt.Errorf("start session: %w", err)
	}

	b.mu.Lock()
	b.sessionWorkDirs[sessionID] = opts.WorkingDir
	b.mu.Unlock()

	if err := b.agents.UpdateState(agentID, model.AgentWorking); err != nil {
		logging.Errorf("bridge: set agent %s working: %v", agentID, err)
	}
	if err := b.agents.AssignTask(agentID, taskID); err != nil {
		logging.Errorf("bridge: assign task %s to agent %s: %v", taskID, agentID, err)
	}
	if err := b.tasks.StartTask(taskID); err != nil {
		logging.Errorf("bridge: start task %s: %v", taskID, err)
	}

	return sessionID, nil
}

func (b *Bridge) releaseGuard(agentID string) {
	b.mu.Lock()
	delete(b.activeExecutions, agentID)
	b.mu.Unlock()
}

// IsBusy reports whether agentID currently has a dispatch in flight.
func (b *Bridge) IsBusy(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeExecutions[agentID]
}

// assistantText concatenates every assistant message in a session's
// transcript, in order.
func assistantText(sess model.AgentSession) string {
	var b strings.Builder
	for _, m := range sess.Messages {
		if m.Type == model.MessageAssistant {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(m.Content)
		}
	}
	return b.String()
}

// onSessionEnded is the session_ended handler: it extracts the step
// result, records the conversation, updates Task/Agent counters, and
// releases the single-flight guard.
func (b *Bridge) onSessionEnded(_ string, payload any) {
	sess, ok := payload.(model.AgentSession)
	if !ok {
		return
	}

	result := assistantText(sess)

	if err := b.agents.AddConversation(sess.AgentID, "assistant", result, sess.TaskID); err != nil {
		logging.Errorf("bridge: record conversation for %s: %v", sess.AgentID, err)
	}

	if sess.TaskID != "" {
		if sess.Status == model.SessionCompleted {
			if err := b.tasks.CompleteTask(sess.TaskID, result); err != nil {
				logging.Errorf("bridge: complete task %s: %v", sess.TaskID, err)
			}
			if err := b.agents.IncrementTasksCompleted(sess.AgentID); err != nil {
				logging.Errorf("bridge: increment tasksCompleted for %s: %v", sess.AgentID, err)
			}
		} else {
			if err := b.tasks.FailTask(sess.TaskID, result); err != nil {
				logging.Errorf("bridge: fail task %s: %v", sess.TaskID, err)
			}
		}
	}

	if err := b.agents.UnassignTask(sess.AgentID); err != nil {
		logging.Errorf("bridge: unassign task for %s: %v", sess.AgentID, err)
	}
	if err := b.agents.UpdateState(sess.AgentID, model.AgentIdle); err != nil {
		logging.Errorf("bridge: reset agent %s to idle: %v", sess.AgentID, err)
	}

	b.mu.Lock()
	delete(b.sessionWorkDirs, sess.ID)
	b.mu.Unlock()
	b.releaseGuard(sess.AgentID)
}

// ApproveToolPermission resolves a denied tool's casing, adds it to the
// agent's approved-tool set, and resumes the session once every
// pending permission has been cleared.
func (b *Bridge) ApproveToolPermission(agentID, toolName string) error {
	sessionID, ok := b.sessions.ActiveSessionForAgent(agentID)
	if !ok {
		return fmt.Errorf("agent %s has no active session", agentID)
	}

	resolved, allApproved, err := b.sessions.ApprovePermission(sessionID, toolName)
	if err != nil {
		return fmt.Errorf("approve permission: %w", err)
	}
	if err := b.agents.AddApprovedTool(agentID, resolved); err != nil {
		return fmt.Errorf("add approved tool: %w", err)
	}
	if !allApproved {
		return nil
	}

	agent, ok := b.agents.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %q not found", agentID)
	}
	b.mu.Lock()
	workDir := b.sessionWorkDirs[sessionID]
	b.mu.Unlock()

	if err := b.sessions.ResumeSession(sessionID, agent.ApprovedTools, workDir); err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	return nil
}

// DenyToolPermission ends the agent's active session via
// SessionManager.DenyPermission.
func (b *Bridge) DenyToolPermission(agentID string) error {
	sessionID, ok := b.sessions.ActiveSessionForAgent(agentID)
	if !ok {
		return fmt.Errorf("agent %s has no active session", agentID)
	}
	return b.sessions.DenyPermission(sessionID)
}

// CancelExecution kills the agent's active session's subprocess; the
// terminal close event then ends the session in error via the normal
// session_ended path.
func (b *Bridge) CancelExecution(agentID string) error {
	sessionID, ok := b.sessions.ActiveSessionForAgent(agentID)
	if !ok {
		return fmt.Errorf("agent %s has no active session", agentID)
	}
	return b.sessions.StopSession(sessionID)
}

// FireAgent cascades an agent's removal across every manager that owns
// part of its state: it cancels any active session, deletes the
// agent's tasks/goals/triggers, then fires the agent itself (which
// clears memory and preferences). Bridge is the one component holding
// references to every manager, so it is the cascade's owner per
// spec §4.5/§3.
func (b *Bridge) FireAgent(agentID string) error {
	if sessionID, ok := b.sessions.ActiveSessionForAgent(agentID); ok {
		if err := b.sessions.StopSession(sessionID); err != nil {
			logging.Errorf("bridge: stop session %s during fire: %v", sessionID, err)
		}
	}
	b.tasks.DeleteForAgent(agentID)
	b.goals.DeleteGoalsForAgent(agentID)
	b.goals.DeleteTriggersForAgent(agentID)
	b.releaseGuard(agentID)
	return b.agents.Fire(agentID)
}
