// Package agentmgr implements the AgentManager of spec.md §4.5: the
// agent roster, each agent's bounded conversation memory, and its
// approved-tool set. Grounded on the teacher's internal/agent/memory
// trim-to-N pattern and internal/agent/config/authprofiles.go's
// CRUD-over-a-shared-store shape.
package agentmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/logging"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/store"
)

// namePool is the fixed pool hire(name?) draws from when no name is
// given. Once exhausted, names fall back to "Agent N".
var namePool = []string{
	"Sam", "Riley", "Casey", "Jordan", "Morgan", "Avery", "Quinn", "Dakota",
	"Rowan", "Skyler", "Emerson", "Finley", "Harper", "Kendall", "Logan",
	"Parker", "Reese", "Sawyer", "Taylor", "Blair",
}

// Manager owns the Agent roster and every Agent's memory.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	bus    *eventbus.Bus
	agents map[string]*model.Agent
}

// New loads the roster from store and returns a ready Manager.
func New(st *store.Store, bus *eventbus.Bus) (*Manager, error) {
	loaded, err := st.LoadAgents()
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	agents := make(map[string]*model.Agent, len(loaded))
	for i := range loaded {
		a := loaded[i]
		agents[a.ID] = &a
	}
	return &Manager{store: st, bus: bus, agents: agents}, nil
}

func (m *Manager) persistLocked() {
	list := make([]model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		list = append(list, *a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].HiredAt.Before(list[j].HiredAt) })
	if err := m.store.SaveAgents(list); err != nil {
		logging.Errorf("agentmgr: persist agents: %v", err)
	}
}

func (m *Manager) usedNamesLocked() map[string]bool {
	used := make(map[string]bool, len(m.agents))
	for _, a := range m.agents {
		used[a.Name] = true
	}
	return used
}

func (m *Manager) nextNameLocked() string {
	used := m.usedNamesLocked()
	for _, n := range namePool {
		if !used[n] {
			return n
		}
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("Agent %d", n)
		if !used[candidate] {
			return candidate
		}
	}
}

// Hire creates a new Agent. If name is empty, a name is drawn from the
// pool (or "Agent N" once the pool is exhausted).
func (m *Manager) Hire(name string) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name != "" {
		if m.usedNamesLocked()[name] {
			return model.Agent{}, fmt.Errorf("agent name %q already in use", name)
		}
	} else {
		name = m.nextNameLocked()
	}

	approved := make([]string, len(model.BaselineTools))
	copy(approved, model.BaselineTools)

	agent := &model.Agent{
		ID:            uuid.New().String(),
		Name:          name,
		State:         model.AgentIdle,
		ApprovedTools: approved,
		HiredAt:       time.Now(),
	}
	m.agents[agent.ID] = agent
	m.persistLocked()
	m.bus.Publish(eventbus.TopicAgentHired, *agent)
	return *agent, nil
}

// Fire removes an Agent and its memory/preference files. It does not by
// itself cancel sessions or delete tasks/goals/triggers belonging to
// the agent — those belong to other managers and are cascaded by the
// Bridge, which is the sole component with references to every
// manager (spec §4.5's fire() cascade, split across owners per §3's
// ownership rule).
func (m *Manager) Fire(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("agent %q not found", id)
	}
	delete(m.agents, id)
	m.persistLocked()

	if err := m.store.SavePreferences(id, nil); err != nil {
		logging.Errorf("agentmgr: clear preferences for %s: %v", id, err)
	}
	if err := m.store.SaveAgentMemory(id, &model.AgentMemory{AgentID: id}); err != nil {
		logging.Errorf("agentmgr: clear memory for %s: %v", id, err)
	}

	m.bus.Publish(eventbus.TopicAgentFired, id)
	return nil
}

// Get returns a copy of the agent, or false if not found.
func (m *Manager) Get(id string) (model.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return model.Agent{}, false
	}
	return *a, true
}

// GetByName looks up an agent by its (unique) name.
func (m *Manager) GetByName(name string) (model.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Name == name {
			return *a, true
		}
	}
	return model.Agent{}, false
}

// List returns every agent, oldest-hired first.
func (m *Manager) List() []model.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		list = append(list, *a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].HiredAt.Before(list[j].HiredAt) })
	return list
}

func (m *Manager) mutate(id string, fn func(a *model.Agent) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %q not found", id)
	}
	if err := fn(a); err != nil {
		return err
	}
	m.persistLocked()
	return nil
}

// UpdateState sets the agent's lifecycle state and publishes
// agent_state_changed.
func (m *Manager) UpdateState(id string, state model.AgentState) error {
	err := m.mutate(id, func(a *model.Agent) error {
		a.State = state
		return nil
	})
	if err == nil {
		m.bus.Publish(eventbus.TopicAgentStateChanged, map[string]any{"agentId": id, "state": state})
	}
	return err
}

// UpdatePosition sets the agent's cosmetic coordinates.
func (m *Manager) UpdatePosition(id string, x, y float64) error {
	return m.mutate(id, func(a *model.Agent) error {
		a.PosX = x
		a.PosY = y
		return nil
	})
}

// AssignTask records the task an agent is currently executing. It does
// not itself change State; callers that start a session also call
// UpdateState(id, AgentWorking).
func (m *Manager) AssignTask(id, taskID string) error {
	return m.mutate(id, func(a *model.Agent) error {
		a.AssignedTaskID = taskID
		return nil
	})
}

// UnassignTask clears the agent's current task assignment.
func (m *Manager) UnassignTask(id string) error {
	return m.mutate(id, func(a *model.Agent) error {
		a.AssignedTaskID = ""
		return nil
	})
}

// IncrementTasksCompleted bumps the agent's completed-task counter.
func (m *Manager) IncrementTasksCompleted(id string) error {
	return m.mutate(id, func(a *model.Agent) error {
		a.TasksCompleted++
		return nil
	})
}

// AddTokensUsed accumulates usage for cost/quota visibility.
func (m *Manager) AddTokensUsed(id string, tokens int) error {
	return m.mutate(id, func(a *model.Agent) error {
		a.TokensUsed += tokens
		return nil
	})
}

// SetSystemPrompt overrides (or, if text is nil, clears) the agent's
// custom system prompt addendum.
func (m *Manager) SetSystemPrompt(id string, text *string) error {
	return m.mutate(id, func(a *model.Agent) error {
		a.SystemPrompt = text
		return nil
	})
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

// AddApprovedTool grants a tool beyond the immutable baseline set.
func (m *Manager) AddApprovedTool(id, name string) error {
	return m.mutate(id, func(a *model.Agent) error {
		if contains(a.ApprovedTools, name) {
			return nil
		}
		a.ApprovedTools = append(a.ApprovedTools, name)
		return nil
	})
}

// RemoveApprovedTool revokes a previously granted tool. Baseline tools
// ({Read, Glob, Grep}) cannot be removed.
func (m *Manager) RemoveApprovedTool(id, name string) error {
	if contains(model.BaselineTools, name) {
		return fmt.Errorf("tool %q is baseline and cannot be removed", name)
	}
	return m.mutate(id, func(a *model.Agent) error {
		kept := a.ApprovedTools[:0]
		for _, t := range a.ApprovedTools {
			if t != name {
				kept = append(kept, t)
			}
		}
		a.ApprovedTools = kept
		return nil
	})
}

// GetMemory returns the agent's bounded conversation memory.
func (m *Manager) GetMemory(id string) (model.AgentMemory, error) {
	mem, err := m.store.LoadAgentMemory(id)
	if err != nil {
		return model.AgentMemory{}, fmt.Errorf("load memory for %s: %w", id, err)
	}
	return *mem, nil
}

// AddConversation appends one conversation entry to the agent's memory,
// trimming to the most recent model.MaxMemoryEntries.
func (m *Manager) AddConversation(id, role, content, taskID string) error {
	mem, err := m.store.LoadAgentMemory(id)
	if err != nil {
		return fmt.Errorf("load memory for %s: %w", id, err)
	}
	mem.Conversations = append(mem.Conversations, model.ConversationEntry{
		Role:      role,
		Content:   content,
		TaskID:    taskID,
		Timestamp: time.Now(),
	})
	if n := len(mem.Conversations); n > model.MaxMemoryEntries {
		mem.Conversations = mem.Conversations[n-model.MaxMemoryEntries:]
	}
	if err := m.store.SaveAgentMemory(id, mem); err != nil {
		return fmt.Errorf("save memory for %s: %w", id, err)
	}
	return nil
}
