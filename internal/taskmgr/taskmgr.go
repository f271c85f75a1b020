// Package taskmgr implements the TaskManager of spec.md §4.6: CRUD plus
// the start/complete/fail status machine over ephemeral per-dispatch
// task records, correlated by ID with session_ended events. Grounded
// on the teacher's internal/agent/recovery.Manager
// (CreateTask/MarkRunning/MarkCompleted/MarkFailed), reimplemented over
// the JSON snapshot store since Tasks are a snapshot family here, not
// a queryable log.
package taskmgr

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

// Manager owns the Task collection.
type Manager struct {
	mu    sync.Mutex
	store *store.Store
	bus   *eventbus.Bus
	tasks map[string]*model.Task
}

// New loads tasks from store and returns a ready Manager.
func New(st *store.Store, bus *eventbus.Bus) (*Manager, error) {
	loaded, err := st.LoadTasks()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	tasks := make(map[string]*model.Task, len(loaded))
	for i := range loaded {
		t := loaded[i]
		tasks[t.ID] = &t
	}
	return &Manager{store: st, bus: bus, tasks: tasks}, nil
}

func (m *Manager) persistLocked() {
	list := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		list = append(list, *t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if err := m.store.SaveTasks(list); err != nil {
		logging.Errorf("taskmgr: persist tasks: %v", err)
	}
}

// Create records a new pending Task for an (optionally unassigned)
// agent.
func (m *Manager) Create(description, assignedAgentID string) model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	task := &model.Task{
		ID:              uuid.New().String(),
		Description:     description,
		AssignedAgentID: assignedAgentID,
		Status:          model.TaskPending,
		CreatedAt:       time.Now(),
	}
	m.tasks[task.ID] = task
	m.persistLocked()
	return *task
}

// Get returns a copy of the task, or false if not found.
func (m *Manager) Get(id string) (model.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *t, true
}

// List returns every task, oldest-created first.
func (m *Manager) List() []model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		list = append(list, *t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// ListForAgent returns every task assigned to agentID, oldest first.
func (m *Manager) ListForAgent(agentID string) []model.Task {
	all := m.List()
	out := all[:0:0]
	for _, t := range all {
		if t.AssignedAgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Delete removes a task (used by fire-cascade cleanup).
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %q not found", id)
	}
	delete(m.tasks, id)
	m.persistLocked()
	return nil
}

// DeleteForAgent removes every task assigned to agentID.
func (m *Manager) DeleteForAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.AssignedAgentID == agentID {
			delete(m.tasks, id)
		}
	}
	m.persistLocked()
}

func (m *Manager) mutate(id string, fn func(t *model.Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if err := fn(t); err != nil {
		return err
	}
	m.persistLocked()
	return nil
}

// StartTask transitions a task to in_progress and stamps StartedAt.
func (m *Manager) StartTask(id string) error {
	err := m.mutate(id, func(t *model.Task) error {
		now := time.Now()
		t.Status = model.TaskInProgress
		t.StartedAt = &now
		return nil
	})
	if err == nil {
		m.bus.Publish(eventbus.TopicTaskStarted, id)
	}
	return err
}

// CompleteTask transitions a task to completed with the given result.
func (m *Manager) CompleteTask(id, result string) error {
	err := m.mutate(id, func(t *model.Task) error {
		now := time.Now()
		t.Status = model.TaskCompleted
		t.Result = result
		t.CompletedAt = &now
		return nil
	})
	if err == nil {
		m.bus.Publish(eventbus.TopicTaskCompleted, id)
	}
	return err
}

// FailTask transitions a task to failed with the given error message.
func (m *Manager) FailTask(id, errMsg string) error {
	err := m.mutate(id, func(t *model.Task) error {
		now := time.Now()
		t.Status = model.TaskFailed
		t.Error = errMsg
		t.CompletedAt = &now
		return nil
	})
	if err == nil {
		m.bus.Publish(eventbus.TopicTaskFailed, id)
	}
	return err
}

// AddLog appends a timestamped log line to the task, ring-buffered to
// the most recent model.MaxTaskLogEntries.
func (m *Manager) AddLog(id, message string) error {
	return m.mutate(id, func(t *model.Task) error {
		t.Logs = append(t.Logs, model.LogEntry{At: time.Now(), Message: message})
		if n := len(t.Logs); n > model.MaxTaskLogEntries {
			t.Logs = t.Logs[n-model.MaxTaskLogEntries:]
		}
		return nil
	})
}
