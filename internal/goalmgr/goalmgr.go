// Package goalmgr implements the GoalManager of spec.md §4.7: CRUD for
// goals and triggers, plus versioned plan operations over a goal's
// current plan. Grounded on the teacher's
// internal/agent/orchestrator/orchestrator.go SubAgent status machine
// (pending/running/completed/failed/cancelled), adapted to this
// domain's active/paused/completed/failed goals and
// pending/in_progress/completed/failed/skipped/blocked steps.
package goalmgr

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

// Manager owns Goals, Plans, and Triggers.
type Manager struct {
	mu       sync.Mutex
	store    *store.Store
	bus      *eventbus.Bus
	goals    map[string]*model.AgentGoal
	plans    map[string]*model.AgentPlan // keyed by goalId — current plan only
	triggers map[string]*model.AgentTrigger
}

// New loads goals, plans, and triggers from store.
func New(st *store.Store, bus *eventbus.Bus) (*Manager, error) {
	goals, plans, err := st.LoadGoals()
	if err != nil {
		return nil, fmt.Errorf("load goals: %w", err)
	}
	triggers, err := st.LoadTriggers()
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}

	m := &Manager{
		store:    st,
		bus:      bus,
		goals:    make(map[string]*model.AgentGoal, len(goals)),
		plans:    make(map[string]*model.AgentPlan, len(plans)),
		triggers: make(map[string]*model.AgentTrigger, len(triggers)),
	}
	for i := range goals {
		g := goals[i]
		m.goals[g.ID] = &g
	}
	for i := range plans {
		p := plans[i]
		if existing, ok := m.plans[p.GoalID]; !ok || p.Version > existing.Version {
			m.plans[p.GoalID] = &p
		}
	}
	for i := range triggers {
		t := triggers[i]
		m.triggers[t.ID] = &t
	}
	return m, nil
}

func (m *Manager) persistLocked() {
	goals := make([]model.AgentGoal, 0, len(m.goals))
	for _, g := range m.goals {
		goals = append(goals, *g)
	}
	sort.Slice(goals, func(i, j int) bool { return goals[i].CreatedAt.Before(goals[j].CreatedAt) })

	plans := make([]model.AgentPlan, 0, len(m.plans))
	for _, p := range m.plans {
		plans = append(plans, *p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].GoalID < plans[j].GoalID })

	if err := m.store.SaveGoals(goals, plans); err != nil {
		logging.Errorf("goalmgr: persist goals: %v", err)
	}
}

func (m *Manager) persistTriggersLocked() {
	triggers := make([]model.AgentTrigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		triggers = append(triggers, *t)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].CreatedAt.Before(triggers[j].CreatedAt) })
	if err := m.store.SaveTriggers(triggers); err != nil {
		logging.Errorf("goalmgr: persist triggers: %v", err)
	}
}

// CreateGoal records a new active goal for an agent.
func (m *Manager) CreateGoal(agentID, description, workingDirectory string, workspaceRoots, constraints []string, maxTurnsPerStep int) model.AgentGoal {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	goal := &model.AgentGoal{
		ID:               uuid.New().String(),
		AgentID:          agentID,
		Description:      description,
		Constraints:      constraints,
		WorkingDirectory: workingDirectory,
		WorkspaceRoots:   workspaceRoots,
		MaxTurnsPerStep:  maxTurnsPerStep,
		Status:           model.GoalActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.goals[goal.ID] = goal
	m.persistLocked()
	return *goal
}

// GetGoal returns a copy of the goal, or false if not found.
func (m *Manager) GetGoal(id string) (model.AgentGoal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return model.AgentGoal{}, false
	}
	return *g, true
}

// ListGoals returns every goal, oldest first.
func (m *Manager) ListGoals() []model.AgentGoal {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]model.AgentGoal, 0, len(m.goals))
	for _, g := range m.goals {
		list = append(list, *g)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// ListGoalsForAgent returns every goal belonging to agentID.
func (m *Manager) ListGoalsForAgent(agentID string) []model.AgentGoal {
	all := m.ListGoals()
	out := all[:0:0]
	for _, g := range all {
		if g.AgentID == agentID {
			out = append(out, g)
		}
	}
	return out
}

func (m *Manager) mutateGoal(id string, fn func(g *model.AgentGoal) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return fmt.Errorf("goal %q not found", id)
	}
	if err := fn(g); err != nil {
		return err
	}
	g.UpdatedAt = time.Now()
	m.persistLocked()
	return nil
}

// SetGoalStatus transitions a goal's lifecycle status and publishes the
// matching topic on a terminal transition.
func (m *Manager) SetGoalStatus(id string, status model.GoalStatus) error {
	err := m.mutateGoal(id, func(g *model.AgentGoal) error {
		g.Status = status
		return nil
	})
	if err == nil {
		switch status {
		case model.GoalCompleted:
			m.bus.Publish(eventbus.TopicGoalCompleted, id)
		case model.GoalFailed:
			m.bus.Publish(eventbus.TopicGoalFailed, id)
		}
	}
	return err
}

// SetConstraints overwrites a goal's constraint list.
func (m *Manager) SetConstraints(id string, constraints []string) error {
	return m.mutateGoal(id, func(g *model.AgentGoal) error {
		g.Constraints = constraints
		return nil
	})
}

// SetWorkingDirectory changes a goal's working directory.
func (m *Manager) SetWorkingDirectory(id, dir string) error {
	return m.mutateGoal(id, func(g *model.AgentGoal) error {
		g.WorkingDirectory = dir
		return nil
	})
}

// DeleteGoal removes a goal and its current plan (used by fire-cascade
// cleanup and explicit operator deletion).
func (m *Manager) DeleteGoal(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[id]; !ok {
		return fmt.Errorf("goal %q not found", id)
	}
	delete(m.goals, id)
	delete(m.plans, id)
	m.persistLocked()
	return nil
}

// DeleteGoalsForAgent removes every goal (and plan) belonging to agentID.
func (m *Manager) DeleteGoalsForAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, g := range m.goals {
		if g.AgentID == agentID {
			delete(m.goals, id)
			delete(m.plans, id)
		}
	}
	m.persistLocked()
}

// validateSteps enforces spec §4.7's invariants: dense order [0..n),
// at most one in_progress, at most one blocked.
func validateSteps(steps []model.PlanStep) error {
	inProgress, blocked := 0, 0
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if seen[s.Order] {
			return fmt.Errorf("duplicate step order %d", s.Order)
		}
		seen[s.Order] = true
		switch s.Status {
		case model.StepInProgress:
			inProgress++
		case model.StepBlocked:
			blocked++
			if s.Question == "" {
				return fmt.Errorf("blocked step %s has no question", s.ID)
			}
		}
	}
	for i := 0; i < len(steps); i++ {
		if !seen[i] {
			return fmt.Errorf("step order values are not dense [0..%d)", len(steps))
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("at most one step may be in_progress, found %d", inProgress)
	}
	if blocked > 1 {
		return fmt.Errorf("at most one step may be blocked, found %d", blocked)
	}
	return nil
}

// SetPlanOptions carries setPlan's optional lifecycle fields.
type SetPlanOptions struct {
	Recurring          bool
	IntervalMinutes    int
	CycleGoal          string
	CompletionCriteria string
}

// SetPlan creates a new versioned plan for a goal: version =
// prev.version + 1, or 1 if this is the goal's first plan.
func (m *Manager) SetPlan(goalID string, steps []model.PlanStep, reasoning string, opts SetPlanOptions) (model.AgentPlan, error) {
	if err := validateSteps(steps); err != nil {
		return model.AgentPlan{}, fmt.Errorf("invalid plan for goal %s: %w", goalID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.goals[goalID]; !ok {
		return model.AgentPlan{}, fmt.Errorf("goal %q not found", goalID)
	}

	version := 1
	if prev, ok := m.plans[goalID]; ok {
		version = prev.Version + 1
	}

	now := time.Now()
	plan := &model.AgentPlan{
		ID:                 uuid.New().String(),
		GoalID:             goalID,
		Version:            version,
		Reasoning:          reasoning,
		Steps:              steps,
		Recurring:          opts.Recurring,
		IntervalMinutes:    opts.IntervalMinutes,
		CycleGoal:          opts.CycleGoal,
		CompletionCriteria: opts.CompletionCriteria,
		CreatedAt:          now,
		UpdatedAt:          now,
		Type:               "plan",
	}
	m.plans[goalID] = plan
	m.persistLocked()
	return *plan, nil
}

// GetPlan returns the current plan for a goal.
func (m *Manager) GetPlan(goalID string) (model.AgentPlan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[goalID]
	if !ok {
		return model.AgentPlan{}, false
	}
	return *p, true
}

// StepPatch is the set of fields updatePlanStep may change. An empty
// Status and nil pointers leave the field untouched; pass the current value
// to keep it, or use ClearQuestion to blank Question explicitly.
type StepPatch struct {
	Status        model.StepStatus
	Result        *string
	Question      *string
	ClearQuestion bool
	Description   *string
}

// UpdatePlanStep mutates one step of a goal's current plan in place and
// publishes step_started/step_completed/step_failed based on the
// patch's Status.
func (m *Manager) UpdatePlanStep(goalID, stepID string, patch StepPatch) error {
	m.mu.Lock()

	plan, ok := m.plans[goalID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("goal %q has no current plan", goalID)
	}

	idx := -1
	for i := range plan.Steps {
		if plan.Steps[i].ID == stepID {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return fmt.Errorf("step %q not found in goal %s's plan", stepID, goalID)
	}

	candidate := append([]model.PlanStep(nil), plan.Steps...)
	step := candidate[idx]
	if patch.Status != "" {
		step.Status = patch.Status
	}
	if patch.Result != nil {
		step.Result = *patch.Result
	}
	if patch.ClearQuestion {
		step.Question = ""
	} else if patch.Question != nil {
		step.Question = *patch.Question
	}
	if patch.Description != nil {
		step.Description = *patch.Description
	}
	if step.Status == model.StepCompleted || step.Status == model.StepFailed || step.Status == model.StepSkipped {
		now := time.Now()
		step.CompletedAt = &now
	}
	candidate[idx] = step

	if err := validateSteps(candidate); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("patch would violate plan invariants: %w", err)
	}

	plan.Steps = candidate
	plan.UpdatedAt = time.Now()
	m.persistLocked()
	m.mu.Unlock()

	switch patch.Status {
	case model.StepInProgress:
		m.bus.Publish(eventbus.TopicStepStarted, map[string]any{"goalId": goalID, "stepId": stepID})
	case model.StepCompleted:
		m.bus.Publish(eventbus.TopicStepCompleted, map[string]any{"goalId": goalID, "stepId": stepID})
	case model.StepFailed:
		m.bus.Publish(eventbus.TopicStepFailed, map[string]any{"goalId": goalID, "stepId": stepID})
	}
	return nil
}

// GetNextPendingStep returns the lowest-order pending step, if any.
func (m *Manager) GetNextPendingStep(goalID string) (model.PlanStep, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[goalID]
	if !ok {
		return model.PlanStep{}, false
	}
	best := -1
	for i, s := range plan.Steps {
		if s.Status == model.StepPending && (best == -1 || s.Order < plan.Steps[best].Order) {
			best = i
		}
	}
	if best == -1 {
		return model.PlanStep{}, false
	}
	return plan.Steps[best], true
}

// GetBlockedStep returns the goal's blocked step, if any.
func (m *Manager) GetBlockedStep(goalID string) (model.PlanStep, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[goalID]
	if !ok {
		return model.PlanStep{}, false
	}
	for _, s := range plan.Steps {
		if s.Status == model.StepBlocked {
			return s, true
		}
	}
	return model.PlanStep{}, false
}

// CreateTrigger records a new trigger for a goal.
func (m *Manager) CreateTrigger(agentID, goalID string, typ model.TriggerType, intervalMs int64, description string) model.AgentTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()

	trigger := &model.AgentTrigger{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		GoalID:      goalID,
		Type:        typ,
		IntervalMs:  intervalMs,
		Enabled:     true,
		Description: description,
		CreatedAt:   time.Now(),
	}
	m.triggers[trigger.ID] = trigger
	m.persistTriggersLocked()
	return *trigger
}

// GetTrigger returns a copy of the trigger, or false if not found.
func (m *Manager) GetTrigger(id string) (model.AgentTrigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return model.AgentTrigger{}, false
	}
	return *t, true
}

// ListTriggers returns every trigger, oldest first.
func (m *Manager) ListTriggers() []model.AgentTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]model.AgentTrigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		list = append(list, *t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// MarkTriggerFired stamps LastFiredAt and (for interval triggers)
// advances NextFireAt.
func (m *Manager) MarkTriggerFired(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return fmt.Errorf("trigger %q not found", id)
	}
	t.LastFiredAt = &at
	if t.Type == model.TriggerInterval && t.IntervalMs > 0 {
		next := at.Add(time.Duration(t.IntervalMs) * time.Millisecond)
		t.NextFireAt = &next
	}
	m.persistTriggersLocked()
	return nil
}

// SetTriggerEnabled toggles a trigger on or off.
func (m *Manager) SetTriggerEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return fmt.Errorf("trigger %q not found", id)
	}
	t.Enabled = enabled
	m.persistTriggersLocked()
	return nil
}

// DeleteTrigger removes a trigger.
func (m *Manager) DeleteTrigger(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return fmt.Errorf("trigger %q not found", id)
	}
	delete(m.triggers, id)
	m.persistTriggersLocked()
	return nil
}

// DeleteTriggersForAgent removes every trigger belonging to agentID.
func (m *Manager) DeleteTriggersForAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.triggers {
		if t.AgentID == agentID {
			delete(m.triggers, id)
		}
	}
	m.persistTriggersLocked()
}
