// Package trigger implements the TriggerScheduler of spec.md §4.12:
// interval-based timers that call Adversary.wake on a goal. Grounded
// on the teacher's internal/agent/tools/cron.go, which wraps
// robfig/cron/v3 the same way (a *cronlib.Cron plus a name/id ->
// cronlib.EntryID map) to turn schedule strings into recurring
// callbacks.
package trigger

import (
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/goalmgr"
	"github.com/workfarm/workfarm/internal/logging"
	"github.com/workfarm/workfarm/internal/model"
)

// Waker is the subset of *adversary.Adversary the Scheduler drives. It
// is declared here, not imported, so this package never needs to
// import adversary (which would otherwise risk a cycle once cmd/
// wiring holds both).
type Waker interface {
	Wake(goalID string)
	IsGoalActive(goalID string) bool
}

// Scheduler owns the live cron timer table backing every enabled
// interval AgentTrigger.
type Scheduler struct {
	goals *goalmgr.Manager
	bus   *eventbus.Bus
	cron  *cronlib.Cron

	mu      sync.Mutex
	waker   Waker
	entries map[string]cronlib.EntryID
}

// New builds a Scheduler. Call Start once the Adversary it drives is
// constructed.
func New(goals *goalmgr.Manager, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		goals:   goals,
		bus:     bus,
		cron:    cronlib.New(),
		entries: make(map[string]cronlib.EntryID),
	}
}

// Start records waker, schedules a timer for every enabled interval
// trigger already in the store, and starts the cron runner.
func (s *Scheduler) Start(waker Waker) {
	s.mu.Lock()
	s.waker = waker
	s.mu.Unlock()

	for _, t := range s.goals.ListTriggers() {
		if t.Type == model.TriggerInterval && t.Enabled {
			s.scheduleLocked(t)
		}
	}
	s.cron.Start()
}

// Stop halts the cron runner, waiting for any in-flight fireTrigger
// calls to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) scheduleLocked(t model.AgentTrigger) {
	spec := fmt.Sprintf("@every %s", time.Duration(t.IntervalMs)*time.Millisecond)
	triggerID := t.ID
	id, err := s.cron.AddFunc(spec, func() { s.fireTrigger(triggerID) })
	if err != nil {
		logging.Errorf("trigger: schedule %s: %v", triggerID, err)
		return
	}
	s.mu.Lock()
	s.entries[triggerID] = id
	s.mu.Unlock()
}

func (s *Scheduler) unscheduleLocked(triggerID string) {
	s.mu.Lock()
	id, ok := s.entries[triggerID]
	if ok {
		delete(s.entries, triggerID)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

// AddTrigger creates a trigger via the GoalManager and, for an enabled
// interval trigger, starts its timer immediately.
func (s *Scheduler) AddTrigger(agentID, goalID string, typ model.TriggerType, intervalMs int64, description string) model.AgentTrigger {
	t := s.goals.CreateTrigger(agentID, goalID, typ, intervalMs, description)
	if t.Type == model.TriggerInterval && t.Enabled {
		s.scheduleLocked(t)
	}
	return t
}

// RemoveTrigger stops the trigger's timer (if any) and deletes it from
// the store.
func (s *Scheduler) RemoveTrigger(triggerID string) error {
	s.unscheduleLocked(triggerID)
	return s.goals.DeleteTrigger(triggerID)
}

// FireManual runs a trigger's fire path immediately, regardless of its
// type, per spec §4.12.
func (s *Scheduler) FireManual(triggerID string) {
	s.fireTrigger(triggerID)
}

// fireTrigger is the shared path for both a timer fire and a manual
// fire: short-circuit if the trigger or goal is gone, disabled,
// paused, settled, or already being worked; otherwise stamp
// lastFiredAt/nextFireAt, publish trigger_fired, and wake the goal.
func (s *Scheduler) fireTrigger(triggerID string) {
	trig, ok := s.goals.GetTrigger(triggerID)
	if !ok || !trig.Enabled {
		return
	}
	goal, ok := s.goals.GetGoal(trig.GoalID)
	if !ok {
		return
	}
	switch goal.Status {
	case model.GoalPaused, model.GoalCompleted, model.GoalFailed:
		return
	}

	s.mu.Lock()
	waker := s.waker
	s.mu.Unlock()
	if waker == nil || waker.IsGoalActive(trig.GoalID) {
		return
	}

	if err := s.goals.MarkTriggerFired(triggerID, time.Now()); err != nil {
		logging.Errorf("trigger: mark fired %s: %v", triggerID, err)
	}
	s.bus.Publish(eventbus.TopicTriggerFired, map[string]any{"triggerId": triggerID, "goalId": trig.GoalID})
	waker.Wake(trig.GoalID)
}
