// Package observability turns EventBus traffic into the per-agent
// append-only log spec §6's `log <agent> [n]` command reads back via
// store.ReadLogs. It is pure glue: every topic it subscribes to and
// every manager it calls already exists for its own reasons, this
// package only renders them into one human-readable line per event.
package observability

import (
	"fmt"

	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/goalmgr"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/store"
	"github.com/workfarm/workfarm/internal/taskmgr"
)

// Recorder subscribes to the EventBus and writes one log line per
// observable event to the agent it concerns.
type Recorder struct {
	store *store.Store
	goals *goalmgr.Manager
	tasks *taskmgr.Manager
}

// NewRecorder builds a Recorder and subscribes it to the agent, session
// created/ended, task, step, question, trigger and goal topics;
// session_status_changed and permission_requested are not recorded.
// goals resolves the agentID
// behind goal/step/trigger events and tasks resolves it behind task
// events, since neither payload carries one directly.
func NewRecorder(st *store.Store, goals *goalmgr.Manager, tasks *taskmgr.Manager, bus *eventbus.Bus) *Recorder {
	r := &Recorder{store: st, goals: goals, tasks: tasks}

	bus.Subscribe(eventbus.TopicAgentHired, r.onAgentHired)
	bus.Subscribe(eventbus.TopicAgentFired, r.onAgentID("fired"))
	bus.Subscribe(eventbus.TopicAgentStateChanged, r.onAgentStateChanged)

	bus.Subscribe(eventbus.TopicSessionCreated, r.onSession("session started"))
	bus.Subscribe(eventbus.TopicSessionEnded, r.onSession("session ended"))

	bus.Subscribe(eventbus.TopicTaskStarted, r.onTaskID("task started"))
	bus.Subscribe(eventbus.TopicTaskCompleted, r.onTaskID("task completed"))
	bus.Subscribe(eventbus.TopicTaskFailed, r.onTaskID("task failed"))

	bus.Subscribe(eventbus.TopicStepStarted, r.onGoalEvent("step started"))
	bus.Subscribe(eventbus.TopicStepCompleted, r.onGoalEvent("step completed"))
	bus.Subscribe(eventbus.TopicStepFailed, r.onGoalEvent("step failed"))
	bus.Subscribe(eventbus.TopicQuestionRaised, r.onGoalEvent("question raised"))
	bus.Subscribe(eventbus.TopicTriggerFired, r.onGoalEvent("trigger fired"))

	bus.Subscribe(eventbus.TopicGoalCompleted, r.onGoalID("goal completed"))
	bus.Subscribe(eventbus.TopicGoalFailed, r.onGoalID("goal failed"))

	return r
}

func (r *Recorder) record(agentID, line string) {
	if agentID == "" {
		return
	}
	_ = r.store.AppendLog(agentID, line)
}

func (r *Recorder) agentIDForGoal(goalID string) string {
	goal, ok := r.goals.GetGoal(goalID)
	if !ok {
		return ""
	}
	return goal.AgentID
}

func (r *Recorder) onAgentHired(_ string, payload any) {
	if agent, ok := payload.(model.Agent); ok {
		r.record(agent.ID, fmt.Sprintf("hired as %s", agent.Name))
	}
}

func (r *Recorder) onAgentID(verb string) eventbus.Handler {
	return func(_ string, payload any) {
		if id, ok := payload.(string); ok {
			r.record(id, verb)
		}
	}
}

func (r *Recorder) onAgentStateChanged(_ string, payload any) {
	m, ok := payload.(map[string]any)
	if !ok {
		return
	}
	agentID, _ := m["agentId"].(string)
	state, _ := m["state"].(model.AgentState)
	r.record(agentID, fmt.Sprintf("state -> %s", state))
}

func (r *Recorder) onSession(verb string) eventbus.Handler {
	return func(_ string, payload any) {
		if sess, ok := payload.(model.AgentSession); ok {
			r.record(sess.AgentID, fmt.Sprintf("%s (session %s, %s)", verb, sess.ID, sess.Status))
		}
	}
}

func (r *Recorder) onTaskID(verb string) eventbus.Handler {
	return func(_ string, payload any) {
		id, ok := payload.(string)
		if !ok {
			return
		}
		task, ok := r.tasks.Get(id)
		if !ok {
			return
		}
		r.record(task.AssignedAgentID, fmt.Sprintf("%s: %s", verb, task.Description))
	}
}

func (r *Recorder) onGoalEvent(verb string) eventbus.Handler {
	return func(_ string, payload any) {
		m, ok := payload.(map[string]any)
		if !ok {
			return
		}
		goalID, _ := m["goalId"].(string)
		agentID := r.agentIDForGoal(goalID)
		if extra, ok := m["question"].(string); ok && extra != "" {
			r.record(agentID, fmt.Sprintf("%s: %s", verb, extra))
			return
		}
		r.record(agentID, verb)
	}
}

func (r *Recorder) onGoalID(verb string) eventbus.Handler {
	return func(_ string, payload any) {
		goalID, ok := payload.(string)
		if !ok {
			return
		}
		r.record(r.agentIDForGoal(goalID), verb)
	}
}
