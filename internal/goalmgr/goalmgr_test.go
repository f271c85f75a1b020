package goalmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m, err := New(st, eventbus.New())
	require.NoError(t, err)
	return m
}

func twoStepPlan() []model.PlanStep {
	return []model.PlanStep{
		{ID: "s0", Order: 0, Description: "profile", Status: model.StepPending},
		{ID: "s1", Order: 1, Description: "fix", Status: model.StepPending},
	}
}

func TestSetPlanVersionsIncrement(t *testing.T) {
	m := newTestManager(t)
	goal := m.CreateGoal("agent-1", "optimize queries", "/work", nil, nil, 30)

	p1, err := m.SetPlan(goal.ID, twoStepPlan(), "initial plan", SetPlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, p1.Version)

	p2, err := m.SetPlan(goal.ID, twoStepPlan(), "revised plan", SetPlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, p2.Version)
}

func TestSetPlanRejectsNonDenseOrder(t *testing.T) {
	m := newTestManager(t)
	goal := m.CreateGoal("agent-1", "goal", "/work", nil, nil, 30)

	bad := []model.PlanStep{{ID: "s0", Order: 0, Status: model.StepPending}, {ID: "s2", Order: 2, Status: model.StepPending}}
	_, err := m.SetPlan(goal.ID, bad, "r", SetPlanOptions{})
	assert.Error(t, err)
}

func TestSetPlanRejectsTwoInProgressSteps(t *testing.T) {
	m := newTestManager(t)
	goal := m.CreateGoal("agent-1", "goal", "/work", nil, nil, 30)

	bad := []model.PlanStep{
		{ID: "s0", Order: 0, Status: model.StepInProgress},
		{ID: "s1", Order: 1, Status: model.StepInProgress},
	}
	_, err := m.SetPlan(goal.ID, bad, "r", SetPlanOptions{})
	assert.Error(t, err)
}

func TestUpdatePlanStepPublishesAndEnforcesInvariants(t *testing.T) {
	m := newTestManager(t)
	goal := m.CreateGoal("agent-1", "goal", "/work", nil, nil, 30)
	_, err := m.SetPlan(goal.ID, twoStepPlan(), "r", SetPlanOptions{})
	require.NoError(t, err)

	var published []string
	record := func(topic string, _ any) { published = append(published, topic) }
	m.bus.Subscribe(eventbus.TopicStepStarted, record)
	m.bus.Subscribe(eventbus.TopicStepCompleted, record)

	require.NoError(t, m.UpdatePlanStep(goal.ID, "s0", StepPatch{Status: model.StepInProgress}))

	err = m.UpdatePlanStep(goal.ID, "s1", StepPatch{Status: model.StepInProgress})
	assert.Error(t, err, "a second in_progress step must be rejected")

	result := "profiled"
	require.NoError(t, m.UpdatePlanStep(goal.ID, "s0", StepPatch{Status: model.StepCompleted, Result: &result}))

	next, ok := m.GetNextPendingStep(goal.ID)
	require.True(t, ok)
	assert.Equal(t, "s1", next.ID)

	assert.Equal(t, []string{eventbus.TopicStepStarted, eventbus.TopicStepCompleted}, published)
}

func TestGetBlockedStepRequiresQuestion(t *testing.T) {
	m := newTestManager(t)
	goal := m.CreateGoal("agent-1", "goal", "/work", nil, nil, 30)
	_, err := m.SetPlan(goal.ID, twoStepPlan(), "r", SetPlanOptions{})
	require.NoError(t, err)

	err = m.UpdatePlanStep(goal.ID, "s0", StepPatch{Status: model.StepBlocked})
	assert.Error(t, err, "blocked step without a question must be rejected")

	q := "which database?"
	require.NoError(t, m.UpdatePlanStep(goal.ID, "s0", StepPatch{Status: model.StepBlocked, Question: &q}))

	blocked, ok := m.GetBlockedStep(goal.ID)
	require.True(t, ok)
	assert.Equal(t, "s0", blocked.ID)
	assert.Equal(t, q, blocked.Question)
}

func TestTriggerLifecycle(t *testing.T) {
	m := newTestManager(t)
	goal := m.CreateGoal("agent-1", "goal", "/work", nil, nil, 30)

	trig := m.CreateTrigger("agent-1", goal.ID, model.TriggerInterval, 60000, "every minute")
	assert.True(t, trig.Enabled)

	require.NoError(t, m.SetTriggerEnabled(trig.ID, false))
	got, ok := m.GetTrigger(trig.ID)
	require.True(t, ok)
	assert.False(t, got.Enabled)

	require.NoError(t, m.DeleteTrigger(trig.ID))
	_, ok = m.GetTrigger(trig.ID)
	assert.False(t, ok)
}

func TestDeleteGoalsForAgentRemovesPlanToo(t *testing.T) {
	m := newTestManager(t)
	goal := m.CreateGoal("agent-1", "goal", "/work", nil, nil, 30)
	_, err := m.SetPlan(goal.ID, twoStepPlan(), "r", SetPlanOptions{})
	require.NoError(t, err)

	m.DeleteGoalsForAgent("agent-1")

	_, ok := m.GetGoal(goal.ID)
	assert.False(t, ok)
	_, ok = m.GetPlan(goal.ID)
	assert.False(t, ok)
}
