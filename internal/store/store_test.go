package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfarm/workfarm/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAgentsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	agents := []model.Agent{{ID: "a1", Name: "Sam", State: model.AgentIdle}}

	require.NoError(t, s.SaveAgents(agents))
	loaded, err := s.LoadAgents()
	require.NoError(t, err)
	assert.Equal(t, agents, loaded)
}

func TestLoadAgentsEmptyWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadAgents()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestGoalsAndPlansDiscriminatedByType(t *testing.T) {
	s := newTestStore(t)
	goals := []model.AgentGoal{{ID: "g1", AgentID: "a1", Description: "optimize"}}
	plans := []model.AgentPlan{{ID: "p1", GoalID: "g1", Version: 1}}

	require.NoError(t, s.SaveGoals(goals, plans))

	loadedGoals, loadedPlans, err := s.LoadGoals()
	require.NoError(t, err)
	assert.Equal(t, goals, loadedGoals)
	require.Len(t, loadedPlans, 1)
	assert.Equal(t, "p1", loadedPlans[0].ID)
	assert.Equal(t, "plan", loadedPlans[0].Type)
}

func TestPreferencesAreKeyedPerAgent(t *testing.T) {
	s := newTestStore(t)
	prefs := []model.AgentPreference{{ID: "pr1", AgentID: "a1", Key: "style", Value: "terse"}}
	require.NoError(t, s.SavePreferences("a1", prefs))

	loaded, err := s.LoadPreferences("a1")
	require.NoError(t, err)
	assert.Equal(t, prefs, loaded)

	other, err := s.LoadPreferences("a2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAppendLogThenReadLogsOrdersOldestFirstAndRespectsRange(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendLog("a1", "first"))
	time.Sleep(time.Millisecond)
	mid := time.Now()
	time.Sleep(time.Millisecond)
	require.NoError(t, s.AppendLog("a1", "second"))

	all, err := s.ReadLogs("a1", LogRange{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].Event)
	assert.Equal(t, "second", all[1].Event)

	sinceMid, err := s.ReadLogs("a1", LogRange{Since: mid})
	require.NoError(t, err)
	require.Len(t, sinceMid, 1)
	assert.Equal(t, "second", sinceMid[0].Event)
}
