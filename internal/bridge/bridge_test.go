package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfarm/workfarm/internal/agentmgr"
	"github.com/workfarm/workfarm/internal/config"
	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/goalmgr"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/session"
	"github.com/workfarm/workfarm/internal/store"
	"github.com/workfarm/workfarm/internal/taskmgr"
	"github.com/workfarm/workfarm/internal/workerruntime"
)

type harness struct {
	bridge *Bridge
	agents *agentmgr.Manager
	tasks  *taskmgr.Manager
	goals  *goalmgr.Manager
	sess   *session.Manager
	bus    *eventbus.Bus
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	agents, err := agentmgr.New(st, bus)
	require.NoError(t, err)
	tasks, err := taskmgr.New(st, bus)
	require.NoError(t, err)
	goals, err := goalmgr.New(st, bus)
	require.NoError(t, err)

	rt := workerruntime.New(config.WorkerCommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	})
	sess := session.NewManager(rt, bus)

	b := New(sess, agents, tasks, goals, bus)
	return &harness{bridge: b, agents: agents, tasks: tasks, goals: goals, sess: sess, bus: bus}
}

func waitForTaskStatus(t *testing.T, tasks *taskmgr.Manager, taskID string, status model.TaskStatus, timeout time.Duration) model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, ok := tasks.Get(taskID)
		if ok && task.Status == status {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", taskID, status)
	return model.Task{}
}

func TestDispatchWorkerCompletesTaskAndIdlesAgent(t *testing.T) {
	h := newHarness(t, `echo '{"type":"assistant","message":{"content":"done thinking"}}'`)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	task := h.tasks.Create("profile the hot path", agent.ID)

	sessionID, err := h.bridge.DispatchWorker(agent.ID, task.ID, DispatchOptions{Prompt: "go"})
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	waitForTaskStatus(t, h.tasks, task.ID, model.TaskCompleted, 3*time.Second)

	completed, _ := h.tasks.Get(task.ID)
	assert.Equal(t, "done thinking", completed.Result)

	got, _ := h.agents.Get(agent.ID)
	assert.Equal(t, model.AgentIdle, got.State)
	assert.Empty(t, got.AssignedTaskID)
	assert.False(t, h.bridge.IsBusy(agent.ID))
}

func TestDispatchWorkerRejectsConcurrentDispatchForSameAgent(t *testing.T) {
	h := newHarness(t, `sleep 1; echo '{"type":"assistant","message":{"content":"slow"}}'`)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	task1 := h.tasks.Create("first", agent.ID)
	task2 := h.tasks.Create("second", agent.ID)

	_, err = h.bridge.DispatchWorker(agent.ID, task1.ID, DispatchOptions{Prompt: "go"})
	require.NoError(t, err)

	_, err = h.bridge.DispatchWorker(agent.ID, task2.ID, DispatchOptions{Prompt: "go"})
	assert.Error(t, err)
}

func TestFireAgentCascadesAcrossManagers(t *testing.T) {
	h := newHarness(t, `echo '{"type":"assistant","message":{"content":"x"}}'`)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	task := h.tasks.Create("work", agent.ID)
	goal := h.goals.CreateGoal(agent.ID, "a goal", "/work", nil, nil, 10)
	trigger := h.goals.CreateTrigger(agent.ID, goal.ID, model.TriggerInterval, 60000, "d")

	require.NoError(t, h.bridge.FireAgent(agent.ID))

	_, ok := h.agents.Get(agent.ID)
	assert.False(t, ok)
	_, ok = h.tasks.Get(task.ID)
	assert.False(t, ok)
	_, ok = h.goals.GetGoal(goal.ID)
	assert.False(t, ok)
	_, ok = h.goals.GetTrigger(trigger.ID)
	assert.False(t, ok)
}

func TestSweepStaleStateResetsWorkingAgentsOnInit(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	agents, err := agentmgr.New(st, bus)
	require.NoError(t, err)
	tasks, err := taskmgr.New(st, bus)
	require.NoError(t, err)
	goals, err := goalmgr.New(st, bus)
	require.NoError(t, err)

	agent, err := agents.Hire("")
	require.NoError(t, err)
	task := tasks.Create("stuck work", agent.ID)
	require.NoError(t, tasks.StartTask(task.ID))
	require.NoError(t, agents.UpdateState(agent.ID, model.AgentWorking))
	require.NoError(t, agents.AssignTask(agent.ID, task.ID))

	rt := workerruntime.New(config.WorkerCommandConfig{Command: "/bin/true"})
	sess := session.NewManager(rt, bus)
	New(sess, agents, tasks, goals, bus)

	got, _ := agents.Get(agent.ID)
	assert.Equal(t, model.AgentIdle, got.State)
	assert.Empty(t, got.AssignedTaskID)

	gotTask, _ := tasks.Get(task.ID)
	assert.Equal(t, model.TaskFailed, gotTask.Status)
	assert.Equal(t, "interrupted by restart", gotTask.Error)
}
