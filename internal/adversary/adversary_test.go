package adversary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfarm/workfarm/internal/agentmgr"
	"github.com/workfarm/workfarm/internal/bridge"
	"github.com/workfarm/workfarm/internal/config"
	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/goalmgr"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/prefmgr"
	"github.com/workfarm/workfarm/internal/session"
	"github.com/workfarm/workfarm/internal/store"
	"github.com/workfarm/workfarm/internal/taskmgr"
	"github.com/workfarm/workfarm/internal/workerruntime"
)

// fakeOracle matches prompts against substrings in registration order,
// letting each test script exactly the plan/evaluate/auto-answer/
// refine/craft-instruction responses its scenario needs.
type fakeOracle struct {
	mu       sync.Mutex
	handlers []func(prompt string) (string, bool)
	calls    []string
}

func (f *fakeOracle) on(match string, respond func(prompt string) string) {
	f.handlers = append(f.handlers, func(prompt string) (string, bool) {
		if strings.Contains(prompt, match) {
			return respond(prompt), true
		}
		return "", false
	})
}

func (f *fakeOracle) Complete(_ context.Context, _, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prompt)
	for _, h := range f.handlers {
		if resp, ok := h(prompt); ok {
			return resp, nil
		}
	}
	return "", fmt.Errorf("fakeOracle: no handler matched prompt:\n%s", prompt)
}

func (f *fakeOracle) callCount(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

// defaultHandlers wires the boring, always-the-same responses every
// scenario needs unless it overrides them: craft a trivial worker
// instruction verbatim, never ask to refine the remaining plan, and
// never extract a preference.
func defaultHandlers(f *fakeOracle) {
	f.on("Write the instruction the worker should follow", func(string) string {
		return "do the step"
	})
	f.on("Rewrite the step's instruction to incorporate the answer", func(string) string {
		return "do the step, now with the answer in hand"
	})
	f.on("Decide whether the remaining pending steps should be rewritten", func(string) string {
		return `{"needs_refinement": false}`
	})
	f.on("extract any durable operator preferences", func(string) string {
		return `{"preferences": []}`
	})
}

type harness struct {
	adv    *Adversary
	agents *agentmgr.Manager
	tasks  *taskmgr.Manager
	goals  *goalmgr.Manager
	bus    *eventbus.Bus
	oracle *fakeOracle
}

func newHarness(t *testing.T, script string, orc *fakeOracle) *harness {
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
	prefs := prefmgr.New(st)

	rt := workerruntime.New(config.WorkerCommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	})
	sess := session.NewManager(rt, bus)
	br := bridge.New(sess, agents, tasks, goals, bus)

	adv := New(agents, tasks, goals, prefs, br, orc, bus)
	return &harness{adv: adv, agents: agents, tasks: tasks, goals: goals, bus: bus, oracle: orc}
}

func waitForGoalStatus(t *testing.T, goals *goalmgr.Manager, goalID string, status model.GoalStatus, timeout time.Duration) model.AgentGoal {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		goal, ok := goals.GetGoal(goalID)
		if ok && goal.Status == status {
			return goal
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goal %s did not reach status %s in time", goalID, status)
	return model.AgentGoal{}
}

func waitForBlockedStep(t *testing.T, goals *goalmgr.Manager, goalID string, timeout time.Duration) model.PlanStep {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if step, ok := goals.GetBlockedStep(goalID); ok {
			return step
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goal %s never produced a blocked step", goalID)
	return model.PlanStep{}
}

func waitForPlanVersion(t *testing.T, goals *goalmgr.Manager, goalID string, minVersion int, timeout time.Duration) model.AgentPlan {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if plan, ok := goals.GetPlan(goalID); ok && plan.Version >= minVersion {
			return plan
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goal %s never reached plan version %d", goalID, minVersion)
	return model.AgentPlan{}
}

// TestHappyPathCompletesGoalThroughTwoSteps covers spec §8 scenario 1:
// recon -> plan (2 steps) -> step1 PASS -> refine (no-op) -> step2 PASS
// -> goal completed.
func TestHappyPathCompletesGoalThroughTwoSteps(t *testing.T) {
	orc := &fakeOracle{}
	defaultHandlers(orc)
	orc.on("Produce a plan as a JSON object", func(string) string {
		return `{"reasoning": "two steps", "steps": [{"description": "first"}, {"description": "second"}]}`
	})
	orc.on("You are evaluating whether a worker agent successfully completed", func(string) string {
		return `{"verdict": "PASS", "reasoning": "looks right"}`
	})

	h := newHarness(t, `echo '{"type":"assistant","message":{"content":"all done"}}'`, orc)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	goal := h.goals.CreateGoal(agent.ID, "tidy the repo", "/work", nil, nil, 10)

	h.adv.Wake(goal.ID)

	waitForGoalStatus(t, h.goals, goal.ID, model.GoalCompleted, 5*time.Second)

	plan, ok := h.goals.GetPlan(goal.ID)
	require.True(t, ok)
	require.Len(t, plan.Steps, 2)
	for _, s := range plan.Steps {
		assert.Equal(t, model.StepCompleted, s.Status)
		assert.Equal(t, "all done", s.Result)
	}
}

// TestRetryThenPassCompletesStep covers spec §8 scenario 2: the first
// evaluation of a step returns RETRY with a refined instruction, the
// second returns PASS.
func TestRetryThenPassCompletesStep(t *testing.T) {
	orc := &fakeOracle{}
	defaultHandlers(orc)
	orc.on("Produce a plan as a JSON object", func(string) string {
		return `{"reasoning": "one step", "steps": [{"description": "only"}]}`
	})

	var evalCount int
	var evalMu sync.Mutex
	orc.on("You are evaluating whether a worker agent successfully completed", func(string) string {
		evalMu.Lock()
		defer evalMu.Unlock()
		evalCount++
		if evalCount == 1 {
			return `{"verdict": "RETRY", "reasoning": "try again", "refined_instruction": "try harder this time"}`
		}
		return `{"verdict": "PASS", "reasoning": "now it is right"}`
	})

	h := newHarness(t, `echo '{"type":"assistant","message":{"content":"attempt"}}'`, orc)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	goal := h.goals.CreateGoal(agent.ID, "ship the feature", "/work", nil, nil, 10)

	h.adv.Wake(goal.ID)

	waitForGoalStatus(t, h.goals, goal.ID, model.GoalCompleted, 5*time.Second)
	assert.Equal(t, 2, orc.callCount("You are evaluating whether a worker agent successfully completed"))
}

// TestWorkerQuestionEscalatesWhenOracleCannotAnswer covers spec §8
// scenario 3: the worker asks a clarifying question, the auto-answer
// Oracle call declines, and the step blocks awaiting Reply — which
// then resumes the step with the answer folded into a rewritten
// instruction.
func TestWorkerQuestionEscalatesWhenOracleCannotAnswer(t *testing.T) {
	orc := &fakeOracle{}
	defaultHandlers(orc)
	orc.on("Produce a plan as a JSON object", func(string) string {
		return `{"reasoning": "one step", "steps": [{"description": "needs a decision"}]}`
	})
	orc.on("Decide whether you can answer it yourself", func(string) string {
		return `{"can_answer": false, "reasoning": "not in my context"}`
	})
	orc.on("You are evaluating whether a worker agent successfully completed", func(string) string {
		return `{"verdict": "PASS", "reasoning": "fine"}`
	})

	// The worker's working directory is the process's cwd, so a run
	// counter kept in a file there (relative path, no positional-arg
	// parsing needed) tells the runs apart: run 1 is recon, run 2 is the
	// step's first attempt (which asks the question), and run 3 is the
	// Reply-triggered resumed run.
	script := `
n=$(cat .runs 2>/dev/null || echo 0)
n=$((n + 1))
echo "$n" > .runs
if [ "$n" -eq 2 ]; then
  echo '{"type":"assistant","message":{"content":"unsure how to proceed. [NEEDS_INPUT]: which database should I use?"}}'
elif [ "$n" -eq 1 ]; then
  echo '{"type":"assistant","message":{"content":"recon notes"}}'
else
  echo '{"type":"assistant","message":{"content":"resumed and done"}}'
fi
`
	workDir := t.TempDir()
	h := newHarness(t, script, orc)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	goal := h.goals.CreateGoal(agent.ID, "pick a datastore", workDir, nil, nil, 10)

	h.adv.Wake(goal.ID)

	step := waitForBlockedStep(t, h.goals, goal.ID, 5*time.Second)
	assert.Contains(t, step.Question, "which database")

	require.NoError(t, h.adv.Reply(goal.ID, "use postgres"))

	waitForGoalStatus(t, h.goals, goal.ID, model.GoalCompleted, 5*time.Second)
}

// TestPlanningOracleFailureFailsGoal covers spec §7's error taxonomy
// #1: a recon with no plan producible from an Oracle failure fails the
// whole goal rather than stalling it forever.
func TestPlanningOracleFailureFailsGoal(t *testing.T) {
	orc := &fakeOracle{}
	defaultHandlers(orc)
	// No "Produce a plan as a JSON object" handler registered: every
	// planning call falls through to fakeOracle's no-match error.

	h := newHarness(t, `echo '{"type":"assistant","message":{"content":"recon notes"}}'`, orc)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	goal := h.goals.CreateGoal(agent.ID, "an impossible goal", "/work", nil, nil, 10)

	h.adv.Wake(goal.ID)

	waitForGoalStatus(t, h.goals, goal.ID, model.GoalFailed, 5*time.Second)
}

// TestRefinementRewritesPendingStepDescription covers spec §8's
// refinement hook: after step1 passes, a refinement response rewrites
// step2's description.
func TestRefinementRewritesPendingStepDescription(t *testing.T) {
	orc := &fakeOracle{}
	orc.on("Write the instruction the worker should follow", func(string) string {
		return "do the step"
	})
	orc.on("Rewrite the step's instruction to incorporate the answer", func(string) string {
		return "do the step, now with the answer in hand"
	})
	orc.on("extract any durable operator preferences", func(string) string {
		return `{"preferences": []}`
	})
	orc.on("Produce a plan as a JSON object", func(string) string {
		return `{"reasoning": "two steps", "steps": [{"description": "first"}, {"description": "second, original"}]}`
	})
	orc.on("You are evaluating whether a worker agent successfully completed", func(string) string {
		return `{"verdict": "PASS", "reasoning": "fine"}`
	})
	orc.on("Decide whether the remaining pending steps should be rewritten", func(string) string {
		return `{"needs_refinement": true, "reasoning": "learned something", "refined_steps": [{"order": 1, "description": "second, refined"}]}`
	})

	h := newHarness(t, `echo '{"type":"assistant","message":{"content":"done"}}'`, orc)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	goal := h.goals.CreateGoal(agent.ID, "iterative work", "/work", nil, nil, 10)

	h.adv.Wake(goal.ID)

	waitForGoalStatus(t, h.goals, goal.ID, model.GoalCompleted, 5*time.Second)

	plan, ok := h.goals.GetPlan(goal.ID)
	require.True(t, ok)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "second, refined", plan.Steps[1].Description)
}

// TestRecurringGoalBeginsFreshCycleOnceSettled covers spec §8 scenario
// 6: once a recurring plan's steps are all settled, a brand new
// planning cycle begins (a new plan version, not the same settled
// steps replayed) and the goal stays active rather than completing.
// The second cycle's plan is non-recurring so the chain terminates in
// GoalCompleted once it settles, giving the test a deterministic end.
func TestRecurringGoalBeginsFreshCycleOnceSettled(t *testing.T) {
	orc := &fakeOracle{}
	defaultHandlers(orc)
	var planCount int
	var planMu sync.Mutex
	orc.on("Produce a plan as a JSON object", func(string) string {
		planMu.Lock()
		defer planMu.Unlock()
		planCount++
		if planCount == 1 {
			return `{"reasoning": "cycle one", "recurring": true, "interval_minutes": 5, "steps": [{"description": "cycle one step"}]}`
		}
		return `{"reasoning": "cycle two", "recurring": false, "steps": [{"description": "cycle two step"}]}`
	})
	orc.on("You are evaluating whether a worker agent successfully completed", func(string) string {
		return `{"verdict": "PASS", "reasoning": "fine"}`
	})

	h := newHarness(t, `echo '{"type":"assistant","message":{"content":"done"}}'`, orc)

	agent, err := h.agents.Hire("")
	require.NoError(t, err)
	goal := h.goals.CreateGoal(agent.ID, "watch the build", "/work", nil, nil, 10)

	h.adv.Wake(goal.ID)

	waitForGoalStatus(t, h.goals, goal.ID, model.GoalCompleted, 5*time.Second)

	plan, ok := h.goals.GetPlan(goal.ID)
	require.True(t, ok)
	assert.Equal(t, 2, plan.Version)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "cycle two step", plan.Steps[0].Description)
	assert.Equal(t, 2, planCount)
}
