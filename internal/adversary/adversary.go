// Package adversary is the Adversary of spec.md §4.11: the
// orchestration brain driving the recon→plan→execute→evaluate→refine
// loop over one goal at a time, auto-answering worker questions before
// escalating to the operator, and extracting reusable preferences
// along the way. Grounded on the teacher's
// internal/agent/orchestrator/orchestrator.go Spawn/runAgent/
// executeLoop shape (per-goal goroutine, panic-recovery barrier) and
// internal/agent/runner/prompt.go's named-section prompt assembly
// idiom, adapted into the Oracle-prompt builders in prompts.go.
package adversary

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/workfarm/workfarm/internal/agentmgr"
	"github.com/workfarm/workfarm/internal/bridge"
	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/goalmgr"
	"github.com/workfarm/workfarm/internal/logging"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/oracle"
	"github.com/workfarm/workfarm/internal/prefmgr"
	"github.com/workfarm/workfarm/internal/taskmgr"
)

// maxRetriesPerStep caps the RETRY verdict at 2 extra attempts (3
// total) per step, per spec §4.11.4.
const maxRetriesPerStep = 2

// needsInputMarker is the tail marker a worker emits when it needs
// operator input instead of a plain result, per spec §4.11.3/§4.11.4.
const needsInputMarker = "[NEEDS_INPUT]:"

var usedPreferenceRe = regexp.MustCompile(`\[Used preference: ([^\]]+)\]`)

type stepCorrelation struct {
	GoalID string
	StepID string
}

// Adversary is the control loop. State maps are owned exclusively by
// this component per spec §5's shared-resource policy.
type Adversary struct {
	agents *agentmgr.Manager
	tasks  *taskmgr.Manager
	goals  *goalmgr.Manager
	prefs  *prefmgr.Manager
	br     *bridge.Bridge
	oracle oracle.Oracle
	bus    *eventbus.Bus

	mu           sync.Mutex
	activeGoals  map[string]bool
	stepTaskMap  map[string]stepCorrelation
	reconTaskMap map[string]string
	reconResults map[string]string
	retryMap     map[string]int
}

// New builds an Adversary and subscribes to session_ended.
func New(agents *agentmgr.Manager, tasks *taskmgr.Manager, goals *goalmgr.Manager, prefs *prefmgr.Manager, br *bridge.Bridge, orc oracle.Oracle, bus *eventbus.Bus) *Adversary {
	a := &Adversary{
		agents:       agents,
		tasks:        tasks,
		goals:        goals,
		prefs:        prefs,
		br:           br,
		oracle:       orc,
		bus:          bus,
		activeGoals:  make(map[string]bool),
		stepTaskMap:  make(map[string]stepCorrelation),
		reconTaskMap: make(map[string]string),
		reconResults: make(map[string]string),
		retryMap:     make(map[string]int),
	}
	bus.Subscribe(eventbus.TopicSessionEnded, a.onSessionEnded)
	return a
}

// IsGoalActive reports whether the Adversary is presently working a
// goal's recon→plan→execute→evaluate→refine cycle.
func (a *Adversary) IsGoalActive(goalID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeGoals[goalID]
}

func (a *Adversary) acquire(goalID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeGoals[goalID] {
		return false
	}
	a.activeGoals[goalID] = true
	return true
}

func (a *Adversary) release(goalID string) {
	a.mu.Lock()
	delete(a.activeGoals, goalID)
	a.mu.Unlock()
}

// runGuarded spawns the chain continuation in its own goroutine behind
// a panic-recovery barrier, mirroring the teacher's
// Orchestrator.runAgent defer/recover pattern — a bug in one goal's
// chain must never crash the process or another goal's.
func (a *Adversary) runGuarded(goalID string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("adversary: panic working goal %s: %v", goalID, r)
				a.release(goalID)
			}
		}()
		fn()
	}()
}

// Wake resumes a paused goal (if paused) and, unless it is already
// being worked or its agent is busy, drives it forward one cycle: if a
// step is blocked it no-ops (awaiting reply()); otherwise it begins
// recon (if there's no usable next step) or executes the next pending
// step. The cycle then continues on its own via session_ended without
// requiring further Wake calls, until it settles into blocked,
// completed, or failed.
func (a *Adversary) Wake(goalID string) {
	goal, ok := a.goals.GetGoal(goalID)
	if !ok {
		return
	}
	if goal.Status == model.GoalPaused {
		if err := a.goals.SetGoalStatus(goalID, model.GoalActive); err != nil {
			logging.Errorf("adversary: resume goal %s: %v", goalID, err)
			return
		}
		goal.Status = model.GoalActive
	}
	if goal.Status != model.GoalActive {
		return
	}
	if a.br.IsBusy(goal.AgentID) {
		return
	}
	if !a.acquire(goalID) {
		return
	}

	if _, blocked := a.goals.GetBlockedStep(goalID); blocked {
		a.release(goalID)
		return
	}

	a.runGuarded(goalID, func() { a.advance(goal) })
}

// Pause flips a goal to paused and drops it from the active set. It
// does not preempt a step already dispatched, per spec §5.
func (a *Adversary) Pause(goalID string) error {
	if err := a.goals.SetGoalStatus(goalID, model.GoalPaused); err != nil {
		return err
	}
	a.release(goalID)
	return nil
}

// advance is the recon/plan/execute dispatcher shared by Wake and the
// post-evaluation continuation.
func (a *Adversary) advance(goal model.AgentGoal) {
	if step, ok := a.goals.GetNextPendingStep(goal.ID); ok {
		a.executeStep(goal, step, "")
		return
	}
	if _, ok := a.goals.GetPlan(goal.ID); !ok {
		a.beginRecon(goal)
		return
	}
	a.checkGoalCompletion(goal)
}

func (a *Adversary) agentName(agentID string) string {
	if agent, ok := a.agents.Get(agentID); ok {
		return agent.Name
	}
	return agentID
}

func (a *Adversary) preferenceContext(agentID string) string {
	ctx, err := a.prefs.BuildPreferenceContext(agentID)
	if err != nil {
		logging.Errorf("adversary: build preference context for %s: %v", agentID, err)
		return ""
	}
	return ctx
}

// extractAssistantText concatenates a session's assistant messages, the
// same "what did the worker actually say" extraction the Bridge does
// for its own bookkeeping (spec §4.10), duplicated here because the
// Adversary must not depend on Bridge's internal processing order.
func extractAssistantText(sess model.AgentSession) string {
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

// --- §4.11.1 Recon ---

func (a *Adversary) beginRecon(goal model.AgentGoal) {
	prompt := a.buildReconPrompt(goal)
	task := a.createAndDispatch(goal, "recon: "+goal.Description, prompt, func(taskID string) {
		a.mu.Lock()
		a.reconTaskMap[taskID] = goal.ID
		a.mu.Unlock()
	})
	if task == "" {
		// Dispatch failed outright (agent busy/missing) — proceed to
		// planning degraded, same as a failed recon per §4.11.1.
		a.beginPlanning(goal, "", "")
	}
}

func (a *Adversary) handleReconEnded(goalID string, sess model.AgentSession) {
	goal, ok := a.goals.GetGoal(goalID)
	if !ok {
		a.release(goalID)
		return
	}
	report := ""
	if sess.Status == model.SessionCompleted {
		report = extractAssistantText(sess)
	}
	a.mu.Lock()
	a.reconResults[goalID] = report
	a.mu.Unlock()
	a.beginPlanning(goal, report, "")
}

// --- §4.11.2 Planning ---

func (a *Adversary) beginPlanning(goal model.AgentGoal, reconReport, priorResults string) {
	prompt := a.buildPlanningPrompt(goal, a.agentName(goal.AgentID), reconReport, priorResults, a.preferenceContext(goal.AgentID))

	content, err := a.oracle.Complete(context.Background(), "", prompt)
	if err != nil {
		logging.Errorf("adversary: planning oracle call failed for goal %s: %v", goal.ID, err)
		a.failGoal(goal.ID)
		return
	}

	parsed, ok := parsePlanResponse(content)
	if !ok || len(parsed.Steps) == 0 {
		logging.Errorf("adversary: could not parse a plan for goal %s", goal.ID)
		a.failGoal(goal.ID)
		return
	}

	steps := make([]model.PlanStep, len(parsed.Steps))
	for i, s := range parsed.Steps {
		steps[i] = model.PlanStep{
			ID:          uuid.New().String(),
			GoalID:      goal.ID,
			Order:       i,
			Description: s.Description,
			Status:      model.StepPending,
		}
	}

	_, err = a.goals.SetPlan(goal.ID, steps, parsed.Reasoning, goalmgr.SetPlanOptions{
		Recurring:          parsed.Recurring,
		IntervalMinutes:    parsed.IntervalMinutes,
		CycleGoal:          parsed.CycleGoal,
		CompletionCriteria: parsed.CompletionCriteria,
	})
	if err != nil {
		logging.Errorf("adversary: setPlan failed for goal %s: %v", goal.ID, err)
		a.failGoal(goal.ID)
		return
	}

	a.advance(goal)
}

func (a *Adversary) failGoal(goalID string) {
	if err := a.goals.SetGoalStatus(goalID, model.GoalFailed); err != nil {
		logging.Errorf("adversary: mark goal %s failed: %v", goalID, err)
	}
	a.release(goalID)
}

// --- §4.11.3 Step execution ---

// completedStepsContext renders every completed step's result, in
// order, for embedding in <prior_context> and the planner's
// "previous step results" section.
func (a *Adversary) completedStepsContext(goalID string) string {
	plan, ok := a.goals.GetPlan(goalID)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, s := range plan.Steps {
		if s.Status != model.StepCompleted {
			continue
		}
		fmt.Fprintf(&b, "Step %d (%s):\n%s\n\n", s.Order, s.Description, s.Result)
	}
	return strings.TrimSpace(b.String())
}

// craftWorkerInstruction asks the Oracle to write a self-contained
// instruction for stepDescription, falling back to the raw description
// if the Oracle call fails.
func (a *Adversary) craftWorkerInstruction(goal model.AgentGoal, step model.PlanStep, priorResults string) string {
	prompt := a.buildCraftInstructionPrompt(goal, step, priorResults)
	instruction, err := a.oracle.Complete(context.Background(), "", prompt)
	if err != nil || strings.TrimSpace(instruction) == "" {
		if err != nil {
			logging.Errorf("adversary: craft instruction oracle call failed for step %s: %v", step.ID, err)
		}
		return step.Description
	}
	return strings.TrimSpace(instruction)
}

// executeStep dispatches step. If instructionOverride is non-empty (a
// RETRY's refined_instruction) it is used verbatim instead of asking
// the Oracle to craft a fresh one.
func (a *Adversary) executeStep(goal model.AgentGoal, step model.PlanStep, instructionOverride string) {
	prior := a.completedStepsContext(goal.ID)
	instruction := instructionOverride
	if instruction == "" {
		instruction = a.craftWorkerInstruction(goal, step, prior)
	}

	prompt := a.buildWorkerPrompt(goal, a.agentName(goal.AgentID), step, instruction, prior, a.preferenceContext(goal.AgentID))

	if err := a.goals.UpdatePlanStep(goal.ID, step.ID, goalmgr.StepPatch{Status: model.StepInProgress}); err != nil {
		logging.Errorf("adversary: start step %s: %v", step.ID, err)
		a.failGoal(goal.ID)
		return
	}

	task := a.createAndDispatch(goal, "step: "+step.Description, prompt, func(taskID string) {
		a.mu.Lock()
		a.stepTaskMap[taskID] = stepCorrelation{GoalID: goal.ID, StepID: step.ID}
		a.mu.Unlock()
	})
	if task == "" {
		resultMsg := "dispatch failed"
		_ = a.goals.UpdatePlanStep(goal.ID, step.ID, goalmgr.StepPatch{Status: model.StepFailed, Result: &resultMsg})
		a.checkGoalCompletion(goal)
	}
}

// createAndDispatch creates a Task, registers it via register before
// dispatch (so the correlation exists before session_ended can
// possibly fire), and dispatches it through the Bridge. Returns "" if
// dispatch failed.
func (a *Adversary) createAndDispatch(goal model.AgentGoal, description, prompt string, register func(taskID string)) string {
	task := a.tasks.Create(description, goal.AgentID)
	register(task.ID)
	_, err := a.br.DispatchWorker(goal.AgentID, task.ID, bridge.DispatchOptions{
		MaxTurns:   goal.MaxTurnsPerStep,
		WorkingDir: goal.WorkingDirectory,
		Prompt:     prompt,
	})
	if err != nil {
		logging.Errorf("adversary: dispatch worker for goal %s: %v", goal.ID, err)
		return ""
	}
	return task.ID
}

// --- session_ended routing ---

func (a *Adversary) onSessionEnded(_ string, payload any) {
	sess, ok := payload.(model.AgentSession)
	if !ok {
		return
	}

	a.mu.Lock()
	goalID, isRecon := a.reconTaskMap[sess.TaskID]
	if isRecon {
		delete(a.reconTaskMap, sess.TaskID)
	}
	corr, isStep := a.stepTaskMap[sess.TaskID]
	if isStep {
		delete(a.stepTaskMap, sess.TaskID)
	}
	a.mu.Unlock()

	switch {
	case isRecon:
		a.runGuarded(goalID, func() { a.handleReconEnded(goalID, sess) })
	case isStep:
		a.runGuarded(corr.GoalID, func() { a.handleStepEnded(corr, sess) })
	}
}

// --- §4.11.4 Post-step evaluation ---

func (a *Adversary) handleStepEnded(corr stepCorrelation, sess model.AgentSession) {
	goal, ok := a.goals.GetGoal(corr.GoalID)
	if !ok {
		a.release(corr.GoalID)
		return
	}
	step, ok := a.findStep(corr.GoalID, corr.StepID)
	if !ok {
		a.release(corr.GoalID)
		return
	}

	result := extractAssistantText(sess)

	if sess.Status != model.SessionCompleted {
		msg := result
		if msg == "" {
			msg = "worker session ended without completing"
		}
		_ = a.goals.UpdatePlanStep(goal.ID, step.ID, goalmgr.StepPatch{Status: model.StepFailed, Result: &msg})
		a.checkGoalCompletion(goal)
		return
	}

	if question, ok := extractNeedsInput(result); ok {
		a.autoAnswerOrEscalate(goal, step, question)
		return
	}

	for _, m := range usedPreferenceRe.FindAllStringSubmatch(result, -1) {
		key := strings.TrimSpace(m[1])
		if err := a.prefs.IncrementUsage(goal.AgentID, key); err != nil {
			logging.Errorf("adversary: increment preference usage %q: %v", key, err)
		}
	}

	a.evaluateStep(goal, step, result)
}

func (a *Adversary) findStep(goalID, stepID string) (model.PlanStep, bool) {
	plan, ok := a.goals.GetPlan(goalID)
	if !ok {
		return model.PlanStep{}, false
	}
	for _, s := range plan.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return model.PlanStep{}, false
}

func extractNeedsInput(result string) (string, bool) {
	idx := strings.LastIndex(result, needsInputMarker)
	if idx < 0 {
		return "", false
	}
	question := strings.TrimSpace(result[idx+len(needsInputMarker):])
	if question == "" {
		return "", false
	}
	return question, true
}

func (a *Adversary) evaluateStep(goal model.AgentGoal, step model.PlanStep, result string) {
	prompt := a.buildEvaluationPrompt(goal, step, result)
	content, err := a.oracle.Complete(context.Background(), "", prompt)
	if err != nil {
		// §7 taxonomy #1: a parse/transient failure during evaluation
		// defaults to PASS, to avoid an unrecoverable stall.
		logging.Errorf("adversary: evaluation oracle call failed for step %s, defaulting to PASS: %v", step.ID, err)
		a.passStep(goal, step, result)
		return
	}

	verdict, ok := parseEvaluationResponse(content)
	if !ok || verdict.Verdict == "" {
		logging.Errorf("adversary: could not parse evaluation for step %s, defaulting to PASS", step.ID)
		a.passStep(goal, step, result)
		return
	}

	switch strings.ToUpper(verdict.Verdict) {
	case "PASS":
		a.passStep(goal, step, result)
	case "RETRY":
		a.mu.Lock()
		count := a.retryMap[step.ID]
		a.mu.Unlock()
		if count >= maxRetriesPerStep {
			a.autoAnswerOrEscalate(goal, step, escalationQuestionOr(verdict, step))
			return
		}
		a.mu.Lock()
		a.retryMap[step.ID]++
		a.mu.Unlock()
		if err := a.goals.UpdatePlanStep(goal.ID, step.ID, goalmgr.StepPatch{Status: model.StepPending}); err != nil {
			logging.Errorf("adversary: reset step %s for retry: %v", step.ID, err)
			a.failGoal(goal.ID)
			return
		}
		instruction := verdict.RefinedInstruction
		if instruction == "" {
			instruction = step.Description
		}
		a.executeStep(goal, step, instruction)
	default: // ESCALATE, or anything unrecognized
		a.autoAnswerOrEscalate(goal, step, escalationQuestionOr(verdict, step))
	}
}

func escalationQuestionOr(verdict evaluationResponse, step model.PlanStep) string {
	if verdict.EscalationQuestion != "" {
		return verdict.EscalationQuestion
	}
	return fmt.Sprintf("Step %q could not be completed. How should I proceed?", step.Description)
}

func (a *Adversary) passStep(goal model.AgentGoal, step model.PlanStep, result string) {
	if err := a.goals.UpdatePlanStep(goal.ID, step.ID, goalmgr.StepPatch{Status: model.StepCompleted, Result: &result}); err != nil {
		logging.Errorf("adversary: complete step %s: %v", step.ID, err)
		a.failGoal(goal.ID)
		return
	}
	a.mu.Lock()
	delete(a.retryMap, step.ID)
	a.mu.Unlock()
	a.refinePlan(goal, step, result)
	a.checkGoalCompletion(goal)
}

// --- §4.11.5 Auto-answer or escalate ---

func (a *Adversary) autoAnswerOrEscalate(goal model.AgentGoal, step model.PlanStep, question string) {
	a.mu.Lock()
	reconReport := a.reconResults[goal.ID]
	a.mu.Unlock()

	prompt := a.buildAutoAnswerPrompt(goal, reconReport, a.preferenceContext(goal.AgentID), question)
	content, err := a.oracle.Complete(context.Background(), "", prompt)
	if err == nil {
		if parsed, ok := parseAutoAnswerResponse(content); ok && parsed.CanAnswer && strings.TrimSpace(parsed.Answer) != "" {
			instructionPrompt := a.buildResumedInstructionPrompt(goal, step, question, parsed.Answer)
			instruction, ierr := a.oracle.Complete(context.Background(), "", instructionPrompt)
			if ierr != nil || strings.TrimSpace(instruction) == "" {
				instruction = step.Description + "\n\nAnswer to your question: " + parsed.Answer
			}
			a.executeStep(goal, step, strings.TrimSpace(instruction))
			return
		}
	} else {
		logging.Errorf("adversary: auto-answer oracle call failed for step %s: %v", step.ID, err)
	}

	if err := a.goals.UpdatePlanStep(goal.ID, step.ID, goalmgr.StepPatch{Status: model.StepBlocked, Question: &question}); err != nil {
		logging.Errorf("adversary: block step %s: %v", step.ID, err)
		a.failGoal(goal.ID)
		return
	}
	a.bus.Publish(eventbus.TopicQuestionRaised, map[string]any{"goalId": goal.ID, "stepId": step.ID, "question": question})
	a.release(goal.ID)
}

// Reply answers a blocked step: it fires a background preference
// extraction, then rewrites and re-dispatches the step around the
// answer. Valid only when the goal's current plan has a blocked step.
func (a *Adversary) Reply(goalID, answer string) error {
	step, ok := a.goals.GetBlockedStep(goalID)
	if !ok {
		return fmt.Errorf("goal %q has no blocked step", goalID)
	}
	goal, ok := a.goals.GetGoal(goalID)
	if !ok {
		return fmt.Errorf("goal %q not found", goalID)
	}

	a.extractPreferencesAsync(goal.AgentID, step.Question, answer)

	if err := a.goals.UpdatePlanStep(goalID, step.ID, goalmgr.StepPatch{Status: model.StepInProgress, ClearQuestion: true}); err != nil {
		return fmt.Errorf("clear blocked step: %w", err)
	}

	a.mu.Lock()
	a.activeGoals[goalID] = true
	a.mu.Unlock()

	a.runGuarded(goalID, func() {
		instructionPrompt := a.buildResumedInstructionPrompt(goal, step, step.Question, answer)
		instruction, err := a.oracle.Complete(context.Background(), "", instructionPrompt)
		if err != nil || strings.TrimSpace(instruction) == "" {
			instruction = step.Description + "\n\nAnswer: " + answer
		}
		a.executeStep(goal, step, strings.TrimSpace(instruction))
	})
	return nil
}

// extractPreferencesAsync fires a fire-and-forget Oracle call to
// extract durable preferences from the operator's answer, per §4.11/§9
// — its result is not awaited by Reply, and failures are only logged.
func (a *Adversary) extractPreferencesAsync(agentID, question, answer string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("adversary: panic extracting preferences for %s: %v", agentID, r)
			}
		}()
		prompt := a.prefs.BuildExtractionPrompt(agentID, prefmgr.ExtractionInput{
			UserMessage:  answer,
			AgentMessage: question,
		})
		content, err := a.oracle.Complete(context.Background(), "", prompt)
		if err != nil {
			logging.Errorf("adversary: preference extraction oracle call failed for %s: %v", agentID, err)
			return
		}
		if _, err := a.prefs.ParseAndStoreExtraction(agentID, content, "operator_reply"); err != nil {
			logging.Errorf("adversary: store extracted preferences for %s: %v", agentID, err)
		}
	}()
}

// --- §4.11.6 Plan refinement ---

func (a *Adversary) refinePlan(goal model.AgentGoal, justCompleted model.PlanStep, result string) {
	plan, ok := a.goals.GetPlan(goal.ID)
	if !ok {
		return
	}
	var pending []model.PlanStep
	hasCompleted := false
	for _, s := range plan.Steps {
		if s.Status == model.StepCompleted {
			hasCompleted = true
		}
		if s.Status == model.StepPending {
			pending = append(pending, s)
		}
	}
	if !hasCompleted || len(pending) == 0 {
		return
	}

	prompt := a.buildRefinementPrompt(goal, justCompleted, result, pending)
	content, err := a.oracle.Complete(context.Background(), "", prompt)
	if err != nil {
		logging.Errorf("adversary: refinement oracle call failed for goal %s: %v", goal.ID, err)
		return
	}
	refinement, ok := parseRefinementResponse(content)
	if !ok || !refinement.NeedsRefinement {
		return
	}

	byOrder := make(map[int]model.PlanStep, len(pending))
	for _, s := range pending {
		byOrder[s.Order] = s
	}
	for _, r := range refinement.RefinedSteps {
		s, ok := byOrder[r.Order]
		if !ok {
			continue
		}
		if r.Description == "SKIP" {
			if err := a.goals.UpdatePlanStep(goal.ID, s.ID, goalmgr.StepPatch{Status: model.StepSkipped}); err != nil {
				logging.Errorf("adversary: skip step %s: %v", s.ID, err)
			}
			continue
		}
		desc := r.Description
		if err := a.goals.UpdatePlanStep(goal.ID, s.ID, goalmgr.StepPatch{Description: &desc}); err != nil {
			logging.Errorf("adversary: refine step %s: %v", s.ID, err)
		}
	}
}

// --- §4.11.7 Goal completion ---

func (a *Adversary) checkGoalCompletion(goal model.AgentGoal) {
	if step, ok := a.goals.GetNextPendingStep(goal.ID); ok {
		a.executeStep(goal, step, "")
		return
	}

	plan, ok := a.goals.GetPlan(goal.ID)
	if !ok {
		a.release(goal.ID)
		return
	}

	allSettled, anyFailed := true, false
	for _, s := range plan.Steps {
		switch s.Status {
		case model.StepCompleted, model.StepSkipped:
		case model.StepFailed:
			anyFailed = true
		case model.StepBlocked:
			a.release(goal.ID)
			return
		default:
			allSettled = false
		}
	}

	if allSettled {
		if plan.Recurring {
			// §4.11.7/§8 Scenario 6: a recurring goal never completes on
			// its own — each trigger wake that finds the prior cycle
			// fully settled starts a fresh planning cycle instead, and
			// the goal stays active for the scheduler to wake again.
			a.beginPlanning(goal, a.currentReconReport(goal.ID), a.completedStepsContext(goal.ID))
			return
		}
		if err := a.goals.SetGoalStatus(goal.ID, model.GoalCompleted); err != nil {
			logging.Errorf("adversary: complete goal %s: %v", goal.ID, err)
		}
		a.release(goal.ID)
		return
	}

	if anyFailed {
		a.beginPlanning(goal, a.currentReconReport(goal.ID), a.completedStepsContext(goal.ID))
		return
	}

	a.release(goal.ID)
}

func (a *Adversary) currentReconReport(goalID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconResults[goalID]
}

// --- §4.11 talk ---

// Talk answers an out-of-band operator question with no worker
// involved: it synthesizes context from the agent's active goal (if
// any) and its current plan, then calls the Oracle directly.
func (a *Adversary) Talk(agentID, message, activitySummary string) (string, error) {
	var ctxInfo strings.Builder
	for _, g := range a.goals.ListGoalsForAgent(agentID) {
		if g.Status != model.GoalActive {
			continue
		}
		fmt.Fprintf(&ctxInfo, "Active goal: %s\n", g.Description)
		if plan, ok := a.goals.GetPlan(g.ID); ok {
			ctxInfo.WriteString("Plan steps:\n")
			for _, s := range plan.Steps {
				fmt.Fprintf(&ctxInfo, "  [%s] %s\n", s.Status, s.Description)
			}
		}
		break
	}
	if activitySummary != "" {
		fmt.Fprintf(&ctxInfo, "Recent activity: %s\n", activitySummary)
	}

	prompt := fmt.Sprintf("%s\nOperator says: %s", ctxInfo.String(), message)
	return a.oracle.Complete(context.Background(), "", prompt)
}
