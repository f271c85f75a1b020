package adversary

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/workfarm/workfarm/internal/model"
)

// truncate trims s to at most n runes, appending an ellipsis marker
// when it had to cut, matching §4.11.2's "truncated to ~3000 chars"
// requirement for the consumed recon report.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n...[truncated]"
}

// reconPromptTemplate matches §4.11.1: explore the tree, end with a
// <recon_summary> block the planner can parse back out.
const reconPromptTemplate = `You are reconnoitering a working tree before a plan is written for it.

Goal this reconnaissance supports: %s
Working directory: %s

Explore the project layout, read key files, and understand what already exists. Write a short, human-readable report, then close with a structured block in exactly this form:

<recon_summary>
PROJECT_PATH: <path>
LANGUAGE: <primary language>
FRAMEWORK: <primary framework, or "none">
KEY_FILES: <comma-separated list>
CURRENT_STATE: <one paragraph>
IMPROVEMENT_OPPORTUNITIES: <comma-separated list>
</recon_summary>`

func (a *Adversary) buildReconPrompt(goal model.AgentGoal) string {
	return fmt.Sprintf(reconPromptTemplate, goal.Description, goal.WorkingDirectory)
}

// planPromptTemplate matches §4.11.2's demanded strict JSON shape.
const planPromptTemplate = `You are planning work for an autonomous worker agent named %s.

Goal: %s
Working directory: %s
Workspace roots: %s
Constraints:
%s
%s
%s
%s
Produce a plan as a JSON object of exactly this shape:
{"reasoning": "...", "recurring": false, "interval_minutes": 0, "cycle_goal": "", "completion_criteria": "", "steps": [{"description": "..."}]}

Set "recurring" true only if the goal describes an ongoing/periodic activity, and in that case set "interval_minutes" to how often it should repeat and "cycle_goal" to what one cycle accomplishes.
Respond ONLY with the JSON object, no other text.`

func (a *Adversary) buildPlanningPrompt(goal model.AgentGoal, agentName, reconReport, priorResults, prefCtx string) string {
	constraints := "(none)"
	if len(goal.Constraints) > 0 {
		constraints = "- " + strings.Join(goal.Constraints, "\n- ")
	}
	var reconSection, priorSection, prefSection string
	if reconReport != "" {
		reconSection = "Reconnaissance report:\n" + truncate(reconReport, 3000)
	}
	if priorResults != "" {
		priorSection = "Results from the previous plan's steps:\n" + priorResults
	}
	if prefCtx != "" {
		prefSection = "Known operator preferences:\n" + prefCtx
	}
	return fmt.Sprintf(planPromptTemplate, agentName, goal.Description, goal.WorkingDirectory,
		strings.Join(goal.WorkspaceRoots, ", "), constraints, reconSection, priorSection, prefSection)
}

// craftInstructionPromptTemplate asks the Oracle to write a
// self-contained worker instruction, per §4.11.3 ("because each worker
// session is stateless across steps").
const craftInstructionPromptTemplate = `You are writing a self-contained instruction for a stateless worker agent that will execute one step of a larger plan. The worker has no memory of prior steps, so your instruction must include everything it needs.

Goal: %s
Step to execute: %s
%s

Write the instruction the worker should follow to complete this step. Respond with the instruction text only — no preamble, no JSON, no markdown fences.`

func (a *Adversary) buildCraftInstructionPrompt(goal model.AgentGoal, step model.PlanStep, priorResults string) string {
	prior := ""
	if priorResults != "" {
		prior = "Results from previously completed steps:\n" + priorResults
	}
	return fmt.Sprintf(craftInstructionPromptTemplate, goal.Description, step.Description, prior)
}

// craftResumedPromptTemplate rewrites a step's instruction around a
// newly-known answer; §4.11 is explicit that it must rewrite, not
// merely append.
const craftResumedPromptTemplate = `A worker agent asked a clarifying question while executing a plan step and has now received an answer. Rewrite the step's instruction to incorporate the answer directly — do not simply append the answer to the old instruction.

Goal: %s
Original step: %s
Worker's question: %s
Answer: %s

Write the rewritten, self-contained instruction only — no preamble, no JSON, no markdown fences.`

func (a *Adversary) buildResumedInstructionPrompt(goal model.AgentGoal, step model.PlanStep, question, answer string) string {
	return fmt.Sprintf(craftResumedPromptTemplate, goal.Description, step.Description, question, answer)
}

// workerPromptTemplate is the prompt actually dispatched to the worker
// subprocess, per §4.11.3's named sections.
const workerPromptTemplate = `You are agent %s. Your goal, verbatim, is:
%s

Do not reinterpret or second-guess this goal.

<prior_context>
%s
</prior_context>

<worker_instruction>
%s
</worker_instruction>

Working directory: %s
Workspace roots: %s

Constraints:
%s

%s

When you are done, close your final message with a <step_summary> block summarizing what you did. If you are uncertain how to proceed and need the operator's input, end your message with a line of the exact form:
[NEEDS_INPUT]: <your question>`

func (a *Adversary) buildWorkerPrompt(goal model.AgentGoal, agentName string, step model.PlanStep, instruction, priorResults, prefCtx string) string {
	constraints := "(none)"
	if len(goal.Constraints) > 0 {
		constraints = "- " + strings.Join(goal.Constraints, "\n- ")
	}
	prefSection := ""
	if prefCtx != "" {
		prefSection = "Known operator preferences (reference them as \"[Used preference: KEY]\" in your reply when you rely on one):\n" + prefCtx
	}
	if priorResults == "" {
		priorResults = "(none — this is the first step)"
	}
	return fmt.Sprintf(workerPromptTemplate, agentName, goal.Description, priorResults, instruction,
		goal.WorkingDirectory, strings.Join(goal.WorkspaceRoots, ", "), constraints, prefSection)
}

// evaluationPromptTemplate matches §4.11.4's demanded verdict shape.
const evaluationPromptTemplate = `You are evaluating whether a worker agent successfully completed one step of a plan.

Goal: %s
Step: %s
Worker's reported result:
%s

Respond with a JSON object of exactly this shape:
{"verdict": "PASS"|"RETRY"|"ESCALATE", "reasoning": "...", "refined_instruction": "...", "escalation_question": "..."}

Use RETRY when the worker likely needs another attempt with a clearer instruction (fill in refined_instruction). Use ESCALATE when the step cannot proceed without operator input (fill in escalation_question). Respond ONLY with the JSON object.`

func (a *Adversary) buildEvaluationPrompt(goal model.AgentGoal, step model.PlanStep, result string) string {
	return fmt.Sprintf(evaluationPromptTemplate, goal.Description, step.Description, result)
}

// autoAnswerPromptTemplate matches §4.11.5.
const autoAnswerPromptTemplate = `A worker agent asked a clarifying question while executing a plan step. Before escalating to the human operator, decide whether you can answer it yourself using only the goal, constraints, reconnaissance, and known operator preferences below.

Goal: %s
Constraints:
%s
Reconnaissance report:
%s
Known operator preferences:
%s

Worker's question: %s

Respond with a JSON object of exactly this shape:
{"can_answer": true|false, "answer": "...", "reasoning": "..."}

Only set can_answer true if you are confident; otherwise the question goes to the human operator. Respond ONLY with the JSON object.`

func (a *Adversary) buildAutoAnswerPrompt(goal model.AgentGoal, reconReport, prefCtx, question string) string {
	constraints := "(none)"
	if len(goal.Constraints) > 0 {
		constraints = "- " + strings.Join(goal.Constraints, "\n- ")
	}
	if reconReport == "" {
		reconReport = "(none)"
	}
	if prefCtx == "" {
		prefCtx = "(none)"
	}
	return fmt.Sprintf(autoAnswerPromptTemplate, goal.Description, constraints, truncate(reconReport, 3000), prefCtx, question)
}

// refinementPromptTemplate matches §4.11.6.
const refinementPromptTemplate = `A worker agent just completed a plan step. Decide whether the remaining pending steps should be rewritten in light of what was learned.

Goal: %s
Just-completed step: %s
Result:
%s

Remaining pending steps:
%s

Respond with a JSON object of exactly this shape:
{"needs_refinement": true|false, "reasoning": "...", "refined_steps": [{"order": 0, "description": "..."}]}

Only include entries for steps whose description should change. Use the literal description "SKIP" to mark a pending step as no longer necessary. Respond ONLY with the JSON object.`

func (a *Adversary) buildRefinementPrompt(goal model.AgentGoal, justCompleted model.PlanStep, result string, pending []model.PlanStep) string {
	var b strings.Builder
	for _, s := range pending {
		fmt.Fprintf(&b, "- [order %d] %s\n", s.Order, s.Description)
	}
	return fmt.Sprintf(refinementPromptTemplate, goal.Description, justCompleted.Description, result, b.String())
}

// --- Lenient JSON extraction, per §4.11.2/§9 ---
//
// (1) try a direct parse, (2) strip fenced code, (3) extract the first
// balanced {...} by brace-depth counting, (4) for the planner only,
// also accept a bare [...] of step descriptions.

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(strings.Trim(text, "`"))
}

func extractBalanced(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

type planResponse struct {
	Reasoning          string `json:"reasoning"`
	Recurring          bool   `json:"recurring"`
	IntervalMinutes    int    `json:"interval_minutes"`
	CycleGoal          string `json:"cycle_goal"`
	CompletionCriteria string `json:"completion_criteria"`
	Steps              []struct {
		Description string `json:"description"`
	} `json:"steps"`
}

func parsePlanResponse(text string) (planResponse, bool) {
	var resp planResponse
	if json.Unmarshal([]byte(text), &resp) == nil && len(resp.Steps) > 0 {
		return resp, true
	}

	stripped := stripFences(text)
	if json.Unmarshal([]byte(stripped), &resp) == nil && len(resp.Steps) > 0 {
		return resp, true
	}

	if obj := extractBalanced(stripped, '{', '}'); obj != "" {
		if json.Unmarshal([]byte(obj), &resp) == nil && len(resp.Steps) > 0 {
			return resp, true
		}
	}

	if arr := extractBalanced(stripped, '[', ']'); arr != "" {
		var descriptions []string
		if json.Unmarshal([]byte(arr), &descriptions) == nil && len(descriptions) > 0 {
			resp = planResponse{}
			for _, d := range descriptions {
				resp.Steps = append(resp.Steps, struct {
					Description string `json:"description"`
				}{Description: d})
			}
			return resp, true
		}
	}

	return planResponse{}, false
}

type evaluationResponse struct {
	Verdict            string `json:"verdict"`
	Reasoning          string `json:"reasoning"`
	RefinedInstruction string `json:"refined_instruction"`
	EscalationQuestion string `json:"escalation_question"`
}

func parseJSONObject[T any](text string) (T, bool) {
	var out T
	if json.Unmarshal([]byte(text), &out) == nil {
		return out, true
	}
	stripped := stripFences(text)
	if json.Unmarshal([]byte(stripped), &out) == nil {
		return out, true
	}
	if obj := extractBalanced(stripped, '{', '}'); obj != "" {
		if json.Unmarshal([]byte(obj), &out) == nil {
			return out, true
		}
	}
	var zero T
	return zero, false
}

func parseEvaluationResponse(text string) (evaluationResponse, bool) {
	return parseJSONObject[evaluationResponse](text)
}

type autoAnswerResponse struct {
	CanAnswer bool   `json:"can_answer"`
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning"`
}

func parseAutoAnswerResponse(text string) (autoAnswerResponse, bool) {
	return parseJSONObject[autoAnswerResponse](text)
}

type refinementResponse struct {
	NeedsRefinement bool   `json:"needs_refinement"`
	Reasoning       string `json:"reasoning"`
	RefinedSteps    []struct {
		Order       int    `json:"order"`
		Description string `json:"description"`
	} `json:"refined_steps"`
}

func parseRefinementResponse(text string) (refinementResponse, bool) {
	return parseJSONObject[refinementResponse](text)
}
