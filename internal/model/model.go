// Package model holds the plain data types shared by every manager in the
// orchestration core. None of these types carry behavior beyond small
// invariant-preserving helpers; the managers in sibling packages own the
// mutation rules.
package model

import "time"

// AgentState is the lifecycle state of an Agent.
type AgentState string

const (
	AgentIdle     AgentState = "idle"
	AgentThinking AgentState = "thinking"
	AgentWorking  AgentState = "working"
	AgentWalking  AgentState = "walking"
)

// BaselineTools is the immutable minimum approved-tool set every agent has.
var BaselineTools = []string{"Read", "Glob", "Grep"}

// Agent is a named virtual worker identity.
type Agent struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	State          AgentState `json:"state"`
	ApprovedTools  []string   `json:"approvedTools"`
	SystemPrompt   *string    `json:"systemPrompt,omitempty"`
	TasksCompleted int        `json:"tasksCompleted"`
	TokensUsed     int        `json:"tokensUsed"`
	HiredAt        time.Time  `json:"hiredAt"`

	// AssignedTaskID is the Task currently dispatched to this agent, if
	// any. State == AgentWorking iff this is non-empty.
	AssignedTaskID string `json:"assignedTaskId,omitempty"`

	// AvatarSeed is cosmetic only — the core stores it for the (out of
	// scope) isometric front-end and never interprets it.
	AvatarSeed string `json:"avatarSeed,omitempty"`

	// PosX/PosY are cosmetic position fields updated by updatePosition.
	PosX float64 `json:"posX"`
	PosY float64 `json:"posY"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// LogEntry is a single timestamped log line attached to a Task.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Task is one worker dispatch: recon, planning, step execution, or a
// resumed step.
type Task struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	AssignedAgentID string     `json:"assignedAgentId,omitempty"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Logs            []LogEntry `json:"logs"`
}

// GoalStatus is the lifecycle state of an AgentGoal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
)

// AgentGoal is an operator-authored intention attached to one agent.
type AgentGoal struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agentId"`
	Description string     `json:"description"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Constraints []string   `json:"constraints"`

	WorkingDirectory string `json:"workingDirectory"`
	// WorkspaceRoots lists every workspace root a planning prompt should
	// mention, copied at goal-creation time from config's workspace roots.
	WorkspaceRoots []string `json:"workspaceRoots,omitempty"`

	MaxTurnsPerStep int        `json:"maxTurnsPerStep"`
	Status          GoalStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// StepStatus is the lifecycle state of a PlanStep.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepBlocked    StepStatus = "blocked"
)

// PlanStep is a single unit of work dispatched to a worker session.
type PlanStep struct {
	ID          string     `json:"id"`
	GoalID      string     `json:"goalId"`
	Order       int        `json:"order"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	TaskID      string     `json:"taskId,omitempty"`
	Result      string     `json:"result,omitempty"`
	// Question is set iff Status == StepBlocked, and is non-empty.
	Question    string     `json:"question,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// AgentPlan is the current versioned plan for a goal.
type AgentPlan struct {
	ID                string     `json:"id"`
	GoalID            string     `json:"goalId"`
	Version           int        `json:"version"`
	Reasoning         string     `json:"reasoning"`
	Steps             []PlanStep `json:"steps"`
	Recurring         bool       `json:"recurring"`
	IntervalMinutes   int        `json:"intervalMinutes,omitempty"`
	CycleGoal         string     `json:"cycleGoal,omitempty"`
	CompletionCriteria string    `json:"completionCriteria,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	// Type discriminates this record inside the heterogeneous goals
	// collection per spec §4.4/§6.
	Type string `json:"_type"`
}

// TriggerType distinguishes a manually-fired trigger from an
// interval-driven one.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerInterval TriggerType = "interval"
)

// AgentTrigger is a time-based activation of wake() on a goal.
type AgentTrigger struct {
	ID          string      `json:"id"`
	AgentID     string      `json:"agentId"`
	GoalID      string      `json:"goalId"`
	Type        TriggerType `json:"type"`
	IntervalMs  int64       `json:"intervalMs,omitempty"`
	Enabled     bool        `json:"enabled"`
	Description string      `json:"description,omitempty"`
	LastFiredAt *time.Time  `json:"lastFiredAt,omitempty"`
	NextFireAt  *time.Time  `json:"nextFireAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Confidence is a totally-ordered ranking of how sure we are about a
// learned preference.
type Confidence string

const (
	ConfidenceAssumed  Confidence = "assumed"
	ConfidenceInferred Confidence = "inferred"
	ConfidenceExplicit Confidence = "explicit"
)

var confidenceRank = map[Confidence]int{
	ConfidenceAssumed:  0,
	ConfidenceInferred: 1,
	ConfidenceExplicit: 2,
}

// AtLeast reports whether c is ranked the same as or higher than other.
func (c Confidence) AtLeast(other Confidence) bool {
	return confidenceRank[c] >= confidenceRank[other]
}

// AgentPreference is a remembered operator choice, keyed uniquely per
// agent by Key.
type AgentPreference struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agentId"`
	Category   string     `json:"category"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Source     string     `json:"source"`
	Confidence Confidence `json:"confidence"`
	CreatedAt  time.Time  `json:"createdAt"`
	UsedCount  int        `json:"usedCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// SessionStatus is the lifecycle state of an AgentSession.
type SessionStatus string

const (
	SessionStarting     SessionStatus = "starting"
	SessionActive       SessionStatus = "active"
	SessionWaitingInput SessionStatus = "waiting_input"
	SessionCompleted    SessionStatus = "completed"
	SessionError        SessionStatus = "error"
)

// MessageType is the kind of content carried by a SessionMessage.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageToolUse   MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageThinking  MessageType = "thinking"
	MessageSystem    MessageType = "system"
)

// SessionMessage is one parsed event in a session's transcript.
type SessionMessage struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PendingPermission is a worker-requested tool permission awaiting
// operator decision.
type PendingPermission struct {
	ToolName  string `json:"toolName"`
	ToolInput string `json:"toolInput,omitempty"`
}

// AgentSession is the conversational state wrapping one worker
// subprocess invocation.
type AgentSession struct {
	ID                 string               `json:"id"`
	AgentID            string               `json:"agentId"`
	TaskID             string               `json:"taskId"`
	Status             SessionStatus        `json:"status"`
	Messages           []SessionMessage     `json:"messages"`
	PendingPermissions []PendingPermission  `json:"pendingPermissions,omitempty"`
	StartedAt          time.Time            `json:"startedAt"`
	LastActivityAt     time.Time            `json:"lastActivityAt"`
}

// ConversationEntry is one entry of an agent's bounded memory.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TaskID    string    `json:"taskId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentMemory is the bounded FIFO of an agent's recent conversations.
type AgentMemory struct {
	AgentID       string              `json:"agentId"`
	Conversations []ConversationEntry `json:"conversations"`
}

// MaxMemoryEntries bounds AgentMemory.Conversations per spec §3/§4.5.
const MaxMemoryEntries = 50

// MaxTaskLogEntries bounds Task.Logs per spec §3/§4.6.
const MaxTaskLogEntries = 100
