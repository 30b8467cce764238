package models

import "time"

// RunEventType discriminates run lifecycle events. The same union is used
// for the live event bus and for persisted history records: every event is
// mirrored to history in emission order.
type RunEventType string

const (
	// EventStart opens a run.
	EventStart RunEventType = "start"

	// EventJudge reports the tool-necessity judgement.
	EventJudge RunEventType = "judge"

	// EventPlan carries the validated plan (possibly empty).
	EventPlan RunEventType = "plan"

	// EventArgs carries the final arguments for one step.
	EventArgs RunEventType = "args"

	// EventArgsGroup carries the buffered args events of a whole
	// dependency group, flushed together.
	EventArgsGroup RunEventType = "args_group"

	// EventToolChoice reports a scheduling decision for a step whose
	// arguments carry a future-dated schedule.
	EventToolChoice RunEventType = "tool_choice"

	// EventToolResult carries one step's tool result.
	EventToolResult RunEventType = "tool_result"

	// EventToolResultGroup carries a dependency group's results in
	// topological order, flushed atomically.
	EventToolResultGroup RunEventType = "tool_result_group"

	// EventArgGenError reports an arg-gen stage failure; the run
	// continues with draft arguments.
	EventArgGenError RunEventType = "arggen_error"

	// EventToolError reports a tool dispatch exception.
	EventToolError RunEventType = "tool_error"

	// EventRetryBegin opens an evaluate-driven retry pass.
	EventRetryBegin RunEventType = "retry_begin"

	// EventRetryDone closes a retry pass.
	EventRetryDone RunEventType = "retry_done"

	// EventPlanPatch reports a mid-run plan edit (or stop request).
	EventPlanPatch RunEventType = "plan_patch"

	// EventPlanAudit reports the multi-candidate audit decision.
	EventPlanAudit RunEventType = "plan_audit"

	// EventEvaluation carries the evaluate stage verdict.
	EventEvaluation RunEventType = "evaluation"

	// EventReflection carries the completeness check verdict.
	EventReflection RunEventType = "reflection"

	// EventReflectionPlan carries the supplementary plan.
	EventReflectionPlan RunEventType = "reflection_plan"

	// EventReflectionExec reports supplementary execution stats.
	EventReflectionExec RunEventType = "reflection_exec"

	// EventCompleted reports executor completion stats.
	EventCompleted RunEventType = "completed"

	// EventCancelled is the terminal event of a cancelled run.
	EventCancelled RunEventType = "cancelled"

	// EventSummary is the terminal event carrying the final summary.
	EventSummary RunEventType = "summary"

	// EventDone is the terminal event of a run that ended without a
	// summary (error or summary disabled).
	EventDone RunEventType = "done"

	// EventSkillsLoaded reports how many skill manifests were loaded.
	EventSkillsLoaded RunEventType = "skills_loaded"

	// EventSkillsSelected reports the skills selected for the objective.
	EventSkillsSelected RunEventType = "skills_selected"
)

// IsTerminal reports whether the event type closes a run. Exactly one
// terminal event is emitted per run.
func (t RunEventType) IsTerminal() bool {
	return t == EventSummary || t == EventCancelled || t == EventDone
}

// Result status values carried by tool_result events.
const (
	// ResultProgress marks an intermediate result.
	ResultProgress = "progress"

	// ResultFinal marks the single end-of-output result of a run.
	// Cancelled runs never emit it.
	ResultFinal = "final"
)

// RunEvent is one structured progress record. Payload fields are populated
// per Type; unused ones stay nil and are omitted from JSON.
type RunEvent struct {
	// Type identifies the kind of event.
	Type RunEventType `json:"type"`

	// RunID identifies the run the event belongs to.
	RunID string `json:"runId,omitempty"`

	// Time is the emission timestamp.
	Time time.Time `json:"time"`

	// Sequence is a per-run monotonic counter assigned at publish time.
	Sequence uint64 `json:"seq,omitempty"`

	// Message is a free-text annotation.
	Message string `json:"message,omitempty"`

	// Error carries a failure description for error-ish events and for
	// the done terminal.
	Error string `json:"error,omitempty"`

	Judge      *JudgeVerdict      `json:"judge,omitempty"`
	Plan       *Plan              `json:"plan,omitempty"`
	Args       *StepArgs          `json:"args,omitempty"`
	ToolResult *StepResult        `json:"toolResult,omitempty"`
	Group      *GroupFlush        `json:"group,omitempty"`
	Patch      *PlanPatchOutcome  `json:"patch,omitempty"`
	Audit      *PlanAuditOutcome  `json:"audit,omitempty"`
	Evaluation *Evaluation        `json:"evaluation,omitempty"`
	Reflection *Reflection        `json:"reflection,omitempty"`
	Exec       *ExecStats         `json:"exec,omitempty"`
	Retry      *RetryInfo         `json:"retry,omitempty"`
	Summary    *SummaryInfo       `json:"summary,omitempty"`
	Skills     *SkillsInfo        `json:"skills,omitempty"`
	Schedule   *ScheduleDecision  `json:"schedule,omitempty"`
}

// JudgeVerdict is the tool-necessity judgement.
type JudgeVerdict struct {
	// Need reports whether the objective requires tool calls.
	Need bool `json:"need"`

	// Summary is the judge's short explanation; on Need==false it doubles
	// as the run's final summary.
	Summary string `json:"summary,omitempty"`

	// ToolNames is an optional whitelist the planner intersects with the
	// manifest.
	ToolNames []string `json:"toolNames,omitempty"`

	// OK is false when the judge stage itself errored; the run
	// short-circuits with JUDGE_FAILED.
	OK bool `json:"ok"`
}

// StepArgs is the args event payload for a single step.
type StepArgs struct {
	StepID           string         `json:"stepId"`
	PlannedStepIndex int            `json:"plannedStepIndex"`
	DisplayIndex     int            `json:"displayIndex,omitempty"`
	AIName           string         `json:"aiName"`
	Args             map[string]any `json:"args,omitempty"`
	DraftArgs        map[string]any `json:"draftArgs,omitempty"`
	Reused           bool           `json:"reused,omitempty"`
}

// StepCompletion marks a terminal step result that downstream consumers
// must answer from.
type StepCompletion struct {
	State                string `json:"state"`
	MustAnswerFromResult bool   `json:"mustAnswerFromResult"`
}

// StepResult is the tool_result event payload.
type StepResult struct {
	PlannedStepIndex  int             `json:"plannedStepIndex"`
	StepID            string          `json:"stepId"`
	ExecutionIndex    int             `json:"executionIndex"`
	AIName            string          `json:"aiName"`
	Reason            []string        `json:"reason,omitempty"`
	NextStep          string          `json:"nextStep,omitempty"`
	Args              map[string]any  `json:"args,omitempty"`
	Result            ToolResult      `json:"result"`
	ElapsedMS         int64           `json:"elapsedMs"`
	DependsOnStepIDs  []string        `json:"dependsOnStepIds,omitempty"`
	DependedByStepIDs []string        `json:"dependedByStepIds,omitempty"`
	DependsNote       string          `json:"dependsNote,omitempty"`
	GroupID           int             `json:"groupId"`
	GroupSize         int             `json:"groupSize"`
	ToolMeta          map[string]any  `json:"toolMeta,omitempty"`
	Completion        *StepCompletion `json:"completion,omitempty"`

	// ResultStream is true for singleton flushes that bypass group
	// buffering.
	ResultStream bool `json:"resultStream,omitempty"`

	// ResultStatus is "progress" or "final".
	ResultStatus string `json:"resultStatus,omitempty"`
}

// GroupFlush is the payload of args_group and tool_result_group events:
// the buffered member events in flush order (topological for results).
type GroupFlush struct {
	GroupID int        `json:"groupId"`
	Events  []RunEvent `json:"events"`
}

// PlanPatchOutcome reports one plan-patch hook invocation.
type PlanPatchOutcome struct {
	// Action is "patch", "stop", or "continue".
	Action string `json:"action"`

	Reason string `json:"reason,omitempty"`

	// AtStepID identifies the failing step that triggered the hook.
	AtStepID string `json:"atStepId,omitempty"`

	// Applied counts the operations actually applied.
	Applied int `json:"applied,omitempty"`

	// StepCount is the plan length after the patch.
	StepCount int `json:"stepCount,omitempty"`
}

// PlanAuditOutcome reports the multi-candidate audit pick.
type PlanAuditOutcome struct {
	Candidates int    `json:"candidates"`
	Best       int    `json:"best"`
	Reason     string `json:"reason,omitempty"`
}

// Evaluation is the evaluate stage verdict.
type Evaluation struct {
	Success     bool         `json:"success"`
	Summary     string       `json:"summary,omitempty"`
	Incomplete  bool         `json:"incomplete,omitempty"`
	FailedSteps []FailedStep `json:"failedSteps,omitempty"`
}

// FailedStep names one failed step in an evaluation verdict.
type FailedStep struct {
	StepID       string `json:"stepId"`
	DisplayIndex int    `json:"displayIndex,omitempty"`
	AIName       string `json:"aiName,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Reflection is the completeness check verdict.
type Reflection struct {
	IsComplete  bool     `json:"isComplete"`
	Summary     string   `json:"summary,omitempty"`
	Supplements []string `json:"supplements,omitempty"`
}

// ExecStats summarizes one executor pass.
type ExecStats struct {
	Used        bool    `json:"used"`
	Attempted   int     `json:"attempted"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"successRate"`
}

// RetryInfo describes an evaluate-driven retry pass.
type RetryInfo struct {
	Attempt     int      `json:"attempt"`
	StepIDs     []string `json:"stepIds"`
	FailedSteps []FailedStep `json:"failedSteps,omitempty"`
}

// SummaryInfo is the summary terminal payload.
type SummaryInfo struct {
	Text     string `json:"text"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

// SkillsInfo reports skill loading and selection.
type SkillsInfo struct {
	Loaded   int      `json:"loaded,omitempty"`
	Selected []string `json:"selected,omitempty"`
}

// ScheduleDecision is the tool_choice payload for a future-dated step.
type ScheduleDecision struct {
	StepID  string `json:"stepId"`
	AIName  string `json:"aiName"`
	Status  string `json:"status"`
	DelayMS int64  `json:"delayMs"`

	// Immediate is true when the tool is on the immediate-exec allowlist
	// and the call runs now with deferred delivery.
	Immediate bool `json:"immediate,omitempty"`

	Target time.Time `json:"target"`
}

// NewRunEvent builds an event of the given type stamped with the current
// time. The bus assigns Sequence at publish.
func NewRunEvent(runID string, t RunEventType) RunEvent {
	return RunEvent{Type: t, RunID: runID, Time: time.Now()}
}
