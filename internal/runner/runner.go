// Package runner orchestrates complete runs: judge, plan, execute,
// evaluate, repair, reflect, summarize. Every emitted event is mirrored
// to the history store in emission order, and exactly one terminal event
// closes each run.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/planexec/planexec/internal/events"
	"github.com/planexec/planexec/internal/executor"
	"github.com/planexec/planexec/internal/history"
	"github.com/planexec/planexec/internal/observability"
	"github.com/planexec/planexec/internal/planner"
	"github.com/planexec/planexec/internal/runs"
	"github.com/planexec/planexec/internal/skills"
	"github.com/planexec/planexec/internal/stages"
	"github.com/planexec/planexec/pkg/models"
)

// Config tunes the orchestration around the executor.
type Config struct {
	// EnableEval runs the evaluate stage after execution.
	EnableEval bool

	// EnableRepair turns on the evaluate-driven retry loop; MaxRepairs
	// bounds it.
	// Default MaxRepairs: 1
	EnableRepair bool
	MaxRepairs   int

	// EnableReflection runs the completeness check on incomplete runs;
	// ReflectionMaxSupplements bounds the supplementary steps.
	// Default ReflectionMaxSupplements: 3
	EnableReflection         bool
	ReflectionMaxSupplements int

	// EnableSummary produces the final natural-language summary. When
	// disabled, the terminal event is done instead.
	EnableSummary bool

	// SkillsMax bounds how many skills feed the prompt overlay.
	// Default: 3
	SkillsMax int
}

func (c Config) sanitized() Config {
	if c.MaxRepairs <= 0 {
		c.MaxRepairs = 1
	}
	if c.ReflectionMaxSupplements <= 0 {
		c.ReflectionMaxSupplements = 3
	}
	if c.SkillsMax <= 0 {
		c.SkillsMax = 3
	}
	return c
}

// RunResult reports one completed run.
type RunResult struct {
	RunID      string            `json:"runId"`
	Exec       models.ExecStats  `json:"exec"`
	Summary    string            `json:"summary,omitempty"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	Evaluation *models.Evaluation `json:"evaluation,omitempty"`
}

// Runner wires the planner, executor, stages, and infrastructure planes
// into the plan-then-execute flow.
type Runner struct {
	planner  *planner.Planner
	executor *executor.Executor
	stages   *stages.Stages
	catalog  ToolSource
	bus      *events.Bus
	store    history.Store
	registry *runs.Registry
	skills   *skills.Manager
	metrics  *observability.RunMetrics
	cfg      Config
}

// ToolSource is the slice of the catalog the runner needs directly.
type ToolSource interface {
	Tools() []models.ToolDescriptor
}

// New builds a runner. Skills manager and metrics may be nil.
func New(p *planner.Planner, e *executor.Executor, st *stages.Stages, catalog ToolSource,
	bus *events.Bus, store history.Store, registry *runs.Registry,
	skillMgr *skills.Manager, metrics *observability.RunMetrics, cfg Config) *Runner {
	return &Runner{
		planner:  p,
		executor: e,
		stages:   st,
		catalog:  catalog,
		bus:      bus,
		store:    store,
		registry: registry,
		skills:   skillMgr,
		metrics:  metrics,
		cfg:      cfg.sanitized(),
	}
}

// NewRunID mints a fresh opaque run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}

// PlanThenExecute runs the full flow synchronously and returns the final
// result. Events are still published on the bus for concurrent observers.
func (r *Runner) PlanThenExecute(ctx context.Context, req models.RunRequest) (*RunResult, error) {
	runID := NewRunID()
	return r.execute(ctx, runID, req), nil
}

// PlanThenExecuteStream starts the run in the background and returns a
// subscription delivering its events. The subscription terminates after
// the run's terminal event; callers must Close it when done.
func (r *Runner) PlanThenExecuteStream(ctx context.Context, req models.RunRequest) (*events.Subscription, string, error) {
	runID := NewRunID()
	sub := r.bus.Subscribe(runID)

	// The producer outlives the caller's request context; cancellation
	// goes through the registry's flag instead.
	go r.execute(context.WithoutCancel(ctx), runID, req)
	return sub, runID, nil
}

// Cancel flags the run for cancellation. Idempotent.
func (r *Runner) Cancel(runID string) {
	r.registry.Cancel(runID)
}

// emit publishes one event and mirrors it to history.
func (r *Runner) emit(ctx context.Context, runID string, ev models.RunEvent) {
	stamped := r.bus.Publish(runID, ev)
	if err := r.store.Append(ctx, runID, stamped); err != nil {
		slog.Warn("history append failed", "run_id", runID, "type", ev.Type, "error", err)
	}
}

// runnerSink adapts the runner's emit path for the executor.
type runnerSink struct {
	r     *Runner
	runID string
}

func (s *runnerSink) Emit(ctx context.Context, ev models.RunEvent) {
	s.r.emit(ctx, s.runID, ev)
}

func (s *runnerSink) SetPlan(ctx context.Context, plan *models.Plan) {
	if err := s.r.store.SetPlan(ctx, s.runID, plan); err != nil {
		slog.Warn("plan snapshot persist failed", "run_id", s.runID, "error", err)
	}
}

func (r *Runner) execute(ctx context.Context, runID string, req models.RunRequest) *RunResult {
	info := runs.Info{
		RunID:       runID,
		ChannelID:   models.StringCtx(req.Context, models.CtxChannelID),
		IdentityKey: models.StringCtx(req.Context, models.CtxIdentityKey),
		Objective:   req.Objective,
	}
	r.registry.RegisterStart(info)
	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
	}

	ctx = observability.WithRunID(ctx, runID)
	ctx = observability.WithChannelID(ctx, info.ChannelID)
	ctx = observability.WithIdentityKey(ctx, info.IdentityKey)

	result := &RunResult{RunID: runID}
	defer func() {
		r.registry.MarkFinished(runID, result.Cancelled)
		r.bus.CloseRun(runID)
		r.registry.Remove(runID)
		r.registry.ClearCancelled(runID)
		if r.metrics != nil {
			r.metrics.ActiveRuns.Dec()
		}
	}()

	start := models.NewRunEvent(runID, models.EventStart)
	start.Message = req.Objective
	r.emit(ctx, runID, start)

	globalOverlay := models.StringCtx(req.Context, models.CtxGlobalOverlay)
	globalOverlay = r.applySkills(ctx, runID, req.Objective, globalOverlay)

	verdict := r.judge(ctx, runID, req)
	jev := models.NewRunEvent(runID, models.EventJudge)
	jev.Judge = &verdict
	r.emit(ctx, runID, jev)

	if !verdict.OK {
		r.terminalDone(ctx, runID, result, "JUDGE_FAILED: "+verdict.Summary)
		return result
	}
	if !verdict.Need {
		r.emitPlan(ctx, runID, &models.Plan{Steps: []models.Step{}})
		r.emitCompleted(ctx, runID, models.ExecStats{})
		result.Summary = stages.NoToolsSummary
		r.terminalSummary(ctx, runID, result, true, 0)
		return result
	}

	plan := r.plan(ctx, runID, req, verdict, globalOverlay, info)
	r.emitPlan(ctx, runID, plan)

	if len(plan.Steps) == 0 {
		r.emitCompleted(ctx, runID, models.ExecStats{})
		result.Summary = "未找到适合该任务的工具。"
		r.terminalSummary(ctx, runID, result, false, 0)
		return result
	}

	sink := &runnerSink{r: r, runID: runID}
	opts := executor.Options{Conversation: req.Conversation, Context: req.Context}
	pass, err := r.executor.ExecutePlan(ctx, runID, req.Objective, plan, sink, opts)
	if err != nil {
		r.terminalDone(ctx, runID, result, err.Error())
		return result
	}
	if pass.Cancelled {
		r.terminalCancelled(ctx, runID, result)
		return result
	}
	result.Exec = pass.Stats
	r.emitCompleted(ctx, runID, pass.Stats)

	evaluation, attempts := r.evaluateAndRepair(ctx, runID, req, pass, result)
	if result.Cancelled {
		return result
	}
	result.Evaluation = evaluation

	if r.cfg.EnableReflection && evaluation != nil && evaluation.Incomplete {
		r.reflect(ctx, runID, req, verdict, globalOverlay, info, result)
		if result.Cancelled {
			return result
		}
	}

	if r.registry.IsCancelled(runID) {
		r.terminalCancelled(ctx, runID, result)
		return result
	}

	success := evaluation == nil || evaluation.Success
	r.terminalSummary(ctx, runID, result, success, attempts)
	return result
}

func (r *Runner) applySkills(ctx context.Context, runID, objective, overlay string) string {
	if r.skills == nil {
		return overlay
	}
	loaded := r.skills.Count()
	ev := models.NewRunEvent(runID, models.EventSkillsLoaded)
	ev.Skills = &models.SkillsInfo{Loaded: loaded}
	r.emit(ctx, runID, ev)

	selected := r.skills.Select(objective, r.cfg.SkillsMax)
	names := make([]string, 0, len(selected))
	for _, s := range selected {
		names = append(names, s.Name)
	}
	sev := models.NewRunEvent(runID, models.EventSkillsSelected)
	sev.Skills = &models.SkillsInfo{Selected: names}
	r.emit(ctx, runID, sev)

	if block := skills.Overlay(selected); block != "" {
		if overlay == "" {
			return block
		}
		return overlay + "\n\n" + block
	}
	return overlay
}

func (r *Runner) judge(ctx context.Context, runID string, req models.RunRequest) models.JudgeVerdict {
	return r.stages.Judge(ctx, stages.JudgeInput{
		Objective:      req.Objective,
		Manifest:       r.catalog.Tools(),
		Conversation:   req.Conversation,
		ForceNeedTools: models.BoolCtx(req.Context, models.CtxForceNeedTools),
		Hint:           models.StringCtx(req.Context, models.CtxJudgeHint),
	})
}

func (r *Runner) plan(ctx context.Context, runID string, req models.RunRequest, verdict models.JudgeVerdict, globalOverlay string, info runs.Info) *models.Plan {
	if whitelist := models.StringsCtx(req.Context, models.CtxJudgeToolNames); len(whitelist) > 0 {
		verdict.ToolNames = whitelist
	}
	plan, audit, err := r.planner.GeneratePlan(ctx, planner.Input{
		RunID:              runID,
		Objective:          req.Objective,
		Context:            req.Context,
		Conversation:       req.Conversation,
		Judge:              verdict,
		GlobalOverlay:      globalOverlay,
		PlanOverlay:        models.StringCtx(req.Context, models.CtxPlanOverlay),
		ConcurrencyOverlay: r.registry.ConcurrencyOverlay(info),
	})
	if err != nil {
		slog.Warn("plan generation failed, continuing with empty plan", "run_id", runID, "error", err)
		plan = &models.Plan{}
	}
	if audit != nil {
		ev := models.NewRunEvent(runID, models.EventPlanAudit)
		ev.Audit = &models.PlanAuditOutcome{
			Candidates: audit.Candidates,
			Best:       audit.Best,
			Reason:     audit.Reason,
		}
		r.emit(ctx, runID, ev)
	}
	return plan
}

func (r *Runner) emitPlan(ctx context.Context, runID string, plan *models.Plan) {
	if err := r.store.SetPlan(ctx, runID, plan); err != nil {
		slog.Warn("plan snapshot persist failed", "run_id", runID, "error", err)
	}
	ev := models.NewRunEvent(runID, models.EventPlan)
	ev.Plan = plan
	r.emit(ctx, runID, ev)
}

func (r *Runner) emitCompleted(ctx context.Context, runID string, stats models.ExecStats) {
	ev := models.NewRunEvent(runID, models.EventCompleted)
	ev.Exec = &stats
	r.emit(ctx, runID, ev)
}

// evaluateAndRepair runs the evaluate stage and the bounded retry loop.
// Returns the last evaluation and the number of repair attempts.
func (r *Runner) evaluateAndRepair(ctx context.Context, runID string, req models.RunRequest, pass *executor.Result, result *RunResult) (*models.Evaluation, int) {
	if !r.cfg.EnableEval || !pass.Stats.Used || pass.Stopped {
		return nil, 0
	}

	evaluation := r.evaluateOnce(ctx, runID, req.Objective, pass.Plan)
	if evaluation == nil {
		return nil, 0
	}

	attempts := 0
	for r.cfg.EnableRepair && attempts < r.cfg.MaxRepairs &&
		!evaluation.Success && len(evaluation.FailedSteps) > 0 {
		attempts++

		// Steps whose retry budget a plan patch already consumed are
		// dropped so the two repair paths cannot double-retry one stepId.
		failedIDs := make([]string, 0, len(evaluation.FailedSteps))
		knownFailed := map[string]string{}
		for _, f := range evaluation.FailedSteps {
			if budget, seen := pass.RetryBudget[f.StepID]; seen && budget <= 0 {
				slog.Info("skipping evaluator retry: patch retry already consumed",
					"run_id", runID, "step_id", f.StepID)
				continue
			}
			failedIDs = append(failedIDs, f.StepID)
			knownFailed[f.StepID] = f.Reason
		}
		if len(failedIDs) == 0 {
			break
		}

		mask := executor.DependencyClosure(pass.Plan, failedIDs)
		stepIDs := make([]string, 0, len(mask))
		for id := range mask {
			stepIDs = append(stepIDs, id)
		}
		sort.Strings(stepIDs)

		rb := models.NewRunEvent(runID, models.EventRetryBegin)
		rb.Retry = &models.RetryInfo{Attempt: attempts, StepIDs: stepIDs, FailedSteps: evaluation.FailedSteps}
		r.emit(ctx, runID, rb)

		seed := r.successfulResults(ctx, runID)
		sink := &runnerSink{r: r, runID: runID}
		retry, err := r.executor.ExecutePlan(ctx, runID, req.Objective, pass.Plan, sink, executor.Options{
			RetrySteps:   mask,
			KnownFailed:  knownFailed,
			SeedRecent:   seed,
			Conversation: req.Conversation,
			Context:      req.Context,
		})
		if err != nil {
			slog.Warn("retry pass failed", "run_id", runID, "error", err)
			break
		}
		if retry.Cancelled {
			r.terminalCancelled(ctx, runID, result)
			return evaluation, attempts
		}
		pass = retry

		result.Exec = r.globalStats(ctx, runID)
		rd := models.NewRunEvent(runID, models.EventRetryDone)
		rd.Retry = &models.RetryInfo{Attempt: attempts, StepIDs: stepIDs}
		rd.Exec = &result.Exec
		r.emit(ctx, runID, rd)

		next := r.evaluateOnce(ctx, runID, req.Objective, pass.Plan)
		if next == nil {
			break
		}
		evaluation = next
	}
	return evaluation, attempts
}

// evaluateOnce runs the evaluate stage over the run's full result history
// and emits the verdict. A stage failure is logged and yields nil.
func (r *Runner) evaluateOnce(ctx context.Context, runID, objective string, plan *models.Plan) *models.Evaluation {
	records, err := r.store.List(ctx, runID)
	if err != nil {
		slog.Warn("history read failed before evaluate", "run_id", runID, "error", err)
		return nil
	}
	evaluation, err := r.stages.Evaluate(ctx, objective, plan, history.ToolResults(records))
	if err != nil {
		slog.Warn("evaluate stage failed, skipping repair", "run_id", runID, "error", err)
		return nil
	}
	ev := models.NewRunEvent(runID, models.EventEvaluation)
	ev.Evaluation = evaluation
	r.emit(ctx, runID, ev)
	return evaluation
}

// reflect runs the completeness check and, when operations are missing,
// generates and executes an independent supplementary plan.
func (r *Runner) reflect(ctx context.Context, runID string, req models.RunRequest, verdict models.JudgeVerdict, globalOverlay string, info runs.Info, result *RunResult) {
	records, err := r.store.List(ctx, runID)
	if err != nil {
		return
	}
	results := history.ToolResults(records)

	reflection, err := r.stages.CheckTaskCompleteness(ctx, req.Objective, results)
	if err != nil {
		slog.Warn("completeness check failed, skipping reflection", "run_id", runID, "error", err)
		return
	}
	ev := models.NewRunEvent(runID, models.EventReflection)
	ev.Reflection = reflection
	r.emit(ctx, runID, ev)

	if reflection.IsComplete || len(reflection.Supplements) == 0 {
		return
	}
	supplements := reflection.Supplements
	if len(supplements) > r.cfg.ReflectionMaxSupplements {
		supplements = supplements[:r.cfg.ReflectionMaxSupplements]
	}

	var done strings.Builder
	for _, sr := range results {
		if sr.Result.Success {
			fmt.Fprintf(&done, "- %s: %s\n", sr.AIName, sr.NextStep)
		}
	}
	objective := fmt.Sprintf(
		"%s\n\nAlready completed steps:\n%s\nStill missing operations:\n- %s",
		req.Objective, done.String(), strings.Join(supplements, "\n- "))

	supPlan, _, err := r.planner.GeneratePlan(ctx, planner.Input{
		RunID:         runID,
		Objective:     objective,
		Context:       req.Context,
		Conversation:  req.Conversation,
		Judge:         verdict,
		GlobalOverlay: globalOverlay,
	})
	if err != nil || supPlan == nil || len(supPlan.Steps) == 0 {
		return
	}
	// Supplementary steps run independently of the original graph.
	for i := range supPlan.Steps {
		supPlan.Steps[i].DependsOnStepIDs = nil
	}
	supPlan.RenumberSteps()

	pev := models.NewRunEvent(runID, models.EventReflectionPlan)
	pev.Plan = supPlan
	r.emit(ctx, runID, pev)

	sink := &runnerSink{r: r, runID: runID}
	pass, err := r.executor.ExecutePlan(ctx, runID, req.Objective, supPlan, sink, executor.Options{
		SeedRecent:   results,
		Conversation: req.Conversation,
		Context:      req.Context,
	})
	if err != nil {
		slog.Warn("supplementary pass failed", "run_id", runID, "error", err)
		return
	}
	if pass.Cancelled {
		r.terminalCancelled(ctx, runID, result)
		return
	}

	result.Exec = r.globalStats(ctx, runID)
	xev := models.NewRunEvent(runID, models.EventReflectionExec)
	xev.Exec = &result.Exec
	r.emit(ctx, runID, xev)
}

// globalStats recomputes run-wide exec stats from the full history.
func (r *Runner) globalStats(ctx context.Context, runID string) models.ExecStats {
	records, err := r.store.List(ctx, runID)
	if err != nil {
		return models.ExecStats{}
	}
	return history.ExecStatsFrom(records)
}

// successfulResults collects the successful terminal results so far, for
// seeding a retry pass's recent-context window.
func (r *Runner) successfulResults(ctx context.Context, runID string) []models.StepResult {
	records, err := r.store.List(ctx, runID)
	if err != nil {
		return nil
	}
	var out []models.StepResult
	for _, sr := range history.ToolResults(records) {
		if sr.Result.Success {
			out = append(out, sr)
		}
	}
	return out
}

// terminalSummary emits the summary terminal event, falling back to done
// when summarization is disabled or fails.
func (r *Runner) terminalSummary(ctx context.Context, runID string, result *RunResult, success bool, attempts int) {
	if !r.cfg.EnableSummary {
		ev := models.NewRunEvent(runID, models.EventDone)
		ev.Exec = &result.Exec
		r.emit(ctx, runID, ev)
		r.countTerminal("done")
		return
	}

	text := result.Summary
	var summaryErr string
	if text == "" {
		records, err := r.store.List(ctx, runID)
		if err == nil {
			text, err = r.stages.Summarize(ctx, objectiveOf(records), records)
		}
		if err != nil {
			summaryErr = err.Error()
			if result.Evaluation != nil {
				text = result.Evaluation.Summary
			}
			if text == "" {
				text = "任务已执行完毕，但总结生成失败。"
			}
		}
	}
	result.Summary = text
	if err := r.store.SetSummary(ctx, runID, text); err != nil {
		slog.Warn("summary persist failed", "run_id", runID, "error", err)
	}

	ev := models.NewRunEvent(runID, models.EventSummary)
	ev.Summary = &models.SummaryInfo{Text: text, Success: success, Error: summaryErr, Attempts: attempts}
	r.emit(ctx, runID, ev)
	r.countTerminal("summary")
}

// objectiveOf recovers the objective from the run's start record.
func objectiveOf(records []models.RunEvent) string {
	for _, rec := range records {
		if rec.Type == models.EventStart {
			return rec.Message
		}
	}
	return ""
}

func (r *Runner) terminalCancelled(ctx context.Context, runID string, result *RunResult) {
	result.Cancelled = true
	ev := models.NewRunEvent(runID, models.EventCancelled)
	ev.Message = "run cancelled"
	r.emit(ctx, runID, ev)
	r.countTerminal("cancelled")
}

func (r *Runner) terminalDone(ctx context.Context, runID string, result *RunResult, errText string) {
	ev := models.NewRunEvent(runID, models.EventDone)
	ev.Error = errText
	ev.Exec = &result.Exec
	r.emit(ctx, runID, ev)
	r.countTerminal("done")
}

func (r *Runner) countTerminal(terminal string) {
	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(terminal).Inc()
	}
}
