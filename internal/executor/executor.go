// Package executor runs a validated plan under concurrency, dependency,
// rate-limit, cancellation, and patch constraints. A single goroutine owns
// all scheduling state per pass; tool dispatch and LLM sub-calls run as
// independent tasks whose completions the loop consumes one at a time, so
// no locks guard the plan or the buffers.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/planexec/planexec/internal/catalog"
	"github.com/planexec/planexec/internal/observability"
	"github.com/planexec/planexec/internal/runs"
	"github.com/planexec/planexec/internal/stages"
	"github.com/planexec/planexec/pkg/models"
)

// pollInterval bounds how long the scheduler sleeps before re-checking the
// cancellation flag.
const pollInterval = 50 * time.Millisecond

// Plan-patch trigger modes.
const (
	TriggerNever   = "never"
	TriggerAlways  = "always"
	TriggerOnError = "on_error"
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrency is the global fan-out cap.
	// Default: 3
	MaxConcurrency int

	// ToolConcurrencyDefault caps concurrent dispatches per tool.
	// Default: 1
	ToolConcurrencyDefault int

	// ToolConcurrency overrides the per-tool cap by aiName.
	ToolConcurrency map[string]int

	// ProviderConcurrencyDefault caps concurrent dispatches per provider.
	// Default: 4
	ProviderConcurrencyDefault int

	// ProviderConcurrency overrides the per-provider cap.
	ProviderConcurrency map[string]int

	// RecentContextLimit bounds the rolling recent-results window handed
	// to arg-gen.
	// Default: 5
	RecentContextLimit int

	// CooldownDefault is the requeue delay when a COOLDOWN_ACTIVE result
	// reports neither remainMs nor ttl.
	// Default: 3s
	CooldownDefault time.Duration

	// EnablePlanPatch turns on the mid-run plan-patch hook.
	EnablePlanPatch bool

	// PlanPatchTriggerMode is never, always, or on_error.
	// Default: on_error
	PlanPatchTriggerMode string

	// MaxPlanPatchCalls bounds hook invocations per run.
	// Default: 40
	MaxPlanPatchCalls int

	// MaxPatches bounds applied patches per run.
	// Default: 12
	MaxPatches int

	// RetryBudgetPerStep bounds patch-appended retries per failed stepId.
	// Default: 1
	RetryBudgetPerStep int

	// ImmediateAllowlist names tools whose future-dated steps execute now
	// with deferred delivery. ImmediateDenylist wins on conflict.
	ImmediateAllowlist []string
	ImmediateDenylist  []string

	// VerboseSteps includes rationale and dependency notes on result
	// events.
	VerboseSteps bool
}

func (c Config) sanitized() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	if c.ToolConcurrencyDefault <= 0 {
		c.ToolConcurrencyDefault = 1
	}
	if c.ProviderConcurrencyDefault <= 0 {
		c.ProviderConcurrencyDefault = 4
	}
	if c.RecentContextLimit <= 0 {
		c.RecentContextLimit = 5
	}
	if c.CooldownDefault <= 0 {
		c.CooldownDefault = 3 * time.Second
	}
	switch c.PlanPatchTriggerMode {
	case TriggerNever, TriggerAlways, TriggerOnError:
	default:
		c.PlanPatchTriggerMode = TriggerOnError
	}
	if c.MaxPlanPatchCalls <= 0 {
		c.MaxPlanPatchCalls = 40
	}
	if c.MaxPatches <= 0 {
		c.MaxPatches = 12
	}
	if c.RetryBudgetPerStep <= 0 {
		c.RetryBudgetPerStep = 1
	}
	return c
}

func (c Config) toolCap(aiName string) int {
	if n, ok := c.ToolConcurrency[aiName]; ok && n > 0 {
		return n
	}
	return c.ToolConcurrencyDefault
}

func (c Config) providerCap(provider string) int {
	if n, ok := c.ProviderConcurrency[provider]; ok && n > 0 {
		return n
	}
	return c.ProviderConcurrencyDefault
}

func (c Config) immediateAllowed(aiName string) bool {
	for _, name := range c.ImmediateDenylist {
		if name == aiName {
			return false
		}
	}
	for _, name := range c.ImmediateAllowlist {
		if name == aiName {
			return true
		}
	}
	return false
}

// Sink receives every event a pass emits, in emission order. The runner
// mirrors them to the event bus and the history store.
type Sink interface {
	Emit(ctx context.Context, ev models.RunEvent)

	// SetPlan persists the current plan snapshot after a patch.
	SetPlan(ctx context.Context, plan *models.Plan)
}

// Options parameterize one ExecutePlan pass.
type Options struct {
	// StartIndex short-circuits steps before it as already finished.
	StartIndex int

	// RetrySteps restricts the pass to the given stepIds; everything else
	// is treated as already finished. Non-empty enables retry mode, which
	// also disables arg-gen reuse.
	RetrySteps map[string]bool

	// KnownFailed carries upstream failure summaries from the evaluator,
	// keyed by stepId. Used for SKIP_UPSTREAM_FAILED propagation.
	KnownFailed map[string]string

	// SeedRecent pre-populates the rolling recent-results window.
	SeedRecent []models.StepResult

	// Conversation and Context flow into arg-gen prompts.
	Conversation []models.ChatMessage
	Context      map[string]any
}

// Result reports one pass.
type Result struct {
	Stats models.ExecStats

	// Cancelled is true when the run's cancellation flag stopped the pass.
	Cancelled bool

	// Stopped is true when the plan-patch hook requested a stop.
	Stopped    bool
	StopReason string

	// Plan is the plan after any patches.
	Plan *models.Plan

	// Results holds every terminal step result in emission order.
	Results []models.StepResult

	// RetryBudget is the remaining patch-retry budget per failed stepId,
	// shared with the evaluate-driven repair loop for de-duplication.
	RetryBudget map[string]int
}

// Executor schedules plan passes. One Executor is shared across runs; all
// per-pass state lives in the run struct.
type Executor struct {
	catalog  *catalog.Catalog
	stages   *stages.Stages
	registry *runs.Registry
	metrics  *observability.RunMetrics
	cfg      Config

	// jitter returns the cooldown requeue jitter; replaced in tests.
	jitter func() time.Duration
}

// New builds an executor. Metrics may be nil.
func New(cat *catalog.Catalog, st *stages.Stages, registry *runs.Registry, metrics *observability.RunMetrics, cfg Config) *Executor {
	return &Executor{
		catalog:  cat,
		stages:   st,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg.sanitized(),
		jitter: func() time.Duration {
			return time.Duration(100+rand.Intn(201)) * time.Millisecond
		},
	}
}

// outcome is one finished step task, delivered to the scheduler loop.
type outcome struct {
	index   int
	stepID  string
	args    map[string]any
	reused  bool
	result  models.ToolResult
	elapsed time.Duration

	// argErr is the arg-gen stage failure, if any; the task already fell
	// back to draft args.
	argErr error

	// toolErr is a dispatch-level fault surfaced by the catalog envelope.
	toolErr string

	// schedule is set when the step carried a future-dated schedule
	// argument.
	schedule *models.ScheduleDecision

	// deferred marks a delayed-exec placeholder result; its completion is
	// not terminal for answering purposes.
	deferred bool

	// tracked is false for synthetic outcomes that never occupied a
	// concurrency slot.
	tracked bool
}

type stepState struct {
	started    bool
	finished   bool
	failed     bool
	failReason string
	delayUntil time.Time
	attempts   int
}

type groupBuffer struct {
	args    []models.RunEvent
	results []models.RunEvent

	// emitOrder pairs each buffered result with its arrival position so
	// topological ties and cooldown duplicates keep emission order.
	emitOrder []int
}

type patchTrigger struct {
	Index  int
	StepID string
	AIName string
	Result models.ToolResult

	// out is the triggering outcome, held back so its result event is
	// emitted only after the patch decision. Emitting it earlier would
	// misplace the final marker when the patch appends steps.
	out *outcome
}

// run is the per-pass state, mutated only by the scheduler goroutine.
type run struct {
	e         *Executor
	ctx       context.Context
	runID     string
	objective string
	plan      *models.Plan
	sink      Sink
	opts      Options
	retryMode bool

	g        *graph
	state    map[string]*stepState
	buffers  map[int]*groupBuffer
	degraded map[int]bool
	flushed  map[int]bool

	done             chan outcome
	inFlight         int
	toolInFlight     map[string]int
	providerInFlight map[string]int

	recent  []models.StepResult
	results []models.StepResult

	execIndex    int
	bufferedSeq  int
	finalEmitted bool
	cancelled    bool

	stopRequested bool
	stopReason    string

	patchCalls     int
	patchesApplied int
	retryBudget    map[string]int
	pendingPatch   *patchTrigger
	patchDisabled  bool
}

// ExecutePlan runs one pass over the plan. The plan is cloned; the caller
// keeps a stable snapshot. The pass emits args/tool_result events (grouped
// per the dependency components) through the sink and returns aggregate
// stats.
func (e *Executor) ExecutePlan(ctx context.Context, runID, objective string, plan *models.Plan, sink Sink, opts Options) (*Result, error) {
	if plan == nil {
		plan = &models.Plan{}
	}
	r := &run{
		e:                e,
		ctx:              ctx,
		runID:            runID,
		objective:        objective,
		plan:             plan.Clone(),
		sink:             sink,
		opts:             opts,
		retryMode:        len(opts.RetrySteps) > 0,
		state:            make(map[string]*stepState),
		buffers:          make(map[int]*groupBuffer),
		degraded:         make(map[int]bool),
		flushed:          make(map[int]bool),
		done:             make(chan outcome),
		toolInFlight:     make(map[string]int),
		providerInFlight: make(map[string]int),
		retryBudget:      make(map[string]int),
	}
	r.g = buildGraph(r.plan)

	for i, s := range r.plan.Steps {
		st := &stepState{}
		if s.Skip || i < opts.StartIndex || (r.retryMode && !opts.RetrySteps[s.StepID]) {
			st.finished = true
			if reason, ok := opts.KnownFailed[s.StepID]; ok {
				st.failed = true
				st.failReason = reason
			}
		}
		r.state[s.StepID] = st
	}
	if n := e.cfg.RecentContextLimit; len(opts.SeedRecent) > 0 {
		seed := opts.SeedRecent
		if len(seed) > n {
			seed = seed[len(seed)-n:]
		}
		r.recent = append(r.recent, seed...)
	}

	r.loop()
	return r.finish(), nil
}

func (r *run) finish() *Result {
	stats := models.ExecStats{}
	for _, sr := range r.results {
		if sr.Result.Code == models.CodeRunCancelled {
			continue
		}
		stats.Attempted++
		if sr.Result.Success {
			stats.Succeeded++
		}
	}
	stats.Used = stats.Attempted > 0
	if stats.Attempted > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Attempted)
	}
	return &Result{
		Stats:       stats,
		Cancelled:   r.cancelled,
		Stopped:     r.stopRequested,
		StopReason:  r.stopReason,
		Plan:        r.plan,
		Results:     r.results,
		RetryBudget: r.retryBudget,
	}
}

// remaining counts unfinished steps.
func (r *run) remaining() int {
	n := 0
	for _, s := range r.plan.Steps {
		if !r.state[s.StepID].finished {
			n++
		}
	}
	return n
}

func (r *run) loop() {
	for {
		if !r.cancelled && r.e.registry.IsCancelled(r.runID) {
			r.cancelled = true
		}
		if r.cancelled || r.stopRequested {
			if r.inFlight == 0 {
				break
			}
		} else if r.remaining() == 0 && r.inFlight == 0 {
			break
		}

		if !r.cancelled && !r.stopRequested && r.pendingPatch == nil {
			r.fill()
		}

		if r.inFlight == 0 {
			if r.pendingPatch != nil {
				r.runPatch()
				continue
			}
			if r.cancelled || r.stopRequested || r.remaining() == 0 {
				continue
			}
			if wake, ok := r.nearestDelay(); ok {
				r.sleepUntil(wake)
				continue
			}
			// Nothing running, nothing ready, nothing delayed: the plan
			// has unreachable steps. Force-finish so the run terminates.
			slog.Warn("plan has unreachable steps, force-finishing",
				"run_id", r.runID, "remaining", r.remaining())
			r.forceFinishRemainder()
			continue
		}

		wake := time.Now().Add(pollInterval)
		if next, ok := r.nearestDelay(); ok && next.Before(wake) {
			wake = next
		}
		timer := time.NewTimer(time.Until(wake))
		select {
		case out := <-r.done:
			timer.Stop()
			r.complete(out)
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			r.cancelled = true
		}
	}

	if r.cancelled || r.stopRequested {
		// A held-back patch trigger and buffered events must still reach
		// consumers; they are flushed as progress, never final.
		if r.pendingPatch != nil {
			trigger := *r.pendingPatch
			r.pendingPatch = nil
			r.emitPendingTrigger(trigger)
		}
		r.flushAllBuffersAsSingletons()
	}
}

// nearestDelay returns the earliest delayUntil among unfinished,
// unstarted, delayed steps.
func (r *run) nearestDelay() (time.Time, bool) {
	var nearest time.Time
	found := false
	now := time.Now()
	for _, s := range r.plan.Steps {
		st := r.state[s.StepID]
		if st.finished || st.started || st.delayUntil.IsZero() || !st.delayUntil.After(now) {
			continue
		}
		if !found || st.delayUntil.Before(nearest) {
			nearest = st.delayUntil
			found = true
		}
	}
	return nearest, found
}

func (r *run) sleepUntil(wake time.Time) {
	d := time.Until(wake)
	if d > pollInterval {
		d = pollInterval
	}
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.ctx.Done():
		r.cancelled = true
	}
}

// fill launches schedulable steps in index order until a cap is hit.
func (r *run) fill() {
	now := time.Now()
	for i := 0; i < len(r.plan.Steps); i++ {
		if r.inFlight >= r.e.cfg.MaxConcurrency {
			return
		}
		step := r.plan.Steps[i]
		st := r.state[step.StepID]
		if st.finished || st.started || step.Skip {
			continue
		}
		if !st.delayUntil.IsZero() && st.delayUntil.After(now) {
			continue
		}
		if !r.depsFinished(i) {
			continue
		}

		// Propagation and contract checks resolve without occupying a
		// concurrency slot.
		if r.retryMode {
			if reason, bad := r.failedUpstream(i); bad {
				st.finished = true
				st.failed = true
				st.failReason = "upstream failed: " + reason
				r.complete(outcome{
					index:  i,
					stepID: step.StepID,
					result: models.ErrResult(models.CodeSkipUpstreamFailed, reason),
				})
				continue
			}
		}
		if _, known := r.e.catalog.Lookup(step.AIName); !known {
			st.finished = true
			st.failed = true
			st.failReason = "unknown tool " + step.AIName
			r.complete(outcome{
				index:  i,
				stepID: step.StepID,
				result: models.ErrResult(models.CodeNotFound, "tool not found: "+step.AIName),
			})
			continue
		}

		provider := r.e.catalog.Provider(step.AIName)
		if r.toolInFlight[step.AIName] >= r.e.cfg.toolCap(step.AIName) {
			continue
		}
		if r.providerInFlight[provider] >= r.e.cfg.providerCap(provider) {
			continue
		}

		st.started = true
		st.attempts++
		r.inFlight++
		r.toolInFlight[step.AIName]++
		r.providerInFlight[provider]++

		ancestors := r.ancestorResults(i)
		recent := append([]models.StepResult(nil), r.recent...)
		go r.runStep(i, step, ancestors, recent, provider)
	}
}

func (r *run) depsFinished(i int) bool {
	for _, d := range r.g.deps[i] {
		if !r.state[r.plan.Steps[d].StepID].finished {
			return false
		}
	}
	return true
}

// failedUpstream reports whether any transitive dependency of step i is
// known to have failed, with a short reason summary. Only this pass's step
// states count: a dep that was re-run and succeeded clears its prior
// failure.
func (r *run) failedUpstream(i int) (string, bool) {
	for _, a := range r.g.ancestorsOf(i) {
		dep := r.plan.Steps[a]
		st := r.state[dep.StepID]
		if st.failed {
			reason := st.failReason
			if reason == "" {
				reason = "step failed"
			}
			return fmt.Sprintf("%s (%s): %s", dep.StepID, dep.AIName, reason), true
		}
	}
	return "", false
}

// ancestorResults collects terminal results for step i's transitive
// dependencies, oldest first.
func (r *run) ancestorResults(i int) []models.StepResult {
	ids := map[string]bool{}
	for _, a := range r.g.ancestorsOf(i) {
		ids[r.plan.Steps[a].StepID] = true
	}
	var out []models.StepResult
	for _, sr := range r.results {
		if ids[sr.StepID] {
			out = append(out, sr)
		}
	}
	// Seeded results from a prior pass cover dependencies that were
	// short-circuited in this one.
	for _, sr := range r.opts.SeedRecent {
		if ids[sr.StepID] {
			out = append(out, sr)
		}
	}
	return out
}

// runStep executes one step off the scheduler goroutine: arg synthesis,
// validation, schedule detection, dispatch. It communicates back through
// the done channel only.
func (r *run) runStep(i int, step models.Step, ancestors, recent []models.StepResult, provider string) {
	out := outcome{index: i, stepID: step.StepID, tracked: true}
	tool, _ := r.e.catalog.Lookup(step.AIName)

	args, reused, argErr := r.e.stages.GenerateArgs(r.ctx, stages.ArgGenInput{
		Objective:    r.objective,
		Tool:         tool,
		Step:         step,
		Recent:       recent,
		Ancestors:    ancestors,
		Conversation: r.opts.Conversation,
		ReuseAllowed: !r.retryMode,
	})
	if argErr != nil {
		args = step.DraftArgs
		if args == nil {
			args = map[string]any{}
		}
		out.argErr = argErr
	}
	out.args = args
	out.reused = reused

	if problems, err := r.e.catalog.ValidateArgs(step.AIName, args); err == nil && len(problems) > 0 {
		fixed, fixErr := r.e.stages.FixArgs(r.ctx, tool, args, step.DraftArgs, problems)
		if fixErr == nil {
			if again, _ := r.e.catalog.ValidateArgs(step.AIName, fixed); len(again) == 0 {
				args = fixed
				out.args = fixed
				problems = nil
			} else {
				problems = again
			}
		}
		if len(problems) > 0 {
			out.result = models.ErrResult(models.CodeArgsInvalid, strings.Join(problems, "; "))
			r.deliver(out)
			return
		}
	}

	// Future-dated schedule argument, only honored when the tool's schema
	// declares one.
	if r.e.catalog.SchemaDeclares(step.AIName, "schedule") {
		if sched, ok := args["schedule"]; ok {
			now := time.Now()
			if target, parsed := parseScheduleTarget(sched, now); parsed && target.After(now) {
				delay := target.Sub(now)
				decision := &models.ScheduleDecision{
					StepID:  step.StepID,
					AIName:  step.AIName,
					Status:  "scheduled",
					DelayMS: delay.Milliseconds(),
					Target:  target,
				}
				if r.e.cfg.immediateAllowed(step.AIName) {
					// Immediate-exec: run now; upstream defers delivery.
					decision.Immediate = true
					out.schedule = decision
				} else {
					out.schedule = decision
					out.deferred = true
					out.result = models.ToolResult{
						Success: true,
						Code:    models.CodeScheduled,
						Data: map[string]any{
							"scheduled": target.Format(time.RFC3339),
							"delayMs":   delay.Milliseconds(),
							"schedule":  sched,
						},
					}
					r.deliver(out)
					return
				}
			}
		}
	}

	if r.e.registry.IsCancelled(r.runID) {
		out.result = models.ErrResult(models.CodeRunCancelled, "run cancelled before dispatch")
		r.deliver(out)
		return
	}

	callCtx := observability.WithRunID(r.ctx, r.runID)
	callCtx = observability.WithStepIndex(callCtx, i)
	start := time.Now()
	out.result = r.e.catalog.Call(callCtx, step.AIName, args, catalog.CallInfo{RunID: r.runID, StepIndex: i})
	out.elapsed = time.Since(start)
	if !out.result.Success && out.result.Code == "TOOL_ERROR" {
		out.toolErr = out.result.Message
	}
	r.deliver(out)
}

func (r *run) deliver(out outcome) {
	select {
	case r.done <- out:
	case <-r.ctx.Done():
	}
}

// complete is the single place step outcomes mutate scheduler state.
func (r *run) complete(out outcome) {
	step := r.plan.Steps[out.index]
	st := r.state[step.StepID]

	if out.tracked {
		r.inFlight--
		r.toolInFlight[step.AIName]--
		r.providerInFlight[r.e.catalog.Provider(step.AIName)]--
	}

	if out.argErr != nil {
		ev := models.NewRunEvent(r.runID, models.EventArgGenError)
		ev.Error = out.argErr.Error()
		ev.Message = fmt.Sprintf("arg-gen failed for %s (%s); using draft args", step.StepID, step.AIName)
		r.sink.Emit(r.ctx, ev)
	}
	if out.toolErr != "" {
		ev := models.NewRunEvent(r.runID, models.EventToolError)
		ev.Error = out.toolErr
		ev.Message = fmt.Sprintf("tool dispatch fault in %s (%s)", step.StepID, step.AIName)
		r.sink.Emit(r.ctx, ev)
	}
	if out.schedule != nil {
		ev := models.NewRunEvent(r.runID, models.EventToolChoice)
		ev.Schedule = out.schedule
		r.sink.Emit(r.ctx, ev)
	}

	if r.e.metrics != nil {
		r.e.metrics.StepResults.WithLabelValues(step.AIName, out.result.Code).Inc()
		if out.elapsed > 0 {
			r.e.metrics.StepDuration.WithLabelValues(step.AIName).Observe(out.elapsed.Seconds())
		}
	}

	// Cooldown: requeue with jitter, keep the step unfinished.
	if out.result.IsCooldown() {
		remain := out.result.CooldownRemaining()
		if remain <= 0 {
			remain = r.e.cfg.CooldownDefault
		}
		requeue := remain + r.e.jitter()
		if requeue < 200*time.Millisecond {
			requeue = 200 * time.Millisecond
		}
		st.started = false
		st.delayUntil = time.Now().Add(requeue)
		if r.e.metrics != nil {
			r.e.metrics.CooldownRequeues.WithLabelValues(step.AIName).Inc()
		}
		r.emitStep(out, step, false)
		return
	}

	st.finished = true
	if !out.result.Success {
		st.failed = true
		st.failReason = out.result.Message
		if st.failReason == "" {
			st.failReason = out.result.Code
		}
	}

	if r.shouldTriggerPatch(out) {
		r.pendingPatch = &patchTrigger{
			Index:  out.index,
			StepID: step.StepID,
			AIName: step.AIName,
			Result: out.result,
			out:    &out,
		}
		return
	}

	r.emitStep(out, step, true)
}

func (r *run) shouldTriggerPatch(out outcome) bool {
	if !r.e.cfg.EnablePlanPatch || r.patchDisabled || r.pendingPatch != nil {
		return false
	}
	if r.cancelled || r.stopRequested {
		return false
	}
	if r.patchCalls >= r.e.cfg.MaxPlanPatchCalls {
		return false
	}
	switch r.e.cfg.PlanPatchTriggerMode {
	case TriggerAlways:
		return true
	case TriggerOnError:
		return !out.result.Success &&
			out.result.Code != models.CodeRunCancelled &&
			out.result.Code != models.CodeSkipUpstreamFailed
	}
	return false
}

// buildStepResult assembles the tool_result payload for one outcome. The
// executionIndex is assigned later, at emit time.
func (r *run) buildStepResult(out outcome, step models.Step, terminal bool) models.StepResult {
	groupID := r.g.groupOf[out.index]
	sr := models.StepResult{
		PlannedStepIndex: out.index,
		StepID:           step.StepID,
		AIName:           step.AIName,
		NextStep:         step.NextStep,
		Args:             out.args,
		Result:           out.result,
		ElapsedMS:        out.elapsed.Milliseconds(),
		DependsOnStepIDs: append([]string(nil), step.DependsOnStepIDs...),
		GroupID:          groupID,
		GroupSize:        r.g.groupSize(out.index),
	}
	for _, succ := range r.g.revDeps[out.index] {
		sr.DependedByStepIDs = append(sr.DependedByStepIDs, r.plan.Steps[succ].StepID)
	}
	if d, ok := r.e.catalog.Lookup(step.AIName); ok {
		sr.ToolMeta = d.Meta
	}
	if r.e.cfg.VerboseSteps {
		sr.Reason = append([]string(nil), step.Reason...)
		if len(step.DependsOnStepIDs) > 0 {
			sr.DependsNote = "waited for " + strings.Join(step.DependsOnStepIDs, ", ")
		}
	}
	if terminal && out.result.Success && !out.deferred {
		sr.Completion = &models.StepCompletion{State: "completed", MustAnswerFromResult: true}
	}
	return sr
}

// emitStep routes one outcome's args and tool_result events: singleton
// groups (and degraded ones) flush immediately, multi-member groups
// buffer until the whole group finishes.
func (r *run) emitStep(out outcome, step models.Step, terminal bool) {
	groupID := r.g.groupOf[out.index]
	sr := r.buildStepResult(out, step, terminal)

	argsEv := models.NewRunEvent(r.runID, models.EventArgs)
	argsEv.Args = &models.StepArgs{
		StepID:           step.StepID,
		PlannedStepIndex: out.index,
		DisplayIndex:     step.DisplayIndex,
		AIName:           step.AIName,
		Args:             out.args,
		DraftArgs:        step.DraftArgs,
		Reused:           out.reused,
	}
	resultEv := models.NewRunEvent(r.runID, models.EventToolResult)
	resultEv.ToolResult = &sr

	if terminal {
		r.results = append(r.results, sr)
		r.pushRecent(sr)
	}

	if r.g.groupSize(out.index) == 1 || r.degraded[groupID] {
		sr.ResultStream = true
		sr.ResultStatus = models.ResultProgress
		if terminal && r.isLastEmission() {
			sr.ResultStatus = models.ResultFinal
			r.finalEmitted = true
		}
		sr.ExecutionIndex = r.nextExecIndex()
		resultEv.ToolResult = &sr
		r.sink.Emit(r.ctx, argsEv)
		r.sink.Emit(r.ctx, resultEv)
		return
	}

	buf := r.buffers[groupID]
	if buf == nil {
		buf = &groupBuffer{}
		r.buffers[groupID] = buf
	}
	buf.args = append(buf.args, argsEv)
	buf.results = append(buf.results, resultEv)
	buf.emitOrder = append(buf.emitOrder, r.bufferedSeq)
	r.bufferedSeq++

	r.flushReadyGroups()
}

// isLastEmission reports whether no further result events can follow: all
// steps finished and no group buffer awaits flushing.
func (r *run) isLastEmission() bool {
	if r.cancelled || r.finalEmitted || r.pendingPatch != nil {
		return false
	}
	if r.remaining() > 0 {
		return false
	}
	for g, buf := range r.buffers {
		if !r.flushed[g] && len(buf.results) > 0 {
			return false
		}
	}
	return true
}

func (r *run) nextExecIndex() int {
	idx := r.execIndex
	r.execIndex++
	return idx
}

func (r *run) pushRecent(sr models.StepResult) {
	r.recent = append(r.recent, sr)
	if n := r.e.cfg.RecentContextLimit; len(r.recent) > n {
		r.recent = r.recent[len(r.recent)-n:]
	}
}

// groupComplete reports whether every member of the group is finished. A
// group holding the staged patch trigger is not complete: its result is
// withheld until the hook decides, and must not be flushed around.
func (r *run) groupComplete(groupID int) bool {
	if r.pendingPatch != nil && r.g.groupOf[r.pendingPatch.Index] == groupID {
		return false
	}
	for _, i := range r.g.members[groupID] {
		if !r.state[r.plan.Steps[i].StepID].finished {
			return false
		}
	}
	return true
}

// flushReadyGroups flushes completed multi-member groups in group-id
// order. A completed later group waits behind an earlier incomplete one,
// so a later group's combined events never outrun an earlier group's.
func (r *run) flushReadyGroups() {
	for g := 0; g < r.g.groupCount(); g++ {
		if r.flushed[g] || r.degraded[g] || len(r.g.members[g]) == 1 {
			continue
		}
		if !r.groupComplete(g) {
			return
		}
		r.flushGroup(g, false)
	}
}

// flushGroup emits the group's buffered args as one args_group event and
// its results as one tool_result_group ordered by the Kahn topological
// sort of the subgraph.
func (r *run) flushGroup(groupID int, asProgress bool) {
	buf := r.buffers[groupID]
	r.flushed[groupID] = true
	if buf == nil || (len(buf.args) == 0 && len(buf.results) == 0) {
		return
	}

	argsFlush := models.NewRunEvent(r.runID, models.EventArgsGroup)
	argsFlush.Group = &models.GroupFlush{GroupID: groupID, Events: buf.args}
	r.sink.Emit(r.ctx, argsFlush)

	ordered := r.orderResults(groupID, buf)
	final := !asProgress && r.isLastFlush(groupID)
	for i := range ordered {
		sr := ordered[i].ToolResult
		sr.ExecutionIndex = r.nextExecIndex()
		sr.ResultStatus = models.ResultProgress
		if final && i == len(ordered)-1 {
			sr.ResultStatus = models.ResultFinal
			r.finalEmitted = true
		}
	}
	resultFlush := models.NewRunEvent(r.runID, models.EventToolResultGroup)
	resultFlush.Group = &models.GroupFlush{GroupID: groupID, Events: ordered}
	r.sink.Emit(r.ctx, resultFlush)

	delete(r.buffers, groupID)
}

// orderResults sorts the buffered result events by the topological rank of
// their step, keeping emission order for duplicates of the same step
// (cooldown attempts) and for ties.
func (r *run) orderResults(groupID int, buf *groupBuffer) []models.RunEvent {
	rank := map[string]int{}
	for pos, i := range r.g.topoOrder(groupID) {
		rank[r.plan.Steps[i].StepID] = pos
	}

	type keyed struct {
		ev    models.RunEvent
		rank  int
		order int
	}
	items := make([]keyed, len(buf.results))
	for i, ev := range buf.results {
		items[i] = keyed{ev: ev, rank: rank[ev.ToolResult.StepID], order: buf.emitOrder[i]}
	}
	// Insertion sort keeps this dependency-free; groups are small.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, b := items[j-1], items[j]
			if a.rank > b.rank || (a.rank == b.rank && a.order > b.order) {
				items[j-1], items[j] = b, a
			} else {
				break
			}
		}
	}
	out := make([]models.RunEvent, len(items))
	for i, it := range items {
		out[i] = it.ev
	}
	return out
}

// isLastFlush reports whether this group flush is the run's last result
// emission.
func (r *run) isLastFlush(groupID int) bool {
	if r.cancelled || r.finalEmitted || r.pendingPatch != nil {
		return false
	}
	if r.remaining() > 0 {
		return false
	}
	for g, buf := range r.buffers {
		if g == groupID || r.flushed[g] {
			continue
		}
		if len(buf.results) > 0 {
			return false
		}
	}
	return true
}

// flushAllBuffersAsSingletons force-flushes every buffered event as an
// individual progress event, in group-id then emission order. Used before
// plan patches (results must be visible to the hook's consumers) and on
// cancellation.
func (r *run) flushAllBuffersAsSingletons() {
	for g := 0; g < r.g.groupCount(); g++ {
		buf := r.buffers[g]
		if buf == nil || r.flushed[g] {
			continue
		}
		for _, ev := range buf.args {
			r.sink.Emit(r.ctx, ev)
		}
		for _, ev := range buf.results {
			ev.ToolResult.ResultStream = true
			ev.ToolResult.ResultStatus = models.ResultProgress
			ev.ToolResult.ExecutionIndex = r.nextExecIndex()
			r.sink.Emit(r.ctx, ev)
		}
		delete(r.buffers, g)
		r.degraded[g] = true
	}
}

// forceFinishRemainder marks every unfinished step finished without
// dispatch. Reached only when the dependency graph turned out to be
// unsatisfiable at runtime.
func (r *run) forceFinishRemainder() {
	for _, s := range r.plan.Steps {
		st := r.state[s.StepID]
		if !st.finished {
			st.finished = true
			st.failed = true
			st.failReason = "unreachable: dependency never satisfied"
		}
	}
	r.flushReadyGroups()
	r.flushAllBuffersAsSingletons()
}
