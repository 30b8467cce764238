package executor

import (
	"log/slog"

	"github.com/planexec/planexec/internal/planner"
	"github.com/planexec/planexec/internal/stages"
	"github.com/planexec/planexec/pkg/models"
)

// runPatch invokes the plan-patch hook for the staged trigger. Callers
// guarantee quiescence: no task is in flight, so buffers can be
// force-flushed and the plan edited without racing a completion.
func (r *run) runPatch() {
	trigger := *r.pendingPatch
	r.pendingPatch = nil

	// Results the hook reasons about must already be visible downstream.
	r.flushAllBuffersAsSingletons()

	r.patchCalls++
	if r.patchCalls >= r.e.cfg.MaxPlanPatchCalls {
		r.patchDisabled = true
	}

	decision, err := r.e.stages.MaybePlanPatch(r.ctx, stages.PatchInput{
		Objective:  r.objective,
		Plan:       r.plan,
		AtIndex:    trigger.Index,
		AtStepID:   trigger.StepID,
		AIName:     trigger.AIName,
		LastResult: trigger.Result,
		Ancestors:  r.ancestorResults(trigger.Index),
	})
	if err != nil {
		slog.Warn("plan patch hook failed, continuing", "run_id", r.runID, "error", err)
		r.emitPendingTrigger(trigger)
		return
	}

	if r.e.metrics != nil {
		r.e.metrics.PlanPatches.WithLabelValues(decision.Action).Inc()
	}

	switch decision.Action {
	case stages.PatchActionStop:
		r.stopRequested = true
		r.stopReason = decision.Reason
		ev := models.NewRunEvent(r.runID, models.EventPlanPatch)
		ev.Patch = &models.PlanPatchOutcome{
			Action:   stages.PatchActionStop,
			Reason:   decision.Reason,
			AtStepID: trigger.StepID,
		}
		r.sink.Emit(r.ctx, ev)

	case stages.PatchActionPatch:
		applied := r.applyPatch(decision.Operations, trigger)
		if applied == 0 {
			break
		}
		r.patchesApplied++
		if r.patchesApplied >= r.e.cfg.MaxPatches {
			r.patchDisabled = true
		}
		r.rebuildGroupingState()
		r.sink.SetPlan(r.ctx, r.plan)

		ev := models.NewRunEvent(r.runID, models.EventPlanPatch)
		ev.Patch = &models.PlanPatchOutcome{
			Action:    stages.PatchActionPatch,
			Reason:    decision.Reason,
			AtStepID:  trigger.StepID,
			Applied:   applied,
			StepCount: len(r.plan.Steps),
		}
		r.sink.Emit(r.ctx, ev)
	}

	// The triggering result is emitted only now, under the post-decision
	// grouping, so the final marker cannot land on a step the patch just
	// extended the plan past.
	r.emitPendingTrigger(trigger)
}

// emitPendingTrigger releases the held-back result of the step whose
// failure invoked the hook.
func (r *run) emitPendingTrigger(trigger patchTrigger) {
	if trigger.out == nil {
		return
	}
	r.emitStep(*trigger.out, r.plan.Steps[trigger.Index], true)
}

// applyPatch applies the hook's operations to the plan and returns how
// many took effect. Replace and delete only touch steps strictly after
// the failing one that have not started, finished, or been skipped.
func (r *run) applyPatch(ops []stages.PatchOp, trigger patchTrigger) int {
	applied := 0
	retryConsumed := false
	for _, op := range ops {
		switch op.Op {
		case stages.PatchOpAppend:
			for _, step := range op.Steps {
				if r.isRetryStep(step, trigger) {
					if retryConsumed || !r.consumeRetryBudget(trigger.StepID) {
						slog.Warn("dropping patch retry step: budget exhausted",
							"run_id", r.runID, "step_id", trigger.StepID)
						continue
					}
					retryConsumed = true
				}
				step.StepID = planner.NewStepID()
				step.Skip = false
				r.plan.Steps = append(r.plan.Steps, step)
				r.state[step.StepID] = &stepState{}
				applied++
			}

		case stages.PatchOpReplace:
			idx, ok := r.patchableIndex(op.TargetStepID, trigger.Index)
			if !ok || op.Step == nil {
				continue
			}
			replacement := *op.Step
			replacement.StepID = r.plan.Steps[idx].StepID
			replacement.Skip = false
			r.plan.Steps[idx] = replacement
			applied++

		case stages.PatchOpDelete:
			idx, ok := r.patchableIndex(op.TargetStepID, trigger.Index)
			if !ok {
				continue
			}
			r.plan.Steps[idx].Skip = true
			r.state[r.plan.Steps[idx].StepID].finished = true
			applied++
		}
	}
	return applied
}

// isRetryStep reports whether an appended step retries the failed one:
// same tool, depending on the failed stepId.
func (r *run) isRetryStep(step models.Step, trigger patchTrigger) bool {
	if step.AIName != trigger.AIName {
		return false
	}
	for _, dep := range step.DependsOnStepIDs {
		if dep == trigger.StepID {
			return true
		}
	}
	return false
}

// consumeRetryBudget decrements the per-stepId retry budget, initializing
// it lazily from the configured default.
func (r *run) consumeRetryBudget(stepID string) bool {
	budget, ok := r.retryBudget[stepID]
	if !ok {
		budget = r.e.cfg.RetryBudgetPerStep
	}
	if budget <= 0 {
		r.retryBudget[stepID] = 0
		return false
	}
	r.retryBudget[stepID] = budget - 1
	return true
}

// patchableIndex resolves a replace/delete target: it must exist, sit
// strictly after the failing step, and be untouched.
func (r *run) patchableIndex(targetStepID string, currentIdx int) (int, bool) {
	idx := r.plan.StepIndex(targetStepID)
	if idx < 0 || idx <= currentIdx {
		return 0, false
	}
	step := r.plan.Steps[idx]
	st := r.state[step.StepID]
	if step.Skip || st.started || st.finished {
		return 0, false
	}
	return idx, true
}

// rebuildGroupingState reasserts the plan invariants after a patch:
// dependencies are sanitized, display indices recomputed, and the
// dependency groups rebuilt from scratch. Groups that already emitted
// results stay in singleton emission mode.
func (r *run) rebuildGroupingState() {
	r.sanitizeDependencies()
	r.plan.RenumberSteps()

	emitted := map[string]bool{}
	for _, sr := range r.results {
		emitted[sr.StepID] = true
	}

	r.g = buildGraph(r.plan)
	r.degraded = make(map[int]bool)
	r.flushed = make(map[int]bool)
	for g, members := range r.g.members {
		for _, i := range members {
			if emitted[r.plan.Steps[i].StepID] {
				r.degraded[g] = true
				break
			}
		}
	}
	for _, s := range r.plan.Steps {
		if r.state[s.StepID] == nil {
			r.state[s.StepID] = &stepState{}
		}
	}
	// Stale buffers cannot survive a rebuild; runPatch flushed them.
	r.buffers = make(map[int]*groupBuffer)
	r.bufferedSeq = 0
}

// sanitizeDependencies drops self references, references to unknown
// steps, and forward references, so the patched graph stays acyclic.
func (r *run) sanitizeDependencies() {
	index := map[string]int{}
	for i, s := range r.plan.Steps {
		index[s.StepID] = i
	}
	for i := range r.plan.Steps {
		deps := r.plan.Steps[i].DependsOnStepIDs
		if len(deps) == 0 {
			continue
		}
		kept := deps[:0]
		seen := map[string]bool{}
		for _, dep := range deps {
			j, ok := index[dep]
			if !ok || j >= i || seen[dep] {
				continue
			}
			seen[dep] = true
			kept = append(kept, dep)
		}
		r.plan.Steps[i].DependsOnStepIDs = kept
	}
}
