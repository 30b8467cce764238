package models

import "encoding/json"

// ToolDescriptor describes one callable tool as offered to the planner.
// It is a read-only view over the tool layer: the catalog owns the real
// tool, the descriptor only carries what planning needs.
type ToolDescriptor struct {
	// AIName is the stable identifier the model uses to reference the tool.
	AIName string `json:"aiName"`

	// Description is a short natural-language summary shown in the manifest.
	Description string `json:"description"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// Provider labels the upstream service the tool talks to.
	// Empty means "local".
	Provider string `json:"provider,omitempty"`

	// Meta carries optional tool metadata (cooldown hints, display names).
	Meta map[string]any `json:"meta,omitempty"`
}

// Step is one unit of tool invocation inside a plan.
type Step struct {
	// StepID uniquely identifies the step within its run. It is stable
	// across plan patches; missing IDs are synthesized by the planner.
	StepID string `json:"stepId"`

	// DisplayIndex is the 1-based human-facing position. It is recomputed
	// after every structural change to the plan.
	DisplayIndex int `json:"displayIndex"`

	// AIName names the tool to invoke. Must appear in the plan manifest
	// unless the step is skipped.
	AIName string `json:"aiName"`

	// Reason holds short rationale strings in order. May be empty.
	Reason []string `json:"reason,omitempty"`

	// NextStep describes the step's intent in free text.
	NextStep string `json:"nextStep,omitempty"`

	// DraftArgs is the planner's best-effort argument proposal. Final
	// arguments are synthesized by the arg-gen stage.
	DraftArgs map[string]any `json:"draftArgs,omitempty"`

	// DependsOnStepIDs lists earlier steps this step needs results from.
	// Self references and cycles are rejected by plan validation.
	DependsOnStepIDs []string `json:"dependsOnStepIds,omitempty"`

	// Skip marks the step as already finished; it is never dispatched.
	Skip bool `json:"skip,omitempty"`
}

// Plan is the planner's output: the manifest of tools that were offered to
// the model plus the ordered steps it produced. A Plan is owned by a single
// ExecutePlan invocation; structural edits go through patch operations only.
type Plan struct {
	Manifest []ToolDescriptor `json:"manifest"`
	Steps    []Step           `json:"steps"`
}

// StepIndex returns the position of the step with the given ID, or -1.
func (p *Plan) StepIndex(stepID string) int {
	for i := range p.Steps {
		if p.Steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}

// ManifestNames returns the set of aiNames present in the manifest.
func (p *Plan) ManifestNames() map[string]bool {
	names := make(map[string]bool, len(p.Manifest))
	for _, d := range p.Manifest {
		names[d.AIName] = true
	}
	return names
}

// RenumberSteps recomputes DisplayIndex as position+1 for every step.
// Callers must invoke this after any structural change.
func (p *Plan) RenumberSteps() {
	for i := range p.Steps {
		p.Steps[i].DisplayIndex = i + 1
	}
}

// Clone returns a deep copy of the plan. The executor clones before
// mutating so callers keep a stable snapshot.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := &Plan{
		Manifest: make([]ToolDescriptor, len(p.Manifest)),
		Steps:    make([]Step, len(p.Steps)),
	}
	copy(cp.Manifest, p.Manifest)
	for i, s := range p.Steps {
		cs := s
		cs.Reason = append([]string(nil), s.Reason...)
		cs.DependsOnStepIDs = append([]string(nil), s.DependsOnStepIDs...)
		if s.DraftArgs != nil {
			cs.DraftArgs = make(map[string]any, len(s.DraftArgs))
			for k, v := range s.DraftArgs {
				cs.DraftArgs[k] = v
			}
		}
		cp.Steps[i] = cs
	}
	return cp
}
