// Package planner turns an objective and a tool catalog into a validated
// plan of tool invocations. Plans are produced with native function
// calling, optionally as multiple audited candidates, and always satisfy
// the dependency invariants before they reach the executor.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planexec/planexec/internal/catalog"
	"github.com/planexec/planexec/internal/llm"
	"github.com/planexec/planexec/internal/observability"
	"github.com/planexec/planexec/internal/stages"
	"github.com/planexec/planexec/pkg/models"
)

// Config tunes plan generation.
type Config struct {
	// Temperature is the base sampling temperature; planning runs at
	// Temperature-0.1.
	// Default: 0.7
	Temperature float32

	// ToolStrategy is "auto" (native function calling) or "fc" (raw
	// function-call text path).
	ToolStrategy string

	// Model is the primary planning model; empty uses the client default.
	Model string

	// Models is the per-model candidate set for multi-candidate mode.
	Models []string

	// MultiEnable turns on multi-candidate planning.
	MultiEnable bool

	// MultiCandidates is the candidate count, clamped to 2..5.
	MultiCandidates int

	// CandidateMinTimeout/CandidateMaxTimeout clamp the straggler
	// deadline once half the candidates have completed.
	CandidateMinTimeout time.Duration
	CandidateMaxTimeout time.Duration

	// CandidateTimeFactor scales the mean completion time into the
	// straggler deadline.
	CandidateTimeFactor float64

	// AuditEnable runs a select_plan audit when >1 candidate survives.
	AuditEnable bool

	// MaxSteps is the per-candidate step ceiling.
	MaxSteps int

	// UsePreThought runs the pre-thought stage before planning.
	UsePreThought bool

	// MemoryEnabled recalls and records plan memory.
	MemoryEnabled bool

	// RerankEnabled reranks the manifest against the objective.
	RerankEnabled bool
}

func (c Config) sanitized() Config {
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.ToolStrategy != "fc" {
		c.ToolStrategy = "auto"
	}
	if c.MultiCandidates < 2 {
		c.MultiCandidates = 2
	}
	if c.MultiCandidates > 5 {
		c.MultiCandidates = 5
	}
	if c.CandidateMinTimeout <= 0 {
		c.CandidateMinTimeout = 2 * time.Second
	}
	if c.CandidateMaxTimeout <= 0 {
		c.CandidateMaxTimeout = 20 * time.Second
	}
	if c.CandidateTimeFactor <= 0 {
		c.CandidateTimeFactor = 1.5
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 12
	}
	return c
}

// Planner produces validated plans.
type Planner struct {
	client   llm.Client
	stages   *stages.Stages
	catalog  *catalog.Catalog
	cfg      Config
	reranker *Reranker
	memory   *PlanMemory
	metrics  *observability.RunMetrics
}

// New builds a planner. Reranker, memory, and metrics may be nil.
func New(client llm.Client, st *stages.Stages, cat *catalog.Catalog, cfg Config, reranker *Reranker, memory *PlanMemory, metrics *observability.RunMetrics) *Planner {
	return &Planner{
		client:   client,
		stages:   st,
		catalog:  cat,
		cfg:      cfg.sanitized(),
		reranker: reranker,
		memory:   memory,
		metrics:  metrics,
	}
}

// Input parameterizes one plan generation.
type Input struct {
	RunID        string
	Objective    string
	Context      map[string]any
	Conversation []models.ChatMessage

	// Judge supplies the optional tool whitelist.
	Judge models.JudgeVerdict

	// GlobalOverlay/PlanOverlay/ConcurrencyOverlay extend the system
	// prompt, in that order.
	GlobalOverlay      string
	PlanOverlay        string
	ConcurrencyOverlay string
}

// AuditResult reports the multi-candidate audit, when one ran.
type AuditResult struct {
	Candidates int
	Best       int
	Reason     string
}

// GeneratePlan produces a plan satisfying the dependency invariants. The
// plan may carry zero steps when no suitable tool exists. The returned
// audit is nil unless multi-candidate mode ran an audit.
func (p *Planner) GeneratePlan(ctx context.Context, in Input) (*models.Plan, *AuditResult, error) {
	manifest := p.catalog.ToolsDetailed()
	if len(manifest) == 0 {
		return &models.Plan{}, nil, nil
	}

	var preThought string
	if p.cfg.UsePreThought {
		preThought = p.stages.PreThought(ctx, in.Objective, manifest, in.Conversation)
	}

	if p.cfg.RerankEnabled && p.reranker != nil {
		manifest = p.reranker.Rerank(ctx, in.Objective, manifest)
	}

	manifest = applyWhitelist(manifest, in.Judge.ToolNames)
	allowed := make([]string, 0, len(manifest))
	for _, d := range manifest {
		allowed = append(allowed, d.AIName)
	}

	messages := p.buildMessages(ctx, in, manifest, preThought)

	plan, audit := p.generateCandidates(ctx, messages, allowed)

	// One strict re-plan when the pick is empty or still references
	// unknown tools.
	if plan == nil || len(plan.Steps) == 0 || hasUnknownNames(plan, allowed) {
		strict := append(cloneMessages(messages), models.ChatMessage{
			Role:    models.RoleAssistant,
			Content: fmt.Sprintf(strictReplanClause, strings.Join(allowed, ", ")),
		})
		replanned, err := p.planOnce(ctx, strict, allowed, p.primaryModel())
		if err == nil && replanned != nil {
			plan = replanned
		}
	}
	if plan == nil {
		plan = &models.Plan{}
	}
	plan.Steps = filterUnknownSteps(plan.Steps, allowed)
	plan.Manifest = manifest

	// Dependency validation with one strict retry, then the
	// strip-everything fallback. Never deadlock.
	if problems := validateDependencies(plan); len(problems) > 0 {
		strict := append(cloneMessages(messages), models.ChatMessage{
			Role:    models.RoleAssistant,
			Content: fmt.Sprintf(strictDependencyClause, strings.Join(problems, "; ")),
		})
		replanned, err := p.planOnce(ctx, strict, allowed, p.primaryModel())
		if err == nil && replanned != nil && len(replanned.Steps) > 0 {
			replanned.Steps = filterUnknownSteps(replanned.Steps, allowed)
			replanned.Manifest = manifest
			if len(validateDependencies(replanned)) == 0 {
				plan = replanned
			} else {
				plan = replanned
				stripDependencies(plan)
			}
		} else {
			stripDependencies(plan)
		}
	}

	ensureStepIDs(plan)
	plan.RenumberSteps()

	if p.metrics != nil {
		p.metrics.PlanSteps.Observe(float64(len(plan.Steps)))
	}
	if p.cfg.MemoryEnabled && p.memory != nil && len(plan.Steps) > 0 {
		p.memory.Upsert(ctx, in.Objective, plan)
	}
	return plan, audit, nil
}

func (p *Planner) primaryModel() string {
	if p.cfg.Model != "" {
		return p.cfg.Model
	}
	if len(p.cfg.Models) > 0 {
		return p.cfg.Models[0]
	}
	return ""
}

func (p *Planner) buildMessages(ctx context.Context, in Input, manifest []models.ToolDescriptor, preThought string) []models.ChatMessage {
	systemText := buildSystemText(in.GlobalOverlay, in.PlanOverlay, in.ConcurrencyOverlay)

	messages := make([]models.ChatMessage, 0, len(in.Conversation)+3)
	messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: systemText})
	messages = append(messages, in.Conversation...)

	var user strings.Builder
	fmt.Fprintf(&user, "Objective: %s\n", in.Objective)
	if preThought != "" {
		fmt.Fprintf(&user, "\nInitial sketch:\n%s\n", preThought)
	}
	fmt.Fprintf(&user, "\nTool manifest:\n%s", renderManifest(manifest))
	if p.cfg.MemoryEnabled && p.memory != nil {
		if snippets := p.memory.Recall(ctx, in.Objective, 3); len(snippets) > 0 {
			user.WriteString("\nPlans that worked for similar objectives:\n")
			for _, s := range snippets {
				user.WriteString(s + "\n")
			}
		}
	}
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: user.String()})
	return messages
}

// generateCandidates picks a plan via multi-candidate mode or the
// two-request race fallback.
func (p *Planner) generateCandidates(ctx context.Context, messages []models.ChatMessage, allowed []string) (*models.Plan, *AuditResult) {
	if !p.cfg.MultiEnable {
		return p.racePair(ctx, messages, allowed), nil
	}

	type candidate struct {
		plan    *models.Plan
		elapsed time.Duration
	}

	// One variant per configured model, or K variants of the primary.
	modelSet := p.cfg.Models
	k := p.cfg.MultiCandidates
	if len(modelSet) > 1 {
		k = len(modelSet)
	}

	results := make(chan candidate, k)
	for i := 0; i < k; i++ {
		model := p.primaryModel()
		if len(modelSet) > 1 {
			model = modelSet[i]
		}
		go func(model string) {
			start := time.Now()
			plan, err := p.planOnce(ctx, messages, allowed, model)
			if err != nil {
				plan = nil
			}
			results <- candidate{plan: plan, elapsed: time.Since(start)}
		}(model)
	}

	// Collect the first ⌈k/2⌉, then give stragglers a deadline derived
	// from the observed mean latency.
	majority := (k + 1) / 2
	var collected []candidate
	for len(collected) < majority {
		collected = append(collected, <-results)
	}
	var meanMS float64
	for _, c := range collected {
		meanMS += float64(c.elapsed.Milliseconds())
	}
	meanMS /= float64(len(collected))
	wait := time.Duration(meanMS*p.cfg.CandidateTimeFactor*(1+0.25*float64(k-majority))) * time.Millisecond
	wait = clampDuration(wait, p.cfg.CandidateMinTimeout, p.cfg.CandidateMaxTimeout)

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
collect:
	for len(collected) < k {
		select {
		case c := <-results:
			collected = append(collected, c)
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	var valid []*models.Plan
	for _, c := range collected {
		if c.plan == nil {
			continue
		}
		c.plan.Steps = filterUnknownSteps(c.plan.Steps, allowed)
		if len(c.plan.Steps) > 0 {
			valid = append(valid, c.plan)
		}
	}
	switch len(valid) {
	case 0:
		return nil, nil
	case 1:
		return valid[0], nil
	}

	if !p.cfg.AuditEnable {
		return valid[0], nil
	}
	best, reason := p.auditSelect(ctx, messages, valid)
	return valid[best], &AuditResult{Candidates: len(valid), Best: best, Reason: reason}
}

// racePair fires two identical requests and uses whichever returns first
// with a non-empty plan.
func (p *Planner) racePair(ctx context.Context, messages []models.ChatMessage, allowed []string) *models.Plan {
	results := make(chan *models.Plan, 2)
	for i := 0; i < 2; i++ {
		go func() {
			plan, err := p.planOnce(ctx, messages, allowed, p.primaryModel())
			if err != nil {
				plan = nil
			}
			results <- plan
		}()
	}
	var fallback *models.Plan
	for i := 0; i < 2; i++ {
		select {
		case plan := <-results:
			if plan != nil && len(plan.Steps) > 0 {
				return plan
			}
			if plan != nil {
				fallback = plan
			}
		case <-ctx.Done():
			return fallback
		}
	}
	return fallback
}

// planOnce issues one planning request and decodes the emitted steps.
func (p *Planner) planOnce(ctx context.Context, messages []models.ChatMessage, allowed []string, model string) (*models.Plan, error) {
	temperature := p.cfg.Temperature - 0.1
	if temperature <= 0 {
		temperature = 0.1
	}

	var decoded struct {
		Steps []models.Step `json:"steps"`
	}

	if p.cfg.ToolStrategy == "fc" {
		// Raw text path: the model writes the JSON inside a <plan> block.
		fcMessages := append(cloneMessages(messages), models.ChatMessage{
			Role:    models.RoleSystem,
			Content: fcPlanInstruction,
		})
		msg, err := p.client.Complete(ctx, llm.Request{
			Messages:    fcMessages,
			Temperature: temperature,
			Model:       model,
		})
		if err != nil {
			return nil, err
		}
		body := extractPlanBlock(msg.Content)
		if raw := llm.ExtractJSONObject(body); raw != "" {
			body = raw
		}
		if err := json.Unmarshal([]byte(body), &decoded); err != nil {
			return nil, fmt.Errorf("decode fc plan: %w", err)
		}
	} else {
		msg, err := p.client.Complete(ctx, llm.Request{
			Messages:    messages,
			Temperature: temperature,
			Model:       model,
			Tools: []llm.ToolDef{{
				Name:        "emit_plan",
				Description: "Emit the tool invocation plan.",
				Parameters:  emitPlanSchema(allowed, p.cfg.MaxSteps),
			}},
			ForceTool: "emit_plan",
		})
		if err != nil {
			return nil, err
		}
		if err := llm.DecodeFunctionArgs(msg, "emit_plan", &decoded); err != nil {
			return nil, err
		}
	}

	if p.cfg.MaxSteps > 0 && len(decoded.Steps) > p.cfg.MaxSteps {
		decoded.Steps = decoded.Steps[:p.cfg.MaxSteps]
	}
	return &models.Plan{Steps: decoded.Steps}, nil
}

// auditSelect asks the audit model to pick the best candidate.
func (p *Planner) auditSelect(ctx context.Context, messages []models.ChatMessage, candidates []*models.Plan) (int, string) {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "Candidate %d:\n", i)
		for _, s := range c.Steps {
			deps := ""
			if len(s.DependsOnStepIDs) > 0 {
				deps = " deps=" + strings.Join(s.DependsOnStepIDs, ",")
			}
			fmt.Fprintf(&b, "  - %s: %s%s\n", s.AIName, s.NextStep, deps)
		}
	}

	var objective string
	for _, m := range messages {
		if m.Role == models.RoleUser {
			objective = m.Content
		}
	}

	auditMessages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: auditSystem},
		{Role: models.RoleUser, Content: objective + "\n\n" + b.String()},
	}

	var pick struct {
		Best   int    `json:"best"`
		Reason string `json:"reason"`
	}
	msg, err := p.client.Complete(ctx, llm.Request{
		Messages: auditMessages,
		Tools: []llm.ToolDef{{
			Name:        "select_plan",
			Description: "Select the best candidate plan.",
			Parameters:  selectPlanSchema,
		}},
		ForceTool: "select_plan",
	})
	if err != nil {
		slog.Warn("plan audit failed, using first candidate", "error", err)
		return 0, ""
	}
	if err := llm.DecodeFunctionArgs(msg, "select_plan", &pick); err != nil {
		return 0, ""
	}
	if pick.Best < 0 || pick.Best >= len(candidates) {
		return 0, pick.Reason
	}
	return pick.Best, pick.Reason
}

// applyWhitelist intersects the manifest with the judge whitelist,
// falling back to the full manifest when the intersection would be empty.
func applyWhitelist(manifest []models.ToolDescriptor, whitelist []string) []models.ToolDescriptor {
	if len(whitelist) == 0 {
		return manifest
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = true
	}
	out := make([]models.ToolDescriptor, 0, len(manifest))
	for _, d := range manifest {
		if allowed[d.AIName] {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return manifest
	}
	return out
}

func hasUnknownNames(plan *models.Plan, allowed []string) bool {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}
	for _, s := range plan.Steps {
		if !s.Skip && !known[s.AIName] {
			return true
		}
	}
	return false
}

func filterUnknownSteps(steps []models.Step, allowed []string) []models.Step {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}
	out := make([]models.Step, 0, len(steps))
	for _, s := range steps {
		if s.Skip || known[s.AIName] {
			out = append(out, s)
		}
	}
	return out
}

// validateDependencies returns a description of every dependency
// violation: unknown references, self references, forward references, and
// cycles.
func validateDependencies(plan *models.Plan) []string {
	var problems []string
	index := map[string]int{}
	for i, s := range plan.Steps {
		if s.StepID != "" {
			index[s.StepID] = i
		}
	}
	for i, s := range plan.Steps {
		for _, dep := range s.DependsOnStepIDs {
			j, ok := index[dep]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("step %d references unknown step %q", i+1, dep))
			case j == i:
				problems = append(problems, fmt.Sprintf("step %d depends on itself", i+1))
			case j > i:
				problems = append(problems, fmt.Sprintf("step %d depends on later step %q", i+1, dep))
			}
		}
	}
	if len(problems) == 0 && hasCycle(plan) {
		problems = append(problems, "dependency graph contains a cycle")
	}
	return problems
}

func hasCycle(plan *models.Plan) bool {
	index := map[string]int{}
	for i, s := range plan.Steps {
		index[s.StepID] = i
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(plan.Steps))
	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		for _, dep := range plan.Steps[i].DependsOnStepIDs {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			if color[j] == gray {
				return true
			}
			if color[j] == white && visit(j) {
				return true
			}
		}
		color[i] = black
		return false
	}
	for i := range plan.Steps {
		if color[i] == white && visit(i) {
			return true
		}
	}
	return false
}

func stripDependencies(plan *models.Plan) {
	for i := range plan.Steps {
		plan.Steps[i].DependsOnStepIDs = nil
	}
}

// ensureStepIDs synthesizes missing or duplicate stepIds.
func ensureStepIDs(plan *models.Plan) {
	seen := map[string]bool{}
	for i := range plan.Steps {
		id := strings.TrimSpace(plan.Steps[i].StepID)
		if id == "" || seen[id] {
			id = NewStepID()
			plan.Steps[i].StepID = id
		}
		seen[id] = true
	}
}

// NewStepID mints a fresh opaque step identifier.
func NewStepID() string {
	return "s-" + uuid.NewString()[:8]
}

func cloneMessages(in []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(in))
	copy(out, in)
	return out
}

func clampDuration(d, min, max time.Duration) time.Duration {
	return time.Duration(math.Min(math.Max(float64(d), float64(min)), float64(max)))
}
