// Package stages implements the LLM-driven sub-steps of a run: judge,
// pre-thought, arg-gen and fix-args, evaluate, the completeness check,
// summarize, and the plan-patch hook. Stage failures never fail the run;
// every caller has a documented fallback.
package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/planexec/planexec/internal/llm"
	"github.com/planexec/planexec/internal/observability"
	"github.com/planexec/planexec/pkg/models"
)

// Config tunes stage behavior.
type Config struct {
	// Temperature is the base sampling temperature.
	// Default: 0.7
	Temperature float32

	// Timeout bounds each stage call.
	// Default: 90s
	Timeout time.Duration

	// Model overrides the client default for stage calls when set.
	Model string
}

func (c Config) sanitized() Config {
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	return c
}

// Stages bundles the LLM sub-steps behind one dependency the planner,
// executor, and runner share.
type Stages struct {
	client  llm.Client
	cfg     Config
	metrics *observability.RunMetrics
	tracer  *observability.Tracer

	// argCache backs arg-gen reuse; keyed by a digest of the call inputs.
	argMu    sync.Mutex
	argCache map[string]map[string]any
}

// New creates the stage bundle. Metrics and tracer may be nil.
func New(client llm.Client, cfg Config, metrics *observability.RunMetrics, tracer *observability.Tracer) *Stages {
	return &Stages{
		client:   client,
		cfg:      cfg.sanitized(),
		metrics:  metrics,
		tracer:   tracer,
		argCache: make(map[string]map[string]any),
	}
}

// call runs one completion with stage instrumentation.
func (s *Stages) call(ctx context.Context, stage string, req llm.Request) (*llm.Message, error) {
	if req.Temperature <= 0 {
		req.Temperature = s.cfg.Temperature
	}
	if req.Timeout <= 0 {
		req.Timeout = s.cfg.Timeout
	}
	if req.Model == "" {
		req.Model = s.cfg.Model
	}

	start := time.Now()
	if s.tracer != nil {
		stageCtx, span := s.tracer.StartStage(ctx, stage)
		defer span.End()
		ctx = stageCtx
	}
	msg, err := s.client.Complete(ctx, req)
	if s.metrics != nil {
		s.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		slog.Warn("llm stage failed", "stage", stage, "run_id", observability.RunID(ctx), "error", err)
	}
	return msg, err
}

// callFunc runs a forced function call and decodes its arguments into v.
func (s *Stages) callFunc(ctx context.Context, stage, fn string, schema json.RawMessage, messages []models.ChatMessage, v any) error {
	msg, err := s.call(ctx, stage, llm.Request{
		Messages:  messages,
		Tools:     []llm.ToolDef{{Name: fn, Description: stage, Parameters: schema}},
		ForceTool: fn,
	})
	if err != nil {
		return err
	}
	if err := llm.DecodeFunctionArgs(msg, fn, v); err != nil {
		return fmt.Errorf("decode %s reply: %w", fn, err)
	}
	return nil
}

// system prepends a system message when text is non-empty.
func system(text string, rest ...models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(rest)+1)
	if strings.TrimSpace(text) != "" {
		out = append(out, models.ChatMessage{Role: models.RoleSystem, Content: text})
	}
	return append(out, rest...)
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// condenseResults renders recent step results as compact context lines.
// Data payloads are truncated so prompts stay bounded.
func condenseResults(results []models.StepResult, limit int) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		line := fmt.Sprintf("- [%s] %s success=%v code=%s", r.StepID, r.AIName, r.Result.Success, r.Result.Code)
		if r.Result.Message != "" {
			line += " message=" + truncate(r.Result.Message, 200)
		}
		if r.Result.Data != nil {
			if buf, err := json.Marshal(r.Result.Data); err == nil {
				line += " data=" + truncate(string(buf), limit)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
