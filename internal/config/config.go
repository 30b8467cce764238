// Package config loads the runtime configuration from YAML or JSON5
// files, resolving $include directives and environment variables before
// decoding and validation.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes from YAML as either a Go duration string ("90s",
// "1m30s") or a plain number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Numeric scalars decode into a string too, so discriminate on the
	// resolved tag first.
	if value.Tag == "!!int" || value.Tag == "!!float" {
		var asSeconds float64
		if err := value.Decode(&asSeconds); err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(asSeconds * float64(time.Second))
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Planner       PlannerConfig       `yaml:"planner"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Runner        RunnerConfig        `yaml:"runner"`
	History       HistoryConfig       `yaml:"history"`
	Skills        SkillsConfig        `yaml:"skills"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`

	// Heartbeat is the SSE keepalive interval.
	Heartbeat Duration `yaml:"heartbeat"`

	// ReadTimeout and WriteTimeout bound request handling. WriteTimeout
	// zero keeps SSE streams open indefinitely.
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// LLMConfig configures the OpenAI-compatible client.
type LLMConfig struct {
	// APIKey authenticates against the provider. Supports ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint for compatible gateways.
	BaseURL string `yaml:"base_url"`

	// Model is the default chat model.
	Model string `yaml:"model"`

	// Timeout bounds each completion call.
	Timeout Duration `yaml:"timeout"`
}

// PlannerConfig configures plan generation and the LLM stages.
type PlannerConfig struct {
	// Temperature is the base sampling temperature; planning subtracts 0.1.
	Temperature float32 `yaml:"temperature"`

	// ToolStrategy is "auto" or "fc".
	ToolStrategy string `yaml:"tool_strategy"`

	// Model overrides the client default for planning.
	Model string `yaml:"model"`

	// MaxSteps caps the steps per generated plan.
	MaxSteps int `yaml:"max_steps"`

	// UsePreThought runs the pre-thought stage before planning.
	UsePreThought bool `yaml:"use_pre_thought"`

	Multi  MultiPlanConfig  `yaml:"multi"`
	Rerank RerankConfig     `yaml:"rerank"`
	Memory PlanMemoryConfig `yaml:"memory"`
}

// MultiPlanConfig configures multi-candidate planning.
type MultiPlanConfig struct {
	Enable     bool     `yaml:"enable"`
	Candidates int      `yaml:"candidates"`
	Models     []string `yaml:"models"`

	// MinTimeout and MaxTimeout clamp the straggler deadline; TimeFactor
	// scales the mean candidate completion time into it.
	MinTimeout Duration `yaml:"min_timeout"`
	MaxTimeout Duration `yaml:"max_timeout"`
	TimeFactor float64  `yaml:"time_factor"`

	// Audit picks the best surviving candidate with a select_plan call.
	Audit bool `yaml:"audit"`
}

// RerankConfig configures embedding-based manifest reranking.
type RerankConfig struct {
	Enable     bool `yaml:"enable"`
	CandidateK int  `yaml:"candidate_k"`
	TopN       int  `yaml:"top_n"`
}

// PlanMemoryConfig configures recall of prior successful plans.
type PlanMemoryConfig struct {
	Enable bool `yaml:"enable"`

	// Path persists the memory collection; empty keeps it in-process.
	Path string `yaml:"path"`

	// MinScore filters recalled plans by similarity.
	MinScore float32 `yaml:"min_score"`
}

// ExecutorConfig configures plan execution.
type ExecutorConfig struct {
	MaxConcurrency             int            `yaml:"max_concurrency"`
	ToolConcurrencyDefault     int            `yaml:"tool_concurrency_default"`
	ToolConcurrency            map[string]int `yaml:"tool_concurrency"`
	ProviderConcurrencyDefault int            `yaml:"provider_concurrency_default"`
	ProviderConcurrency        map[string]int `yaml:"provider_concurrency"`

	RecentContextLimit int      `yaml:"recent_context_limit"`
	CooldownDefault    Duration `yaml:"cooldown_default"`

	PlanPatch PlanPatchConfig `yaml:"plan_patch"`

	// ImmediateAllowlist names tools whose future-dated steps run now
	// with deferred delivery; ImmediateDenylist wins on conflict.
	ImmediateAllowlist []string `yaml:"immediate_allowlist"`
	ImmediateDenylist  []string `yaml:"immediate_denylist"`

	// VerboseSteps includes rationale and dependency notes on results.
	VerboseSteps bool `yaml:"verbose_steps"`
}

// PlanPatchConfig configures the mid-run plan-patch hook.
type PlanPatchConfig struct {
	Enable bool `yaml:"enable"`

	// TriggerMode is never, always, or on_error.
	TriggerMode string `yaml:"trigger_mode"`

	MaxCalls           int `yaml:"max_calls"`
	MaxPatches         int `yaml:"max_patches"`
	RetryBudgetPerStep int `yaml:"retry_budget_per_step"`
}

// RunnerConfig configures the orchestration around the executor.
type RunnerConfig struct {
	EnableEval               bool `yaml:"enable_eval"`
	EnableRepair             bool `yaml:"enable_repair"`
	MaxRepairs               int  `yaml:"max_repairs"`
	EnableReflection         bool `yaml:"enable_reflection"`
	ReflectionMaxSupplements int  `yaml:"reflection_max_supplements"`
	EnableSummary            bool `yaml:"enable_summary"`
}

// HistoryConfig configures run record persistence.
type HistoryConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// SkillsConfig configures skill manifest loading.
type SkillsConfig struct {
	Enable bool `yaml:"enable"`

	// Dir is the skills directory; each subdirectory holds a SKILL.md.
	Dir string `yaml:"dir"`

	// Max bounds the skills selected per run.
	Max int `yaml:"max"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// TraceEndpoint is the OTLP gRPC collector; empty disables tracing.
	TraceEndpoint string `yaml:"trace_endpoint"`

	// TraceSampleRate in [0,1] controls head sampling.
	TraceSampleRate float64 `yaml:"trace_sample_rate"`

	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Sanitize()
	return cfg
}

// Sanitize fills zero values with defaults. Component packages apply
// their own floors on top; this sets only what the config surface owns.
func (c *Config) Sanitize() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Heartbeat.Duration <= 0 {
		c.Server.Heartbeat.Duration = 15 * time.Second
	}
	if c.Server.ReadTimeout.Duration <= 0 {
		c.Server.ReadTimeout.Duration = 30 * time.Second
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Timeout.Duration <= 0 {
		c.LLM.Timeout.Duration = 90 * time.Second
	}
	if c.History.Backend == "" {
		c.History.Backend = "memory"
	}
	if c.Skills.Dir == "" {
		c.Skills.Dir = "skills"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "text"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "planexec"
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.History.Backend {
	case "memory":
	case "sqlite":
		if c.History.Path == "" {
			return fmt.Errorf("history.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("history.backend must be memory or sqlite, got %q", c.History.Backend)
	}

	switch c.Executor.PlanPatch.TriggerMode {
	case "", "never", "always", "on_error":
	default:
		return fmt.Errorf("executor.plan_patch.trigger_mode must be never, always, or on_error, got %q",
			c.Executor.PlanPatch.TriggerMode)
	}

	switch c.Planner.ToolStrategy {
	case "", "auto", "fc":
	default:
		return fmt.Errorf("planner.tool_strategy must be auto or fc, got %q", c.Planner.ToolStrategy)
	}

	switch c.Observability.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("observability.log_format must be text or json, got %q", c.Observability.LogFormat)
	}

	if r := c.Observability.TraceSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.trace_sample_rate must be in [0,1], got %v", r)
	}
	return nil
}
