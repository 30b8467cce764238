package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDurationUnmarshalYAML(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{`"90s"`, 90 * time.Second},
		{`"1m30s"`, 90 * time.Second},
		{`30`, 30 * time.Second},
		{`0.5`, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		var d Duration
		if err := yaml.Unmarshal([]byte(tc.in), &d); err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if d.Duration != tc.want {
			t.Errorf("%s = %v, want %v", tc.in, d.Duration, tc.want)
		}
	}

	var d Duration
	if err := yaml.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("invalid duration string should fail")
	}
	if err := yaml.Unmarshal([]byte(`[1, 2]`), &d); err == nil {
		t.Error("non-scalar duration should fail")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.Heartbeat.Duration != 15*time.Second {
		t.Errorf("heartbeat = %v", cfg.Server.Heartbeat.Duration)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.History.Backend != "memory" {
		t.Errorf("backend = %q", cfg.History.Backend)
	}
	if cfg.Observability.ServiceName != "planexec" {
		t.Errorf("service name = %q", cfg.Observability.ServiceName)
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  api_key: ${TEST_API_KEY}
  timeout: 45s
executor:
  max_concurrency: 4
  plan_patch:
    enable: true
    trigger_mode: on_error
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test-123" {
		t.Errorf("api key = %q, env not expanded", cfg.LLM.APIKey)
	}
	if cfg.LLM.Timeout.Duration != 45*time.Second {
		t.Errorf("timeout = %v", cfg.LLM.Timeout.Duration)
	}
	if cfg.Executor.MaxConcurrency != 4 || !cfg.Executor.PlanPatch.Enable {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	// Untouched fields still get sanitized defaults.
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr default lost: %q", cfg.Server.Addr)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  addr: ":9000"
llm:
  model: base-model
`)
	path := writeFile(t, dir, "config.yaml", `
$include: base.yaml
llm:
  model: override-model
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("included value lost: %q", cfg.Server.Addr)
	}
	if cfg.LLM.Model != "override-model" {
		t.Errorf("including file must win: %q", cfg.LLM.Model)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("want cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json5", `{
		// comments are allowed in json5
		llm: {model: "from-json5"},
		history: {backend: "memory"},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "from-json5" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
}

func TestLoadRejectsMissingPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("empty path should fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		label  string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.History.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.History.Backend = "sqlite"; c.History.Path = "" }},
		{"bad trigger mode", func(c *Config) { c.Executor.PlanPatch.TriggerMode = "sometimes" }},
		{"bad tool strategy", func(c *Config) { c.Planner.ToolStrategy = "mcp" }},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "logfmt" }},
		{"sample rate too high", func(c *Config) { c.Observability.TraceSampleRate = 1.5 }},
		{"sample rate negative", func(c *Config) { c.Observability.TraceSampleRate = -0.1 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", tc.label)
		}
	}

	good := Default()
	good.History.Backend = "sqlite"
	good.History.Path = "runs.db"
	good.Executor.PlanPatch.TriggerMode = "on_error"
	good.Planner.ToolStrategy = "fc"
	if err := good.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
