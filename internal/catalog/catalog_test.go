package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/planexec/planexec/pkg/models"
)

func tool(name string, schema string) *FuncTool {
	var raw json.RawMessage
	if schema != "" {
		raw = json.RawMessage(schema)
	}
	return &FuncTool{
		Name:   name,
		Desc:   name + " test tool",
		Schema: raw,
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			return models.OKResult(args), nil
		},
	}
}

const messageSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string"},
		"schedule": {"type": "object"}
	},
	"required": ["message"]
}`

func TestRegisterAndLookup(t *testing.T) {
	c := New()
	if err := c.Register(tool("echo", messageSchema)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	d, ok := c.Lookup("echo")
	if !ok {
		t.Fatal("registered tool not found")
	}
	if d.AIName != "echo" || d.Provider != DefaultProvider {
		t.Errorf("descriptor = %+v", d)
	}

	if _, ok := c.Lookup("ghost"); ok {
		t.Error("unknown tool should not resolve")
	}
}

func TestRegisterRejectsBrokenSchema(t *testing.T) {
	c := New()
	err := c.Register(tool("bad", `{"type": ["not", 1, "valid"`))
	if err == nil {
		t.Fatal("broken schema must fail registration")
	}
	if _, ok := c.Lookup("bad"); ok {
		t.Error("failed registration must not leave the tool behind")
	}
}

func TestToolsKeepRegistrationOrderAndStripMeta(t *testing.T) {
	c := New()
	first := tool("alpha", "")
	first.Metadata = map[string]any{"tier": "gold"}
	c.Register(first)
	c.Register(tool("beta", ""))
	c.Register(tool("alpha", "")) // replacement keeps the original slot

	tools := c.Tools()
	if len(tools) != 2 || tools[0].AIName != "alpha" || tools[1].AIName != "beta" {
		t.Fatalf("tools = %+v", tools)
	}
	for _, d := range tools {
		if d.Meta != nil {
			t.Errorf("Tools must strip metadata, got %v for %s", d.Meta, d.AIName)
		}
	}

	detailed := c.ToolsDetailed()
	if len(detailed) != 2 {
		t.Fatalf("detailed = %+v", detailed)
	}
}

func TestProviderDefaultsToLocal(t *testing.T) {
	c := New()
	remote := tool("fetch", "")
	remote.ProviderTag = "httpbin"
	c.Register(remote)
	c.Register(tool("echo", ""))

	if p := c.Provider("fetch"); p != "httpbin" {
		t.Errorf("provider = %q", p)
	}
	if p := c.Provider("echo"); p != DefaultProvider {
		t.Errorf("provider = %q", p)
	}
	if p := c.Provider("ghost"); p != DefaultProvider {
		t.Errorf("unknown tool provider = %q, want %q", p, DefaultProvider)
	}
}

func TestValidateArgs(t *testing.T) {
	c := New()
	c.Register(tool("echo", messageSchema))
	c.Register(tool("free", ""))

	if msgs, err := c.ValidateArgs("echo", map[string]any{"message": "hi"}); err != nil || len(msgs) != 0 {
		t.Errorf("valid args rejected: %v, %v", msgs, err)
	}

	msgs, err := c.ValidateArgs("echo", map[string]any{"message": 7})
	if err != nil {
		t.Fatalf("ValidateArgs: %v", err)
	}
	if len(msgs) == 0 || !strings.Contains(msgs[0], "/message") {
		t.Errorf("want a /message type violation, got %v", msgs)
	}

	if msgs, err := c.ValidateArgs("echo", map[string]any{}); err != nil || len(msgs) == 0 {
		t.Errorf("missing required field should fail validation: %v, %v", msgs, err)
	}

	// Schema-less tools accept anything.
	if msgs, err := c.ValidateArgs("free", map[string]any{"whatever": true}); err != nil || len(msgs) != 0 {
		t.Errorf("schema-less tool rejected args: %v, %v", msgs, err)
	}

	if _, err := c.ValidateArgs("ghost", nil); err == nil {
		t.Error("unknown tool should return an error")
	}
}

func TestCallDispatchPaths(t *testing.T) {
	c := New()
	c.Register(tool("echo", ""))
	c.Register(&FuncTool{
		Name: "broken",
		Desc: "dispatch fault",
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			return models.ToolResult{}, errors.New("connection reset")
		},
	})

	res := c.Call(context.Background(), "echo", map[string]any{"x": 1}, CallInfo{RunID: "r1"})
	if !res.Success || res.Code != models.CodeOK {
		t.Errorf("echo result = %+v", res)
	}

	res = c.Call(context.Background(), "ghost", nil, CallInfo{})
	if res.Success || res.Code != models.CodeNotFound {
		t.Errorf("unknown tool result = %+v", res)
	}

	res = c.Call(context.Background(), "broken", nil, CallInfo{})
	if res.Success || res.Code != "TOOL_ERROR" || !strings.Contains(res.Message, "connection reset") {
		t.Errorf("dispatch fault result = %+v", res)
	}
}

func TestSchemaDeclares(t *testing.T) {
	c := New()
	c.Register(tool("echo", messageSchema))
	c.Register(tool("free", ""))

	if !c.SchemaDeclares("echo", "schedule") {
		t.Error("echo declares schedule")
	}
	if c.SchemaDeclares("echo", "target") {
		t.Error("echo does not declare target")
	}
	if c.SchemaDeclares("free", "schedule") {
		t.Error("schema-less tool declares nothing")
	}
	if c.SchemaDeclares("ghost", "schedule") {
		t.Error("unknown tool declares nothing")
	}
}
