package llm

import (
	"strings"
	"testing"
)

func TestExtractJSONObjectFromProse(t *testing.T) {
	text := "Sure, here is the plan:\n```json\n{\"steps\": [{\"aiName\": \"echo\"}]}\n```\nHope that helps."
	got := ExtractJSONObject(text)
	if got != `{"steps": [{"aiName": "echo"}]}` {
		t.Errorf("extracted %q", got)
	}
}

func TestExtractJSONObjectBalancesNesting(t *testing.T) {
	text := `prefix {"a": {"b": {"c": 1}}, "d": [2, 3]} suffix {"ignored": true}`
	got := ExtractJSONObject(text)
	if got != `{"a": {"b": {"c": 1}}, "d": [2, 3]}` {
		t.Errorf("extracted %q", got)
	}
}

func TestExtractJSONObjectIgnoresBracesInStrings(t *testing.T) {
	text := `{"msg": "closing } inside", "esc": "quote \" then }", "n": 1}`
	got := ExtractJSONObject(text)
	if got != text {
		t.Errorf("extracted %q, want the whole object", got)
	}
}

func TestExtractJSONObjectNoObject(t *testing.T) {
	for _, text := range []string{"", "no json here", "] } unbalanced"} {
		if got := ExtractJSONObject(text); got != "" {
			t.Errorf("ExtractJSONObject(%q) = %q, want empty", text, got)
		}
	}
}

func TestDecodeFunctionArgsFromToolCall(t *testing.T) {
	msg := &Message{
		Role: "assistant",
		ToolCalls: []ToolCall{
			{Name: "other_call", Arguments: `{"x": 1}`},
			{Name: "emit_plan", Arguments: `{"steps": ["a", "b"]}`},
		},
	}
	var decoded struct {
		Steps []string `json:"steps"`
	}
	if err := DecodeFunctionArgs(msg, "emit_plan", &decoded); err != nil {
		t.Fatalf("DecodeFunctionArgs: %v", err)
	}
	if len(decoded.Steps) != 2 || decoded.Steps[0] != "a" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodeFunctionArgsFallsBackToContent(t *testing.T) {
	msg := &Message{
		Role:    "assistant",
		Content: "I will call it like this: {\"need\": true} as requested.",
	}
	var decoded struct {
		Need bool `json:"need"`
	}
	if err := DecodeFunctionArgs(msg, "judge_tools", &decoded); err != nil {
		t.Fatalf("DecodeFunctionArgs: %v", err)
	}
	if !decoded.Need {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodeFunctionArgsMissingCall(t *testing.T) {
	var v map[string]any
	if err := DecodeFunctionArgs(nil, "emit_plan", &v); err == nil {
		t.Error("nil message must error")
	}
	msg := &Message{Role: "assistant", Content: "plain prose, no JSON"}
	if err := DecodeFunctionArgs(msg, "emit_plan", &v); err == nil {
		t.Error("reply without the call or a JSON body must error")
	}
}

func TestPseudoChunksSplitsOnRuneBoundaries(t *testing.T) {
	// 200 CJK runes: must split at 80 runes, never mid-rune.
	text := strings.Repeat("好", 200)
	var chunks []string
	for d := range PseudoChunks(text) {
		if d.Err != nil {
			t.Fatalf("unexpected delta error: %v", d.Err)
		}
		chunks = append(chunks, d.Content)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > pseudoChunkSize {
			t.Errorf("chunk %d carries %d runes", i, n)
		}
		if !strings.HasPrefix(c, "好") {
			t.Errorf("chunk %d split mid-rune: %q", i, c[:4])
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble the original text")
	}
}

func TestPseudoChunksEmptyText(t *testing.T) {
	ch := PseudoChunks("")
	if _, open := <-ch; open {
		t.Error("empty text must close the channel without deltas")
	}
}
