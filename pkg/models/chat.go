package models

// Chat roles understood by the LLM client.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of prior conversation handed to the planner and
// the LLM stages.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// RunRequest is the input to PlanThenExecute. Context is an opaque
// caller-provided map; the keys below are recognized by the core.
type RunRequest struct {
	// Objective is the user goal the run pursues.
	Objective string `json:"objective"`

	// Context carries channelId, identityKey, prompt overlays, and judge
	// hints. Unknown keys are passed through to stages untouched.
	Context map[string]any `json:"context,omitempty"`

	// Conversation is the prior role/content history for the LLM.
	Conversation []ChatMessage `json:"conversation,omitempty"`
}

// Recognized RunRequest.Context keys.
const (
	CtxChannelID      = "channelId"
	CtxIdentityKey    = "identityKey"
	CtxGlobalOverlay  = "globalOverlay"
	CtxPlanOverlay    = "planOverlay"
	CtxForceNeedTools = "forceNeedTools"
	CtxJudgeToolNames = "judge.toolNames"
	CtxJudgeHint      = "judge.hint"
)

// StringCtx reads a string value from a run context map.
func StringCtx(ctx map[string]any, key string) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx[key].(string); ok {
		return v
	}
	return ""
}

// BoolCtx reads a bool value from a run context map.
func BoolCtx(ctx map[string]any, key string) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx[key].(bool)
	return v
}

// StringsCtx reads a string slice from a run context map, accepting both
// []string and []any payloads (the latter is what JSON decoding yields).
func StringsCtx(ctx map[string]any, key string) []string {
	if ctx == nil {
		return nil
	}
	switch v := ctx[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
