package models

import "time"

// Result codes the core assigns or recognizes on tool results. Tools may
// report arbitrary codes of their own; the executor only gives special
// treatment to the ones below.
const (
	// CodeOK is the conventional success code.
	CodeOK = "OK"

	// CodeCooldownActive signals a soft rate-limit. The executor requeues
	// the step after the reported remaining time plus jitter.
	CodeCooldownActive = "COOLDOWN_ACTIVE"

	// CodeRunCancelled marks a step that was not dispatched because the
	// run's cancellation flag was set.
	CodeRunCancelled = "RUN_CANCELLED"

	// CodeSkipUpstreamFailed marks a retry-mode step skipped because an
	// upstream dependency is known to have failed.
	CodeSkipUpstreamFailed = "SKIP_UPSTREAM_FAILED"

	// CodeNotFound marks a step whose aiName is unknown to the catalog.
	CodeNotFound = "NOT_FOUND"

	// CodeArgsInvalid marks a step whose arguments failed schema
	// validation twice (once after the fix-args remediation call).
	CodeArgsInvalid = "ARGS_INVALID"

	// CodeScheduled is the placeholder result for a step deferred to a
	// future point in time under delayed-exec scheduling.
	CodeScheduled = "SCHEDULED"
)

// ToolResult is the uniform envelope every tool call returns. Data is
// opaque to the core; Code discriminates the known failure modes.
type ToolResult struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`

	// RemainMS is the remaining cooldown in milliseconds when
	// Code == COOLDOWN_ACTIVE.
	RemainMS int64 `json:"remainMs,omitempty"`

	// TTL is the remaining cooldown in seconds; used when RemainMS is
	// absent.
	TTL int64 `json:"ttl,omitempty"`
}

// IsCooldown reports whether the result is a soft rate-limit reply.
func (r ToolResult) IsCooldown() bool {
	return !r.Success && r.Code == CodeCooldownActive
}

// CooldownRemaining returns the tool-reported retry-after duration, or 0
// if the result carries neither RemainMS nor TTL.
func (r ToolResult) CooldownRemaining() time.Duration {
	if r.RemainMS > 0 {
		return time.Duration(r.RemainMS) * time.Millisecond
	}
	if r.TTL > 0 {
		return time.Duration(r.TTL) * time.Second
	}
	return 0
}

// ErrResult builds a failed result with the given code and message.
func ErrResult(code, message string) ToolResult {
	return ToolResult{Success: false, Code: code, Message: message}
}

// OKResult builds a successful result wrapping data.
func OKResult(data any) ToolResult {
	return ToolResult{Success: true, Code: CodeOK, Data: data}
}
