// Package observability carries run correlation through contexts and
// exposes Prometheus metrics and OpenTelemetry tracing for the planner
// and executor.
package observability

import (
	"context"
)

type contextKey string

const (
	runIDKey       contextKey = "run_id"
	channelIDKey   contextKey = "channel_id"
	identityKeyKey contextKey = "identity_key"
	stepIndexKey   contextKey = "step_index"
)

// WithRunID attaches the run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID retrieves the run ID from the context, or "".
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// WithChannelID attaches the originating channel ID to the context.
func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, channelIDKey, channelID)
}

// ChannelID retrieves the channel ID from the context, or "".
func ChannelID(ctx context.Context) string {
	v, _ := ctx.Value(channelIDKey).(string)
	return v
}

// WithIdentityKey attaches the caller identity key to the context.
func WithIdentityKey(ctx context.Context, identityKey string) context.Context {
	return context.WithValue(ctx, identityKeyKey, identityKey)
}

// IdentityKey retrieves the identity key from the context, or "".
func IdentityKey(ctx context.Context) string {
	v, _ := ctx.Value(identityKeyKey).(string)
	return v
}

// WithStepIndex attaches the planned step index to the context for tool
// dispatch correlation.
func WithStepIndex(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, stepIndexKey, idx)
}

// StepIndex retrieves the planned step index, or -1 when absent.
func StepIndex(ctx context.Context) int {
	if v, ok := ctx.Value(stepIndexKey).(int); ok {
		return v
	}
	return -1
}
