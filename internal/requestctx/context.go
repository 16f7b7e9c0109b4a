// Package requestctx carries request-scoped values set by the HTTP layer.
package requestctx

import "context"

type contextKey int

const (
	agentIDKey contextKey = iota
	correlationIDKey
	callerKey
)

// SetAgentID stores the resolved agent id.
func SetAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentID returns the resolved agent id, or "".
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentIDKey).(string)
	return v
}

// SetCorrelationID stores the per-request correlation id.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id, or "".
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// SetCaller stores the name of the authenticated API key owner.
func SetCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller returns the authenticated caller name, or "".
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}
