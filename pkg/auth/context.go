package auth

import "context"

type contextKey string

const (
	adminKey contextKey = "admin"
	agentKey contextKey = "agent"
)

// WithAdmin attaches an authenticated admin user id to the context.
func WithAdmin(ctx context.Context, adminID int64) context.Context {
	return context.WithValue(ctx, adminKey, adminID)
}

// AdminFrom retrieves the admin user id, if any.
func AdminFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(adminKey).(int64)
	return id, ok
}

// WithAgent attaches an authenticated agent id to the context.
func WithAgent(ctx context.Context, agentID int64) context.Context {
	return context.WithValue(ctx, agentKey, agentID)
}

// AgentFrom retrieves the agent id, if any.
func AgentFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(agentKey).(int64)
	return id, ok
}
