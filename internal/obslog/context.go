package obslog

import "context"

// Context keys for logging values. Private type to avoid collisions.
type contextKey int

const (
	repoPathKey contextKey = iota
	sessionIDKey
	agentIDKey
	componentKey
)

// WithRepo adds the repository path to the context.
func WithRepo(ctx context.Context, repoPath string) context.Context {
	return context.WithValue(ctx, repoPathKey, repoPath)
}

// WithSession adds a session ID to the context.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithAgent adds an agent ID to the context.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// WithComponent adds a component name to the context (e.g. "lockmgr", "filewatch").
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// SessionIDFromContext extracts the session ID set by WithSession, if any.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// RepoPathFromContext extracts the repo path set by WithRepo, if any.
func RepoPathFromContext(ctx context.Context) string {
	v, _ := ctx.Value(repoPathKey).(string)
	return v
}
