package ports

import "context"

// EventPublisher notifies other instances about auth lifecycle events.
// Publishing is best-effort: callers log failures and carry on.
type EventPublisher interface {
	PublishTokenRevoked(ctx context.Context, tokenID string) error
	PublishAgentRegistered(ctx context.Context, tenantID, agentID string) error
	PublishSessionCreated(ctx context.Context, tenantID, agentID, sessionID string) error
}
