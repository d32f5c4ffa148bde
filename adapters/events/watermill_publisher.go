package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/botwall/botwall/ports"
)

const (
	TokenRevokedTopic    = "auth.token_revoked"
	AgentRegisteredTopic = "auth.agent_registered"
	SessionCreatedTopic  = "auth.session_created"
)

// TokenRevokedEvent notifies other instances that a token ID entered the
// revocation set.
type TokenRevokedEvent struct {
	TokenID   string    `json:"token_id"`
	RevokedAt time.Time `json:"revoked_at"`
}

// AgentRegisteredEvent announces a new agent under a tenant.
type AgentRegisteredEvent struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
}

// SessionCreatedEvent announces a new time-boxed session.
type SessionCreatedEvent struct {
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// WatermillPublisher implements EventPublisher on a Watermill publisher
// (redisstream in production).
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher wraps a Watermill publisher.
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: publisher}
}

func (p *WatermillPublisher) PublishTokenRevoked(ctx context.Context, tokenID string) error {
	return p.publish(TokenRevokedTopic, TokenRevokedEvent{
		TokenID:   tokenID,
		RevokedAt: time.Now().UTC(),
	})
}

func (p *WatermillPublisher) PublishAgentRegistered(ctx context.Context, tenantID, agentID string) error {
	return p.publish(AgentRegisteredTopic, AgentRegisteredEvent{
		TenantID: tenantID,
		AgentID:  agentID,
	})
}

func (p *WatermillPublisher) PublishSessionCreated(ctx context.Context, tenantID, agentID, sessionID string) error {
	return p.publish(SessionCreatedTopic, SessionCreatedEvent{
		TenantID:  tenantID,
		AgentID:   agentID,
		SessionID: sessionID,
	})
}

func (p *WatermillPublisher) publish(topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", topic, err)
	}
	msg := message.NewMessage(uuid.New().String(), payload)
	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publishing %s event: %w", topic, err)
	}
	return nil
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// NopPublisher discards all events. Used when event publishing is disabled
// and in tests.
type NopPublisher struct{}

func (NopPublisher) PublishTokenRevoked(ctx context.Context, tokenID string) error { return nil }
func (NopPublisher) PublishAgentRegistered(ctx context.Context, tenantID, agentID string) error {
	return nil
}
func (NopPublisher) PublishSessionCreated(ctx context.Context, tenantID, agentID, sessionID string) error {
	return nil
}

var _ ports.EventPublisher = NopPublisher{}
