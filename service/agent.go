package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/botwall/botwall/core"
	"github.com/botwall/botwall/httpsig"
	"github.com/botwall/botwall/ports"
)

func agentKey(id string) string { return "agent:" + id }

func agentIndexKey(tenant string) string { return "app_agents:" + tenant }

func sessionKey(id string) string { return "session:" + id }

// RegisterAgentInput is the caller-supplied part of an agent record.
type RegisterAgentInput struct {
	Name               string
	Operator           string
	Version            string
	Issuer             string
	PublicKey          string
	SignatureAlgorithm core.SignatureAlgorithm
	Capabilities       []core.Capability
	TrustLevel         core.TrustLevel
}

// AgentService maps verified agent identities to scoped capabilities and
// time-boxed sessions. It consumes signature-verifier output on the
// enterprise path and challenge-engine output everywhere.
type AgentService struct {
	store    ports.TTLStore
	verifier *httpsig.Verifier
	events   ports.EventPublisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewAgentService creates a capability and session manager.
func NewAgentService(store ports.TTLStore, verifier *httpsig.Verifier, events ports.EventPublisher, logger *slog.Logger) *AgentService {
	return &AgentService{
		store:    store,
		verifier: verifier,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterAgent creates an agent under a tenant. A public key, when given,
// requires a signature algorithm and must pass the structural PEM check;
// the agent is then cryptographically enabled.
func (s *AgentService) RegisterAgent(ctx context.Context, tenantID string, input RegisterAgentInput) (*core.Agent, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if input.PublicKey != "" {
		if input.SignatureAlgorithm == "" {
			return nil, fmt.Errorf("%w: public key given without signature algorithm", core.ErrAgentKeyMalformed)
		}
		if err := httpsig.ValidatePublicKeyPEM(input.PublicKey, input.SignatureAlgorithm); err != nil {
			return nil, err
		}
	}

	trust := input.TrustLevel
	if trust == "" {
		trust = core.TrustLevelBasic
	}
	caps := input.Capabilities
	if caps == nil {
		caps = []core.Capability{}
	}

	agent := &core.Agent{
		AgentID:            uuid.New().String(),
		TenantID:           tenantID,
		Name:               input.Name,
		Operator:           input.Operator,
		Version:            input.Version,
		Issuer:             input.Issuer,
		PublicKey:          input.PublicKey,
		SignatureAlgorithm: input.SignatureAlgorithm,
		Capabilities:       caps,
		TrustLevel:         trust,
		CreatedAt:          s.now(),
	}
	if err := s.putAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.appendToTenantIndex(ctx, tenantID, agent.AgentID)

	if perr := s.events.PublishAgentRegistered(ctx, tenantID, agent.AgentID); perr != nil {
		s.logger.Warn("failed to publish agent registration event", "agent_id", agent.AgentID, "error", perr)
	}
	return agent, nil
}

// GetAgent fetches an agent record.
func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*core.Agent, error) {
	raw, err := s.store.Get(ctx, agentKey(agentID))
	if errors.Is(err, core.ErrStoreNotFound) {
		return nil, core.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching agent: %w", err)
	}
	var agent core.Agent
	if err := json.Unmarshal([]byte(raw), &agent); err != nil {
		return nil, fmt.Errorf("decoding agent: %w", err)
	}
	return &agent, nil
}

// ListAgents enumerates a tenant's agents off the best-effort index.
// Concurrent registrations can race the index update, so absence from the
// list does not prove absence of the agent.
func (s *AgentService) ListAgents(ctx context.Context, tenantID string) ([]*core.Agent, error) {
	raw, err := s.store.Get(ctx, agentIndexKey(tenantID))
	if errors.Is(err, core.ErrStoreNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching tenant index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decoding tenant index: %w", err)
	}

	agents := make([]*core.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := s.GetAgent(ctx, id)
		if errors.Is(err, core.ErrAgentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// VerifyAgentRequest checks an RFC 9421-signed request against the agent's
// registered key and records the verification time. Signature failures are
// never fail-open.
func (s *AgentService) VerifyAgentRequest(ctx context.Context, agentID string, req httpsig.Request) (*core.Agent, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.CryptoEnabled() {
		return nil, fmt.Errorf("agent %s has no registered public key: %w", agentID, core.ErrSignatureCryptoMismatch)
	}
	if err := s.verifier.Verify(req, agent.PublicKey, agent.SignatureAlgorithm); err != nil {
		return nil, err
	}

	now := s.now()
	agent.LastVerifiedAt = &now
	if err := s.putAgent(ctx, agent); err != nil {
		// The verification itself stands; the timestamp update is best-effort.
		s.logger.Warn("failed to record agent verification time", "agent_id", agentID, "error", err)
	}
	return agent, nil
}

// CreateSession grants a capability-scoped, time-boxed session. The
// capability list is snapshotted: later changes on the agent do not alter
// the live session. Duration comes from intent, defaulting to an hour and
// hard-capped at a day.
func (s *AgentService) CreateSession(ctx context.Context, agentID, tenantID, userContext string, capabilities []core.Capability, intent core.Intent) (*core.Session, error) {
	if !core.KnownAction(intent.Action) {
		return nil, fmt.Errorf("unknown intent action %q: %w", intent.Action, core.ErrCapabilityMissingAction)
	}
	if err := core.ValidateCapability(capabilities, intent.Action, intent.Scope); err != nil {
		return nil, err
	}

	duration := core.DefaultSessionTTL
	if intent.Duration > 0 {
		duration = time.Duration(intent.Duration) * time.Second
	}
	if duration > core.MaxSessionTTL {
		duration = core.MaxSessionTTL
	}

	now := s.now()
	session := &core.Session{
		SessionID:    uuid.New().String(),
		AgentID:      agentID,
		TenantID:     tenantID,
		UserContext:  userContext,
		Capabilities: capabilities,
		Intent:       intent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(duration),
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	if err := s.store.Put(ctx, sessionKey(session.SessionID), string(payload), duration); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	if perr := s.events.PublishSessionCreated(ctx, tenantID, agentID, session.SessionID); perr != nil {
		s.logger.Warn("failed to publish session event", "session_id", session.SessionID, "error", perr)
	}
	return session, nil
}

// GetSession fetches a session, re-checking expiry against the clock: the
// store's TTL eviction is advisory, not a correctness guarantee.
func (s *AgentService) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	raw, err := s.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, core.ErrStoreNotFound) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	var session core.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if !session.Active(s.now()) {
		return nil, core.ErrSessionNotFound
	}
	return &session, nil
}

func (s *AgentService) putAgent(ctx context.Context, agent *core.Agent) error {
	payload, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encoding agent: %w", err)
	}
	if err := s.store.Put(ctx, agentKey(agent.AgentID), string(payload), 0); err != nil {
		return fmt.Errorf("storing agent: %w", err)
	}
	return nil
}

// appendToTenantIndex does a read-modify-write on the tenant's agent list.
// The store offers no cross-key atomicity, so two concurrent registrations
// can lose one id from the index; the agent record itself is unaffected.
func (s *AgentService) appendToTenantIndex(ctx context.Context, tenantID, agentID string) {
	key := agentIndexKey(tenantID)
	var ids []string
	raw, err := s.store.Get(ctx, key)
	if err == nil {
		if uerr := json.Unmarshal([]byte(raw), &ids); uerr != nil {
			s.logger.Warn("corrupt tenant index, rebuilding", "tenant_id", tenantID, "error", uerr)
			ids = nil
		}
	} else if !errors.Is(err, core.ErrStoreNotFound) {
		s.logger.Warn("tenant index lookup failed, skipping index update", "tenant_id", tenantID, "error", err)
		return
	}

	ids = append(ids, agentID)
	payload, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if perr := s.store.Put(ctx, key, string(payload), 0); perr != nil {
		s.logger.Warn("tenant index write failed", "tenant_id", tenantID, "error", perr)
	}
}
