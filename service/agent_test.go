package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botwall/botwall/adapters/events"
	"github.com/botwall/botwall/core"
	"github.com/botwall/botwall/httpsig"
)

type agentFixture struct {
	svc   *AgentService
	store *clockStore
	clock time.Time
}

func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()
	f := &agentFixture{
		clock: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }
	f.store = newClockStore(now)
	f.svc = NewAgentService(f.store, httpsig.NewVerifier(), events.NopPublisher{}, testLogger())
	f.svc.now = now
	return f
}

func newAgentKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return priv, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func browseCapability(scopes ...string) core.Capability {
	return core.Capability{Action: core.ActionBrowse, Scope: scopes}
}

func TestRegisterAgent_Defaults(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	agent, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{Name: "crawler"})
	require.NoError(t, err)

	assert.NotEmpty(t, agent.AgentID)
	assert.Equal(t, "tenant-1", agent.TenantID)
	assert.Equal(t, core.TrustLevelBasic, agent.TrustLevel)
	assert.NotNil(t, agent.Capabilities)
	assert.Empty(t, agent.Capabilities)
	assert.False(t, agent.CryptoEnabled())

	fetched, err := f.svc.GetAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, agent.AgentID, fetched.AgentID)
	assert.Equal(t, "crawler", fetched.Name)
}

func TestRegisterAgent_Validation(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	t.Run("name required", func(t *testing.T) {
		_, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{})
		assert.Error(t, err)
	})

	t.Run("public key without algorithm", func(t *testing.T) {
		_, pubPEM := newAgentKey(t)
		_, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{
			Name:      "crawler",
			PublicKey: pubPEM,
		})
		assert.ErrorIs(t, err, core.ErrAgentKeyMalformed)
	})

	t.Run("malformed public key", func(t *testing.T) {
		_, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{
			Name:               "crawler",
			PublicKey:          "garbage",
			SignatureAlgorithm: core.AlgorithmECDSAP256SHA256,
		})
		assert.ErrorIs(t, err, core.ErrAgentKeyMalformed)
	})

	t.Run("valid key enables crypto", func(t *testing.T) {
		_, pubPEM := newAgentKey(t)
		agent, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{
			Name:               "crawler",
			PublicKey:          pubPEM,
			SignatureAlgorithm: core.AlgorithmECDSAP256SHA256,
		})
		require.NoError(t, err)
		assert.True(t, agent.CryptoEnabled())
	})
}

func TestGetAgent_NotFound(t *testing.T) {
	f := newAgentFixture(t)

	_, err := f.svc.GetAgent(context.Background(), "no-such-agent")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestListAgents(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	first, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{Name: "crawler"})
	require.NoError(t, err)
	second, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{Name: "shopper"})
	require.NoError(t, err)
	_, err = f.svc.RegisterAgent(ctx, "tenant-2", RegisterAgentInput{Name: "other"})
	require.NoError(t, err)

	agents, err := f.svc.ListAgents(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	ids := []string{agents[0].AgentID, agents[1].AgentID}
	assert.Contains(t, ids, first.AgentID)
	assert.Contains(t, ids, second.AgentID)

	empty, err := f.svc.ListAgents(ctx, "unknown-tenant")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestVerifyAgentRequest(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	priv, pubPEM := newAgentKey(t)
	agent, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{
		Name:               "crawler",
		PublicKey:          pubPEM,
		SignatureAlgorithm: core.AlgorithmECDSAP256SHA256,
	})
	require.NoError(t, err)

	req := httpsig.Request{
		Method:    "POST",
		Path:      "/v1/sessions",
		Authority: "api.example.com",
		Headers:   map[string]string{},
	}
	sigInput, sig, err := httpsig.SignRequest(req, []string{"@method", "@path", "@authority"},
		agent.AgentID, core.AlgorithmECDSAP256SHA256, priv, time.Now())
	require.NoError(t, err)
	req.Headers["signature-input"] = sigInput
	req.Headers["signature"] = sig

	verified, err := f.svc.VerifyAgentRequest(ctx, agent.AgentID, req)
	require.NoError(t, err)
	assert.Equal(t, agent.AgentID, verified.AgentID)

	// The verification timestamp is persisted best-effort.
	fetched, err := f.svc.GetAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	require.NotNil(t, fetched.LastVerifiedAt)
	assert.Equal(t, f.clock, fetched.LastVerifiedAt.UTC())

	t.Run("unsigned request rejected", func(t *testing.T) {
		bare := httpsig.Request{Method: "GET", Path: "/", Headers: map[string]string{}}
		_, err := f.svc.VerifyAgentRequest(ctx, agent.AgentID, bare)
		assert.ErrorIs(t, err, core.ErrSignatureMissingHeaders)
	})

	t.Run("crypto-disabled agent rejected", func(t *testing.T) {
		plain, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{Name: "plain"})
		require.NoError(t, err)
		_, err = f.svc.VerifyAgentRequest(ctx, plain.AgentID, req)
		assert.Error(t, err)
	})
}

func TestCreateSession(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	agent, err := f.svc.RegisterAgent(ctx, "tenant-1", RegisterAgentInput{
		Name:         "shopper",
		Capabilities: []core.Capability{browseCapability()},
	})
	require.NoError(t, err)

	t.Run("default duration", func(t *testing.T) {
		session, err := f.svc.CreateSession(ctx, agent.AgentID, "tenant-1", "ctx-hash",
			[]core.Capability{browseCapability()},
			core.Intent{Action: core.ActionBrowse})
		require.NoError(t, err)
		assert.Equal(t, time.Hour, session.ExpiresAt.Sub(session.CreatedAt))
	})

	t.Run("requested duration honored", func(t *testing.T) {
		session, err := f.svc.CreateSession(ctx, agent.AgentID, "tenant-1", "ctx-hash",
			[]core.Capability{browseCapability()},
			core.Intent{Action: core.ActionBrowse, Duration: 7200})
		require.NoError(t, err)
		assert.Equal(t, 2*time.Hour, session.ExpiresAt.Sub(session.CreatedAt))
	})

	t.Run("duration hard-capped at 24h", func(t *testing.T) {
		session, err := f.svc.CreateSession(ctx, agent.AgentID, "tenant-1", "ctx-hash",
			[]core.Capability{browseCapability()},
			core.Intent{Action: core.ActionBrowse, Duration: 200000})
		require.NoError(t, err)
		assert.Equal(t, 24*time.Hour, session.ExpiresAt.Sub(session.CreatedAt))
	})

	t.Run("unknown intent action", func(t *testing.T) {
		_, err := f.svc.CreateSession(ctx, agent.AgentID, "tenant-1", "ctx-hash",
			[]core.Capability{browseCapability()},
			core.Intent{Action: core.Action("teleport")})
		assert.ErrorIs(t, err, core.ErrCapabilityMissingAction)
	})

	t.Run("action not granted", func(t *testing.T) {
		_, err := f.svc.CreateSession(ctx, agent.AgentID, "tenant-1", "ctx-hash",
			[]core.Capability{browseCapability()},
			core.Intent{Action: core.ActionPurchase})
		assert.ErrorIs(t, err, core.ErrCapabilityMissingAction)
	})

	t.Run("scope not granted", func(t *testing.T) {
		_, err := f.svc.CreateSession(ctx, agent.AgentID, "tenant-1", "ctx-hash",
			[]core.Capability{browseCapability("catalog")},
			core.Intent{Action: core.ActionBrowse, Scope: "checkout"})
		assert.ErrorIs(t, err, core.ErrCapabilityMissingScope)
	})

	t.Run("wildcard scope grants everything", func(t *testing.T) {
		_, err := f.svc.CreateSession(ctx, agent.AgentID, "tenant-1", "ctx-hash",
			[]core.Capability{browseCapability("*")},
			core.Intent{Action: core.ActionBrowse, Scope: "checkout"})
		assert.NoError(t, err)
	})
}

func TestCreateSession_SnapshotIsImmutable(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	caps := []core.Capability{browseCapability("catalog")}
	session, err := f.svc.CreateSession(ctx, "agent-1", "tenant-1", "ctx-hash", caps,
		core.Intent{Action: core.ActionBrowse, Scope: "catalog"})
	require.NoError(t, err)

	// Mutating the caller's slice after creation must not leak into the
	// stored session.
	caps[0].Scope[0] = "everything"

	fetched, err := f.svc.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, fetched.Capabilities, 1)
	assert.Equal(t, []string{"catalog"}, fetched.Capabilities[0].Scope)
}

func TestGetSession_Expiry(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "agent-1", "tenant-1", "ctx-hash",
		[]core.Capability{browseCapability()},
		core.Intent{Action: core.ActionBrowse, Duration: 60})
	require.NoError(t, err)

	fetched, err := f.svc.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, fetched.SessionID)

	f.clock = f.clock.Add(61 * time.Second)
	_, err = f.svc.GetSession(ctx, session.SessionID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestGetSession_NotFound(t *testing.T) {
	f := newAgentFixture(t)

	_, err := f.svc.GetSession(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}
