package core

import (
	"fmt"
	"time"
)

// SignatureAlgorithm names the asymmetric algorithms accepted for agent
// identity keys, matching RFC 9421 registry identifiers.
type SignatureAlgorithm string

const (
	AlgorithmECDSAP256SHA256 SignatureAlgorithm = "ecdsa-p256-sha256"
	AlgorithmRSAPSSSHA256    SignatureAlgorithm = "rsa-pss-sha256"
)

// TrustLevel orders how much verification an agent has cleared.
type TrustLevel string

const (
	TrustLevelBasic      TrustLevel = "basic"
	TrustLevelVerified   TrustLevel = "verified"
	TrustLevelEnterprise TrustLevel = "enterprise"
)

// Action is a permission an agent may hold.
type Action string

const (
	ActionBrowse   Action = "browse"
	ActionCompare  Action = "compare"
	ActionPurchase Action = "purchase"
	ActionAudit    Action = "audit"
	ActionSearch   Action = "search"
)

// KnownAction reports whether a is one of the declared action names.
// Unknown names are a structural validation failure, never silently denied.
func KnownAction(a Action) bool {
	switch a {
	case ActionBrowse, ActionCompare, ActionPurchase, ActionAudit, ActionSearch:
		return true
	}
	return false
}

// Capability grants an action, optionally restricted to a scope list.
// An absent scope list or a "*" member means the action is unrestricted.
type Capability struct {
	Action       Action             `json:"action"`
	Scope        []string           `json:"scope,omitempty"`
	Restrictions map[string]float64 `json:"restrictions,omitempty"`
}

// ValidateCapability checks that action (with an optional required scope) is
// granted by at least one capability entry. Semantics are
// most-permissive-entry-wins: a single matching entry with no scope list, a
// "*" member, or the requested scope verbatim is sufficient, regardless of
// what other entries say.
func ValidateCapability(caps []Capability, action Action, scope string) error {
	if !KnownAction(action) {
		return fmt.Errorf("unknown action %q: %w", action, ErrCapabilityMissingAction)
	}
	matched := false
	for _, c := range caps {
		if c.Action != action {
			continue
		}
		matched = true
		if scope == "" {
			return nil
		}
		if len(c.Scope) == 0 {
			return nil
		}
		for _, s := range c.Scope {
			if s == "*" || s == scope {
				return nil
			}
		}
	}
	if !matched {
		return fmt.Errorf("action %q: %w", action, ErrCapabilityMissingAction)
	}
	return fmt.Errorf("action %q scope %q: %w", action, scope, ErrCapabilityMissingScope)
}

// Agent is a registered agent identity, persisted under agent:{agentId}.
// The agent is cryptographically enabled iff PublicKey is present, which
// requires SignatureAlgorithm to be set and the key to parse.
type Agent struct {
	AgentID            string             `json:"agentId"`
	TenantID           string             `json:"tenantId"`
	Name               string             `json:"name"`
	Operator           string             `json:"operator,omitempty"`
	Version            string             `json:"version,omitempty"`
	Issuer             string             `json:"issuer,omitempty"`
	PublicKey          string             `json:"publicKey,omitempty"`
	SignatureAlgorithm SignatureAlgorithm `json:"signatureAlgorithm,omitempty"`
	Capabilities       []Capability       `json:"capabilities"`
	TrustLevel         TrustLevel         `json:"trustLevel"`
	CreatedAt          time.Time          `json:"createdAt"`
	LastVerifiedAt     *time.Time         `json:"lastVerifiedAt,omitempty"`
}

// CryptoEnabled reports whether the agent can be verified via HTTP message
// signatures.
func (a *Agent) CryptoEnabled() bool {
	return a.PublicKey != ""
}

// Intent declares what a session will be used for.
type Intent struct {
	Action   Action `json:"action"`
	Resource string `json:"resource,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

const (
	// DefaultSessionTTL applies when intent carries no duration.
	DefaultSessionTTL = time.Hour

	// MaxSessionTTL is the hard cap on any session, regardless of the
	// requested duration.
	MaxSessionTTL = 24 * time.Hour
)

// Session is a time-boxed grant, persisted under session:{sessionId} with
// TTL equal to its duration. Capabilities are a snapshot at creation time;
// later changes on the agent do not alter live sessions. UserContext is
// opaque and pre-hashed, never raw PII.
type Session struct {
	SessionID    string       `json:"sessionId"`
	AgentID      string       `json:"agentId"`
	TenantID     string       `json:"tenantId"`
	UserContext  string       `json:"userContext"`
	Capabilities []Capability `json:"capabilities"`
	Intent       Intent       `json:"intent"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}

// Active reports whether the session is live at the given instant. Store
// TTL eviction is advisory; this check is the correctness guarantee.
func (s *Session) Active(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
