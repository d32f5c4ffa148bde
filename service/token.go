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
	"github.com/botwall/botwall/ports"
)

func refreshKey(tokenID string) string { return "refresh:" + tokenID }
func revokedKey(tokenID string) string { return "revoked:" + tokenID }

// IssueOptions bind optional claims into a credential pair at issuance.
type IssueOptions struct {
	Audience string
	ClientIP string
	TenantID string
}

// VerifyOptions constrain credential verification.
type VerifyOptions struct {
	RequiredAudience string
	ClientIP         string
}

// TokenService issues, refreshes, revokes and verifies the signed
// credentials minted from solved challenges. Credentials are self-contained;
// the store only carries revocation and refresh bookkeeping, and lookups on
// those records fail open when the store is unreachable.
type TokenService struct {
	store  ports.TTLStore
	signer ports.CredentialSigner
	events ports.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(store ports.TTLStore, signer ports.CredentialSigner, events ports.EventPublisher, logger *slog.Logger) *TokenService {
	return &TokenService{
		store:  store,
		signer: signer,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Issue mints an access/refresh pair for a solved challenge. The refresh
// token's audience, client IP and tenant are persisted server-side so they
// survive into access tokens minted on refresh.
func (s *TokenService) Issue(ctx context.Context, challengeID string, solveTimeMs int64, opts IssueOptions) (*core.CredentialPair, error) {
	now := s.now()

	accessClaims := &core.Claims{
		Subject:     challengeID,
		TokenID:     uuid.New().String(),
		Kind:        core.CredentialKindAccess,
		IssuedAt:    now,
		ExpiresAt:   now.Add(core.AccessTokenTTL),
		SolveTimeMs: solveTimeMs,
		Audience:    opts.Audience,
		ClientIP:    opts.ClientIP,
		TenantID:    opts.TenantID,
	}
	refreshClaims := &core.Claims{
		Subject:     challengeID,
		TokenID:     uuid.New().String(),
		Kind:        core.CredentialKindRefresh,
		IssuedAt:    now,
		ExpiresAt:   now.Add(core.RefreshTokenTTL),
		SolveTimeMs: solveTimeMs,
		Audience:    opts.Audience,
		ClientIP:    opts.ClientIP,
		TenantID:    opts.TenantID,
	}

	access, err := s.signer.Sign(accessClaims)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}
	refresh, err := s.signer.Sign(refreshClaims)
	if err != nil {
		return nil, fmt.Errorf("signing refresh token: %w", err)
	}

	record := core.RefreshRecord{
		SubjectChallengeID: challengeID,
		IssuedAt:           now,
		SolveTimeMs:        solveTimeMs,
		Audience:           opts.Audience,
		ClientIP:           opts.ClientIP,
		TenantID:           opts.TenantID,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding refresh record: %w", err)
	}
	if err := s.store.Put(ctx, refreshKey(refreshClaims.TokenID), string(payload), core.RefreshTokenTTL); err != nil {
		return nil, fmt.Errorf("storing refresh record: %w", err)
	}

	return &core.CredentialPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(core.AccessTokenTTL / time.Second),
		RefreshExpiresIn: int64(core.RefreshTokenTTL / time.Second),
	}, nil
}

// Refresh mints a new access token from a refresh token. The refresh
// token's server-side record must exist: a cryptographically valid refresh
// token whose record is gone is treated as not issued by us, which closes
// the logout-bypass gap. Caller-supplied overrides take precedence over the
// stored bindings.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string, overrides IssueOptions) (string, int64, error) {
	claims, err := s.signer.Verify(refreshToken)
	if err != nil {
		return "", 0, err
	}
	if claims.Kind != core.CredentialKindRefresh {
		return "", 0, fmt.Errorf("token is not a refresh token: %w", core.ErrTokenInvalidSignatureOrExpiry)
	}

	if s.isRevoked(ctx, claims.TokenID) {
		return "", 0, core.ErrTokenRevoked
	}

	stored := core.RefreshRecord{
		SubjectChallengeID: claims.Subject,
		SolveTimeMs:        claims.SolveTimeMs,
		Audience:           claims.Audience,
		ClientIP:           claims.ClientIP,
		TenantID:           claims.TenantID,
	}
	raw, err := s.store.Get(ctx, refreshKey(claims.TokenID))
	switch {
	case errors.Is(err, core.ErrStoreNotFound):
		return "", 0, core.ErrRefreshTokenUnknown
	case err != nil:
		// Availability failure: fall back to the token's own claims.
		s.logger.Warn("refresh record lookup failed, using token claims", "error", err)
	default:
		if uerr := json.Unmarshal([]byte(raw), &stored); uerr != nil {
			return "", 0, fmt.Errorf("decoding refresh record: %w", uerr)
		}
	}

	audience := stored.Audience
	if overrides.Audience != "" {
		audience = overrides.Audience
	}
	clientIP := stored.ClientIP
	if overrides.ClientIP != "" {
		clientIP = overrides.ClientIP
	}
	tenantID := stored.TenantID
	if overrides.TenantID != "" {
		tenantID = overrides.TenantID
	}

	now := s.now()
	access, err := s.signer.Sign(&core.Claims{
		Subject:     stored.SubjectChallengeID,
		TokenID:     uuid.New().String(),
		Kind:        core.CredentialKindAccess,
		IssuedAt:    now,
		ExpiresAt:   now.Add(core.AccessTokenTTL),
		SolveTimeMs: stored.SolveTimeMs,
		Audience:    audience,
		ClientIP:    clientIP,
		TenantID:    tenantID,
	})
	if err != nil {
		return "", 0, fmt.Errorf("signing refreshed access token: %w", err)
	}
	return access, int64(core.AccessTokenTTL / time.Second), nil
}

// Revoke inserts a token ID into the revocation set. Idempotent; the record
// lives as long as the longest credential could.
func (s *TokenService) Revoke(ctx context.Context, tokenID string) error {
	payload, err := json.Marshal(core.RevocationRecord{RevokedAt: s.now()})
	if err != nil {
		return fmt.Errorf("encoding revocation record: %w", err)
	}
	if err := s.store.Put(ctx, revokedKey(tokenID), string(payload), core.RefreshTokenTTL); err != nil {
		return fmt.Errorf("storing revocation record: %w", err)
	}
	if perr := s.events.PublishTokenRevoked(ctx, tokenID); perr != nil {
		s.logger.Warn("failed to publish revocation event", "token_id", tokenID, "error", perr)
	}
	return nil
}

// Verify checks an access credential: signature, expiry, kind, revocation,
// and the optional audience and IP bindings. Revocation is checked
// fail-open: an unreachable store does not invalidate otherwise valid
// credentials.
func (s *TokenService) Verify(ctx context.Context, token string, opts VerifyOptions) (*core.Claims, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != core.CredentialKindAccess {
		return nil, fmt.Errorf("token is not an access token: %w", core.ErrTokenInvalidSignatureOrExpiry)
	}

	if s.isRevoked(ctx, claims.TokenID) {
		return nil, core.ErrTokenRevoked
	}

	if opts.RequiredAudience != "" && claims.Audience != opts.RequiredAudience {
		return nil, fmt.Errorf("audience %q required: %w", opts.RequiredAudience, core.ErrTokenAudienceMismatch)
	}
	if claims.ClientIP != "" && claims.ClientIP != opts.ClientIP {
		return nil, fmt.Errorf("credential bound to another client IP: %w", core.ErrTokenIPMismatch)
	}
	return claims, nil
}

// isRevoked consults the denylist. Store availability failures read as
// not revoked.
func (s *TokenService) isRevoked(ctx context.Context, tokenID string) bool {
	_, err := s.store.Get(ctx, revokedKey(tokenID))
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrStoreNotFound) {
		s.logger.Warn("revocation lookup failed, treating as not revoked", "token_id", tokenID, "error", err)
	}
	return false
}
