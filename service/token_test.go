package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botwall/botwall/adapters/events"
	"github.com/botwall/botwall/adapters/signer"
	"github.com/botwall/botwall/adapters/store"
	"github.com/botwall/botwall/core"
	"github.com/botwall/botwall/ports"
)

func newTokenService(t *testing.T) (*TokenService, *store.MemoryStore, ports.CredentialSigner) {
	t.Helper()
	mem := store.NewMemoryStore()
	credSigner := signer.NewJWTSigner([]byte("test-secret"))
	svc := NewTokenService(mem, credSigner, events.NopPublisher{}, testLogger())
	return svc, mem, credSigner
}

func TestIssue_RoundTrip(t *testing.T) {
	svc, _, _ := newTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "challenge-1", 230, IssueOptions{TenantID: "tenant-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(300), pair.ExpiresIn)
	assert.Equal(t, int64(3600), pair.RefreshExpiresIn)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	claims, err := svc.Verify(ctx, pair.AccessToken, VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "challenge-1", claims.Subject)
	assert.Equal(t, core.CredentialKindAccess, claims.Kind)
	assert.Equal(t, int64(230), claims.SolveTimeMs)
	assert.Equal(t, "tenant-1", claims.TenantID)
}

func TestIssue_DistinctTokenIDs(t *testing.T) {
	svc, _, credSigner := newTokenService(t)

	pair, err := svc.Issue(context.Background(), "challenge-1", 100, IssueOptions{})
	require.NoError(t, err)

	access, err := credSigner.Verify(pair.AccessToken)
	require.NoError(t, err)
	refresh, err := credSigner.Verify(pair.RefreshToken)
	require.NoError(t, err)

	assert.NotEqual(t, access.TokenID, refresh.TokenID)
}

func TestVerify_RejectsRefreshToken(t *testing.T) {
	svc, _, _ := newTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "challenge-1", 100, IssueOptions{})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, pair.RefreshToken, VerifyOptions{})
	assert.ErrorIs(t, err, core.ErrTokenInvalidSignatureOrExpiry)
}

func TestVerify_RejectsGarbage(t *testing.T) {
	svc, _, _ := newTokenService(t)

	_, err := svc.Verify(context.Background(), "not.a.token", VerifyOptions{})
	assert.ErrorIs(t, err, core.ErrTokenInvalidSignatureOrExpiry)
}

func TestVerify_AudienceBinding(t *testing.T) {
	svc, _, _ := newTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "challenge-1", 100, IssueOptions{Audience: "svc-a"})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, pair.AccessToken, VerifyOptions{RequiredAudience: "svc-a"})
	assert.NoError(t, err)

	_, err = svc.Verify(ctx, pair.AccessToken, VerifyOptions{RequiredAudience: "svc-b"})
	assert.ErrorIs(t, err, core.ErrTokenAudienceMismatch)

	// No required audience accepts any token.
	_, err = svc.Verify(ctx, pair.AccessToken, VerifyOptions{})
	assert.NoError(t, err)
}

func TestVerify_ClientIPBinding(t *testing.T) {
	svc, _, _ := newTokenService(t)
	ctx := context.Background()

	bound, err := svc.Issue(ctx, "challenge-1", 100, IssueOptions{ClientIP: "203.0.113.7"})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, bound.AccessToken, VerifyOptions{ClientIP: "203.0.113.7"})
	assert.NoError(t, err)

	_, err = svc.Verify(ctx, bound.AccessToken, VerifyOptions{ClientIP: "198.51.100.1"})
	assert.ErrorIs(t, err, core.ErrTokenIPMismatch)

	// Unbound credentials are valid from any address.
	unbound, err := svc.Issue(ctx, "challenge-2", 100, IssueOptions{})
	require.NoError(t, err)
	_, err = svc.Verify(ctx, unbound.AccessToken, VerifyOptions{ClientIP: "198.51.100.1"})
	assert.NoError(t, err)
}

func TestRefresh_CarriesBindingsForward(t *testing.T) {
	svc, _, _ := newTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "challenge-1", 440, IssueOptions{Audience: "svc-a", TenantID: "tenant-1"})
	require.NoError(t, err)

	access, expiresIn, err := svc.Refresh(ctx, pair.RefreshToken, IssueOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(300), expiresIn)

	claims, err := svc.Verify(ctx, access, VerifyOptions{RequiredAudience: "svc-a"})
	require.NoError(t, err)
	assert.Equal(t, "challenge-1", claims.Subject)
	assert.Equal(t, int64(440), claims.SolveTimeMs)
	assert.Equal(t, "tenant-1", claims.TenantID)
}

func TestRefresh_OverridesTakePrecedence(t *testing.T) {
	svc, _, _ := newTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "challenge-1", 100, IssueOptions{Audience: "svc-a"})
	require.NoError(t, err)

	access, _, err := svc.Refresh(ctx, pair.RefreshToken, IssueOptions{Audience: "svc-b"})
	require.NoError(t, err)

	claims, err := svc.Verify(ctx, access, VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "svc-b", claims.Audience)
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	svc, _, _ := newTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "challenge-1", 100, IssueOptions{})
	require.NoError(t, err)

	_, _, err = svc.Refresh(ctx, pair.AccessToken, IssueOptions{})
	assert.ErrorIs(t, err, core.ErrTokenInvalidSignatureOrExpiry)
}

func TestRefresh_UnknownRecordRejected(t *testing.T) {
	svc, mem, credSigner := newTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "challenge-1", 100, IssueOptions{})
	require.NoError(t, err)

	// Simulate a refresh record evicted by logout on another path: the
	// token stays cryptographically valid but is no longer honored.
	claims, err := credSigner.Verify(pair.RefreshToken)
	require.NoError(t, err)
	require.NoError(t, mem.Delete(ctx, refreshKey(claims.TokenID)))

	_, _, err = svc.Refresh(ctx, pair.RefreshToken, IssueOptions{})
	assert.ErrorIs(t, err, core.ErrRefreshTokenUnknown)
}

func TestRevoke_BlocksRefreshAndVerify(t *testing.T) {
	svc, _, credSigner := newTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "challenge-1", 100, IssueOptions{})
	require.NoError(t, err)

	refreshClaims, err := credSigner.Verify(pair.RefreshToken)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, refreshClaims.TokenID))

	_, _, err = svc.Refresh(ctx, pair.RefreshToken, IssueOptions{})
	assert.ErrorIs(t, err, core.ErrTokenRevoked)

	accessClaims, err := credSigner.Verify(pair.AccessToken)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, accessClaims.TokenID))

	_, err = svc.Verify(ctx, pair.AccessToken, VerifyOptions{})
	assert.ErrorIs(t, err, core.ErrTokenRevoked)

	// Idempotent.
	assert.NoError(t, svc.Revoke(ctx, accessClaims.TokenID))
}

func TestTokenService_FailsOpenOnStoreOutage(t *testing.T) {
	healthy, _, credSigner := newTokenService(t)
	ctx := context.Background()

	pair, err := healthy.Issue(ctx, "challenge-1", 100, IssueOptions{Audience: "svc-a"})
	require.NoError(t, err)

	// Same signing key, unreachable store: verification and refresh keep
	// working off the tokens' own claims.
	degraded := NewTokenService(erroringStore{}, credSigner, events.NopPublisher{}, testLogger())

	claims, err := degraded.Verify(ctx, pair.AccessToken, VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "challenge-1", claims.Subject)

	access, _, err := degraded.Refresh(ctx, pair.RefreshToken, IssueOptions{})
	require.NoError(t, err)

	claims, err = degraded.Verify(ctx, access, VerifyOptions{RequiredAudience: "svc-a"})
	require.NoError(t, err)
	assert.Equal(t, "svc-a", claims.Audience)
}
