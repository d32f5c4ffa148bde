package core

import "time"

// CredentialKind distinguishes access from refresh credentials.
type CredentialKind string

const (
	CredentialKindAccess  CredentialKind = "access"
	CredentialKindRefresh CredentialKind = "refresh"
)

const (
	// AccessTokenTTL is the lifetime of an access credential.
	AccessTokenTTL = 5 * time.Minute

	// RefreshTokenTTL is the lifetime of a refresh credential and the upper
	// bound on every revocation record.
	RefreshTokenTTL = time.Hour
)

// Claims is the self-contained claim set carried by a signed credential.
// Subject is the challenge the credential was minted from.
type Claims struct {
	Subject     string
	TokenID     string
	Kind        CredentialKind
	IssuedAt    time.Time
	ExpiresAt   time.Time
	SolveTimeMs int64
	Audience    string
	ClientIP    string
	TenantID    string
}

// CredentialPair is an access/refresh token pair returned on issuance.
type CredentialPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// RefreshRecord is the server-side supporting record for a refresh token,
// keyed by refresh:{tokenId}. It replays audience, IP binding and tenant
// into access tokens minted on refresh, since the refresh token's own
// claims are immutable once signed.
type RefreshRecord struct {
	SubjectChallengeID string    `json:"subjectChallengeId"`
	IssuedAt           time.Time `json:"issuedAt"`
	SolveTimeMs        int64     `json:"solveTimeMs,omitempty"`
	Audience           string    `json:"audience,omitempty"`
	ClientIP           string    `json:"clientIp,omitempty"`
	TenantID           string    `json:"tenantId,omitempty"`
}

// RevocationRecord marks a token ID as revoked, keyed by revoked:{tokenId}.
// Presence of the key is the signal; the payload is informational.
type RevocationRecord struct {
	RevokedAt time.Time `json:"revokedAt"`
}
