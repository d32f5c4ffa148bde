package signer

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/botwall/botwall/core"
	"github.com/botwall/botwall/ports"
)

// credentialClaims is the JWT claim layout. Custom claim names are a wire
// compatibility surface alongside the registered ones.
type credentialClaims struct {
	jwt.RegisteredClaims
	Kind        string `json:"type"`
	SolveTimeMs int64  `json:"solveTime,omitempty"`
	ClientIP    string `json:"client_ip,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// JWTSigner implements CredentialSigner with symmetric HS256 signing. The
// produced token is the standard three-segment base64url format.
type JWTSigner struct {
	secret []byte
}

// NewJWTSigner creates a signer from the shared secret.
func NewJWTSigner(secret []byte) *JWTSigner {
	return &JWTSigner{secret: secret}
}

func (s *JWTSigner) Sign(claims *core.Claims) (string, error) {
	jc := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			ID:        claims.TokenID,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
		Kind:        string(claims.Kind),
		SolveTimeMs: claims.SolveTimeMs,
		ClientIP:    claims.ClientIP,
		TenantID:    claims.TenantID,
	}
	if claims.Audience != "" {
		jc.Audience = jwt.ClaimStrings{claims.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jc)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing credential: %w", err)
	}
	return signed, nil
}

func (s *JWTSigner) Verify(tokenStr string) (*core.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &credentialClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTokenInvalidSignatureOrExpiry, err)
	}
	if !token.Valid {
		return nil, core.ErrTokenInvalidSignatureOrExpiry
	}

	jc, ok := token.Claims.(*credentialClaims)
	if !ok {
		return nil, core.ErrTokenInvalidSignatureOrExpiry
	}

	claims := &core.Claims{
		Subject:     jc.Subject,
		TokenID:     jc.ID,
		Kind:        core.CredentialKind(jc.Kind),
		SolveTimeMs: jc.SolveTimeMs,
		ClientIP:    jc.ClientIP,
		TenantID:    jc.TenantID,
	}
	if jc.IssuedAt != nil {
		claims.IssuedAt = jc.IssuedAt.Time
	}
	if jc.ExpiresAt != nil {
		claims.ExpiresAt = jc.ExpiresAt.Time
	} else {
		// A credential without expiry was never issued by us.
		return nil, core.ErrTokenInvalidSignatureOrExpiry
	}
	if len(jc.Audience) > 0 {
		claims.Audience = jc.Audience[0]
	}
	return claims, nil
}

var _ ports.CredentialSigner = (*JWTSigner)(nil)
