package ports

import "github.com/botwall/botwall/core"

// CredentialSigner converts between domain claims and signed wire tokens.
// It isolates the signing algorithm (symmetric today) from issuance and
// verification logic.
type CredentialSigner interface {
	// Sign produces a compact signed token carrying the claims.
	Sign(claims *core.Claims) (string, error)

	// Verify checks the token's signature and expiry and returns its
	// claims. It wraps core.ErrTokenInvalidSignatureOrExpiry on any
	// cryptographic or temporal failure.
	Verify(token string) (*core.Claims, error)
}
