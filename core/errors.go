package core

import "errors"

var (
	// Challenge verification failures.
	ErrChallengeNotFoundOrExpired = errors.New("challenge not found or expired")
	ErrChallengeTooSlow           = errors.New("challenge answered too slowly")
	ErrChallengeAnswerMismatch    = errors.New("challenge answer mismatch")
	ErrChallengeMalformedInput    = errors.New("malformed challenge input")

	// Credential failures.
	ErrTokenInvalidSignatureOrExpiry = errors.New("token signature or expiry invalid")
	ErrTokenRevoked                  = errors.New("token has been revoked")
	ErrTokenAudienceMismatch         = errors.New("token audience mismatch")
	ErrTokenIPMismatch               = errors.New("token client IP mismatch")
	ErrRefreshTokenUnknown           = errors.New("refresh token not issued by this service")

	// Rate limiting.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// HTTP message signature failures.
	ErrSignatureMissingHeaders = errors.New("signature or signature-input header missing")
	ErrSignatureStale          = errors.New("signature created timestamp outside replay window")
	ErrSignatureCryptoMismatch = errors.New("signature verification failed")

	// Capability and agent failures.
	ErrCapabilityMissingAction = errors.New("action not granted by any capability")
	ErrCapabilityMissingScope  = errors.New("scope not granted for action")
	ErrAgentKeyMalformed       = errors.New("agent public key malformed")

	// Lookup failures.
	ErrAgentNotFound   = errors.New("agent not found")
	ErrSessionNotFound = errors.New("session not found or expired")

	// Store failures. ErrStoreNotFound means the key is definitively absent;
	// anything else from a store is an availability failure and callers on
	// advisory paths treat it as the permissive outcome.
	ErrStoreNotFound  = errors.New("key not found")
	ErrStoreOperation = errors.New("store operation failed")
)

// reasons maps sentinel errors to the machine-checkable reason strings
// returned on the wire. These are a compatibility surface; human-readable
// messages may change, reason strings may not.
var reasons = map[error]string{
	ErrChallengeNotFoundOrExpired:    "NotFoundOrExpired",
	ErrChallengeTooSlow:              "TooSlow",
	ErrChallengeAnswerMismatch:       "AnswerMismatch",
	ErrChallengeMalformedInput:       "MalformedInput",
	ErrTokenInvalidSignatureOrExpiry: "TokenInvalidSignatureOrExpiry",
	ErrTokenRevoked:                  "TokenRevoked",
	ErrTokenAudienceMismatch:         "TokenAudienceMismatch",
	ErrTokenIPMismatch:               "TokenIpMismatch",
	ErrRefreshTokenUnknown:           "RefreshTokenUnknown",
	ErrRateLimitExceeded:             "RateLimitExceeded",
	ErrSignatureMissingHeaders:       "SignatureMissingHeaders",
	ErrSignatureStale:                "SignatureStale",
	ErrSignatureCryptoMismatch:       "SignatureCryptoMismatch",
	ErrCapabilityMissingAction:       "CapabilityMissingAction",
	ErrCapabilityMissingScope:        "CapabilityMissingScope",
	ErrAgentKeyMalformed:             "AgentKeyMalformed",
	ErrAgentNotFound:                 "AgentNotFound",
	ErrSessionNotFound:               "SessionNotFound",
}

// Reason returns the wire reason string for err, matching against the
// sentinel chain. Unknown errors map to "Internal".
func Reason(err error) string {
	for sentinel, reason := range reasons {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	return "Internal"
}
