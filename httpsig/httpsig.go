// Package httpsig implements the subset of RFC 9421 HTTP Message Signatures
// used for cryptographic agent identity: detached signatures over a covered
// component list with ecdsa-p256-sha256 or rsa-pss-sha256.
//
// Verification is stateless and has no fail-open mode: a forged, stale or
// unparseable signature always hard-fails with a distinguishing error.
package httpsig

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/botwall/botwall/core"
)

// ReplayWindow bounds how far the signature's created parameter may drift
// from the verifier's clock, in either direction.
const ReplayWindow = 300 * time.Second

// pssSaltLength is fixed by the rsa-pss-sha256 profile.
const pssSaltLength = 32

// Request is the signed surface of an HTTP request. Header lookups are
// case-insensitive.
type Request struct {
	Method    string
	Path      string
	Authority string
	Headers   map[string]string
}

// FromHTTP extracts the signed surface from a net/http request.
func FromHTTP(r *http.Request) Request {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Authority: r.Host,
		Headers:   headers,
	}
}

func (r Request) header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Verifier validates detached request signatures against a caller-supplied
// public key.
type Verifier struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier with the standard replay window.
func NewVerifier() *Verifier {
	return &Verifier{maxAge: ReplayWindow, now: time.Now}
}

// Verify checks the request's Signature / Signature-Input headers against
// the PEM public key for the given algorithm. A nil return means the
// signature is cryptographically valid and fresh.
func (v *Verifier) Verify(req Request, publicKeyPEM string, alg core.SignatureAlgorithm) error {
	sigHeader, okSig := req.header("signature")
	inputHeader, okInput := req.header("signature-input")
	if !okSig || !okInput || sigHeader == "" || inputHeader == "" {
		return core.ErrSignatureMissingHeaders
	}

	input, err := parseSignatureInput(inputHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrSignatureCryptoMismatch, err)
	}

	now := v.now()
	age := now.Unix() - input.created
	if age > int64(v.maxAge/time.Second) || -age > int64(v.maxAge/time.Second) {
		return fmt.Errorf("%w: created %d is %ds from now", core.ErrSignatureStale, input.created, age)
	}

	if input.alg != "" && input.alg != string(alg) {
		return fmt.Errorf("%w: signature-input declares alg %q, key registered for %q",
			core.ErrSignatureCryptoMismatch, input.alg, alg)
	}

	base, err := signatureBase(req, input)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrSignatureCryptoMismatch, err)
	}

	sig, err := extractSignature(sigHeader, input.label)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrSignatureCryptoMismatch, err)
	}

	pub, err := ParsePublicKey(publicKeyPEM, alg)
	if err != nil {
		return err
	}

	digest := sha256.Sum256([]byte(base))
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if verifyECDSA(key, digest[:], sig) {
			return nil
		}
	case *rsa.PublicKey:
		opts := &rsa.PSSOptions{SaltLength: pssSaltLength, Hash: crypto.SHA256}
		if rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, opts) == nil {
			return nil
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", core.ErrSignatureCryptoMismatch, pub)
	}
	return core.ErrSignatureCryptoMismatch
}

// verifyECDSA accepts both the RFC 9421 raw r||s encoding and ASN.1 DER.
func verifyECDSA(key *ecdsa.PublicKey, digest, sig []byte) bool {
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if ecdsa.Verify(key, digest, r, s) {
			return true
		}
	}
	return ecdsa.VerifyASN1(key, digest, sig)
}

// signatureInput is the parsed signature-input header for a single label.
type signatureInput struct {
	label      string
	components []string
	created    int64
	keyID      string
	alg        string
	// params reproduces everything after "label=" verbatim; it becomes the
	// @signature-params line of the base.
	params string
}

func parseSignatureInput(header string) (*signatureInput, error) {
	eq := strings.Index(header, "=")
	if eq <= 0 {
		return nil, fmt.Errorf("signature-input has no label")
	}
	input := &signatureInput{
		label:  strings.TrimSpace(header[:eq]),
		params: strings.TrimSpace(header[eq+1:]),
	}

	if !strings.HasPrefix(input.params, "(") {
		return nil, fmt.Errorf("signature-input missing component list")
	}
	closeIdx := strings.Index(input.params, ")")
	if closeIdx < 0 {
		return nil, fmt.Errorf("signature-input has unterminated component list")
	}
	for _, item := range strings.Fields(input.params[1:closeIdx]) {
		name := strings.Trim(item, `"`)
		if name == "" {
			return nil, fmt.Errorf("signature-input has empty component name")
		}
		input.components = append(input.components, strings.ToLower(name))
	}
	if len(input.components) == 0 {
		return nil, fmt.Errorf("signature-input covers no components")
	}

	createdSeen := false
	for _, param := range strings.Split(input.params[closeIdx+1:], ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		key, value, found := strings.Cut(param, "=")
		if !found {
			return nil, fmt.Errorf("malformed signature parameter %q", param)
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "created":
			var created int64
			if _, err := fmt.Sscanf(value, "%d", &created); err != nil {
				return nil, fmt.Errorf("malformed created parameter %q", value)
			}
			input.created = created
			createdSeen = true
		case "keyid":
			input.keyID = value
		case "alg":
			input.alg = value
		}
	}
	if !createdSeen {
		return nil, fmt.Errorf("signature-input missing created parameter")
	}
	return input, nil
}

// signatureBase reconstructs the string that was signed: one line per
// covered component in declared order, then the @signature-params line.
func signatureBase(req Request, input *signatureInput) (string, error) {
	var b strings.Builder
	for _, component := range input.components {
		var value string
		switch component {
		case "@method":
			value = strings.ToUpper(req.Method)
		case "@path":
			value = req.Path
		case "@authority":
			value = req.Authority
		default:
			if strings.HasPrefix(component, "@") {
				return "", fmt.Errorf("unsupported derived component %q", component)
			}
			v, ok := req.header(component)
			if !ok {
				return "", fmt.Errorf("covered header %q not present", component)
			}
			value = v
		}
		fmt.Fprintf(&b, "%q: %s\n", component, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", input.params)
	return b.String(), nil
}

// extractSignature pulls the base64 signature bytes for label out of the
// Signature header, accepting both the dictionary form
// `label=:base64:` and a bare base64 value.
func extractSignature(header, label string) ([]byte, error) {
	value := strings.TrimSpace(header)
	if prefix := label + "="; strings.HasPrefix(value, prefix) {
		value = strings.TrimPrefix(value, prefix)
	}
	value = strings.Trim(value, ":")
	sig, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %v", err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	return sig, nil
}

// ParsePublicKey decodes a PEM public key and checks it matches the
// algorithm. Malformed or mismatched keys return ErrAgentKeyMalformed.
func ParsePublicKey(pemStr string, alg core.SignatureAlgorithm) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", core.ErrAgentKeyMalformed)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrAgentKeyMalformed, err)
	}
	switch alg {
	case core.AlgorithmECDSAP256SHA256:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires an ECDSA key, got %T", core.ErrAgentKeyMalformed, alg, pub)
		}
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: %s requires curve P-256", core.ErrAgentKeyMalformed, alg)
		}
		return key, nil
	case core.AlgorithmRSAPSSSHA256:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires an RSA key, got %T", core.ErrAgentKeyMalformed, alg, pub)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", core.ErrAgentKeyMalformed, alg)
	}
}

// minPEMLength guards registration against truncated keys before a full
// parse is attempted.
const minPEMLength = 60

// ValidatePublicKeyPEM is the structural sanity check applied at agent
// registration: well-formed header/footer, minimum length, and a key that
// parses for the declared algorithm.
func ValidatePublicKeyPEM(pemStr string, alg core.SignatureAlgorithm) error {
	trimmed := strings.TrimSpace(pemStr)
	if len(trimmed) < minPEMLength ||
		!strings.HasPrefix(trimmed, "-----BEGIN ") ||
		!strings.Contains(trimmed, "-----END ") {
		return fmt.Errorf("%w: not a PEM-encoded public key", core.ErrAgentKeyMalformed)
	}
	_, err := ParsePublicKey(pemStr, alg)
	return err
}

// SignRequest produces the Signature-Input and Signature header values for
// a request, covering the given components. Clients attach the returned
// values verbatim. The private key must match alg.
func SignRequest(req Request, components []string, keyID string, alg core.SignatureAlgorithm, key crypto.Signer, created time.Time) (sigInput, sig string, err error) {
	var quoted []string
	for _, c := range components {
		quoted = append(quoted, fmt.Sprintf("%q", strings.ToLower(c)))
	}
	params := fmt.Sprintf("(%s);created=%d;keyid=%q;alg=%q",
		strings.Join(quoted, " "), created.Unix(), keyID, alg)

	input := &signatureInput{
		label:      "sig1",
		components: lowerAll(components),
		created:    created.Unix(),
		keyID:      keyID,
		alg:        string(alg),
		params:     params,
	}
	base, err := signatureBase(req, input)
	if err != nil {
		return "", "", err
	}

	digest := sha256.Sum256([]byte(base))
	var raw []byte
	switch alg {
	case core.AlgorithmECDSAP256SHA256:
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return "", "", fmt.Errorf("%s requires an ECDSA private key, got %T", alg, key)
		}
		r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
		if err != nil {
			return "", "", fmt.Errorf("signing request: %w", err)
		}
		raw = make([]byte, 64)
		r.FillBytes(raw[:32])
		s.FillBytes(raw[32:])
	case core.AlgorithmRSAPSSSHA256:
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return "", "", fmt.Errorf("%s requires an RSA private key, got %T", alg, key)
		}
		opts := &rsa.PSSOptions{SaltLength: pssSaltLength, Hash: crypto.SHA256}
		raw, err = rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], opts)
		if err != nil {
			return "", "", fmt.Errorf("signing request: %w", err)
		}
	default:
		return "", "", fmt.Errorf("unsupported algorithm %q", alg)
	}

	sigInput = fmt.Sprintf("sig1=%s", params)
	sig = fmt.Sprintf("sig1=:%s:", base64.StdEncoding.EncodeToString(raw))
	return sigInput, sig, nil
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
