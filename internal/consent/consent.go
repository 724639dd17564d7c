// Package consent implements stateless verification of Ed25519-signed
// consent tokens. Verification never caches prior results (property P5):
// every call performs the full signature, parse, and expiry check against
// the exact bytes supplied.
package consent

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Code is the closed set of typed verification failures.
type Code string

const (
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeExpired          Code = "CONSENT_EXPIRED"
	CodeMalformed        Code = "MALFORMED_TOKEN"
)

// Error is the typed failure returned by Verify. It satisfies the error
// interface so callers can use errors.As to recover Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("consent: %s: %s", e.Code, e.Message) }

func fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Claims is the parsed payload of a consent token.
type Claims struct {
	PatientAgentID   string   `json:"patient_agent_id"`
	ProviderNPI      string   `json:"provider_npi"`
	ConsentedActions []string `json:"consented_actions"`
	IssuedAt         int64    `json:"iat"`
	ExpiresAt        int64    `json:"exp"`
	Nonce            string   `json:"nonce,omitempty"`
}

// Token is the wire representation: raw payload bytes plus a detached
// signature over those exact bytes (invariant C1 — the payload is never
// re-serialised before verification).
type Token struct {
	Payload   []byte
	Signature []byte
}

// ImportPublicKey decodes a base64url-encoded raw 32-byte Ed25519 public key.
func ImportPublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(b64); err != nil {
			return nil, fmt.Errorf("consent: decode public key: %w", err)
		}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("consent: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Now is overridable for tests; defaults to wall-clock time.
var Now = time.Now

// Verify checks token against publicKey in the order the spec requires:
// signature first, then JSON structure, then expiry — so a tampered token
// never reaches JSON parsing (§4.5 ordering).
func Verify(token Token, publicKey ed25519.PublicKey) (Claims, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return Claims{}, fail(CodeInvalidSignature, "public key has wrong size")
	}
	if len(token.Signature) != ed25519.SignatureSize {
		return Claims{}, fail(CodeInvalidSignature, "signature has wrong size")
	}
	if !ed25519.Verify(publicKey, token.Payload, token.Signature) {
		return Claims{}, fail(CodeInvalidSignature, "signature does not verify")
	}

	var claims Claims
	if err := json.Unmarshal(token.Payload, &claims); err != nil {
		return Claims{}, fail(CodeMalformed, "payload is not valid JSON: %v", err)
	}

	if claims.ExpiresAt <= Now().Unix() {
		return Claims{}, fail(CodeExpired, "token expired at %d", claims.ExpiresAt)
	}

	return claims, nil
}

// VerifyDetached verifies an arbitrary message/signature pair — used by the
// handshake engine to check the challenge-response signature over the
// server-issued nonce, which is not itself a consent token.
func VerifyDetached(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}
