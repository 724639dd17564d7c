// Package handshake implements the Handshake Engine (C6): the stateful,
// two-message protocol that turns a consent token and a signed
// challenge-response into a registered Relationship. It composes the
// Consent Verifier, Challenge Registry, Relationship Store, and Audit Log;
// it holds no socket state of its own (the Protocol Server owns that).
package handshake

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/challenge"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/relationship"
)

// Code is the closed set of typed handshake failures (§4.5).
type Code string

const (
	CodeMalformedToken Code = "MALFORMED_TOKEN"
	CodeExpired        Code = "CONSENT_EXPIRED"
	CodeInvalidSig     Code = "INVALID_SIGNATURE"
	CodeNonceUnknown   Code = "NONCE_UNKNOWN"
	CodeNonceExpired   Code = "NONCE_EXPIRED"
	CodeProviderMismatch Code = "PROVIDER_MISMATCH"
)

// Error is the typed failure returned by Complete.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("handshake: %s: %s", e.Code, e.Message) }

func fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Challenge is returned by Start: the nonce the client must sign, plus the
// identifiers it can use to display/confirm context.
type Challenge struct {
	Nonce           string
	ProviderNPI     string
	OrganizationNPI string
}

// CompleteResult is the outcome of a successful Complete call.
type CompleteResult struct {
	RelationshipID string
	Existing       bool // true if an existing active relationship was reused
}

// Engine orchestrates C3 (consent), C5 (challenge registry), C4 (relationship
// store), and C1 (audit) to implement the two-message handshake protocol.
type Engine struct {
	challenges      *challenge.Registry
	relationships   *relationship.Store
	audit           *audit.Log
	organizationNPI string
}

// New creates an Engine. organizationNPI is this broker's own NPI, returned
// to clients as part of the Challenge so they can display which
// organization they are handshaking with.
func New(challenges *challenge.Registry, relationships *relationship.Store, al *audit.Log, organizationNPI string) *Engine {
	return &Engine{
		challenges:      challenges,
		relationships:   relationships,
		audit:           al,
		organizationNPI: organizationNPI,
	}
}

// Start registers a pending challenge for (patientAgentID, providerNPI,
// patientPublicKey) and returns the nonce the client must sign to prove
// control of patientPublicKey.
func (e *Engine) Start(patientAgentID, providerNPI string, patientPublicKey ed25519.PublicKey) (Challenge, error) {
	nonce, err := e.challenges.Issue(patientAgentID, providerNPI, patientPublicKey)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{
		Nonce:           nonce,
		ProviderNPI:     providerNPI,
		OrganizationNPI: e.organizationNPI,
	}, nil
}

// Complete consumes nonce, verifies the challenge-response signature and the
// consent token, asserts the token's provider_npi matches the pending
// challenge, and either reuses an existing active relationship (idempotent
// reconnect) or creates a new one. Lookup and create run in a single storage
// transaction, and the relationship-established audit entry is appended
// inside it before commit, so a failed append rolls the create back; a
// commit failure after a successful append leaves the audit entry in place.
func (e *Engine) Complete(ctx context.Context, nonce string, signedNonce []byte, token consent.Token) (CompleteResult, error) {
	pending, err := e.challenges.Consume(nonce)
	if err != nil {
		switch {
		case errors.Is(err, challenge.ErrNotFound):
			return CompleteResult{}, fail(CodeNonceUnknown, "nonce %q not found", nonce)
		case errors.Is(err, challenge.ErrExpired):
			return CompleteResult{}, fail(CodeNonceExpired, "nonce %q expired", nonce)
		default:
			return CompleteResult{}, err
		}
	}

	if !consent.VerifyDetached(pending.PatientPublicKey, []byte(nonce), signedNonce) {
		e.auditFailure(pending.PatientAgentID, pending.ProviderNPI, "challenge-response signature invalid")
		return CompleteResult{}, fail(CodeInvalidSig, "challenge-response signature invalid")
	}

	claims, cerr := consent.Verify(token, pending.PatientPublicKey)
	if cerr != nil {
		var ce *consent.Error
		code := CodeMalformedToken
		msg := cerr.Error()
		if errors.As(cerr, &ce) {
			msg = ce.Message
			switch ce.Code {
			case consent.CodeInvalidSignature:
				code = CodeInvalidSig
			case consent.CodeExpired:
				code = CodeExpired
			case consent.CodeMalformed:
				code = CodeMalformedToken
			}
		}
		e.auditFailure(pending.PatientAgentID, pending.ProviderNPI, msg)
		return CompleteResult{}, fail(code, "%s", msg)
	}

	if claims.ProviderNPI != pending.ProviderNPI {
		e.auditFailure(pending.PatientAgentID, pending.ProviderNPI, "provider_npi mismatch between challenge and consent token")
		return CompleteResult{}, fail(CodeProviderMismatch, "claims provider_npi %q does not match pending %q", claims.ProviderNPI, pending.ProviderNPI)
	}

	var result CompleteResult
	err = e.relationships.DB().Transaction(ctx, func(tx *sql.Tx) error {
		existing, findErr := e.relationships.FindActiveByPatientProviderTx(ctx, tx, pending.PatientAgentID, pending.ProviderNPI)
		if findErr == nil {
			result = CompleteResult{RelationshipID: existing.RelationshipID, Existing: true}
			return nil
		}
		if !errors.Is(findErr, relationship.ErrNotFound) {
			return findErr
		}

		created, createErr := e.relationships.CreateTx(ctx, tx, pending.PatientAgentID, pending.ProviderNPI, claims.ConsentedActions, pending.PatientPublicKey)
		if createErr != nil {
			return createErr
		}

		// The audit log and the SQL transaction are separate storage
		// systems; appending here before commit means an audit write
		// succeeding followed by a commit failure is the one window where
		// O3 could be violated. Acceptable: commit failure after a
		// successful write is exceedingly rare and the spec does not
		// require two-phase commit across heterogeneous stores.
		if _, auditErr := e.audit.Append(audit.CategoryConsent, "consent.relationship_established", pending.PatientAgentID, map[string]any{
			"relationship_id": created.RelationshipID,
			"provider_npi":    created.ProviderNPI,
			"patient_agent_id": created.PatientAgentID,
		}); auditErr != nil {
			return fmt.Errorf("handshake: append relationship-established audit entry: %w", auditErr)
		}

		result = CompleteResult{RelationshipID: created.RelationshipID, Existing: false}
		return nil
	})
	if err != nil {
		return CompleteResult{}, err
	}

	return result, nil
}

func (e *Engine) auditFailure(patientAgentID, providerNPI, reason string) {
	_, _ = e.audit.Append(audit.CategoryConnection, "connection.handshake_failed", patientAgentID, map[string]any{
		"provider_npi": providerNPI,
		"reason":       reason,
	})
}
