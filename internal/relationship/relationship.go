// Package relationship implements the Relationship Store (C4) and
// Termination Handler (C7): the durable record of a consented care
// relationship between a patient agent and a provider, and the one-way
// transition that ends it.
package relationship

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/clock"
	"github.com/careagent/neuron/internal/storage"
)

// Status is the relationship lifecycle state (invariant L1: active ->
// terminated only, never reversed, never deleted).
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Relationship is the durable consented-care record.
type Relationship struct {
	RelationshipID   string
	PatientAgentID   string
	ProviderNPI      string
	Status           Status
	ConsentedActions []string // stored and returned opaquely (invariant L2)
	PatientPublicKey ed25519.PublicKey
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TerminationRecord links a terminated relationship to the audit entry that
// recorded its termination.
type TerminationRecord struct {
	TerminationID      string
	RelationshipID     string
	ProviderNPI        string
	Reason             string
	TerminatedAt       time.Time
	AuditEntrySequence uint64
}

// ErrAlreadyTerminated is returned by UpdateStatus and Terminate once a
// relationship has reached the terminated state (invariant L1).
var ErrAlreadyTerminated = errors.New("relationship: already terminated")

// ErrNotFound is returned when relationship_id does not exist.
var ErrNotFound = errors.New("relationship: not found")

// ErrProviderMismatch is returned by Terminate when the caller's provider
// NPI does not match the relationship's provider.
var ErrProviderMismatch = errors.New("relationship: provider NPI mismatch")

// Store is the C4 relationship store, backed by the SQLite storage engine.
type Store struct {
	db    *storage.DB
	clock clock.Clock
}

// NewStore creates a Store over db.
func NewStore(db *storage.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{db: db, clock: clk}
}

// Create inserts a new active relationship with a fresh relationship_id.
func (s *Store) Create(ctx context.Context, patientAgentID, providerNPI string, consentedActions []string, patientPublicKey ed25519.PublicKey) (Relationship, error) {
	now := s.clock.Now().UTC()
	r := Relationship{
		RelationshipID:   uuid.NewString(),
		PatientAgentID:   patientAgentID,
		ProviderNPI:      providerNPI,
		Status:           StatusActive,
		ConsentedActions: consentedActions,
		PatientPublicKey: patientPublicKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return r, s.insert(ctx, s.db.DB, r)
}

// CreateTx is Create's transactional counterpart, used by the handshake
// engine so the create rolls back if the audit append that follows it in
// the same transaction fails (ordering guarantee O3).
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, patientAgentID, providerNPI string, consentedActions []string, patientPublicKey ed25519.PublicKey) (Relationship, error) {
	now := s.clock.Now().UTC()
	r := Relationship{
		RelationshipID:   uuid.NewString(),
		PatientAgentID:   patientAgentID,
		ProviderNPI:      providerNPI,
		Status:           StatusActive,
		ConsentedActions: consentedActions,
		PatientPublicKey: patientPublicKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return r, s.insert(ctx, tx, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) insert(ctx context.Context, x execer, r Relationship) error {
	actionsJSON, err := json.Marshal(r.ConsentedActions)
	if err != nil {
		return fmt.Errorf("relationship: marshal consented_actions: %w", err)
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO relationships
			(relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RelationshipID, r.PatientAgentID, r.ProviderNPI, string(r.Status),
		string(actionsJSON), []byte(r.PatientPublicKey),
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("relationship: insert: %w", err)
	}
	return nil
}

func scanRow(scan func(dest ...any) error) (Relationship, error) {
	var r Relationship
	var status, actionsJSON, createdAt, updatedAt string
	var pubKey []byte
	if err := scan(&r.RelationshipID, &r.PatientAgentID, &r.ProviderNPI, &status, &actionsJSON, &pubKey, &createdAt, &updatedAt); err != nil {
		return Relationship{}, err
	}
	r.Status = Status(status)
	r.PatientPublicKey = ed25519.PublicKey(pubKey)
	if err := json.Unmarshal([]byte(actionsJSON), &r.ConsentedActions); err != nil {
		return Relationship{}, fmt.Errorf("relationship: unmarshal consented_actions: %w", err)
	}
	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Relationship{}, err
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Relationship{}, err
	}
	return r, nil
}

const selectCols = `relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at`

// FindByID returns the relationship with the given id, or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (Relationship, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM relationships WHERE relationship_id = ?`, id)
	r, err := scanRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Relationship{}, ErrNotFound
	}
	return r, err
}

// FindByPatient returns every relationship for a given patient agent.
func (s *Store) FindByPatient(ctx context.Context, patientAgentID string) ([]Relationship, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM relationships WHERE patient_agent_id = ? ORDER BY created_at`, patientAgentID)
}

// FindByProvider returns every relationship for a given provider.
func (s *Store) FindByProvider(ctx context.Context, providerNPI string) ([]Relationship, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM relationships WHERE provider_npi = ? ORDER BY created_at`, providerNPI)
}

// FindByStatus returns every relationship in the given status.
func (s *Store) FindByStatus(ctx context.Context, status Status) ([]Relationship, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM relationships WHERE status = ? ORDER BY created_at`, string(status))
}

// FindActiveByPatientProvider looks up an existing active relationship for
// (patientAgentID, providerNPI), used by the handshake engine's idempotent
// reconnect path. Returns ErrNotFound if none exists.
func (s *Store) FindActiveByPatientProvider(ctx context.Context, patientAgentID, providerNPI string) (Relationship, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM relationships
		WHERE patient_agent_id = ? AND provider_npi = ? AND status = ? LIMIT 1`,
		patientAgentID, providerNPI, string(StatusActive))
	r, err := scanRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Relationship{}, ErrNotFound
	}
	return r, err
}

// FindActiveByPatientProviderTx is FindActiveByPatientProvider's
// transactional counterpart, used inside the handshake engine's completion
// transaction so the existence check and any subsequent create are
// atomic with respect to concurrent handshakes for the same pair.
func (s *Store) FindActiveByPatientProviderTx(ctx context.Context, tx *sql.Tx, patientAgentID, providerNPI string) (Relationship, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+selectCols+` FROM relationships
		WHERE patient_agent_id = ? AND provider_npi = ? AND status = ? LIMIT 1`,
		patientAgentID, providerNPI, string(StatusActive))
	r, err := scanRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Relationship{}, ErrNotFound
	}
	return r, err
}

// DB exposes the underlying storage engine so the handshake engine can open
// the shared transaction spanning relationship lookup/create and audit
// append (ordering guarantee O3).
func (s *Store) DB() *storage.DB { return s.db }

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("relationship: query: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateStatus transitions id to newStatus. Fails with ErrAlreadyTerminated
// if the current status is already terminated — L1 is enforced here, at the
// store layer, not by callers.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus Status) error {
	return s.updateStatusTx(ctx, s.db.DB, id, newStatus)
}

func (s *Store) updateStatusTx(ctx context.Context, x execer, id string, newStatus Status) error {
	res, err := x.ExecContext(ctx,
		`UPDATE relationships SET status = ?, updated_at = ? WHERE relationship_id = ? AND status != ?`,
		string(newStatus), s.clock.Now().UTC().Format(time.RFC3339Nano), id, string(StatusTerminated))
	if err != nil {
		return fmt.Errorf("relationship: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("relationship: rows affected: %w", err)
	}
	if n == 0 {
		// Either the row doesn't exist, or it's already terminated.
		if _, findErr := s.FindByID(ctx, id); errors.Is(findErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyTerminated
	}
	return nil
}

// Terminator executes C7's atomic termination transaction: load, validate,
// audit, flip status, link TerminationRecord, all inside one storage
// transaction so that a reader never observes a partial termination
// (ordering guarantee O2).
type Terminator struct {
	store *Store
	db    *storage.DB
	audit *audit.Log
	clock clock.Clock
}

// NewTerminator creates a Terminator over the given store, database and
// audit log.
func NewTerminator(store *Store, db *storage.DB, al *audit.Log, clk clock.Clock) *Terminator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Terminator{store: store, db: db, audit: al, clock: clk}
}

// Terminate atomically ends relationshipID: validates it exists, is not
// already terminated, and belongs to providerNPI; appends a termination
// audit entry; flips status to terminated; inserts the linking
// TerminationRecord. Any failure rolls back the whole transaction.
func (t *Terminator) Terminate(ctx context.Context, relationshipID, providerNPI, reason string) (TerminationRecord, error) {
	var rec TerminationRecord

	err := t.db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+selectCols+` FROM relationships WHERE relationship_id = ?`, relationshipID)
		r, err := scanRow(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if r.Status == StatusTerminated {
			return ErrAlreadyTerminated
		}
		if r.ProviderNPI != providerNPI {
			return ErrProviderMismatch
		}

		entry, err := t.audit.Append(audit.CategoryTermination, "termination.relationship_terminated", providerNPI, map[string]any{
			"relationship_id": relationshipID,
			"provider_npi":    providerNPI,
			"reason":          reason,
		})
		if err != nil {
			return fmt.Errorf("relationship: append termination audit entry: %w", err)
		}

		if err := t.store.updateStatusTx(ctx, tx, relationshipID, StatusTerminated); err != nil {
			return err
		}

		now := t.clock.Now().UTC()
		rec = TerminationRecord{
			TerminationID:      uuid.NewString(),
			RelationshipID:     relationshipID,
			ProviderNPI:        providerNPI,
			Reason:             reason,
			TerminatedAt:       now,
			AuditEntrySequence: entry.Sequence,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO termination_records
				(termination_id, relationship_id, provider_npi, reason, terminated_at, audit_entry_sequence)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.TerminationID, rec.RelationshipID, rec.ProviderNPI, rec.Reason,
			rec.TerminatedAt.Format(time.RFC3339Nano), rec.AuditEntrySequence)
		if err != nil {
			return fmt.Errorf("relationship: insert termination record: %w", err)
		}
		return nil
	})

	return rec, err
}
