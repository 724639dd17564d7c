// Package ipc implements the admin control surface: a Unix domain socket
// carrying newline-delimited JSON commands, authenticated with a shared
// secret token rather than the operator JWTs the REST layer uses. It is
// meant for same-host tooling (init scripts, health probes, operators with
// shell access) that should work even if the REST listener is down.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("active_sessions")

// SessionSnapshot is a point-in-time record of one active handshake
// session, persisted so an admin socket query (or a crash-recovery report)
// can see what was in flight without talking to the Protocol Server's
// in-memory registry.
type SessionSnapshot struct {
	SessionID      string    `json:"session_id"`
	PatientAgentID string    `json:"patient_agent_id,omitempty"`
	ProviderNPI    string    `json:"provider_npi,omitempty"`
	State          string    `json:"state"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SnapshotStore persists session snapshots in a small BoltDB file, separate
// from the SQLite storage engine so that admin-socket reads never contend
// with the relationship/audit write path.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore opens (creating if necessary) the snapshot database at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ipc: open snapshot db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ipc: create snapshot bucket: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error { return s.db.Close() }

// Put records or replaces the snapshot for sessionID.
func (s *SnapshotStore) Put(snap SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("ipc: marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(snap.SessionID), data)
	})
}

// Delete removes the snapshot for sessionID, typically once the session
// closes.
func (s *SnapshotStore) Delete(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(sessionID))
	})
}

// All returns every stored snapshot, in no particular order.
func (s *SnapshotStore) All() ([]SessionSnapshot, error) {
	var out []SessionSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var snap SessionSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return nil // skip corrupt entry rather than fail the whole scan
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}
