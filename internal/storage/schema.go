package storage

import "database/sql"

// Migrations returns the broker's ordered schema migrations: relationships,
// termination records, the singleton registration row, and per-provider
// registration status. Applying them twice is a no-op (see Migrate).
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "relationships and termination records",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE relationships (
						relationship_id   TEXT PRIMARY KEY,
						patient_agent_id  TEXT NOT NULL,
						provider_npi      TEXT NOT NULL,
						status            TEXT NOT NULL CHECK (status IN ('active','terminated')),
						consented_actions TEXT NOT NULL,
						patient_public_key BLOB NOT NULL,
						created_at        TEXT NOT NULL,
						updated_at        TEXT NOT NULL
					);
					CREATE INDEX idx_relationships_patient ON relationships(patient_agent_id);
					CREATE INDEX idx_relationships_provider ON relationships(provider_npi);
					CREATE INDEX idx_relationships_status ON relationships(status);

					CREATE TABLE termination_records (
						termination_id         TEXT PRIMARY KEY,
						relationship_id        TEXT NOT NULL REFERENCES relationships(relationship_id),
						provider_npi            TEXT NOT NULL,
						reason                  TEXT NOT NULL,
						terminated_at           TEXT NOT NULL,
						audit_entry_sequence    INTEGER NOT NULL
					);
					CREATE INDEX idx_termination_relationship ON termination_records(relationship_id);
				`)
				return err
			},
		},
		{
			Version:     2,
			Description: "neuron registration singleton and provider registrations",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE neuron_registration (
						singleton               INTEGER PRIMARY KEY CHECK (singleton = 1),
						organization_npi         TEXT NOT NULL,
						organization_name        TEXT NOT NULL,
						organization_type        TEXT NOT NULL,
						directory_url            TEXT NOT NULL,
						neuron_endpoint_url      TEXT NOT NULL,
						registration_id          TEXT,
						bearer_token             TEXT,
						status                   TEXT NOT NULL CHECK (status IN ('unregistered','registered','degraded')),
						first_registered_at      TEXT,
						last_heartbeat_at        TEXT,
						last_directory_response_at TEXT
					);

					CREATE TABLE provider_registrations (
						provider_npi            TEXT PRIMARY KEY,
						directory_provider_id    TEXT,
						registration_status      TEXT NOT NULL CHECK (registration_status IN ('pending','registered','failed')),
						first_registered_at      TEXT
					);
				`)
				return err
			},
		},
	}
}
