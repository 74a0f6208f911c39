package store

import "fmt"

// schemaVersion is the artifact schema this binary writes. Opening an
// artifact written by a newer binary fails rather than corrupting it.
const schemaVersion = 1

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS verdicts (
		verdict_id       TEXT PRIMARY KEY,
		spec_fingerprint TEXT NOT NULL,
		collection       TEXT NOT NULL,
		verdict          TEXT NOT NULL,
		hint             TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_verdicts_spec ON verdicts(spec_fingerprint)`,
	`CREATE TABLE IF NOT EXISTS fetch_runs (
		run_id           TEXT NOT NULL,
		verdict_id       TEXT NOT NULL REFERENCES verdicts(verdict_id),
		spec_fingerprint TEXT NOT NULL,
		source           TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		finished_at      TEXT NOT NULL,
		identities       TEXT NOT NULL,
		duplicates       TEXT NOT NULL DEFAULT '',
		pages            INTEGER NOT NULL,
		total_hint       INTEGER,
		hint_mismatch    INTEGER NOT NULL,
		status           TEXT NOT NULL,
		error            TEXT NOT NULL DEFAULT '',
		seq              INTEGER NOT NULL,
		PRIMARY KEY (verdict_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS diff_reports (
		verdict_id TEXT NOT NULL REFERENCES verdicts(verdict_id),
		seq        INTEGER NOT NULL,
		report     TEXT NOT NULL,
		PRIMARY KEY (verdict_id, seq)
	)`,
}

// ensureSchema creates missing tables and records the schema version.
// Artifacts are append-only, so the DDL is additive and idempotent.
func (db *DB) ensureSchema() error {
	return db.WithTransaction(func(tx *Tx) error {
		for _, stmt := range schemaDDL {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("creating artifact schema: %w", err)
			}
		}

		var current int
		err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
		switch {
		case IsNotFound(err):
			if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
				return fmt.Errorf("recording schema version: %w", err)
			}
		case err != nil:
			return fmt.Errorf("reading schema version: %w", err)
		case current > schemaVersion:
			return fmt.Errorf("%w: artifact version %d, supported %d", ErrSchemaTooNew, current, schemaVersion)
		}
		return nil
	})
}

// SchemaVersion reports the version recorded in the open artifact.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	if err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
