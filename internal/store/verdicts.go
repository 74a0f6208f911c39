package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"requery/internal/assemble"
	"requery/internal/compare"
	"requery/internal/query"
	"requery/internal/report"
)

const timeLayout = time.RFC3339Nano

// SaveVerdict appends a verdict with its diff reports and runs to the
// artifact. The write is idempotent: a verdict id that is already
// present leaves the artifact untouched.
func (db *DB) SaveVerdict(v *report.StabilityVerdict) error {
	return db.WithTransaction(func(tx *Tx) error {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO verdicts (verdict_id, spec_fingerprint, collection, verdict, hint, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.VerdictID,
			v.SpecFingerprint,
			v.Collection,
			string(v.Verdict),
			v.Hint,
			v.CreatedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("saving verdict %s: %w", v.VerdictID, err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			// Already serialized; re-serializing is a no-op.
			return nil
		}

		for seq, run := range v.Runs {
			if err := insertRun(tx, v.VerdictID, seq, run); err != nil {
				return err
			}
		}
		for seq := range v.Reports {
			blob, err := json.Marshal(&v.Reports[seq])
			if err != nil {
				return fmt.Errorf("encoding diff report %d: %w", seq, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO diff_reports (verdict_id, seq, report)
				VALUES (?, ?, ?)`,
				v.VerdictID, seq, string(blob),
			); err != nil {
				return fmt.Errorf("saving diff report %d: %w", seq, err)
			}
		}
		return nil
	})
}

func insertRun(tx *Tx, verdictID string, seq int, run *assemble.FetchRun) error {
	identities, err := json.Marshal(run.Identities)
	if err != nil {
		return fmt.Errorf("encoding run %s identities: %w", run.RunID, err)
	}
	duplicates := ""
	if len(run.Duplicates) > 0 {
		blob, err := json.Marshal(run.Duplicates)
		if err != nil {
			return fmt.Errorf("encoding run %s duplicates: %w", run.RunID, err)
		}
		duplicates = string(blob)
	}

	_, err = tx.Exec(`
		INSERT INTO fetch_runs (run_id, verdict_id, spec_fingerprint, source,
			started_at, finished_at, identities, duplicates, pages,
			total_hint, hint_mismatch, status, error, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		verdictID,
		run.SpecFingerprint,
		run.Source,
		run.StartedAt.UTC().Format(timeLayout),
		run.FinishedAt.UTC().Format(timeLayout),
		string(identities),
		duplicates,
		run.Pages,
		run.TotalHint,
		run.HintMismatch,
		string(run.Status),
		run.Error,
		seq,
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.RunID, err)
	}
	return nil
}

// GetVerdict loads one verdict with its reports and runs.
func (db *DB) GetVerdict(verdictID string) (*report.StabilityVerdict, error) {
	v := &report.StabilityVerdict{VerdictID: verdictID}

	var verdict, createdAt string
	err := db.QueryRow(`
		SELECT spec_fingerprint, collection, verdict, hint, created_at
		FROM verdicts WHERE verdict_id = ?`, verdictID).
		Scan(&v.SpecFingerprint, &v.Collection, &verdict, &v.Hint, &createdAt)
	if IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Verdict = report.Verdict(verdict)
	if v.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing verdict %s created_at: %w", verdictID, err)
	}
	v.CreatedAt = v.CreatedAt.UTC()

	if v.Runs, err = db.runsForVerdict(verdictID); err != nil {
		return nil, err
	}
	if v.Reports, err = db.reportsForVerdict(verdictID); err != nil {
		return nil, err
	}
	return v, nil
}

// GetVerdictsBySpec loads every verdict recorded for a spec fingerprint,
// oldest first.
func (db *DB) GetVerdictsBySpec(fingerprint string) ([]*report.StabilityVerdict, error) {
	rows, err := db.Query(`
		SELECT verdict_id FROM verdicts
		WHERE spec_fingerprint = ?
		ORDER BY created_at ASC, verdict_id ASC`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	verdicts := make([]*report.StabilityVerdict, 0, len(ids))
	for _, id := range ids {
		v, err := db.GetVerdict(id)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

func (db *DB) reportsForVerdict(verdictID string) ([]compare.DiffReport, error) {
	rows, err := db.Query(`
		SELECT report FROM diff_reports
		WHERE verdict_id = ? ORDER BY seq ASC`, verdictID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []compare.DiffReport
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var r compare.DiffReport
		if err := json.Unmarshal([]byte(blob), &r); err != nil {
			return nil, fmt.Errorf("decoding diff report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (db *DB) runsForVerdict(verdictID string) ([]*assemble.FetchRun, error) {
	rows, err := db.Query(`
		SELECT run_id, spec_fingerprint, source, started_at, finished_at,
			identities, duplicates, pages, total_hint, hint_mismatch, status, error
		FROM fetch_runs
		WHERE verdict_id = ? ORDER BY seq ASC`, verdictID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*assemble.FetchRun
	for rows.Next() {
		run := &assemble.FetchRun{}
		var started, finished, identities, duplicates, status string
		var totalHint sql.NullInt64
		if err := rows.Scan(
			&run.RunID,
			&run.SpecFingerprint,
			&run.Source,
			&started,
			&finished,
			&identities,
			&duplicates,
			&run.Pages,
			&totalHint,
			&run.HintMismatch,
			&status,
			&run.Error,
		); err != nil {
			return nil, err
		}
		run.Status = assemble.Status(status)
		if totalHint.Valid {
			run.TotalHint = &totalHint.Int64
		}

		if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parsing run %s started_at: %w", run.RunID, err)
		}
		run.StartedAt = run.StartedAt.UTC()
		if run.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parsing run %s finished_at: %w", run.RunID, err)
		}
		run.FinishedAt = run.FinishedAt.UTC()

		var ids []query.RecordIdentity
		if err := json.Unmarshal([]byte(identities), &ids); err != nil {
			return nil, fmt.Errorf("decoding run %s identities: %w", run.RunID, err)
		}
		run.Identities = ids

		if duplicates != "" {
			if err := json.Unmarshal([]byte(duplicates), &run.Duplicates); err != nil {
				return nil, fmt.Errorf("decoding run %s duplicates: %w", run.RunID, err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
