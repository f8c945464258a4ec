package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RecordRepo stores fetched items as JSON rows tagged with the run that
// produced them.
type RecordRepo struct {
	db    *sql.DB
	runID uuid.UUID
	kind  string
	label string
	seq   int64
}

// NewRecordRepo creates a repository writing rows of kind for label.
func NewRecordRepo(db *sql.DB, runID uuid.UUID, kind, label string) *RecordRepo {
	return &RecordRepo{db: db, runID: runID, kind: kind, label: label}
}

// RunID returns the run identifier stamped on every row.
func (r *RecordRepo) RunID() uuid.UUID {
	return r.runID
}

// SaveBatch inserts items in one transaction. Rows keep the order of items
// through a per-run sequence number.
func (r *RecordRepo) SaveBatch(ctx context.Context, items []any) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO fetched_records (run_id, kind, label, seq, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, seq) DO NOTHING
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	seq := r.seq
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		seq++
		if _, err := stmt.ExecContext(ctx, r.runID.String(), r.kind, r.label, seq, payload); err != nil {
			return fmt.Errorf("failed to insert record %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	r.seq = seq
	return nil
}
