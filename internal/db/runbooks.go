package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shiftctl/runbookd/internal/errors"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// RunbookRecord is a stored runbook version. Body holds the raw YAML; the
// parsed form is re-derived on load so the store stays the single source of
// truth for definitions.
type RunbookRecord struct {
	ID                   int64
	Name                 string
	Version              int
	Body                 string
	DataTableName        string
	IsActive             bool
	OverdueBehavior      string
	RerunInit            bool
	IgnoreOverdueApplied bool
	LastError            *string
	CreatedAt            time.Time
}

// Definition parses the stored YAML body.
func (r *RunbookRecord) Definition() (*runbook.Runbook, error) {
	return runbook.Parse([]byte(r.Body))
}

// PublishOptions configures a runbook publish.
type PublishOptions struct {
	OverdueBehavior string // defaults to rerun
	RerunInit       bool
	CreatedAt       time.Time // defaults to now
}

// PublishRunbook stores a new runbook version and deactivates every prior
// version of the same name in one transaction. The version is one greater
// than the highest stored version for the name.
func (s *Store) PublishRunbook(ctx context.Context, rb *runbook.Runbook, body string, opts PublishOptions) (*RunbookRecord, error) {
	if opts.OverdueBehavior == "" {
		opts.OverdueBehavior = runbook.OverdueRerun
	}
	if opts.OverdueBehavior != runbook.OverdueRerun && opts.OverdueBehavior != runbook.OverdueIgnore {
		return nil, errors.ErrConfigInvalid("overdue_behavior", fmt.Sprintf("must be %q or %q", runbook.OverdueRerun, runbook.OverdueIgnore))
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = time.Now()
	}

	var rec *RunbookRecord
	err := s.RunInTx(ctx, func(tx *TxOps) error {
		var version int
		if err := tx.QueryRow(ctx,
			"SELECT COALESCE(MAX(version), 0) + 1 FROM runbooks WHERE name = ?", rb.Name,
		).Scan(&version); err != nil {
			return fmt.Errorf("next runbook version: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"UPDATE runbooks SET is_active = ? WHERE name = ? AND is_active = ?",
			false, rb.Name, true,
		); err != nil {
			return fmt.Errorf("deactivate prior versions: %w", err)
		}

		tableName := runbook.DataTableName(rb.Name, version)
		res, err := tx.Exec(ctx, `
			INSERT INTO runbooks (name, version, body, data_table_name, is_active, overdue_behavior, rerun_init, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rb.Name, version, body, tableName, true, opts.OverdueBehavior, opts.RerunInit, formatTime(opts.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert runbook: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			// Postgres does not report LastInsertId through database/sql.
			if err := tx.QueryRow(ctx,
				"SELECT id FROM runbooks WHERE name = ? AND version = ?", rb.Name, version,
			).Scan(&id); err != nil {
				return fmt.Errorf("resolve runbook id: %w", err)
			}
		}

		rec = &RunbookRecord{
			ID:              id,
			Name:            rb.Name,
			Version:         version,
			Body:            body,
			DataTableName:   tableName,
			IsActive:        true,
			OverdueBehavior: opts.OverdueBehavior,
			RerunInit:       opts.RerunInit,
			CreatedAt:       opts.CreatedAt.UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

const runbookColumns = `id, name, version, body, data_table_name, is_active, overdue_behavior, rerun_init, ignore_overdue_applied, last_error, created_at`

// ActiveRunbooks returns every active runbook version, one per name.
func (s *Store) ActiveRunbooks(ctx context.Context) ([]*RunbookRecord, error) {
	rows, err := s.Query(ctx,
		"SELECT "+runbookColumns+" FROM runbooks WHERE is_active = ? ORDER BY name", true)
	if err != nil {
		return nil, fmt.Errorf("query active runbooks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRunbooks(rows)
}

// GetRunbook loads a runbook by id.
func (s *Store) GetRunbook(ctx context.Context, id int64) (*RunbookRecord, error) {
	row := s.QueryRow(ctx, "SELECT "+runbookColumns+" FROM runbooks WHERE id = ?", id)
	rec, err := scanRunbook(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRunbookNotFound(fmt.Sprintf("id=%d", id))
	}
	return rec, err
}

// GetRunbookVersion loads a specific version of a named runbook.
func (s *Store) GetRunbookVersion(ctx context.Context, name string, version int) (*RunbookRecord, error) {
	row := s.QueryRow(ctx,
		"SELECT "+runbookColumns+" FROM runbooks WHERE name = ? AND version = ?", name, version)
	rec, err := scanRunbook(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRunbookNotFound(name)
	}
	return rec, err
}

// PriorVersionsWithOpenBatches returns older versions of a named runbook
// that still own non-terminal batches. The scheduler keeps driving those
// batches under the version they were detected with.
func (s *Store) PriorVersionsWithOpenBatches(ctx context.Context, name string, beforeVersion int) ([]*RunbookRecord, error) {
	rows, err := s.Query(ctx,
		"SELECT "+runbookColumns+` FROM runbooks
		WHERE name = ? AND version < ?
		AND id IN (SELECT runbook_id FROM batches WHERE status NOT IN (?, ?))
		ORDER BY version`,
		name, beforeVersion, BatchCompleted, BatchFailed)
	if err != nil {
		return nil, fmt.Errorf("query prior versions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRunbooks(rows)
}

// ActiveRunbook loads the active version of a named runbook.
func (s *Store) ActiveRunbook(ctx context.Context, name string) (*RunbookRecord, error) {
	row := s.QueryRow(ctx,
		"SELECT "+runbookColumns+" FROM runbooks WHERE name = ? AND is_active = ?", name, true)
	rec, err := scanRunbook(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRunbookNotFound(name)
	}
	return rec, err
}

// SetRunbookError records the last per-tick failure on a runbook; pass nil
// to clear it.
func (s *Store) SetRunbookError(ctx context.Context, id int64, lastError *string) error {
	_, err := s.Exec(ctx, "UPDATE runbooks SET last_error = ? WHERE id = ?", lastError, id)
	if err != nil {
		return fmt.Errorf("set runbook error: %w", err)
	}
	return nil
}

// SetIgnoreOverdueApplied marks that overdue phases were skipped once for
// this runbook version.
func (s *Store) SetIgnoreOverdueApplied(ctx context.Context, id int64) error {
	_, err := s.Exec(ctx, "UPDATE runbooks SET ignore_overdue_applied = ? WHERE id = ?", true, id)
	if err != nil {
		return fmt.Errorf("set ignore_overdue_applied: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunbookInto(sc rowScanner) (*RunbookRecord, error) {
	var rec RunbookRecord
	var lastError sql.NullString
	var createdAt string
	if err := sc.Scan(
		&rec.ID, &rec.Name, &rec.Version, &rec.Body, &rec.DataTableName,
		&rec.IsActive, &rec.OverdueBehavior, &rec.RerunInit, &rec.IgnoreOverdueApplied,
		&lastError, &createdAt,
	); err != nil {
		return nil, err
	}
	if lastError.Valid {
		rec.LastError = &lastError.String
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func scanRunbook(row *sql.Row) (*RunbookRecord, error) {
	rec, err := scanRunbookInto(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan runbook: %w", err)
	}
	return rec, nil
}

func scanRunbooks(rows *sql.Rows) ([]*RunbookRecord, error) {
	var records []*RunbookRecord
	for rows.Next() {
		rec, err := scanRunbookInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runbook: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runbooks: %w", err)
	}
	return records, nil
}
