package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shiftctl/runbookd/internal/errors"
)

// Batch is a group of members sharing a batch-anchor time.
type Batch struct {
	ID               int64
	RunbookID        int64
	BatchStartTime   time.Time
	Status           string
	IsManual         bool
	CreatedBy        *string
	CurrentPhase     *string
	DetectedAt       time.Time
	InitDispatchedAt *time.Time
}

// CreateBatch inserts a batch in detected status. For scheduled batches the
// (runbook, anchor) unique index rejects duplicates; callers check existence
// first via BatchByAnchor.
func (s *Store) CreateBatch(ctx context.Context, runbookID int64, startTime time.Time, isManual bool, createdBy string) (*Batch, error) {
	now := time.Now()
	var by *string
	if createdBy != "" {
		by = &createdBy
	}
	res, err := s.Exec(ctx, `
		INSERT INTO batches (runbook_id, batch_start_time, status, is_manual, created_by, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runbookID, formatTime(startTime), BatchDetected, isManual, by, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		if err := s.QueryRow(ctx,
			"SELECT id FROM batches WHERE runbook_id = ? AND batch_start_time = ? ORDER BY id DESC LIMIT 1",
			runbookID, formatTime(startTime),
		).Scan(&id); err != nil {
			return nil, fmt.Errorf("resolve batch id: %w", err)
		}
	}
	return &Batch{
		ID:             id,
		RunbookID:      runbookID,
		BatchStartTime: startTime.UTC(),
		Status:         BatchDetected,
		IsManual:       isManual,
		CreatedBy:      by,
		DetectedAt:     now.UTC(),
	}, nil
}

const batchColumns = `id, runbook_id, batch_start_time, status, is_manual, created_by, current_phase, detected_at, init_dispatched_at`

// GetBatch loads a batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	row := s.QueryRow(ctx, "SELECT "+batchColumns+" FROM batches WHERE id = ?", id)
	b, err := scanBatchInto(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrBatchNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

// BatchByAnchor loads the scheduled batch for a (runbook name, anchor)
// pair, or nil when none exists. Matching spans every version of the name:
// a batch detected under a prior version still owns its anchor after a new
// version publishes.
func (s *Store) BatchByAnchor(ctx context.Context, runbookName string, startTime time.Time) (*Batch, error) {
	row := s.QueryRow(ctx,
		"SELECT "+batchColumns+` FROM batches
		WHERE runbook_id IN (SELECT id FROM runbooks WHERE name = ?)
		AND batch_start_time = ? AND is_manual = ?`,
		runbookName, formatTime(startTime), false)
	b, err := scanBatchInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

// NonTerminalBatches returns every batch of a runbook that is not completed
// or failed.
func (s *Store) NonTerminalBatches(ctx context.Context, runbookID int64) ([]*Batch, error) {
	rows, err := s.Query(ctx,
		"SELECT "+batchColumns+" FROM batches WHERE runbook_id = ? AND status NOT IN (?, ?) ORDER BY batch_start_time",
		runbookID, BatchCompleted, BatchFailed)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBatches(rows)
}

// CountNonTerminalBatches counts in-flight batches across all runbooks.
func (s *Store) CountNonTerminalBatches(ctx context.Context) (int, error) {
	var n int
	err := s.QueryRow(ctx,
		"SELECT COUNT(*) FROM batches WHERE status NOT IN (?, ?)",
		BatchCompleted, BatchFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n, nil
}

// BatchesByStatus returns a runbook's batches in the given status.
func (s *Store) BatchesByStatus(ctx context.Context, runbookID int64, status string) ([]*Batch, error) {
	rows, err := s.Query(ctx,
		"SELECT "+batchColumns+" FROM batches WHERE runbook_id = ? AND status = ? ORDER BY batch_start_time",
		runbookID, status)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBatches(rows)
}

// TransitionBatch moves a batch from one status to another with a guarded
// UPDATE. Returns false when the batch was not in the expected status.
func (s *Store) TransitionBatch(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE batches SET status = ? WHERE id = ? AND status = ?", to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CompleteBatch finalizes a batch exactly once: completed when at least one
// phase completed, failed otherwise. Guarded on the current non-terminal
// status so only one concurrent caller wins.
func (s *Store) CompleteBatch(ctx context.Context, id int64, completed bool) (bool, error) {
	to := BatchCompleted
	if !completed {
		to = BatchFailed
	}
	res, err := s.Exec(ctx,
		"UPDATE batches SET status = ? WHERE id = ? AND status NOT IN (?, ?)",
		to, id, BatchCompleted, BatchFailed)
	if err != nil {
		return false, fmt.Errorf("complete batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkInitDispatched moves a detected batch to init_dispatched and stamps the
// time. Guarded.
func (s *Store) MarkInitDispatched(ctx context.Context, id int64) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE batches SET status = ?, init_dispatched_at = ? WHERE id = ? AND status = ?",
		BatchInitDispatched, formatTime(time.Now()), id, BatchDetected)
	if err != nil {
		return false, fmt.Errorf("mark init dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SetCurrentPhase records the most recently dispatched phase name.
func (s *Store) SetCurrentPhase(ctx context.Context, id int64, phase string) error {
	_, err := s.Exec(ctx, "UPDATE batches SET current_phase = ? WHERE id = ?", phase, id)
	if err != nil {
		return fmt.Errorf("set current phase: %w", err)
	}
	return nil
}

func scanBatchInto(sc rowScanner) (*Batch, error) {
	var b Batch
	var createdBy, currentPhase sql.NullString
	var startTime, detectedAt string
	var initDispatchedAt sql.NullString
	if err := sc.Scan(
		&b.ID, &b.RunbookID, &startTime, &b.Status, &b.IsManual,
		&createdBy, &currentPhase, &detectedAt, &initDispatchedAt,
	); err != nil {
		return nil, err
	}
	if createdBy.Valid {
		b.CreatedBy = &createdBy.String
	}
	if currentPhase.Valid {
		b.CurrentPhase = &currentPhase.String
	}
	b.BatchStartTime = parseTime(startTime)
	b.DetectedAt = parseTime(detectedAt)
	b.InitDispatchedAt = parseTimePtr(initDispatchedAt)
	return &b, nil
}

func scanBatches(rows *sql.Rows) ([]*Batch, error) {
	var batches []*Batch
	for rows.Next() {
		b, err := scanBatchInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}
