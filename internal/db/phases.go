package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PhaseExecution is one phase of one batch. DueAt is the batch anchor minus
// the phase offset; the scheduler dispatches the phase when the clock passes
// it.
type PhaseExecution struct {
	ID             int64
	BatchID        int64
	PhaseName      string
	OffsetMinutes  int
	DueAt          time.Time
	RunbookVersion int
	Status         string
	DispatchedAt   *time.Time
	CompletedAt    *time.Time
}

// PhaseSpec is the input for creating one phase execution.
type PhaseSpec struct {
	Name          string
	OffsetMinutes int
}

// CreatePhaseExecutions creates one pending execution per phase for a batch,
// all in one transaction. Due times are anchored on the batch start time.
func (s *Store) CreatePhaseExecutions(ctx context.Context, batchID int64, startTime time.Time, runbookVersion int, phases []PhaseSpec) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		for _, p := range phases {
			dueAt := startTime.Add(-time.Duration(p.OffsetMinutes) * time.Minute)
			if _, err := tx.Exec(ctx, `
				INSERT INTO phase_executions (batch_id, phase_name, offset_minutes, due_at, runbook_version, status)
				VALUES (?, ?, ?, ?, ?, ?)
			`, batchID, p.Name, p.OffsetMinutes, formatTime(dueAt), runbookVersion, PhasePending); err != nil {
				return fmt.Errorf("insert phase execution %q: %w", p.Name, err)
			}
		}
		return nil
	})
}

const phaseColumns = `id, batch_id, phase_name, offset_minutes, due_at, runbook_version, status, dispatched_at, completed_at`

// GetPhaseExecution loads a phase execution by id.
func (s *Store) GetPhaseExecution(ctx context.Context, id int64) (*PhaseExecution, error) {
	row := s.QueryRow(ctx, "SELECT "+phaseColumns+" FROM phase_executions WHERE id = ?", id)
	p, err := scanPhaseInto(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("phase execution %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan phase execution: %w", err)
	}
	return p, nil
}

// PhaseExecutions returns every phase execution of a batch ordered by due
// time, earliest first.
func (s *Store) PhaseExecutions(ctx context.Context, batchID int64) ([]*PhaseExecution, error) {
	rows, err := s.Query(ctx,
		"SELECT "+phaseColumns+" FROM phase_executions WHERE batch_id = ? ORDER BY due_at, id", batchID)
	if err != nil {
		return nil, fmt.Errorf("query phase executions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPhases(rows)
}

// DuePhases returns pending phase executions of a batch whose due time has
// passed, earliest first.
func (s *Store) DuePhases(ctx context.Context, batchID int64, now time.Time) ([]*PhaseExecution, error) {
	rows, err := s.Query(ctx,
		"SELECT "+phaseColumns+" FROM phase_executions WHERE batch_id = ? AND status = ? AND due_at <= ? ORDER BY due_at, id",
		batchID, PhasePending, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due phases: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPhases(rows)
}

// MarkPhaseDispatched moves a pending phase to dispatched. Guarded; false
// means another tick dispatched it first.
func (s *Store) MarkPhaseDispatched(ctx context.Context, id int64) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE phase_executions SET status = ?, dispatched_at = ? WHERE id = ? AND status = ?",
		PhaseDispatched, formatTime(time.Now()), id, PhasePending)
	if err != nil {
		return false, fmt.Errorf("mark phase dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CompletePhase moves a dispatched phase to completed or failed. Guarded so
// two concurrent progression checks settle the phase exactly once.
func (s *Store) CompletePhase(ctx context.Context, id int64, completed bool) (bool, error) {
	to := PhaseCompleted
	if !completed {
		to = PhaseFailed
	}
	res, err := s.Exec(ctx,
		"UPDATE phase_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?",
		to, formatTime(time.Now()), id, PhaseDispatched)
	if err != nil {
		return false, fmt.Errorf("complete phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SkipPhase moves a pending phase straight to skipped, used when an overdue
// phase is ignored on first activation of a new runbook version.
func (s *Store) SkipPhase(ctx context.Context, id int64) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE phase_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?",
		PhaseSkipped, formatTime(time.Now()), id, PhasePending)
	if err != nil {
		return false, fmt.Errorf("skip phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// NonTerminalPhaseCount returns how many phase executions of a batch have not
// reached a terminal status yet.
func (s *Store) NonTerminalPhaseCount(ctx context.Context, batchID int64) (int, error) {
	var n int
	err := s.QueryRow(ctx,
		"SELECT COUNT(*) FROM phase_executions WHERE batch_id = ? AND status NOT IN (?, ?, ?)",
		batchID, PhaseCompleted, PhaseFailed, PhaseSkipped,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count non-terminal phases: %w", err)
	}
	return n, nil
}

// CompletedPhaseCount returns how many phase executions of a batch completed.
func (s *Store) CompletedPhaseCount(ctx context.Context, batchID int64) (int, error) {
	var n int
	err := s.QueryRow(ctx,
		"SELECT COUNT(*) FROM phase_executions WHERE batch_id = ? AND status = ?",
		batchID, PhaseCompleted,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed phases: %w", err)
	}
	return n, nil
}

func scanPhaseInto(sc rowScanner) (*PhaseExecution, error) {
	var p PhaseExecution
	var dueAt string
	var dispatchedAt, completedAt sql.NullString
	if err := sc.Scan(
		&p.ID, &p.BatchID, &p.PhaseName, &p.OffsetMinutes, &dueAt,
		&p.RunbookVersion, &p.Status, &dispatchedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	p.DueAt = parseTime(dueAt)
	p.DispatchedAt = parseTimePtr(dispatchedAt)
	p.CompletedAt = parseTimePtr(completedAt)
	return &p, nil
}

func scanPhases(rows *sql.Rows) ([]*PhaseExecution, error) {
	var phases []*PhaseExecution
	for rows.Next() {
		p, err := scanPhaseInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phase execution: %w", err)
		}
		phases = append(phases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phase executions: %w", err)
	}
	return phases, nil
}
