package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shiftctl/runbookd/internal/errors"
)

// Execution is one unit of work handed to a worker: either a step execution
// (per member, inside a phase) or an init execution (per batch, before any
// phase). The two share the full lifecycle, so one type covers both with
// IsInit as the discriminator; the member/phase fields are zero for inits and
// the batch/version fields are zero for steps.
type Execution struct {
	ID               int64
	IsInit           bool
	PhaseExecutionID int64
	BatchMemberID    int64
	BatchID          int64
	RunbookVersion   int
	StepName         string
	StepIndex        int
	WorkerID         string
	FunctionName     string
	ParamsJSON       string
	OutputParamsJSON string
	OnFailure        string
	Status           string
	JobID            *string
	ResultJSON       *string
	ErrorMessage     *string
	CreatedAt        time.Time
	DispatchedAt     *time.Time
	CompletedAt      *time.Time
	IsPollStep       bool
	PollIntervalSec  int
	PollTimeoutSec   int
	PollStartedAt    *time.Time
	LastPolledAt     *time.Time
	PollCount        int
	MaxRetries       int
	RetryIntervalSec int
	RetryCount       int
	RetryAfter       *time.Time
}

// ExecSpec is the creation input for one execution, derived from a runbook
// step definition. OutputParamsJSON holds the declared output_params mapping
// (template variable -> result field name) as a JSON object so the result
// processor can extract values without reloading the runbook.
type ExecSpec struct {
	StepName         string
	StepIndex        int
	WorkerID         string
	FunctionName     string
	OutputParamsJSON string
	OnFailure        string
	IsPollStep       bool
	PollIntervalSec  int
	PollTimeoutSec   int
	MaxRetries       int
	RetryIntervalSec int
}

func execTable(isInit bool) string {
	if isInit {
		return "init_executions"
	}
	return "step_executions"
}

// CreateStepExecutions creates pending step executions for one member across
// every step of a phase, in order, in one transaction. Rows that already
// exist for (phase, member, index) are left untouched, so redelivering the
// event that triggered creation adds nothing.
func (s *Store) CreateStepExecutions(ctx context.Context, phaseExecutionID, memberID int64, specs []ExecSpec) error {
	now := formatTime(time.Now())
	return s.RunInTx(ctx, func(tx *TxOps) error {
		for _, sp := range specs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO step_executions (
					phase_execution_id, batch_member_id, step_name, step_index,
					worker_id, function_name, output_params_json, on_failure, status, created_at,
					is_poll_step, poll_interval_sec, poll_timeout_sec, max_retries, retry_interval_sec
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (phase_execution_id, batch_member_id, step_index) DO NOTHING
			`, phaseExecutionID, memberID, sp.StepName, sp.StepIndex,
				sp.WorkerID, sp.FunctionName, orEmptyJSON(sp.OutputParamsJSON), sp.OnFailure, StepPending, now,
				sp.IsPollStep, sp.PollIntervalSec, sp.PollTimeoutSec, sp.MaxRetries, sp.RetryIntervalSec,
			); err != nil {
				return fmt.Errorf("insert step execution %q: %w", sp.StepName, err)
			}
		}
		return nil
	})
}

// CreateInitExecutions creates pending init executions for a batch and
// runbook version, one per init step, in one transaction. The unique index
// on (batch, version, step, index) makes re-creation after a version bump
// safe: a rerun uses the new version's rows.
func (s *Store) CreateInitExecutions(ctx context.Context, batchID int64, runbookVersion int, specs []ExecSpec) error {
	now := formatTime(time.Now())
	return s.RunInTx(ctx, func(tx *TxOps) error {
		for _, sp := range specs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO init_executions (
					batch_id, runbook_version, step_name, step_index,
					worker_id, function_name, output_params_json, on_failure, status, created_at,
					is_poll_step, poll_interval_sec, poll_timeout_sec, max_retries, retry_interval_sec
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (batch_id, runbook_version, step_name, step_index) DO NOTHING
			`, batchID, runbookVersion, sp.StepName, sp.StepIndex,
				sp.WorkerID, sp.FunctionName, orEmptyJSON(sp.OutputParamsJSON), sp.OnFailure, StepPending, now,
				sp.IsPollStep, sp.PollIntervalSec, sp.PollTimeoutSec, sp.MaxRetries, sp.RetryIntervalSec,
			); err != nil {
				return fmt.Errorf("insert init execution %q: %w", sp.StepName, err)
			}
		}
		return nil
	})
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

const stepColumns = `id, phase_execution_id, batch_member_id, step_name, step_index,
	worker_id, function_name, params_json, output_params_json, on_failure, status,
	job_id, result_json, error_message, created_at, dispatched_at, completed_at,
	is_poll_step, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count,
	max_retries, retry_interval_sec, retry_count, retry_after`

const initColumns = `id, batch_id, runbook_version, step_name, step_index,
	worker_id, function_name, params_json, output_params_json, on_failure, status,
	job_id, result_json, error_message, created_at, dispatched_at, completed_at,
	is_poll_step, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count,
	max_retries, retry_interval_sec, retry_count, retry_after`

func execColumns(isInit bool) string {
	if isInit {
		return initColumns
	}
	return stepColumns
}

// GetExecution loads a step or init execution by id.
func (s *Store) GetExecution(ctx context.Context, id int64, isInit bool) (*Execution, error) {
	row := s.QueryRow(ctx,
		"SELECT "+execColumns(isInit)+" FROM "+execTable(isInit)+" WHERE id = ?", id)
	e, err := scanExecutionInto(row, isInit)
	if err == sql.ErrNoRows {
		return nil, errors.ErrExecutionNotFound(id, isInit)
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return e, nil
}

// NextPendingStep returns the lowest-index pending step for a member in a
// phase, or nil when none remains.
func (s *Store) NextPendingStep(ctx context.Context, phaseExecutionID, memberID int64) (*Execution, error) {
	row := s.QueryRow(ctx,
		"SELECT "+stepColumns+" FROM step_executions WHERE phase_execution_id = ? AND batch_member_id = ? AND status = ? ORDER BY step_index LIMIT 1",
		phaseExecutionID, memberID, StepPending)
	e, err := scanExecutionInto(row, false)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan next pending step: %w", err)
	}
	return e, nil
}

// FirstPendingInit returns the lowest-index pending init execution for a
// batch and version, or nil when none remains.
func (s *Store) FirstPendingInit(ctx context.Context, batchID int64, runbookVersion int) (*Execution, error) {
	row := s.QueryRow(ctx,
		"SELECT "+initColumns+" FROM init_executions WHERE batch_id = ? AND runbook_version = ? AND status = ? ORDER BY step_index LIMIT 1",
		batchID, runbookVersion, StepPending)
	e, err := scanExecutionInto(row, true)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending init: %w", err)
	}
	return e, nil
}

// MemberStepExecutions returns every step execution of a member in a phase,
// ordered by step index.
func (s *Store) MemberStepExecutions(ctx context.Context, phaseExecutionID, memberID int64) ([]*Execution, error) {
	rows, err := s.Query(ctx,
		"SELECT "+stepColumns+" FROM step_executions WHERE phase_execution_id = ? AND batch_member_id = ? ORDER BY step_index",
		phaseExecutionID, memberID)
	if err != nil {
		return nil, fmt.Errorf("query member steps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanExecutions(rows, false)
}

// MarkExecutionDispatched moves a pending execution to dispatched, stamping
// the job id and the resolved function and params. Guarded; false means the
// execution was already dispatched or moved on. Retries reuse the stamped
// values, so a retried job runs with the same resolved inputs.
func (s *Store) MarkExecutionDispatched(ctx context.Context, id int64, isInit bool, jobID, functionName, paramsJSON string) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE "+execTable(isInit)+" SET status = ?, job_id = ?, function_name = ?, params_json = ?, dispatched_at = ?, retry_after = NULL WHERE id = ? AND status = ?",
		StepDispatched, jobID, functionName, paramsJSON, formatTime(time.Now()), id, StepPending)
	if err != nil {
		return false, fmt.Errorf("mark execution dispatched: %w", err)
	}
	return affected(res)
}

// RedispatchForPoll moves a polling execution back to dispatched under a new
// poll job id. Guarded on polling status.
func (s *Store) RedispatchForPoll(ctx context.Context, id int64, isInit bool, jobID string) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE "+execTable(isInit)+" SET status = ?, job_id = ?, dispatched_at = ? WHERE id = ? AND status = ?",
		StepDispatched, jobID, formatTime(time.Now()), id, StepPolling)
	if err != nil {
		return false, fmt.Errorf("redispatch for poll: %w", err)
	}
	return affected(res)
}

// SetExecutionSucceeded finishes an execution with a worker result. Guarded
// on a non-terminal status so a duplicate result is a no-op.
func (s *Store) SetExecutionSucceeded(ctx context.Context, id int64, isInit bool, resultJSON string) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE "+execTable(isInit)+" SET status = ?, result_json = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)",
		StepSucceeded, resultJSON, formatTime(time.Now()), id, StepDispatched, StepPolling)
	if err != nil {
		return false, fmt.Errorf("set execution succeeded: %w", err)
	}
	return affected(res)
}

// SetExecutionFailed finishes an execution as failed with the worker's error
// message. Guarded on a non-terminal status.
func (s *Store) SetExecutionFailed(ctx context.Context, id int64, isInit bool, errorMessage string) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE "+execTable(isInit)+" SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)",
		StepFailed, errorMessage, formatTime(time.Now()), id, StepDispatched, StepPolling)
	if err != nil {
		return false, fmt.Errorf("set execution failed: %w", err)
	}
	return affected(res)
}

// SetExecutionFailedFromPending finishes a never-dispatched execution as
// failed, used when template resolution fails before any job leaves. Guarded
// on pending.
func (s *Store) SetExecutionFailedFromPending(ctx context.Context, id int64, isInit bool, errorMessage string) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE "+execTable(isInit)+" SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?",
		StepFailed, errorMessage, formatTime(time.Now()), id, StepPending)
	if err != nil {
		return false, fmt.Errorf("set execution failed: %w", err)
	}
	return affected(res)
}

// SetExecutionPolling records an incomplete result on a poll step: the
// execution moves to polling, the poll clock starts on the first transition
// and the poll count advances. Guarded on dispatched.
func (s *Store) SetExecutionPolling(ctx context.Context, id int64, isInit bool, resultJSON string) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.Exec(ctx, `
		UPDATE `+execTable(isInit)+`
		SET status = ?, result_json = ?,
		    poll_started_at = COALESCE(poll_started_at, ?),
		    last_polled_at = ?, poll_count = poll_count + 1
		WHERE id = ? AND status = ?
	`, StepPolling, resultJSON, now, now, id, StepDispatched)
	if err != nil {
		return false, fmt.Errorf("set execution polling: %w", err)
	}
	return affected(res)
}

// SetExecutionRetryPending returns a failed dispatch to pending with the
// retry budget consumed and the earliest re-dispatch time recorded. Guarded
// on dispatched so the execution never surfaces as failed mid-retry.
func (s *Store) SetExecutionRetryPending(ctx context.Context, id int64, isInit bool, retryAfter time.Time, errorMessage string) (bool, error) {
	res, err := s.Exec(ctx, `
		UPDATE `+execTable(isInit)+`
		SET status = ?, retry_count = retry_count + 1, retry_after = ?, error_message = ?,
		    job_id = NULL, completed_at = NULL
		WHERE id = ? AND status = ?
	`, StepPending, formatTime(retryAfter), errorMessage, id, StepDispatched)
	if err != nil {
		return false, fmt.Errorf("set execution retry pending: %w", err)
	}
	return affected(res)
}

// SetExecutionPollTimeout finishes a polling execution as poll_timeout.
// Guarded on polling.
func (s *Store) SetExecutionPollTimeout(ctx context.Context, id int64, isInit bool, errorMessage string) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE "+execTable(isInit)+" SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?",
		StepPollTimeout, errorMessage, formatTime(time.Now()), id, StepPolling)
	if err != nil {
		return false, fmt.Errorf("set execution poll timeout: %w", err)
	}
	return affected(res)
}

// CancelMemberExecutions cancels every non-terminal step execution of a
// member, used when a member leaves the source data or fails. Returns the
// number of executions cancelled.
func (s *Store) CancelMemberExecutions(ctx context.Context, memberID int64) (int64, error) {
	res, err := s.Exec(ctx,
		"UPDATE step_executions SET status = ?, completed_at = ? WHERE batch_member_id = ? AND status IN (?, ?, ?)",
		StepCancelled, formatTime(time.Now()), memberID, StepPending, StepDispatched, StepPolling)
	if err != nil {
		return 0, fmt.Errorf("cancel member executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// PollingExecutions returns every execution currently in polling status,
// inits first. Callers decide which are due or timed out from the poll
// fields; interval arithmetic on TEXT timestamps stays out of SQL.
func (s *Store) PollingExecutions(ctx context.Context) ([]*Execution, error) {
	var all []*Execution
	for _, isInit := range []bool{true, false} {
		rows, err := s.Query(ctx,
			"SELECT "+execColumns(isInit)+" FROM "+execTable(isInit)+" WHERE status = ? ORDER BY id",
			StepPolling)
		if err != nil {
			return nil, fmt.Errorf("query polling executions: %w", err)
		}
		execs, err := scanExecutions(rows, isInit)
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, execs...)
	}
	return all, nil
}

// RetryDueExecutions returns pending executions whose retry_after time has
// passed, inits first. The fixed timestamp layout makes the TEXT comparison
// safe.
func (s *Store) RetryDueExecutions(ctx context.Context, now time.Time) ([]*Execution, error) {
	var all []*Execution
	for _, isInit := range []bool{true, false} {
		rows, err := s.Query(ctx,
			"SELECT "+execColumns(isInit)+" FROM "+execTable(isInit)+" WHERE status = ? AND retry_after IS NOT NULL AND retry_after <= ? ORDER BY id",
			StepPending, formatTime(now))
		if err != nil {
			return nil, fmt.Errorf("query retry-due executions: %w", err)
		}
		execs, err := scanExecutions(rows, isInit)
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, execs...)
	}
	return all, nil
}

// PhaseStepExecutions returns every step execution of a phase across all
// members, ordered by member then step index.
func (s *Store) PhaseStepExecutions(ctx context.Context, phaseExecutionID int64) ([]*Execution, error) {
	rows, err := s.Query(ctx,
		"SELECT "+stepColumns+" FROM step_executions WHERE phase_execution_id = ? ORDER BY batch_member_id, step_index",
		phaseExecutionID)
	if err != nil {
		return nil, fmt.Errorf("query phase steps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanExecutions(rows, false)
}

// MemberPhaseExecutionIDs returns the distinct phase executions a member has
// step executions under, earliest first. Used after isolating a member to
// re-check completion of every phase the cancellations touched.
func (s *Store) MemberPhaseExecutionIDs(ctx context.Context, memberID int64) ([]int64, error) {
	rows, err := s.Query(ctx,
		"SELECT DISTINCT phase_execution_id FROM step_executions WHERE batch_member_id = ? ORDER BY phase_execution_id",
		memberID)
	if err != nil {
		return nil, fmt.Errorf("query member phases: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan phase id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member phases: %w", err)
	}
	return ids, nil
}

// StepStatusCounts returns a status -> count map over every step execution
// of a phase.
func (s *Store) StepStatusCounts(ctx context.Context, phaseExecutionID int64) (map[string]int, error) {
	rows, err := s.Query(ctx,
		"SELECT status, COUNT(*) FROM step_executions WHERE phase_execution_id = ? GROUP BY status",
		phaseExecutionID)
	if err != nil {
		return nil, fmt.Errorf("count step statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStatusCounts(rows)
}

// MemberStepStatusCounts returns a status -> count map over one member's
// step executions in a phase.
func (s *Store) MemberStepStatusCounts(ctx context.Context, phaseExecutionID, memberID int64) (map[string]int, error) {
	rows, err := s.Query(ctx,
		"SELECT status, COUNT(*) FROM step_executions WHERE phase_execution_id = ? AND batch_member_id = ? GROUP BY status",
		phaseExecutionID, memberID)
	if err != nil {
		return nil, fmt.Errorf("count member step statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStatusCounts(rows)
}

// InitStatusCounts returns a status -> count map over a batch's init
// executions for one runbook version.
func (s *Store) InitStatusCounts(ctx context.Context, batchID int64, runbookVersion int) (map[string]int, error) {
	rows, err := s.Query(ctx,
		"SELECT status, COUNT(*) FROM init_executions WHERE batch_id = ? AND runbook_version = ? GROUP BY status",
		batchID, runbookVersion)
	if err != nil {
		return nil, fmt.Errorf("count init statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStatusCounts(rows)
}

func scanStatusCounts(rows *sql.Rows) (map[string]int, error) {
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func scanExecutionInto(sc rowScanner, isInit bool) (*Execution, error) {
	e := Execution{IsInit: isInit}
	var createdAt string
	var jobID, resultJSON, errorMessage sql.NullString
	var dispatchedAt, completedAt, pollStartedAt, lastPolledAt, retryAfter sql.NullString

	dest := []any{&e.ID}
	if isInit {
		dest = append(dest, &e.BatchID, &e.RunbookVersion)
	} else {
		dest = append(dest, &e.PhaseExecutionID, &e.BatchMemberID)
	}
	dest = append(dest,
		&e.StepName, &e.StepIndex, &e.WorkerID, &e.FunctionName,
		&e.ParamsJSON, &e.OutputParamsJSON, &e.OnFailure, &e.Status,
		&jobID, &resultJSON, &errorMessage, &createdAt, &dispatchedAt, &completedAt,
		&e.IsPollStep, &e.PollIntervalSec, &e.PollTimeoutSec,
		&pollStartedAt, &lastPolledAt, &e.PollCount,
		&e.MaxRetries, &e.RetryIntervalSec, &e.RetryCount, &retryAfter,
	)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	if jobID.Valid {
		e.JobID = &jobID.String
	}
	if resultJSON.Valid {
		e.ResultJSON = &resultJSON.String
	}
	if errorMessage.Valid {
		e.ErrorMessage = &errorMessage.String
	}
	e.CreatedAt = parseTime(createdAt)
	e.DispatchedAt = parseTimePtr(dispatchedAt)
	e.CompletedAt = parseTimePtr(completedAt)
	e.PollStartedAt = parseTimePtr(pollStartedAt)
	e.LastPolledAt = parseTimePtr(lastPolledAt)
	e.RetryAfter = parseTimePtr(retryAfter)
	return &e, nil
}

func scanExecutions(rows *sql.Rows, isInit bool) ([]*Execution, error) {
	var execs []*Execution
	for rows.Next() {
		e, err := scanExecutionInto(rows, isInit)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}
