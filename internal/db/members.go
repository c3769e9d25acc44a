package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shiftctl/runbookd/internal/errors"
)

// Member is one identity inside a batch. DataJSON holds the source row that
// placed it there; WorkerDataJSON accumulates output_params reported by
// workers and overrides source data during template resolution.
type Member struct {
	ID                 int64
	BatchID            int64
	MemberKey          string
	DataJSON           string
	WorkerDataJSON     string
	Status             string
	AddedAt            time.Time
	RemovedAt          *time.Time
	FailedAt           *time.Time
	AddDispatchedAt    *time.Time
	RemoveDispatchedAt *time.Time
}

// Data unmarshals the member's source data.
func (m *Member) Data() (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(m.DataJSON), &data); err != nil {
		return nil, fmt.Errorf("unmarshal member data: %w", err)
	}
	return data, nil
}

// AddMember inserts an active member into a batch.
func (s *Store) AddMember(ctx context.Context, batchID int64, memberKey, dataJSON string) (*Member, error) {
	now := time.Now()
	res, err := s.Exec(ctx, `
		INSERT INTO batch_members (batch_id, member_key, data_json, worker_data_json, status, added_at)
		VALUES (?, ?, ?, '{}', ?, ?)
	`, batchID, memberKey, dataJSON, MemberActive, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		if err := s.QueryRow(ctx,
			"SELECT id FROM batch_members WHERE batch_id = ? AND member_key = ?",
			batchID, memberKey,
		).Scan(&id); err != nil {
			return nil, fmt.Errorf("resolve member id: %w", err)
		}
	}
	return &Member{
		ID:             id,
		BatchID:        batchID,
		MemberKey:      memberKey,
		DataJSON:       dataJSON,
		WorkerDataJSON: "{}",
		Status:         MemberActive,
		AddedAt:        now.UTC(),
	}, nil
}

const memberColumns = `id, batch_id, member_key, data_json, worker_data_json, status, added_at, removed_at, failed_at, add_dispatched_at, remove_dispatched_at`

// GetMember loads a member by id.
func (s *Store) GetMember(ctx context.Context, id int64) (*Member, error) {
	row := s.QueryRow(ctx, "SELECT "+memberColumns+" FROM batch_members WHERE id = ?", id)
	m, err := scanMemberInto(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrMemberNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return m, nil
}

// BatchMembers returns every member of a batch regardless of status.
func (s *Store) BatchMembers(ctx context.Context, batchID int64) ([]*Member, error) {
	rows, err := s.Query(ctx,
		"SELECT "+memberColumns+" FROM batch_members WHERE batch_id = ? ORDER BY member_key", batchID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMembers(rows)
}

// ActiveMembers returns the members of a batch still in active status.
func (s *Store) ActiveMembers(ctx context.Context, batchID int64) ([]*Member, error) {
	rows, err := s.Query(ctx,
		"SELECT "+memberColumns+" FROM batch_members WHERE batch_id = ? AND status = ? ORDER BY member_key",
		batchID, MemberActive)
	if err != nil {
		return nil, fmt.Errorf("query active members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMembers(rows)
}

// ActiveMemberKeys returns the member keys held as active by any non-terminal
// batch of a runbook, across every version of the name. Immediate-mode
// scheduling filters new rows through this set so a candidate migrates in at
// most one batch at a time.
func (s *Store) ActiveMemberKeys(ctx context.Context, runbookName string) (map[string]bool, error) {
	rows, err := s.Query(ctx, `
		SELECT m.member_key FROM batch_members m
		JOIN batches b ON b.id = m.batch_id
		WHERE b.runbook_id IN (SELECT id FROM runbooks WHERE name = ?)
		AND b.status NOT IN (?, ?) AND m.status = ?
	`, runbookName, BatchCompleted, BatchFailed, MemberActive)
	if err != nil {
		return nil, fmt.Errorf("query active member keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	keys := map[string]bool{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan member key: %w", err)
		}
		keys[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member keys: %w", err)
	}
	return keys, nil
}

// MergeWorkerData merges key/value pairs reported by a worker into the
// member's worker data. On key collision the incoming value wins; worker
// data is authoritative over anything merged earlier.
func (s *Store) MergeWorkerData(ctx context.Context, id int64, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	return s.RunInTx(ctx, func(tx *TxOps) error {
		var current string
		if err := tx.QueryRow(ctx,
			"SELECT worker_data_json FROM batch_members WHERE id = ?", id,
		).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return errors.ErrMemberNotFound(id)
			}
			return fmt.Errorf("load worker data: %w", err)
		}
		merged := map[string]any{}
		if err := json.Unmarshal([]byte(current), &merged); err != nil {
			return fmt.Errorf("unmarshal worker data: %w", err)
		}
		for k, v := range values {
			merged[k] = v
		}
		out, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal worker data: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE batch_members SET worker_data_json = ? WHERE id = ?", string(out), id,
		); err != nil {
			return fmt.Errorf("update worker data: %w", err)
		}
		return nil
	})
}

// MarkMemberRemoved moves an active member to removed. Guarded; false when
// the member already left active status.
func (s *Store) MarkMemberRemoved(ctx context.Context, id int64) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE batch_members SET status = ?, removed_at = ? WHERE id = ? AND status = ?",
		MemberRemoved, formatTime(time.Now()), id, MemberActive)
	if err != nil {
		return false, fmt.Errorf("mark member removed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkMemberFailed moves an active member to failed. Guarded.
func (s *Store) MarkMemberFailed(ctx context.Context, id int64) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE batch_members SET status = ?, failed_at = ? WHERE id = ? AND status = ?",
		MemberFailed, formatTime(time.Now()), id, MemberActive)
	if err != nil {
		return false, fmt.Errorf("mark member failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkAddDispatched stamps the member-added envelope dispatch exactly once.
func (s *Store) MarkAddDispatched(ctx context.Context, id int64) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE batch_members SET add_dispatched_at = ? WHERE id = ? AND add_dispatched_at IS NULL",
		formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("mark add dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkRemoveDispatched stamps the member-removed envelope dispatch exactly once.
func (s *Store) MarkRemoveDispatched(ctx context.Context, id int64) (bool, error) {
	res, err := s.Exec(ctx,
		"UPDATE batch_members SET remove_dispatched_at = ? WHERE id = ? AND remove_dispatched_at IS NULL",
		formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("mark remove dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func scanMemberInto(sc rowScanner) (*Member, error) {
	var m Member
	var addedAt string
	var removedAt, failedAt, addDisp, removeDisp sql.NullString
	if err := sc.Scan(
		&m.ID, &m.BatchID, &m.MemberKey, &m.DataJSON, &m.WorkerDataJSON,
		&m.Status, &addedAt, &removedAt, &failedAt, &addDisp, &removeDisp,
	); err != nil {
		return nil, err
	}
	m.AddedAt = parseTime(addedAt)
	m.RemovedAt = parseTimePtr(removedAt)
	m.FailedAt = parseTimePtr(failedAt)
	m.AddDispatchedAt = parseTimePtr(addDisp)
	m.RemoveDispatchedAt = parseTimePtr(removeDisp)
	return &m, nil
}

func scanMembers(rows *sql.Rows) ([]*Member, error) {
	var members []*Member
	for rows.Next() {
		m, err := scanMemberInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}
