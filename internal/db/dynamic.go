package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shiftctl/runbookd/internal/db/driver"
)

// DataRow is one normalized source row bound for a runbook's dynamic data
// table. Values are keyed by sanitized column name; multi-valued columns
// arrive already normalized to JSON array strings.
type DataRow struct {
	MemberKey string
	BatchTime time.Time
	Values    map[string]string
}

var columnSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SanitizeColumn lowercases a source column name and replaces anything
// outside [a-zA-Z0-9_].
func SanitizeColumn(name string) string {
	return columnSanitizer.ReplaceAllString(strings.ToLower(name), "_")
}

// EnsureDataTable creates a runbook's dynamic data table if it does not
// exist: the system columns plus one TEXT column per query column. Called on
// every tick; CREATE TABLE IF NOT EXISTS makes it idempotent.
func (s *Store) EnsureDataTable(ctx context.Context, tableName string, columns []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(tableName))
	b.WriteString("    _row_id        INTEGER PRIMARY KEY,\n")
	b.WriteString("    _member_key    TEXT NOT NULL UNIQUE,\n")
	b.WriteString("    _batch_time    TEXT NOT NULL,\n")
	b.WriteString("    _first_seen_at TEXT NOT NULL,\n")
	b.WriteString("    _last_seen_at  TEXT NOT NULL,\n")
	b.WriteString("    _is_current    BOOLEAN NOT NULL DEFAULT TRUE")
	for _, col := range columns {
		fmt.Fprintf(&b, ",\n    %s TEXT", quoteIdent(SanitizeColumn(col)))
	}
	b.WriteString("\n)")

	ddl := b.String()
	if s.Dialect() == driver.DialectPostgres {
		ddl = strings.Replace(ddl, "_row_id        INTEGER PRIMARY KEY", "_row_id        BIGSERIAL PRIMARY KEY", 1)
	}
	if _, err := s.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure data table %s: %w", tableName, err)
	}
	return nil
}

// UpsertDataRows merges one tick's rows into a dynamic data table by member
// key. Inside one transaction every row is first marked stale, then the
// tick's rows are upserted back as current, so rows absent from this tick
// end up with _is_current off.
func (s *Store) UpsertDataRows(ctx context.Context, tableName string, columns []string, rows []DataRow) error {
	seenAt := formatTime(time.Now())
	sanitized := make([]string, len(columns))
	for i, col := range columns {
		sanitized[i] = SanitizeColumn(col)
	}

	return s.RunInTx(ctx, func(tx *TxOps) error {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET _is_current = ? WHERE _is_current = ?", quoteIdent(tableName)),
			false, true,
		); err != nil {
			return fmt.Errorf("sweep stale data rows: %w", err)
		}

		for _, row := range rows {
			cols := []string{"_member_key", "_batch_time", "_first_seen_at", "_last_seen_at", "_is_current"}
			args := []any{row.MemberKey, formatTime(row.BatchTime), seenAt, seenAt, true}
			var sets []string
			for _, col := range sanitized {
				cols = append(cols, quoteIdent(col))
				args = append(args, row.Values[col])
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(col), quoteIdent(col)))
			}
			sets = append(sets,
				"_batch_time = excluded._batch_time",
				"_last_seen_at = excluded._last_seen_at",
				"_is_current = excluded._is_current",
			)
			query := fmt.Sprintf(
				"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (_member_key) DO UPDATE SET %s",
				quoteIdent(tableName),
				strings.Join(cols, ", "),
				placeholders(len(cols)),
				strings.Join(sets, ", "),
			)
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert data row %q: %w", row.MemberKey, err)
			}
		}
		return nil
	})
}

// CurrentDataRows returns the current rows of a dynamic data table keyed by
// member key.
func (s *Store) CurrentDataRows(ctx context.Context, tableName string, columns []string) (map[string]DataRow, error) {
	sanitized := make([]string, len(columns))
	quoted := make([]string, len(columns))
	for i, col := range columns {
		sanitized[i] = SanitizeColumn(col)
		quoted[i] = quoteIdent(sanitized[i])
	}
	selectCols := "_member_key, _batch_time"
	if len(quoted) > 0 {
		selectCols += ", " + strings.Join(quoted, ", ")
	}
	rows, err := s.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE _is_current = ?", selectCols, quoteIdent(tableName)), true)
	if err != nil {
		return nil, fmt.Errorf("query data rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := map[string]DataRow{}
	for rows.Next() {
		var key, batchTime string
		values := make([]string, len(sanitized))
		dest := []any{&key, &batchTime}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan data row: %w", err)
		}
		row := DataRow{MemberKey: key, BatchTime: parseTime(batchTime), Values: map[string]string{}}
		for i, col := range sanitized {
			row.Values[col] = values[i]
		}
		result[key] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data rows: %w", err)
	}
	return result, nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
