// Package datasource queries external candidate sources for the scheduler.
// A QueryClient materializes a runbook's declared query into a tabular
// result; multi-valued columns are normalized to JSON array strings before
// the rows reach the store.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shiftctl/runbookd/internal/errors"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// Table is a materialized query result. Every value is stringified; typed
// interpretation (batch times, keys) happens in the scheduler.
type Table struct {
	Columns []string
	Rows    []map[string]string
}

// QueryClient runs a runbook's declared query against its source system.
type QueryClient interface {
	Query(ctx context.Context, runbookName string, src *runbook.DataSource) (*Table, error)
}

// Registry maps data source types to their query clients.
type Registry map[string]QueryClient

// ClientFor returns the client for a data source type.
func (r Registry) ClientFor(sourceType string) (QueryClient, error) {
	c, ok := r[sourceType]
	if !ok {
		return nil, fmt.Errorf("no query client registered for source type %q", sourceType)
	}
	return c, nil
}

// DefaultRegistry returns the production clients for the closed set of
// source types.
func DefaultRegistry() Registry {
	return Registry{
		runbook.SourceDataverse:  NewDataverseClient(nil),
		runbook.SourceDatabricks: NewDatabricksClient(nil),
	}
}

// resolveEnv resolves an env-var name declared in a runbook's data source.
func resolveEnv(runbookName, field, envName string) (string, error) {
	if envName == "" {
		return "", errors.ErrDataSourceFailure(runbookName, fmt.Errorf("%s env var name is empty", field))
	}
	value := os.Getenv(envName)
	if value == "" {
		return "", errors.ErrDataSourceFailure(runbookName,
			fmt.Errorf("%s env var %q is not set", field, envName))
	}
	return value, nil
}

// Normalize rewrites every flagged multi-valued column of a table in place
// to a JSON array string, per the declared format.
func Normalize(table *Table, columns []runbook.MultiValuedColumn) error {
	for _, mv := range columns {
		for _, row := range table.Rows {
			raw, ok := row[mv.Name]
			if !ok {
				continue
			}
			normalized, err := NormalizeValue(raw, mv.Format)
			if err != nil {
				return fmt.Errorf("column %q: %w", mv.Name, err)
			}
			row[mv.Name] = normalized
		}
	}
	return nil
}

// NormalizeValue converts one raw multi-valued cell to a JSON array string.
// Delimited formats split and trim; json_array re-encodes to prove the value
// parses. Empty input becomes an empty array.
func NormalizeValue(raw, format string) (string, error) {
	var parts []string
	switch format {
	case runbook.FormatSemicolonDelimited:
		parts = splitTrim(raw, ";")
	case runbook.FormatCommaDelimited:
		parts = splitTrim(raw, ",")
	case runbook.FormatJSONArray:
		if strings.TrimSpace(raw) == "" {
			return "[]", nil
		}
		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err != nil {
			return "", fmt.Errorf("invalid json_array value %q: %w", raw, err)
		}
		out, err := json.Marshal(arr)
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown multi-valued format %q", format)
	}

	out, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func splitTrim(raw, sep string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	fields := strings.Split(raw, sep)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// stringifyCell renders an arbitrary JSON value as the TEXT form stored in
// dynamic data tables.
func stringifyCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
