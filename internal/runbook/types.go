// Package runbook provides parsing, validation, and template resolution for
// versioned migration runbooks. A runbook declares a data source query that
// discovers migration candidates, groups them into time-anchored batches, and
// describes phases of work relative to each batch's anchor time.
package runbook

import (
	"fmt"
	"regexp"
	"strings"
)

// Data source types recognized by the engine.
const (
	SourceDataverse  = "dataverse"
	SourceDatabricks = "databricks"
)

// BatchTimeImmediate marks a runbook whose rows batch on observation time
// instead of a column value.
const BatchTimeImmediate = "immediate"

// Multi-valued column formats.
const (
	FormatSemicolonDelimited = "semicolon_delimited"
	FormatCommaDelimited     = "comma_delimited"
	FormatJSONArray          = "json_array"
)

// Overdue behaviors for phases whose due time already passed at batch detection.
const (
	OverdueRerun  = "rerun"
	OverdueIgnore = "ignore"
)

// MultiValuedColumn flags a query column whose raw value holds multiple
// entries in the given format. The scheduler normalizes it to a JSON array
// string before storing it in the dynamic data table.
type MultiValuedColumn struct {
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
}

// DataSource declares the query that discovers migration candidates.
type DataSource struct {
	Type               string              `yaml:"type"`
	Connection         string              `yaml:"connection"`
	WarehouseID        string              `yaml:"warehouse_id,omitempty"`
	Query              string              `yaml:"query"`
	PrimaryKey         string              `yaml:"primary_key"`
	BatchTimeColumn    string              `yaml:"batch_time_column,omitempty"`
	BatchTime          string              `yaml:"batch_time,omitempty"`
	MultiValuedColumns []MultiValuedColumn `yaml:"multi_valued_columns,omitempty"`
}

// Immediate reports whether rows batch on observation time.
func (ds *DataSource) Immediate() bool {
	return ds.BatchTime == BatchTimeImmediate
}

// RetryDef configures automatic retry of failed worker calls. A step-level
// retry block overrides the runbook-level default entirely.
type RetryDef struct {
	MaxRetries int    `yaml:"max_retries"`
	Interval   string `yaml:"interval"`
}

// PollDef configures long-running polling steps. The worker signals "not
// done" by returning success with {complete: false}; the scheduler re-checks
// every Interval until Timeout.
type PollDef struct {
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
}

// StepDef is one worker-invocable action. Function and every param value
// support {{template}} placeholders.
type StepDef struct {
	Name         string            `yaml:"name"`
	WorkerID     string            `yaml:"worker_id"`
	Function     string            `yaml:"function"`
	Params       map[string]string `yaml:"params,omitempty"`
	OutputParams map[string]string `yaml:"output_params,omitempty"`
	OnFailure    string            `yaml:"on_failure,omitempty"`
	Poll         *PollDef          `yaml:"poll,omitempty"`
	Retry        *RetryDef         `yaml:"retry,omitempty"`
}

// PhaseDef is a time-anchored bundle of steps. Offset is relative to the
// batch anchor: "T-1d" runs one day before batch_start_time, "T-0" at it.
type PhaseDef struct {
	Name   string    `yaml:"name"`
	Offset string    `yaml:"offset"`
	Steps  []StepDef `yaml:"steps"`
}

// Runbook is the validated in-memory form of a runbook YAML document.
type Runbook struct {
	Name            string               `yaml:"name"`
	Description     string               `yaml:"description,omitempty"`
	DataSource      DataSource           `yaml:"data_source"`
	Init            []StepDef            `yaml:"init,omitempty"`
	Phases          []PhaseDef           `yaml:"phases"`
	OnMemberRemoved []StepDef            `yaml:"on_member_removed,omitempty"`
	Rollbacks       map[string][]StepDef `yaml:"rollbacks,omitempty"`
	Retry           *RetryDef            `yaml:"retry,omitempty"`
}

// Phase returns the phase definition with the given name, or nil.
func (r *Runbook) Phase(name string) *PhaseDef {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}

// StepRetry returns the effective retry config for a step: the step-level
// block when present, otherwise the runbook default, otherwise zero retries.
func (r *Runbook) StepRetry(step *StepDef) RetryDef {
	if step.Retry != nil {
		return *step.Retry
	}
	if r.Retry != nil {
		return *r.Retry
	}
	return RetryDef{}
}

var tableNameSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// DataTableName derives the dynamic data table name for a runbook version:
// runbook_{sanitized_name}_v{version}.
func DataTableName(name string, version int) string {
	sanitized := tableNameSanitizer.ReplaceAllString(strings.ToLower(name), "_")
	sanitized = strings.Trim(sanitized, "_")
	return fmt.Sprintf("runbook_%s_v%d", sanitized, version)
}
