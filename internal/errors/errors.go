// Package errors provides structured error types for runbookd.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for runbookd.
const (
	// Runbook errors
	CodeRunbookInvalid  Code = "RUNBOOK_INVALID"
	CodeRunbookNotFound Code = "RUNBOOK_NOT_FOUND"

	// Template errors
	CodeTemplateUnresolved Code = "TEMPLATE_UNRESOLVED"

	// Data source errors
	CodeDataSourceFailure Code = "DATA_SOURCE_FAILURE"

	// Messaging errors
	CodeDispatchFailure Code = "DISPATCH_FAILURE"

	// Execution errors
	CodeWorkerFailure     Code = "WORKER_FAILURE"
	CodePollTimeout       Code = "POLL_TIMEOUT"
	CodeExecutionNotFound Code = "EXECUTION_NOT_FOUND"
	CodeBatchNotFound     Code = "BATCH_NOT_FOUND"
	CodeMemberNotFound    Code = "MEMBER_NOT_FOUND"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// EngineError is the structured error type for runbookd.
type EngineError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *EngineError) WithCause(err error) *EngineError {
	return &EngineError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrRunbookInvalid returns an error for a runbook that failed validation.
// The problems slice holds every validation failure, not just the first.
func ErrRunbookInvalid(name string, problems []string) *EngineError {
	return &EngineError{
		Code: CodeRunbookInvalid,
		What: fmt.Sprintf("runbook %q failed validation", name),
		Why:  strings.Join(problems, "; "),
		Fix:  "Fix the listed problems in the runbook YAML and publish again",
	}
}

// ErrRunbookNotFound returns an error when no active runbook exists.
func ErrRunbookNotFound(name string) *EngineError {
	return &EngineError{
		Code: CodeRunbookNotFound,
		What: fmt.Sprintf("runbook %q not found", name),
		Why:  "No active runbook with this name exists in the store",
		Fix:  "Publish the runbook with 'runbookd publish', or check the name",
	}
}

// ErrTemplateUnresolved returns an error listing every unresolved template variable.
func ErrTemplateUnresolved(names []string) *EngineError {
	return &EngineError{
		Code: CodeTemplateUnresolved,
		What: "template resolution failed",
		Why:  fmt.Sprintf("unresolved variables: %s", strings.Join(names, ", ")),
		Fix:  "Ensure every {{variable}} is a query column, a declared output_param, or a special variable",
	}
}

// ErrDataSourceFailure returns an error for a failed data source query.
func ErrDataSourceFailure(runbook string, cause error) *EngineError {
	return &EngineError{
		Code:  CodeDataSourceFailure,
		What:  fmt.Sprintf("data source query failed for runbook %q", runbook),
		Why:   "The query API returned an error; the runbook is skipped until the next tick",
		Cause: cause,
	}
}

// ErrDispatchFailure returns an error for a failed message publish.
func ErrDispatchFailure(subject string, cause error) *EngineError {
	return &EngineError{
		Code:  CodeDispatchFailure,
		What:  fmt.Sprintf("publish to %s failed", subject),
		Why:   "The broker rejected the message after the retry budget was exhausted",
		Cause: cause,
	}
}

// ErrExecutionNotFound returns an error for a missing step or init execution.
func ErrExecutionNotFound(id int64, isInit bool) *EngineError {
	kind := "step"
	if isInit {
		kind = "init"
	}
	return &EngineError{
		Code: CodeExecutionNotFound,
		What: fmt.Sprintf("%s execution %d not found", kind, id),
		Why:  "The correlation data referenced an execution that does not exist",
	}
}

// ErrBatchNotFound returns an error for a missing batch.
func ErrBatchNotFound(id int64) *EngineError {
	return &EngineError{
		Code: CodeBatchNotFound,
		What: fmt.Sprintf("batch %d not found", id),
	}
}

// ErrMemberNotFound returns an error for a missing batch member.
func ErrMemberNotFound(id int64) *EngineError {
	return &EngineError{
		Code: CodeMemberNotFound,
		What: fmt.Sprintf("batch member %d not found", id),
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *EngineError {
	return &EngineError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check the runbookd config file and fix the invalid field",
	}
}

// AsEngine reports whether err wraps an *EngineError, assigning it to target.
func AsEngine(err error, target **EngineError) bool {
	return stderrors.As(err, target)
}

// CodeOf returns the code of the EngineError wrapped by err, or "" if none.
func CodeOf(err error) Code {
	var engErr *EngineError
	if stderrors.As(err, &engErr) {
		return engErr.Code
	}
	return ""
}

// Wrap wraps a generic error into an EngineError with unknown code.
func Wrap(err error, what string) *EngineError {
	return &EngineError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
