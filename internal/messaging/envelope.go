// Package messaging carries the engine's event and job envelopes between the
// scheduler, the orchestrator and the worker pools. The broker is assumed to
// deliver at least once; every consumer is idempotent.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in the messageType field and mirrored in the
// MessageType application property for broker-side filtering.
const (
	TypeBatchInit     = "batch-init"
	TypePhaseDue      = "phase-due"
	TypeMemberAdded   = "member-added"
	TypeMemberRemoved = "member-removed"
	TypePollCheck     = "poll-check"
	TypeRetryCheck    = "retry-check"
)

// Application property names.
const (
	PropWorkerID    = "WorkerId"
	PropMessageType = "MessageType"
)

// Result statuses reported by workers.
const (
	StatusSuccess = "Success"
	StatusFailure = "Failure"
)

// BatchInit announces a freshly detected batch whose runbook defines init
// steps.
type BatchInit struct {
	MessageType    string    `json:"messageType"`
	RunbookName    string    `json:"runbookName"`
	RunbookVersion int       `json:"runbookVersion"`
	BatchID        int64     `json:"batchId"`
	BatchStartTime time.Time `json:"batchStartTime"`
	MemberCount    int       `json:"memberCount"`
}

// PhaseDue announces that a phase execution's due time has passed.
type PhaseDue struct {
	MessageType      string    `json:"messageType"`
	RunbookName      string    `json:"runbookName"`
	RunbookVersion   int       `json:"runbookVersion"`
	BatchID          int64     `json:"batchId"`
	PhaseExecutionID int64     `json:"phaseExecutionId"`
	PhaseName        string    `json:"phaseName"`
	OffsetMinutes    int       `json:"offsetMinutes"`
	DueAt            time.Time `json:"dueAt"`
	MemberIDs        []int64   `json:"memberIds"`
}

// MemberChange announces a member joining or leaving an existing batch. The
// same shape serves member-added and member-removed.
type MemberChange struct {
	MessageType    string `json:"messageType"`
	RunbookName    string `json:"runbookName"`
	RunbookVersion int    `json:"runbookVersion"`
	BatchID        int64  `json:"batchId"`
	BatchMemberID  int64  `json:"batchMemberId"`
	MemberKey      string `json:"memberKey"`
}

// PollCheck asks the orchestrator to advance or time out a polling
// execution. Exactly one of StepExecutionID / InitExecutionID is set.
type PollCheck struct {
	MessageType     string `json:"messageType"`
	BatchID         int64  `json:"batchId"`
	StepExecutionID *int64 `json:"stepExecutionId,omitempty"`
	InitExecutionID *int64 `json:"initExecutionId,omitempty"`
	StepName        string `json:"stepName"`
	PollCount       int    `json:"pollCount"`
}

// RetryCheck asks the orchestrator to re-dispatch an execution that was
// reset to pending after a retryable failure. Delivered at retry_after.
type RetryCheck struct {
	MessageType     string `json:"messageType"`
	StepExecutionID *int64 `json:"stepExecutionId,omitempty"`
	InitExecutionID *int64 `json:"initExecutionId,omitempty"`
	RetryCount      int    `json:"retryCount"`
}

// CorrelationData ties a job or result back to its execution record.
type CorrelationData struct {
	StepExecutionID *int64 `json:"stepExecutionId,omitempty"`
	InitExecutionID *int64 `json:"initExecutionId,omitempty"`
	IsInitStep      bool   `json:"isInitStep"`
	RunbookName     string `json:"runbookName"`
	RunbookVersion  int    `json:"runbookVersion"`
}

// ExecutionID returns the referenced execution id regardless of kind.
func (c *CorrelationData) ExecutionID() (int64, bool) {
	if c.IsInitStep {
		if c.InitExecutionID == nil {
			return 0, false
		}
		return *c.InitExecutionID, true
	}
	if c.StepExecutionID == nil {
		return 0, false
	}
	return *c.StepExecutionID, true
}

// Job is the unit of work dispatched to a worker pool. The WorkerId
// application property on the carrying message selects the pool.
type Job struct {
	JobID           string            `json:"jobId"`
	BatchID         int64             `json:"batchId"`
	WorkerID        string            `json:"workerId"`
	FunctionName    string            `json:"functionName"`
	Parameters      map[string]string `json:"parameters"`
	CorrelationData CorrelationData   `json:"correlationData"`
}

// ResultError is the failure detail a worker attaches to a failed result.
type ResultError struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	IsThrottled bool   `json:"isThrottled"`
	Attempts    int    `json:"attempts"`
}

// Result is a worker's report for one job.
type Result struct {
	JobID           string          `json:"jobId"`
	Status          string          `json:"status"`
	ResultType      string          `json:"resultType"`
	Result          json.RawMessage `json:"result"`
	Error           *ResultError    `json:"error"`
	DurationMs      int64           `json:"durationMs"`
	Timestamp       time.Time       `json:"timestamp"`
	CorrelationData CorrelationData `json:"correlationData"`
}

// Encode marshals an envelope for publishing.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return body, nil
}

// Decode unmarshals an envelope body into v.
func Decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return nil
}

// PeekType reads just the messageType field of an event body.
func PeekType(body []byte) (string, error) {
	var head struct {
		MessageType string `json:"messageType"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", fmt.Errorf("peek message type: %w", err)
	}
	return head.MessageType, nil
}
