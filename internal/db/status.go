package db

// Batch statuses. A batch is terminal at completed or failed.
const (
	BatchDetected       = "detected"
	BatchInitDispatched = "init_dispatched"
	BatchActive         = "active"
	BatchCompleted      = "completed"
	BatchFailed         = "failed"
)

// Batch member statuses.
const (
	MemberActive  = "active"
	MemberRemoved = "removed"
	MemberFailed  = "failed"
)

// Phase execution statuses.
const (
	PhasePending    = "pending"
	PhaseDispatched = "dispatched"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
	PhaseSkipped    = "skipped"
)

// Step/init execution statuses.
const (
	StepPending     = "pending"
	StepDispatched  = "dispatched"
	StepSucceeded   = "succeeded"
	StepFailed      = "failed"
	StepPolling     = "polling"
	StepPollTimeout = "poll_timeout"
	StepCancelled   = "cancelled"
)

// BatchTerminal reports whether a batch status is terminal.
func BatchTerminal(status string) bool {
	return status == BatchCompleted || status == BatchFailed
}

// PhaseTerminal reports whether a phase execution status is terminal.
func PhaseTerminal(status string) bool {
	return status == PhaseCompleted || status == PhaseFailed || status == PhaseSkipped
}

// StepTerminal reports whether a step execution status is terminal.
// A failed step with retry budget left is reset to pending by the result
// processor before anyone observes it, so failed counts as terminal here.
func StepTerminal(status string) bool {
	switch status {
	case StepSucceeded, StepFailed, StepPollTimeout, StepCancelled:
		return true
	}
	return false
}
