package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// Progression is the central place for post-event consequences: after a
// result lands or a member changes, these checks decide what runs next and
// when phases and batches settle. All completion transitions are guarded
// UPDATEs; under concurrent results exactly one caller wins each one.

// dispatchNextForMember starts the member's next runnable step in a phase:
// the lowest-index pending step behind an unbroken run of successes. A step
// parked for retry belongs to the retry clock and is left alone.
func (o *Orchestrator) dispatchNextForMember(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, batch *db.Batch, phaseExecutionID int64, member *db.Member) error {
	execs, err := o.store.MemberStepExecutions(ctx, phaseExecutionID, member.ID)
	if err != nil {
		return err
	}
	next := nextDispatchable(execs)
	if next == nil {
		return nil
	}
	return o.dispatchExecution(ctx, rec, def, batch, member, next)
}

// CheckMemberProgression advances a member after one of their steps
// succeeded: dispatch the next step in the phase, or, when the phase is done
// for them, settle the phase and look for runnable work in later
// already-dispatched phases (catch-up members walk forward this way).
func (o *Orchestrator) CheckMemberProgression(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, batch *db.Batch, phaseExecutionID int64, member *db.Member) error {
	execs, err := o.store.MemberStepExecutions(ctx, phaseExecutionID, member.ID)
	if err != nil {
		return err
	}
	if next := nextDispatchable(execs); next != nil {
		return o.dispatchExecution(ctx, rec, def, batch, member, next)
	}
	if !allTerminal(execs) {
		// In flight or parked for retry; a later event resumes us.
		return nil
	}
	if err := o.CheckPhaseCompletion(ctx, phaseExecutionID); err != nil {
		return err
	}
	return o.advanceMemberAcrossPhases(ctx, rec, def, batch, member, phaseExecutionID)
}

// advanceMemberAcrossPhases finds the next dispatched phase where the member
// still has runnable steps and starts one. Normal members never need this —
// each phase dispatches them on phase-due — but catch-up members may hold
// created-but-unstarted work in several phases at once.
func (o *Orchestrator) advanceMemberAcrossPhases(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, batch *db.Batch, member *db.Member, afterPhaseID int64) error {
	phases, err := o.store.PhaseExecutions(ctx, batch.ID)
	if err != nil {
		return err
	}
	for _, phase := range phases {
		if phase.ID == afterPhaseID || phase.Status != db.PhaseDispatched {
			continue
		}
		execs, err := o.store.MemberStepExecutions(ctx, phase.ID, member.ID)
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			continue
		}
		if next := nextDispatchable(execs); next != nil {
			return o.dispatchExecution(ctx, rec, def, batch, member, next)
		}
		if !allTerminal(execs) {
			return nil
		}
	}
	return nil
}

// HandleMemberFailure isolates a member whose step failed with nothing left
// to try: the member fails, their outstanding work is cancelled across every
// phase, and each touched phase is re-checked for completion. Other members
// are unaffected.
func (o *Orchestrator) HandleMemberFailure(ctx context.Context, member *db.Member) error {
	if ok, err := o.store.MarkMemberFailed(ctx, member.ID); err != nil {
		return err
	} else if ok {
		o.logger.Warn("member isolated", "member", member.MemberKey, "batch", member.BatchID)
	}

	phaseIDs, err := o.store.MemberPhaseExecutionIDs(ctx, member.ID)
	if err != nil {
		return err
	}
	if _, err := o.store.CancelMemberExecutions(ctx, member.ID); err != nil {
		return err
	}
	for _, phaseID := range phaseIDs {
		if err := o.CheckPhaseCompletion(ctx, phaseID); err != nil {
			return err
		}
	}
	return nil
}

// CheckPhaseCompletion settles a phase once every step execution under it is
// terminal: completed when at least one member ran the whole phase to
// success, failed otherwise. The guarded update makes the transition happen
// exactly once no matter how many concurrent results arrive at the boundary.
func (o *Orchestrator) CheckPhaseCompletion(ctx context.Context, phaseExecutionID int64) error {
	phase, err := o.store.GetPhaseExecution(ctx, phaseExecutionID)
	if err != nil {
		return err
	}
	if phase.Status != db.PhaseDispatched {
		return nil
	}

	execs, err := o.store.PhaseStepExecutions(ctx, phaseExecutionID)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if !db.StepTerminal(e.Status) {
			return nil
		}
	}

	succeeded := map[int64]bool{}
	for _, e := range execs {
		if _, seen := succeeded[e.BatchMemberID]; !seen {
			succeeded[e.BatchMemberID] = true
		}
		if e.Status != db.StepSucceeded {
			succeeded[e.BatchMemberID] = false
		}
	}
	completed := false
	for _, all := range succeeded {
		if all {
			completed = true
			break
		}
	}

	ok, err := o.store.CompletePhase(ctx, phaseExecutionID, completed)
	if err != nil || !ok {
		return err
	}
	o.logger.Info("phase settled",
		"phase", phase.PhaseName, "batch", phase.BatchID, "completed", completed)
	return o.CheckBatchCompletion(ctx, phase.BatchID)
}

// CheckBatchCompletion settles a batch once every phase execution is
// terminal: completed when at least one phase completed, failed otherwise.
func (o *Orchestrator) CheckBatchCompletion(ctx context.Context, batchID int64) error {
	nonTerminal, err := o.store.NonTerminalPhaseCount(ctx, batchID)
	if err != nil {
		return err
	}
	if nonTerminal > 0 {
		return nil
	}
	completedPhases, err := o.store.CompletedPhaseCount(ctx, batchID)
	if err != nil {
		return err
	}

	ok, err := o.store.CompleteBatch(ctx, batchID, completedPhases > 0)
	if err != nil || !ok {
		return err
	}
	o.logger.Info("batch settled", "batch", batchID, "completed", completedPhases > 0)
	return nil
}

// onExecutionFailed applies the consequences of a terminally failed
// execution: a failed init fails the whole batch, a failed step isolates its
// member.
func (o *Orchestrator) onExecutionFailed(ctx context.Context, batch *db.Batch, member *db.Member, exec *db.Execution) error {
	if exec.IsInit {
		if ok, err := o.store.CompleteBatch(ctx, batch.ID, false); err != nil {
			return err
		} else if ok {
			o.logger.Warn("batch failed during init",
				"batch", batch.ID, "step", exec.StepName)
		}
		return nil
	}
	if member == nil {
		return fmt.Errorf("step execution %d failed without a member", exec.ID)
	}
	return o.HandleMemberFailure(ctx, member)
}

// dispatchRollback fires the rollback sequence referenced by a failed
// step's on_failure, fire-and-forget: errors are logged and swallowed, and
// no execution records track the rollback jobs.
func (o *Orchestrator) dispatchRollback(ctx context.Context, rec *db.RunbookRecord, batch *db.Batch, member *db.Member, exec *db.Execution) {
	def, err := rec.Definition()
	if err != nil {
		o.logger.Error("rollback skipped: runbook unparseable", "execution", exec.ID, "error", err)
		return
	}
	steps, ok := def.Rollbacks[exec.OnFailure]
	if !ok {
		o.logger.Error("rollback skipped: sequence undefined",
			"execution", exec.ID, "rollback", exec.OnFailure)
		return
	}
	o.logger.Info("rollback dispatched",
		"execution", exec.ID, "rollback", exec.OnFailure, "steps", len(steps))
	o.dispatchHookSteps(ctx, rec, batch, member, steps,
		fmt.Sprintf("rollback-%s-%d", execKind(exec), exec.ID))
}

// dispatchHookSteps publishes a list of untracked steps (rollbacks,
// on_member_removed hooks) in order. Resolution or publish failures are
// logged and swallowed; the remaining steps still go out.
func (o *Orchestrator) dispatchHookSteps(ctx context.Context, rec *db.RunbookRecord, batch *db.Batch, member *db.Member, steps []runbook.StepDef, jobPrefix string) {
	vars := runbook.SpecialVars(batch.ID, batch.BatchStartTime)
	if member != nil {
		var err error
		vars, err = runbook.MemberVars(batch.ID, batch.BatchStartTime, member.DataJSON, member.WorkerDataJSON)
		if err != nil {
			o.logger.Error("hook steps skipped: member data unreadable",
				"member", member.ID, "error", err)
			return
		}
	}

	for i := range steps {
		st := &steps[i]
		function, err := runbook.Resolve(st.Function, vars)
		if err != nil {
			o.logger.Error("hook step skipped", "step", st.Name, "error", err)
			continue
		}
		params, err := runbook.ResolveParams(st.Params, vars)
		if err != nil {
			o.logger.Error("hook step skipped", "step", st.Name, "error", err)
			continue
		}
		job := &messaging.Job{
			JobID:        fmt.Sprintf("%s-%d", jobPrefix, i),
			BatchID:      batch.ID,
			WorkerID:     st.WorkerID,
			FunctionName: function,
			Parameters:   params,
			CorrelationData: messaging.CorrelationData{
				RunbookName:    rec.Name,
				RunbookVersion: rec.Version,
			},
		}
		if err := o.dispatcher.Dispatch(ctx, job); err != nil {
			o.logger.Error("hook step publish failed", "step", st.Name, "error", err)
		}
	}
}

// nextDispatchable returns the member's next runnable step: the first
// pending step behind only successes. Anything in flight, terminally down,
// or parked for retry blocks the walk.
func nextDispatchable(execs []*db.Execution) *db.Execution {
	for _, e := range execs {
		switch e.Status {
		case db.StepSucceeded:
			continue
		case db.StepPending:
			if e.RetryCount > 0 && e.RetryAfter != nil {
				return nil
			}
			return e
		default:
			return nil
		}
	}
	return nil
}

func allTerminal(execs []*db.Execution) bool {
	for _, e := range execs {
		if !db.StepTerminal(e.Status) {
			return false
		}
	}
	return true
}

// decodeOutputParams unmarshals an execution's declared output_params map.
func decodeOutputParams(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode output params: %w", err)
	}
	return m, nil
}
