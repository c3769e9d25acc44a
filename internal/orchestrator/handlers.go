package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// HandleBatchInit ensures a batch's init executions exist and keeps exactly
// one of them moving. Init steps run strictly sequentially; a redelivered
// event finds the in-flight execution and leaves.
func (o *Orchestrator) HandleBatchInit(ctx context.Context, ev *messaging.BatchInit) error {
	batch, err := o.store.GetBatch(ctx, ev.BatchID)
	if err != nil {
		return err
	}
	if db.BatchTerminal(batch.Status) {
		return nil
	}
	// The event names the version whose init steps run. Normally that is the
	// batch's own version; a rerun_init announcement carries a newer one and
	// the version-keyed init rows keep the two generations apart.
	rec, err := o.store.GetRunbookVersion(ctx, ev.RunbookName, ev.RunbookVersion)
	if err != nil {
		return err
	}
	def, err := rec.Definition()
	if err != nil {
		return err
	}

	if len(def.Init) == 0 {
		_, err := o.store.TransitionBatch(ctx, batch.ID, db.BatchInitDispatched, db.BatchActive)
		return err
	}

	specs, err := db.SpecsForSteps(def, def.Init)
	if err != nil {
		return err
	}
	if err := o.store.CreateInitExecutions(ctx, batch.ID, rec.Version, specs); err != nil {
		return err
	}

	return o.advanceInit(ctx, rec, def, batch)
}

// advanceInit dispatches the next pending init execution of a batch, or
// settles the batch when the sequence is over: active when every init
// succeeded, failed when one is terminally down.
func (o *Orchestrator) advanceInit(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, batch *db.Batch) error {
	counts, err := o.store.InitStatusCounts(ctx, batch.ID, rec.Version)
	if err != nil {
		return err
	}
	if counts[db.StepDispatched]+counts[db.StepPolling] > 0 {
		// One init in flight already; sequence order forbids a second.
		return nil
	}
	if counts[db.StepFailed]+counts[db.StepPollTimeout] > 0 {
		if ok, err := o.store.CompleteBatch(ctx, batch.ID, false); err != nil {
			return err
		} else if ok {
			o.logger.Warn("batch failed during init", "batch", batch.ID, "runbook", rec.Name)
		}
		return nil
	}

	next, err := o.store.FirstPendingInit(ctx, batch.ID, rec.Version)
	if err != nil {
		return err
	}
	if next == nil {
		if ok, err := o.store.TransitionBatch(ctx, batch.ID, db.BatchInitDispatched, db.BatchActive); err != nil {
			return err
		} else if ok {
			o.logger.Info("batch activated", "batch", batch.ID, "runbook", rec.Name)
		}
		return nil
	}
	if next.RetryAfter != nil && o.now().UTC().Before(*next.RetryAfter) {
		// Waiting out a retry interval; the retry clock re-announces it.
		return nil
	}
	return o.dispatchExecution(ctx, rec, def, batch, nil, next)
}

// HandlePhaseDue materializes a due phase's step executions for every active
// member and starts each member's first runnable step. Members already in
// flight from an earlier delivery are left alone.
func (o *Orchestrator) HandlePhaseDue(ctx context.Context, ev *messaging.PhaseDue) error {
	phase, err := o.store.GetPhaseExecution(ctx, ev.PhaseExecutionID)
	if err != nil {
		return err
	}
	if db.PhaseTerminal(phase.Status) {
		return nil
	}

	batch, rec, def, err := o.batchContext(ctx, phase.BatchID)
	if err != nil {
		return err
	}
	phaseDef := def.Phase(phase.PhaseName)
	if phaseDef == nil {
		return fmt.Errorf("phase %q not in runbook %s v%d", phase.PhaseName, rec.Name, rec.Version)
	}
	specs, err := db.SpecsForSteps(def, phaseDef.Steps)
	if err != nil {
		return err
	}

	members, err := o.store.ActiveMembers(ctx, batch.ID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return o.CheckPhaseCompletion(ctx, phase.ID)
	}

	for _, m := range members {
		if err := o.store.CreateStepExecutions(ctx, phase.ID, m.ID, specs); err != nil {
			return err
		}
		if err := o.dispatchNextForMember(ctx, rec, def, batch, phase.ID, m); err != nil {
			return err
		}
	}
	return nil
}

// HandleMemberAdded catches a late-joining member up on every phase that
// already dispatched. Future phases need nothing; they include the member
// when their time comes.
func (o *Orchestrator) HandleMemberAdded(ctx context.Context, ev *messaging.MemberChange) error {
	member, err := o.store.GetMember(ctx, ev.BatchMemberID)
	if err != nil {
		return err
	}
	if member.Status != db.MemberActive {
		return nil
	}

	batch, rec, def, err := o.batchContext(ctx, member.BatchID)
	if err != nil {
		return err
	}

	phases, err := o.store.PhaseExecutions(ctx, batch.ID)
	if err != nil {
		return err
	}
	var earliest *db.PhaseExecution
	for _, phase := range phases {
		switch phase.Status {
		case db.PhaseDispatched, db.PhaseCompleted, db.PhaseFailed:
		default:
			continue
		}
		phaseDef := def.Phase(phase.PhaseName)
		if phaseDef == nil {
			continue
		}
		specs, err := db.SpecsForSteps(def, phaseDef.Steps)
		if err != nil {
			return err
		}
		if err := o.store.CreateStepExecutions(ctx, phase.ID, member.ID, specs); err != nil {
			return err
		}
		if earliest == nil {
			earliest = phase
		}
	}
	if earliest == nil {
		return nil
	}

	o.logger.Info("member catch-up",
		"batch", batch.ID, "member", member.MemberKey, "from_phase", earliest.PhaseName)
	return o.dispatchNextForMember(ctx, rec, def, batch, earliest.ID, member)
}

// HandleMemberRemoved cancels a departed member's outstanding work and runs
// the runbook's removal hooks fire-and-forget.
func (o *Orchestrator) HandleMemberRemoved(ctx context.Context, ev *messaging.MemberChange) error {
	member, err := o.store.GetMember(ctx, ev.BatchMemberID)
	if err != nil {
		return err
	}

	phaseIDs, err := o.store.MemberPhaseExecutionIDs(ctx, member.ID)
	if err != nil {
		return err
	}
	cancelled, err := o.store.CancelMemberExecutions(ctx, member.ID)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		o.logger.Info("member executions cancelled",
			"member", member.MemberKey, "batch", member.BatchID, "count", cancelled)
	}

	batch, rec, def, err := o.batchContext(ctx, member.BatchID)
	if err != nil {
		return err
	}
	if len(def.OnMemberRemoved) > 0 {
		o.dispatchHookSteps(ctx, rec, batch, member, def.OnMemberRemoved,
			fmt.Sprintf("member-%d-removed", member.ID))
	}

	// The cancellations may have settled phases the member was holding open.
	for _, phaseID := range phaseIDs {
		if err := o.CheckPhaseCompletion(ctx, phaseID); err != nil {
			return err
		}
	}
	return nil
}

// HandlePollCheck advances one polling execution: past its timeout it fails
// for good, otherwise the job goes out again under a fresh poll job id.
func (o *Orchestrator) HandlePollCheck(ctx context.Context, ev *messaging.PollCheck) error {
	id, isInit, ok := eventExecutionID(ev.StepExecutionID, ev.InitExecutionID)
	if !ok {
		o.logger.Warn("poll-check without execution id dropped")
		return nil
	}
	exec, err := o.loadExecution(ctx, id, isInit)
	if err != nil || exec == nil {
		return err
	}
	if exec.Status != db.StepPolling {
		return nil
	}

	batch, err := o.executionBatch(ctx, exec)
	if err != nil {
		return err
	}
	rec, err := o.store.GetRunbook(ctx, batch.RunbookID)
	if err != nil {
		return err
	}

	now := o.now().UTC()
	if exec.PollStartedAt != nil &&
		now.After(exec.PollStartedAt.Add(time.Duration(exec.PollTimeoutSec)*time.Second)) {
		msg := fmt.Sprintf("poll timeout after %ds (%d polls)", exec.PollTimeoutSec, exec.PollCount)
		if ok, err := o.store.SetExecutionPollTimeout(ctx, exec.ID, exec.IsInit, msg); err != nil || !ok {
			return err
		}
		o.logger.Warn("execution poll timeout",
			"execution", exec.ID, "step", exec.StepName, "polls", exec.PollCount)
		member, err := o.executionMember(ctx, exec)
		if err != nil {
			return err
		}
		if exec.OnFailure != "" {
			o.dispatchRollback(ctx, rec, batch, member, exec)
		}
		return o.onExecutionFailed(ctx, batch, member, exec)
	}

	jobID := fmt.Sprintf("%s-%d-poll-%d", execKind(exec), exec.ID, exec.PollCount)
	if ok, err := o.store.RedispatchForPoll(ctx, exec.ID, exec.IsInit, jobID); err != nil || !ok {
		return err
	}
	return o.redispatchExecution(ctx, rec, batch, exec, jobID)
}

// HandleRetryCheck re-dispatches an execution the result processor parked
// for retry. A stale check (the execution moved on, or was cancelled) is a
// no-op.
func (o *Orchestrator) HandleRetryCheck(ctx context.Context, ev *messaging.RetryCheck) error {
	id, isInit, ok := eventExecutionID(ev.StepExecutionID, ev.InitExecutionID)
	if !ok {
		o.logger.Warn("retry-check without execution id dropped")
		return nil
	}
	exec, err := o.loadExecution(ctx, id, isInit)
	if err != nil || exec == nil {
		return err
	}
	if exec.Status != db.StepPending || exec.RetryCount == 0 {
		return nil
	}

	batch, err := o.executionBatch(ctx, exec)
	if err != nil {
		return err
	}
	rec, err := o.store.GetRunbook(ctx, batch.RunbookID)
	if err != nil {
		return err
	}

	jobID := jobIDFor(exec)
	ok2, err := o.store.MarkExecutionDispatched(ctx, exec.ID, exec.IsInit, jobID, exec.FunctionName, exec.ParamsJSON)
	if err != nil || !ok2 {
		return err
	}
	o.logger.Info("execution retried",
		"execution", exec.ID, "step", exec.StepName, "attempt", exec.RetryCount)
	return o.redispatchExecution(ctx, rec, batch, exec, jobID)
}

// executionMember loads the member behind a step execution; nil for inits.
func (o *Orchestrator) executionMember(ctx context.Context, exec *db.Execution) (*db.Member, error) {
	if exec.IsInit {
		return nil, nil
	}
	return o.store.GetMember(ctx, exec.BatchMemberID)
}

func eventExecutionID(stepID, initID *int64) (int64, bool, bool) {
	if initID != nil {
		return *initID, true, true
	}
	if stepID != nil {
		return *stepID, false, true
	}
	return 0, false, false
}
