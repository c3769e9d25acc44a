package orchestrator

import (
	"context"
	"time"

	"github.com/tidwall/gjson"

	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/metrics"
)

// HandleResult processes one worker result. Results are correlated to their
// execution record, never trusted for state: a result for an execution that
// already moved on is dropped, a duplicate success collapses on the guarded
// update, and only the winning transition triggers progression.
func (o *Orchestrator) HandleResult(ctx context.Context, res *messaging.Result) error {
	metrics.WorkerResults.WithLabelValues(res.Status).Inc()

	id, ok := res.CorrelationData.ExecutionID()
	if !ok {
		o.logger.Warn("result without correlation dropped", "job", res.JobID)
		return nil
	}
	exec, err := o.loadExecution(ctx, id, res.CorrelationData.IsInitStep)
	if err != nil || exec == nil {
		return err
	}
	if db.StepTerminal(exec.Status) {
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
	member, err := o.executionMember(ctx, exec)
	if err != nil {
		return err
	}

	switch res.Status {
	case messaging.StatusSuccess:
		return o.handleSuccess(ctx, rec, batch, member, exec, res)
	case messaging.StatusFailure:
		return o.handleFailure(ctx, rec, batch, member, exec, res)
	default:
		o.logger.Warn("result with unknown status dropped",
			"job", res.JobID, "status", res.Status)
		return nil
	}
}

// handleSuccess settles a successful result. A poll step reporting
// {complete:false} moves to polling and stays on the poll clock; anything
// else is a completion: declared output_params are extracted from the result
// body, merged into the member's worker data, and the member advances.
func (o *Orchestrator) handleSuccess(ctx context.Context, rec *db.RunbookRecord, batch *db.Batch, member *db.Member, exec *db.Execution, res *messaging.Result) error {
	body := string(res.Result)
	if body == "" {
		body = "{}"
	}

	if exec.IsPollStep {
		if c := gjson.Get(body, "complete"); c.Exists() && !c.Bool() {
			_, err := o.store.SetExecutionPolling(ctx, exec.ID, exec.IsInit, body)
			return err
		}
	}

	values, err := o.extractOutputs(exec, body)
	if err != nil {
		return err
	}

	ok, err := o.store.SetExecutionSucceeded(ctx, exec.ID, exec.IsInit, body)
	if err != nil || !ok {
		return err
	}
	o.logger.Info("execution succeeded",
		"execution", exec.ID, "kind", execKind(exec), "step", exec.StepName, "job", res.JobID)

	if member != nil && len(values) > 0 {
		if err := o.store.MergeWorkerData(ctx, member.ID, values); err != nil {
			return err
		}
		// Later steps template against the merged data; reload it.
		member, err = o.store.GetMember(ctx, member.ID)
		if err != nil {
			return err
		}
	}

	if exec.IsInit {
		// Rerun inits run under a newer version than the batch's own; the
		// execution row pins which one.
		if exec.RunbookVersion != rec.Version {
			rec, err = o.store.GetRunbookVersion(ctx, rec.Name, exec.RunbookVersion)
			if err != nil {
				return err
			}
		}
		def, err := rec.Definition()
		if err != nil {
			return err
		}
		return o.advanceInit(ctx, rec, def, batch)
	}
	def, err := rec.Definition()
	if err != nil {
		return err
	}
	return o.CheckMemberProgression(ctx, rec, def, batch, exec.PhaseExecutionID, member)
}

// extractOutputs pulls the step's declared output_params out of the result
// body. Workers wrap their payload as {complete:true, data:{...}}, so each
// field is looked up under data first, then at the root for bare payloads. A
// declared field missing from the body is skipped, not an error.
func (o *Orchestrator) extractOutputs(exec *db.Execution, body string) (map[string]any, error) {
	declared, err := decodeOutputParams(exec.OutputParamsJSON)
	if err != nil {
		return nil, err
	}
	if len(declared) == 0 {
		return nil, nil
	}
	values := make(map[string]any, len(declared))
	for variable, field := range declared {
		v := gjson.Get(body, "data."+field)
		if !v.Exists() {
			v = gjson.Get(body, field)
		}
		if !v.Exists() {
			o.logger.Warn("output param missing from result",
				"execution", exec.ID, "step", exec.StepName, "field", field)
			continue
		}
		values[variable] = v.Value()
	}
	return values, nil
}

// handleFailure settles a failed result: retry while budget remains, with
// the re-dispatch parked behind retry_after and a scheduled retry-check;
// otherwise the execution fails for good, its rollback fires and the failure
// consequences run.
func (o *Orchestrator) handleFailure(ctx context.Context, rec *db.RunbookRecord, batch *db.Batch, member *db.Member, exec *db.Execution, res *messaging.Result) error {
	errMsg := "worker failure"
	if res.Error != nil && res.Error.Message != "" {
		errMsg = res.Error.Message
	}

	if exec.RetryCount < exec.MaxRetries {
		interval := time.Duration(exec.RetryIntervalSec) * time.Second
		retryAfter := o.now().UTC().Add(interval)
		ok, err := o.store.SetExecutionRetryPending(ctx, exec.ID, exec.IsInit, retryAfter, errMsg)
		if err != nil || !ok {
			return err
		}
		o.logger.Info("execution parked for retry",
			"execution", exec.ID, "step", exec.StepName,
			"attempt", exec.RetryCount+1, "of", exec.MaxRetries, "after", retryAfter)
		return o.scheduleRetryCheck(ctx, exec, interval)
	}

	ok, err := o.store.SetExecutionFailed(ctx, exec.ID, exec.IsInit, errMsg)
	if err != nil || !ok {
		return err
	}
	o.logger.Warn("execution failed",
		"execution", exec.ID, "kind", execKind(exec), "step", exec.StepName,
		"retries", exec.RetryCount, "error", errMsg)

	if exec.OnFailure != "" {
		o.dispatchRollback(ctx, rec, batch, member, exec)
	}
	return o.onExecutionFailed(ctx, batch, member, exec)
}

// scheduleRetryCheck enqueues a delayed retry-check for a parked execution.
// The scheduler's retry clock is the durable fallback, so a failed publish
// only delays the retry until the next tick.
func (o *Orchestrator) scheduleRetryCheck(ctx context.Context, exec *db.Execution, delay time.Duration) error {
	ev := messaging.RetryCheck{
		MessageType: messaging.TypeRetryCheck,
		RetryCount:  exec.RetryCount + 1,
	}
	id := exec.ID
	if exec.IsInit {
		ev.InitExecutionID = &id
	} else {
		ev.StepExecutionID = &id
	}
	body, err := messaging.Encode(&ev)
	if err != nil {
		return err
	}
	props := map[string]string{messaging.PropMessageType: messaging.TypeRetryCheck}
	if err := o.broker.PublishAfter(ctx, messaging.SubjectEvents, body, props, delay); err != nil {
		o.logger.Warn("retry-check scheduling failed, retry clock will cover it",
			"execution", exec.ID, "error", err)
		return nil
	}
	metrics.EventsPublished.WithLabelValues(messaging.TypeRetryCheck).Inc()
	return nil
}
