package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/errors"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/metrics"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// consumerGroup is the queue group shared by orchestrator instances.
const consumerGroup = "orchestrator"

// Orchestrator is the event-driven half of the engine. It holds no mutable
// state of its own; coordination lives entirely in the store's guarded
// transitions.
type Orchestrator struct {
	store      *db.Store
	broker     messaging.Broker
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(d *Dispatcher) Option {
	return func(o *Orchestrator) {
		o.dispatcher = d
	}
}

// WithClock overrides the wall clock for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator.
func New(store *db.Store, broker messaging.Broker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		broker: broker,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dispatcher == nil {
		o.dispatcher = NewDispatcher(broker, WithDispatchLogger(o.logger))
	}
	return o
}

// Start subscribes the orchestrator to scheduler events and worker results.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.broker.Subscribe(ctx, messaging.SubjectEvents, consumerGroup, o.handleEventMessage); err != nil {
		return err
	}
	return o.broker.Subscribe(ctx, messaging.SubjectResults, consumerGroup, o.handleResultMessage)
}

// handleEventMessage routes one scheduler event to its handler. Handler
// errors propagate so the broker redelivers; unknown types are dropped with
// a log line rather than poisoning the subscription.
func (o *Orchestrator) handleEventMessage(ctx context.Context, msg *messaging.Message) error {
	messageType, err := messaging.PeekType(msg.Body)
	if err != nil {
		o.logger.Error("undecodable event dropped", "error", err)
		return nil
	}

	err = o.routeEvent(ctx, messageType, msg.Body)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.EventsHandled.WithLabelValues(messageType, outcome).Inc()
	return err
}

func (o *Orchestrator) routeEvent(ctx context.Context, messageType string, body []byte) error {
	switch messageType {
	case messaging.TypeBatchInit:
		var ev messaging.BatchInit
		if err := messaging.Decode(body, &ev); err != nil {
			return err
		}
		return o.HandleBatchInit(ctx, &ev)
	case messaging.TypePhaseDue:
		var ev messaging.PhaseDue
		if err := messaging.Decode(body, &ev); err != nil {
			return err
		}
		return o.HandlePhaseDue(ctx, &ev)
	case messaging.TypeMemberAdded:
		var ev messaging.MemberChange
		if err := messaging.Decode(body, &ev); err != nil {
			return err
		}
		return o.HandleMemberAdded(ctx, &ev)
	case messaging.TypeMemberRemoved:
		var ev messaging.MemberChange
		if err := messaging.Decode(body, &ev); err != nil {
			return err
		}
		return o.HandleMemberRemoved(ctx, &ev)
	case messaging.TypePollCheck:
		var ev messaging.PollCheck
		if err := messaging.Decode(body, &ev); err != nil {
			return err
		}
		return o.HandlePollCheck(ctx, &ev)
	case messaging.TypeRetryCheck:
		var ev messaging.RetryCheck
		if err := messaging.Decode(body, &ev); err != nil {
			return err
		}
		return o.HandleRetryCheck(ctx, &ev)
	default:
		o.logger.Warn("unknown event type dropped", "type", messageType)
		return nil
	}
}

func (o *Orchestrator) handleResultMessage(ctx context.Context, msg *messaging.Message) error {
	var res messaging.Result
	if err := messaging.Decode(msg.Body, &res); err != nil {
		o.logger.Error("undecodable result dropped", "error", err)
		return nil
	}
	return o.HandleResult(ctx, &res)
}

// batchContext loads the batch, its runbook record and the parsed
// definition an event refers to. The batch row pins the exact runbook
// version, so handlers never resolve through the active-version pointer.
func (o *Orchestrator) batchContext(ctx context.Context, batchID int64) (*db.Batch, *db.RunbookRecord, *runbook.Runbook, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, nil, err
	}
	rec, err := o.store.GetRunbook(ctx, batch.RunbookID)
	if err != nil {
		return nil, nil, nil, err
	}
	def, err := rec.Definition()
	if err != nil {
		return nil, nil, nil, err
	}
	return batch, rec, def, nil
}

// stepDefFor finds the definition behind an execution: init steps by index
// in the init list, phase steps through the owning phase execution.
func (o *Orchestrator) stepDefFor(ctx context.Context, def *runbook.Runbook, exec *db.Execution) (*runbook.StepDef, error) {
	if exec.IsInit {
		if exec.StepIndex >= len(def.Init) {
			return nil, fmt.Errorf("init step index %d out of range", exec.StepIndex)
		}
		return &def.Init[exec.StepIndex], nil
	}
	phase, err := o.store.GetPhaseExecution(ctx, exec.PhaseExecutionID)
	if err != nil {
		return nil, err
	}
	phaseDef := def.Phase(phase.PhaseName)
	if phaseDef == nil {
		return nil, fmt.Errorf("phase %q not defined", phase.PhaseName)
	}
	if exec.StepIndex >= len(phaseDef.Steps) {
		return nil, fmt.Errorf("step index %d out of range in phase %q", exec.StepIndex, phase.PhaseName)
	}
	return &phaseDef.Steps[exec.StepIndex], nil
}

// dispatchExecution resolves a pending execution's templates, stamps it
// dispatched and publishes the job. member is nil for init executions. A
// template resolution failure is terminal for the execution and triggers the
// same consequences as an exhausted worker failure, minus the rollback.
func (o *Orchestrator) dispatchExecution(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, batch *db.Batch, member *db.Member, exec *db.Execution) error {
	stepDef, err := o.stepDefFor(ctx, def, exec)
	if err != nil {
		return err
	}

	vars := runbook.SpecialVars(batch.ID, batch.BatchStartTime)
	if member != nil {
		vars, err = runbook.MemberVars(batch.ID, batch.BatchStartTime, member.DataJSON, member.WorkerDataJSON)
		if err != nil {
			return err
		}
	}

	function, ferr := runbook.Resolve(stepDef.Function, vars)
	params, perr := runbook.ResolveParams(stepDef.Params, vars)
	if ferr != nil || perr != nil {
		resolveErr := ferr
		if resolveErr == nil {
			resolveErr = perr
		}
		o.logger.Error("template resolution failed",
			"execution", exec.ID, "step", exec.StepName, "error", resolveErr)
		if ok, err := o.store.SetExecutionFailedFromPending(ctx, exec.ID, exec.IsInit, resolveErr.Error()); err != nil || !ok {
			return err
		}
		return o.onExecutionFailed(ctx, batch, member, exec)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}

	jobID := jobIDFor(exec)
	ok, err := o.store.MarkExecutionDispatched(ctx, exec.ID, exec.IsInit, jobID, function, string(paramsJSON))
	if err != nil {
		return err
	}
	if !ok {
		// Another handler got here first.
		return nil
	}

	return o.dispatcher.Dispatch(ctx, &messaging.Job{
		JobID:           jobID,
		BatchID:         batch.ID,
		WorkerID:        exec.WorkerID,
		FunctionName:    function,
		Parameters:      params,
		CorrelationData: correlationFor(exec, rec.Name, rec.Version),
	})
}

// redispatchExecution republishes an execution under a new job id using the
// inputs stamped at first dispatch. Used by the retry and poll paths, which
// must not re-resolve templates.
func (o *Orchestrator) redispatchExecution(ctx context.Context, rec *db.RunbookRecord, batch *db.Batch, exec *db.Execution, jobID string) error {
	var params map[string]string
	if exec.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(exec.ParamsJSON), &params); err != nil {
			return fmt.Errorf("decode stamped params: %w", err)
		}
	}
	return o.dispatcher.Dispatch(ctx, &messaging.Job{
		JobID:           jobID,
		BatchID:         batch.ID,
		WorkerID:        exec.WorkerID,
		FunctionName:    exec.FunctionName,
		Parameters:      params,
		CorrelationData: correlationFor(exec, rec.Name, rec.Version),
	})
}

func jobIDFor(exec *db.Execution) string {
	base := fmt.Sprintf("%s-%d", execKind(exec), exec.ID)
	if exec.RetryCount > 0 {
		return fmt.Sprintf("%s-retry-%d", base, exec.RetryCount)
	}
	return base
}

func execKind(exec *db.Execution) string {
	if exec.IsInit {
		return "init"
	}
	return "step"
}

func correlationFor(exec *db.Execution, runbookName string, runbookVersion int) messaging.CorrelationData {
	if exec.IsInit && exec.RunbookVersion != 0 {
		runbookVersion = exec.RunbookVersion
	}
	c := messaging.CorrelationData{
		IsInitStep:     exec.IsInit,
		RunbookName:    runbookName,
		RunbookVersion: runbookVersion,
	}
	id := exec.ID
	if exec.IsInit {
		c.InitExecutionID = &id
	} else {
		c.StepExecutionID = &id
	}
	return c
}

// executionBatch resolves the batch an execution belongs to.
func (o *Orchestrator) executionBatch(ctx context.Context, exec *db.Execution) (*db.Batch, error) {
	if exec.IsInit {
		return o.store.GetBatch(ctx, exec.BatchID)
	}
	phase, err := o.store.GetPhaseExecution(ctx, exec.PhaseExecutionID)
	if err != nil {
		return nil, err
	}
	return o.store.GetBatch(ctx, phase.BatchID)
}

// loadExecution fetches an execution, mapping not-found onto a dropped
// message instead of endless redelivery.
func (o *Orchestrator) loadExecution(ctx context.Context, id int64, isInit bool) (*db.Execution, error) {
	exec, err := o.store.GetExecution(ctx, id, isInit)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeExecutionNotFound {
			o.logger.Warn("message for unknown execution dropped", "execution", id, "init", isInit)
			return nil, nil
		}
		return nil, err
	}
	return exec, nil
}
