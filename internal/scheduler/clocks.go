package scheduler

import (
	"context"
	"time"

	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/messaging"
)

// pollClock re-announces polling executions whose interval has elapsed. The
// orchestrator decides at poll-check time whether the execution re-dispatches
// or times out.
func (s *Scheduler) pollClock(ctx context.Context, now time.Time) error {
	execs, err := s.store.PollingExecutions(ctx)
	if err != nil {
		return err
	}
	for _, e := range execs {
		last := e.LastPolledAt
		if last == nil {
			last = e.PollStartedAt
		}
		if last == nil || now.Before(last.Add(time.Duration(e.PollIntervalSec)*time.Second)) {
			continue
		}

		batchID, err := s.executionBatchID(ctx, e)
		if err != nil {
			return err
		}
		check := &messaging.PollCheck{
			MessageType: messaging.TypePollCheck,
			BatchID:     batchID,
			StepName:    e.StepName,
			PollCount:   e.PollCount,
		}
		if e.IsInit {
			check.InitExecutionID = &e.ID
		} else {
			check.StepExecutionID = &e.ID
		}
		if err := s.emit(ctx, messaging.TypePollCheck, check); err != nil {
			return err
		}
	}
	return nil
}

// retryClock re-announces pending executions whose retry_after has passed.
// The broker's scheduled enqueue is the fast path; this clock is the durable
// fallback when the process restarted before the delayed message fired.
func (s *Scheduler) retryClock(ctx context.Context, now time.Time) error {
	execs, err := s.store.RetryDueExecutions(ctx, now)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if e.RetryCount == 0 {
			continue
		}
		check := &messaging.RetryCheck{
			MessageType: messaging.TypeRetryCheck,
			RetryCount:  e.RetryCount,
		}
		if e.IsInit {
			check.InitExecutionID = &e.ID
		} else {
			check.StepExecutionID = &e.ID
		}
		if err := s.emit(ctx, messaging.TypeRetryCheck, check); err != nil {
			return err
		}
	}
	return nil
}

// executionBatchID resolves the owning batch of an execution: inits carry it
// directly, steps go through their phase execution.
func (s *Scheduler) executionBatchID(ctx context.Context, e *db.Execution) (int64, error) {
	if e.IsInit {
		return e.BatchID, nil
	}
	phase, err := s.store.GetPhaseExecution(ctx, e.PhaseExecutionID)
	if err != nil {
		return 0, err
	}
	return phase.BatchID, nil
}
