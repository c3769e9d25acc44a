// Package orchestrator consumes scheduler events and worker results,
// dispatches jobs to worker pools, and drives per-member step progression.
// Every handler is idempotent: decisions are re-derived from the store, and
// guarded updates make duplicate or racing deliveries collapse to no-ops.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/shiftctl/runbookd/internal/errors"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/metrics"
)

// Dispatcher publishes job envelopes to the worker-jobs subject. Publishes
// for one worker-pool identity share a semaphore so a slow pool cannot
// starve the others; publish failures retry with exponential backoff before
// surfacing as a dispatch error.
type Dispatcher struct {
	broker      messaging.Broker
	logger      *slog.Logger
	maxInflight int64
	maxElapsed  time.Duration

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxInflight caps concurrent publishes per worker-pool identity.
func WithMaxInflight(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxInflight = n
	}
}

// WithPublishBudget bounds the total backoff time for one publish.
func WithPublishBudget(budget time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxElapsed = budget
	}
}

// WithDispatchLogger sets the dispatcher's logger.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(broker messaging.Broker, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		broker:      broker,
		logger:      slog.Default(),
		maxInflight: 8,
		maxElapsed:  30 * time.Second,
		sems:        make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch publishes one job with the WorkerId property for subscription
// filtering.
func (d *Dispatcher) Dispatch(ctx context.Context, job *messaging.Job) error {
	body, err := messaging.Encode(job)
	if err != nil {
		return err
	}

	sem := d.sem(job.WorkerID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	props := map[string]string{messaging.PropWorkerID: job.WorkerID}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = d.maxElapsed
	err = backoff.Retry(func() error {
		return d.broker.Publish(ctx, messaging.SubjectJobs, body, props)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		metrics.DispatchFailures.Inc()
		return errors.ErrDispatchFailure(messaging.SubjectJobs, err)
	}

	metrics.JobsDispatched.WithLabelValues(job.WorkerID).Inc()
	d.logger.Debug("job dispatched",
		"job", job.JobID, "worker", job.WorkerID, "function", job.FunctionName)
	return nil
}

func (d *Dispatcher) sem(workerID string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sems[workerID]
	if !ok {
		s = semaphore.NewWeighted(d.maxInflight)
		d.sems[workerID] = s
	}
	return s
}
