// Package scheduler drives the engine's clock. A periodic tick converges the
// store with every active runbook's data source: it discovers batches, diffs
// membership, dispatches due phases, and pumps the polling and retry clocks.
// The scheduler never calls the orchestrator; everything downstream happens
// through events on the broker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiftctl/runbookd/internal/datasource"
	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/metrics"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 5 * time.Minute

// batchGrid is the rounding grid for immediate-mode batch anchors.
const batchGrid = 5 * time.Minute

// Scheduler is the periodic tick driver.
type Scheduler struct {
	store       *db.Store
	broker      messaging.Broker
	sources     datasource.Registry
	interval    time.Duration
	maxParallel int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithParallelism caps how many runbooks one tick processes concurrently.
func WithParallelism(n int) Option {
	return func(s *Scheduler) {
		s.maxParallel = n
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithClock overrides the wall clock; tests drive ticks at fixed times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler.
func New(store *db.Store, broker messaging.Broker, sources datasource.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		broker:      broker,
		sources:     sources,
		interval:    DefaultInterval,
		maxParallel: 4,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until the context is cancelled. The first tick fires
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one full pass: every active runbook, then the polling and retry
// clocks. A runbook's failure is recorded on its row and never blocks the
// others; the tick itself only fails on store-level errors.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UTC()
	runbooks, err := s.store.ActiveRunbooks(ctx)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("load active runbooks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for _, rec := range runbooks {
		g.Go(func() error {
			if err := s.tickRunbook(gctx, rec, now); err != nil {
				metrics.RunbookErrors.WithLabelValues(rec.Name).Inc()
				s.logger.Error("runbook tick failed",
					"runbook", rec.Name, "version", rec.Version, "error", err)
				msg := err.Error()
				if serr := s.store.SetRunbookError(gctx, rec.ID, &msg); serr != nil {
					s.logger.Error("record runbook error failed", "runbook", rec.Name, "error", serr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := s.pollClock(ctx, now); err != nil {
		s.logger.Error("poll clock failed", "error", err)
	}
	if err := s.retryClock(ctx, now); err != nil {
		s.logger.Error("retry clock failed", "error", err)
	}

	if inflight, err := s.store.CountNonTerminalBatches(ctx); err == nil {
		metrics.BatchesActive.Set(float64(inflight))
	}

	metrics.TicksTotal.WithLabelValues("ok").Inc()
	return nil
}

// emit publishes an event envelope on the events subject with the
// MessageType property mirrored for broker-side filtering.
func (s *Scheduler) emit(ctx context.Context, messageType string, envelope any) error {
	body, err := messaging.Encode(envelope)
	if err != nil {
		return err
	}
	props := map[string]string{messaging.PropMessageType: messageType}
	if err := s.broker.Publish(ctx, messaging.SubjectEvents, body, props); err != nil {
		return fmt.Errorf("emit %s: %w", messageType, err)
	}
	metrics.EventsPublished.WithLabelValues(messageType).Inc()
	return nil
}
