package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftctl/runbookd/internal/config"
	"github.com/shiftctl/runbookd/internal/datasource"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/metrics"
	"github.com/shiftctl/runbookd/internal/orchestrator"
	"github.com/shiftctl/runbookd/internal/scheduler"
)

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and orchestrator",
		Long: `Run the engine: the scheduler ticks every configured interval, the
orchestrator consumes events and worker results, and an HTTP endpoint
exposes /metrics and /healthz.

With broker.kind=memory everything runs in this one process; with
broker.kind=nats multiple instances share the work through queue groups.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			broker, err := openBroker(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = broker.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dispatcher := orchestrator.NewDispatcher(broker,
				orchestrator.WithMaxInflight(int64(cfg.Dispatch.MaxInflight)),
				orchestrator.WithPublishBudget(cfg.Dispatch.PublishBudget),
				orchestrator.WithDispatchLogger(logger),
			)
			orch := orchestrator.New(store, broker,
				orchestrator.WithLogger(logger),
				orchestrator.WithDispatcher(dispatcher),
			)
			if err := orch.Start(ctx); err != nil {
				return err
			}

			// The memory broker holds scheduled retry-checks in process;
			// pump its clock so they fire between scheduler ticks.
			if mem, ok := broker.(*messaging.MemoryBroker); ok {
				go pumpScheduled(ctx, mem, logger)
			}

			srv := serveHTTP(cfg.Listen, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			sched := scheduler.New(store, broker, datasource.DefaultRegistry(),
				scheduler.WithInterval(cfg.Scheduler.TickInterval),
				scheduler.WithParallelism(cfg.Scheduler.Parallelism),
				scheduler.WithLogger(logger),
			)
			logger.Info("runbookd serving",
				"store", cfg.Store.Dialect, "db", store.Path(), "broker", cfg.Broker.Kind,
				"tick", cfg.Scheduler.TickInterval, "listen", cfg.Listen)

			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("runbookd stopped")
			return nil
		},
	}
}

func openBroker(cfg *config.Config, logger *slog.Logger) (messaging.Broker, error) {
	if cfg.Broker.Kind == config.BrokerNATS {
		return messaging.ConnectNATS(cfg.Broker.URL,
			messaging.WithNATSMaxDeliveries(cfg.Broker.MaxDeliveries),
			messaging.WithNATSLogger(logger),
		)
	}
	return messaging.NewMemoryBroker(
		messaging.WithMaxDeliveries(cfg.Broker.MaxDeliveries),
		messaging.WithLogger(logger),
	), nil
}

func pumpScheduled(ctx context.Context, mem *messaging.MemoryBroker, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := mem.DeliverDue(ctx, now); err != nil {
				logger.Error("scheduled delivery failed", "error", err)
			}
		}
	}
}

func serveHTTP(listen string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()
	return srv
}
