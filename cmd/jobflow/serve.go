package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/bus"
	"github.com/t77yq/jobflow/internal/dispatcher"
	"github.com/t77yq/jobflow/internal/handler"
	"github.com/t77yq/jobflow/internal/monitor"
	"github.com/t77yq/jobflow/internal/notification"
	"github.com/t77yq/jobflow/internal/scheduler"
	"github.com/t77yq/jobflow/internal/status"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, dispatcher and notification engine",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeBus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	registry := dispatcher.NewRegistry()
	closeHandlers, err := handler.Register(registry, cfg.Dispatcher, logger)
	defer func() {
		if err := closeHandlers(); err != nil {
			logger.Warn("Failed to release job handlers", zap.Error(err))
		}
	}()
	if err != nil {
		return err
	}

	var stops []func()
	defer func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}()

	d := newDispatcher(ctx, b, registry)
	collector := monitor.NewMetricsCollector(b, cfg.Monitor.Interval, logger,
		monitor.WithWorkerStats(d.Stats))
	if err := collector.Start(ctx); err != nil {
		return err
	}
	stops = append(stops, collector.Stop)

	if cfg.Notification.Enabled {
		engine, err := newEngine(ctx, b)
		if err != nil {
			return err
		}
		if err := engine.Start(ctx); err != nil {
			return err
		}
		stops = append(stops, engine.Stop)
	}

	if cfg.Dispatcher.Enabled {
		if err := d.Start(ctx); err != nil {
			return err
		}
		stops = append(stops, d.Stop)
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(store, b, logger, scheduler.WithTickInterval(cfg.Scheduler.TickInterval))
		if err := sched.Start(ctx); err != nil {
			return err
		}
		stops = append(stops, sched.Stop)
	}

	logger.Info("jobflow started",
		zap.String("worker_id", cfg.App.WorkerID),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
		zap.Bool("dispatcher", cfg.Dispatcher.Enabled),
		zap.Bool("notification", cfg.Notification.Enabled))

	<-ctx.Done()
	logger.Info("Received shutdown signal, shutting down gracefully")
	return nil
}

func newDispatcher(ctx context.Context, b bus.Bus, registry *dispatcher.Registry) *dispatcher.Dispatcher {
	dc := cfg.Dispatcher
	var opts []dispatcher.Option
	if dc.MaxCPUPercent > 0 || dc.MaxMemoryPercent > 0 {
		guard := dispatcher.NewResourceGuard(dispatcher.ResourceLimits{
			MaxCPU:    dc.MaxCPUPercent,
			MaxMemory: dc.MaxMemoryPercent,
		}, dc.ResourceInterval, nil, logger)
		guard.Start(ctx)
		opts = append(opts, dispatcher.WithResourceGuard(guard))
	}

	return dispatcher.New(store, b, registry, dispatcher.Config{
		WorkerID:         cfg.App.WorkerID,
		Workers:          dc.Workers,
		BacklogSize:      dc.BacklogSize,
		PollInterval:     dc.PollInterval,
		ReapInterval:     dc.ReapInterval,
		LeaseTTL:         dc.LeaseTTL,
		ExecutionTimeout: dc.ExecutionTimeout,
		Backoff: dispatcher.ExponentialBackoff{
			InitialDelay: dc.RetryBaseDelay,
			MaxDelay:     dc.RetryMaxDelay,
			Multiplier:   2,
		},
	}, logger, opts...)
}

// newEngine wires the notification engine with its senders, rules and the
// breaker-guarded disposition updater. With the queue fallback a drain loop
// runs until ctx is done.
func newEngine(ctx context.Context, b bus.Bus) (*notification.Engine, error) {
	updater, queue, err := status.New(store, cfg.Breaker, logger)
	if err != nil {
		return nil, err
	}
	if queue != nil {
		go queue.Run(ctx, updater, cfg.Breaker.OpenTimeout)
	}

	engine := notification.NewEngine(store, b, updater, notification.OptionsFromConfig(cfg.Notification), logger)
	for channel, sender := range notification.NewSenders(cfg.Notification, logger) {
		engine.RegisterSender(channel, sender)
	}
	if err := engine.LoadRules(cfg.Notification.Rules); err != nil {
		return nil, err
	}
	return engine, nil
}
