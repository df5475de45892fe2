package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
	"github.com/rangelab/solverqueue/internal/compute"
	"github.com/rangelab/solverqueue/internal/config"
	"github.com/rangelab/solverqueue/internal/queue"
	"github.com/rangelab/solverqueue/internal/store"
	"github.com/rangelab/solverqueue/internal/worker"
	"github.com/rangelab/solverqueue/pkg/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the solverqueue worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logLvl, err := zap.ParseAtomicLevel(cfg.Service.LogLevel)
		if err != nil {
			logLvl = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
		logger := log.InitLog(logLvl)
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("Starting worker service")
		defer zap.S().Info("Worker service stopped")

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		zap.S().Info("Connecting to broker")
		broker, err := queue.NewAMQPBroker(cfg.Broker.URL, cfg.Broker.Prefetch)
		if err != nil {
			zap.S().Fatalf("connecting to broker: %v", err)
		}
		defer broker.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		if err := broker.DeclareTopology(ctx); err != nil {
			zap.S().Fatalf("declaring queue topology: %v", err)
		}

		registry := compute.NewRegistry()
		if cfg.Worker.SpotEngine != "" {
			if err := registry.Register(api.JobTypeSpotSimulation, compute.EngineFunc(cfg.Worker.SpotEngine)); err != nil {
				return err
			}
		}
		if cfg.Worker.SolverEngine != "" {
			if err := registry.Register(api.JobTypeSolverAnalysis, compute.EngineFunc(cfg.Worker.SolverEngine)); err != nil {
				return err
			}
		}
		if len(registry.Types()) == 0 {
			return errors.New("no compute engines configured, nothing to consume")
		}

		pool := worker.NewPool(s, broker, registry, cfg.Worker.Concurrency, cfg.Broker.MaxAttempts, cfg.Broker.RetryBackoff)
		if err := pool.Run(ctx); err != nil {
			// broker-level failures are fatal: exit and let the process
			// supervisor restart us
			zap.S().Fatalf("worker pool: %v", err)
		}

		return nil
	},
}
