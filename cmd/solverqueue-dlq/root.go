package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rangelab/solverqueue/internal/config"
	"github.com/rangelab/solverqueue/internal/queue"
	"github.com/rangelab/solverqueue/internal/service"
	"github.com/rangelab/solverqueue/internal/store"
	"github.com/rangelab/solverqueue/pkg/log"
)

var rootCmd = &cobra.Command{
	Use:   "solverqueue-dlq",
	Short: "Inspect and recover dead-lettered jobs",
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(retriggerJobCmd)
	rootCmd.AddCommand(retriggerAllCmd)
	rootCmd.AddCommand(clearAllCmd)
}

// newRetriggerService acquires the store and broker connections for one
// command invocation. The returned cleanup releases both.
func newRetriggerService() (*service.RetriggerService, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	logLvl, err := zap.ParseAtomicLevel(cfg.Service.LogLevel)
	if err != nil {
		logLvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger := log.InitLog(logLvl)
	undo := zap.ReplaceGlobals(logger)

	db, err := store.InitDB(cfg)
	if err != nil {
		undo()
		return nil, nil, err
	}
	s := store.NewStore(db)

	broker, err := queue.NewAMQPBroker(cfg.Broker.URL, cfg.Broker.Prefetch)
	if err != nil {
		_ = s.Close()
		undo()
		return nil, nil, err
	}

	cleanup := func() {
		_ = broker.Close()
		_ = s.Close()
		_ = logger.Sync()
		undo()
	}
	return service.NewRetriggerService(s, broker), cleanup, nil
}
