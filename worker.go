package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run contact import workers without the HTTP API",
	Long: `Claim and run pending contact import jobs.

Any number of workers may share one database; each job is claimed by exactly
one of them. Jobs left in progress by a crashed process are re-claimed once
their heartbeat is older than sync.job_stale_after.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		a.logger.Info("Starting import worker",
			zap.Int("concurrency", a.cfg.Sync.WorkerConcurrency),
			zap.Duration("poll_interval", a.cfg.Sync.PollInterval))

		if err := a.newDispatcher().Run(ctx); err != nil {
			return err
		}
		a.logger.Info("Import worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
