package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfolio/quantfolio/internal/opsserver"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run on the configured schedule with the ops HTTP server",
		Long: `Starts the ops server (/health, /metrics, /runs) and triggers a backfill
run on the cron schedule from config. The daemon exits cleanly on SIGINT or
SIGTERM, letting an in-flight run finish.`,
		RunE: runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := opsserver.New(a.cfg.Ops.ListenAddr, a.repos.Runs, a.registry, log.Logger)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	scheduler := cron.New()
	_, err = scheduler.AddFunc(a.cfg.Pipeline.CronSchedule, func() {
		if err := a.orch.RunBackfill(ctx, time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("scheduled run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", a.cfg.Pipeline.CronSchedule, err)
	}
	scheduler.Start()
	log.Info().Str("schedule", a.cfg.Pipeline.CronSchedule).
		Str("ops_addr", a.cfg.Ops.ListenAddr).Msg("daemon started")

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	// Stop scheduling, let a running job drain, then stop the server.
	<-scheduler.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown failed")
	}
	log.Info().Msg("daemon stopped")
	return nil
}
