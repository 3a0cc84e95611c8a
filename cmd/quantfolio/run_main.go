package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfolio/quantfolio/internal/calendar"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the batch for one date or backfill the gap",
		Long: `Runs the daily batch. Without --date, every trading day since the last
completed run is processed in order (capped by max_backfill_days). With
--date, exactly that trading day is processed.`,
		RunE: runBatch,
	}
	cmd.Flags().String("date", "", "Calculation date (YYYY-MM-DD); empty means backfill to today")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rawDate, _ := cmd.Flags().GetString("date")
	if rawDate == "" {
		return a.orch.RunBackfill(ctx, time.Now().UTC())
	}

	day, err := time.Parse("2006-01-02", rawDate)
	if err != nil {
		return fmt.Errorf("invalid --date %q: %w", rawDate, err)
	}
	if !calendar.IsTradingDay(day) {
		return fmt.Errorf("%s is not a trading day", rawDate)
	}

	run, err := a.orch.Run(ctx, day)
	if err != nil {
		return err
	}
	log.Info().Str("run_id", run.RunID).Str("status", string(run.Status)).Msg("run finished")
	return nil
}
