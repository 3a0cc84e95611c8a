package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent batch runs",
		RunE:  runStatus,
	}
	cmd.Flags().Int("limit", 10, "Number of runs to show")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := a.repos.Runs.Recent(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("load recent runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSTATUS\tPORTFOLIOS\tCOVERAGE\tELAPSED\tRUN ID")
	for _, run := range runs {
		elapsed := "-"
		if run.FinishedAt != nil {
			elapsed = run.FinishedAt.Sub(run.StartedAt).Truncate(1e8).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.1f%%\t%s\t%s\n",
			run.Date.Format("2006-01-02"), run.Status, run.Portfolios,
			run.DataCoverage*100, elapsed, run.RunID)
	}
	return w.Flush()
}
