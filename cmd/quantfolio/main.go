package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "quantfolio"
	version = "v1.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Portfolio analytics batch pipeline",
		Version: version,
		Long: `Quantfolio computes daily portfolio snapshots, factor exposures,
volatility, correlation structure, and stress tests over cached market data.

The batch is idempotent per date: re-running a day replaces its outputs.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			if parsed, err := zerolog.ParseLevel(level); err == nil {
				zerolog.SetGlobalLevel(parsed)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")
	// Accept underscore flag spellings (--log_level) alongside dashes.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.AddCommand(newRunCmd(), newStatusCmd(), newDaemonCmd(), newCloseCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
