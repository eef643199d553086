package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "FnORun"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "fnorun",
		Short:   "Intraday F&O entry scanner and position tracker",
		Version: version,
		Long: `FnORun runs one intraday options session: it waits for the entry
trigger, scans the configured universe against the previous day's levels,
opens ATM option positions for the qualified set, and tracks PnL until
the session ends. All provider traffic is held under the broker's
per-second, per-minute and per-day call ceilings.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a trading session",
		Long:  "Start the session: lot refresh, entry scan at the trigger time, then continuous PnL monitoring until interrupted",
		RunE:  runSession,
	}
	runCmd.Flags().String("config", "config.yaml", "Path to the session config file")
	runCmd.Flags().Bool("live", false, "Place real orders instead of simulated fills")
	runCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090), empty disables")

	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
