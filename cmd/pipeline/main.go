// Command pipeline is the trade ingestion/aggregation/fan-out service of
// spec §1: it wires the storage gateway, trade event bus, both exchange
// ingesters, candle aggregator, WebSocket hub, performance tracker, and
// query server, then drives them through an ordered startup and shutdown.
// Grounded in the teacher's cmd/cryptorun_ref/main.go cobra command tree and
// monitor_main.go's signal-driven graceful shutdown, replacing the teacher's
// scan/pairs/ship command tree (no analogue in this spec's scope) with a
// single serve command plus a migrate command.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/predictmkt/tradefeed/internal/config"
)

const (
	appName = "tradefeed"
	version = "v0.1.0"
)

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("ENV") == "production" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func main() {
	log := newLogger()

	root := &cobra.Command{
		Use:     appName,
		Short:   "Real-time prediction-market trade ingestion and fan-out pipeline",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run backfill, start ingesters, aggregator, hub, and the query server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cfg, log, prometheus.DefaultRegisterer)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the trades/candles/watermarks schema if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runMigrate(cfg, log)
		},
	}

	root.AddCommand(serveCmd, migrateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
