// Package main provides the ptosensor daemon entry point: the Sensor
// control loop that scans sensing analyzers and plans their next execution.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ptocore/ptocore/internal/daemonutil"
	"github.com/ptocore/ptocore/internal/sensor"
	"github.com/ptocore/ptocore/pkg/config"
	"github.com/ptocore/ptocore/pkg/observability"
	"github.com/ptocore/ptocore/pkg/store"
	"github.com/ptocore/ptocore/pkg/version"
)

var configPaths []string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ptosensor",
		Short:         "ptosensor runs the Sensor control loop",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	rootCmd.PersistentFlags().StringArrayVarP(&configPaths, "config", "c", nil, "path to a YAML config file (repeatable, later files win)")
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPaths...)
	if err != nil {
		return err
	}

	providers, err := observability.Init(observability.Config{
		ServiceName: "ptosensor",
		Environment: cfg.Observability.Environment,
		Mode:        observability.ModeSensor,
		LogLevel:    daemonutil.ParseLevel(cfg.Observability.LogLevel),
		LogFormat:   cfg.Observability.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("ptosensor: initializing observability: %w", err)
	}

	ctx, cancel := daemonutil.NotifyContext()
	defer cancel()

	defer func() { _ = providers.Shutdown(cmd.Context()) }()

	shutdownMetrics := daemonutil.ServeMetrics(ctx, providers.Logger, cfg.Observability.MetricsAddr, providers.Handler)
	defer func() { _ = shutdownMetrics(ctx) }()

	db, err := store.Open(ctx, cfg.Datastore.Path)
	if err != nil {
		return fmt.Errorf("ptosensor: opening datastore: %w", err)
	}
	defer db.Close()

	loop := sensor.New(db, db)
	loop.Logger = providers.Logger

	return daemonutil.Run(ctx, providers.Logger, "sensor", cfg.Sensor.TickInterval, loop.Tick)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "ptosensor %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
