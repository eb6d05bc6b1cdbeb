// Package main provides the ptosupervisor daemon entry point: the
// Supervisor control loop plus the socket server analyzer subprocesses dial
// back into while they run.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ptocore/ptocore/internal/daemonutil"
	"github.com/ptocore/ptocore/internal/supervisor"
	"github.com/ptocore/ptocore/pkg/config"
	"github.com/ptocore/ptocore/pkg/observability"
	"github.com/ptocore/ptocore/pkg/store"
	"github.com/ptocore/ptocore/pkg/version"
)

var configPaths []string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ptosupervisor",
		Short:         "ptosupervisor runs the Supervisor control loop and socket server",
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
		ServiceName: "ptosupervisor",
		Environment: cfg.Observability.Environment,
		Mode:        observability.ModeSupervisor,
		LogLevel:    daemonutil.ParseLevel(cfg.Observability.LogLevel),
		LogFormat:   cfg.Observability.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("ptosupervisor: initializing observability: %w", err)
	}

	ctx, cancel := daemonutil.NotifyContext()
	defer cancel()

	defer func() { _ = providers.Shutdown(cmd.Context()) }()

	shutdownMetrics := daemonutil.ServeMetrics(ctx, providers.Logger, cfg.Observability.MetricsAddr, providers.Handler)
	defer func() { _ = shutdownMetrics(ctx) }()

	db, err := store.Open(ctx, cfg.Datastore.Path)
	if err != nil {
		return fmt.Errorf("ptosupervisor: opening datastore: %w", err)
	}
	defer db.Close()

	sup := supervisor.New(supervisor.Config{
		Analyzers:         db,
		Registrar:         db,
		ListScratchScopes: db.ScratchScopes,
		DropScratchScope: func(ctx context.Context, scope string) error {
			return db.Scoped(scope).ScratchDrop(ctx)
		},
		ScratchBaseDir:  cfg.Supervisor.ScratchBaseDir,
		Host:            cfg.Supervisor.Host,
		Port:            cfg.Supervisor.Port,
		SpawnRateWindow: cfg.Supervisor.SpawnRateWindow,
		SpawnRateMax:    cfg.Supervisor.SpawnRateMax,
		Logger:          providers.Logger,
	})

	if err := sup.CleanupOrphans(ctx); err != nil {
		providers.Logger.Warn("ptosupervisor: startup cleanup failed", "error", err)
	}

	serveErrCh := make(chan error, 1)

	go func() { serveErrCh <- sup.Serve(ctx) }()

	if err := daemonutil.Run(ctx, providers.Logger, "supervisor", cfg.Supervisor.TickInterval, sup.Tick); err != nil {
		return err
	}

	return <-serveErrCh
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "ptosupervisor %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
