// Package main provides the ptovalidator daemon entry point: the Validator
// control loop, the only writer of the action log.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ptocore/ptocore/internal/daemonutil"
	"github.com/ptocore/ptocore/internal/validator"
	"github.com/ptocore/ptocore/internal/valuechecks"
	"github.com/ptocore/ptocore/pkg/commit"
	"github.com/ptocore/ptocore/pkg/config"
	"github.com/ptocore/ptocore/pkg/observability"
	"github.com/ptocore/ptocore/pkg/store"
	"github.com/ptocore/ptocore/pkg/version"
)

var configPaths []string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ptovalidator",
		Short:         "ptovalidator runs the Validator control loop",
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
		ServiceName: "ptovalidator",
		Environment: cfg.Observability.Environment,
		Mode:        observability.ModeValidator,
		LogLevel:    daemonutil.ParseLevel(cfg.Observability.LogLevel),
		LogFormat:   cfg.Observability.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("ptovalidator: initializing observability: %w", err)
	}

	ctx, cancel := daemonutil.NotifyContext()
	defer cancel()

	defer func() { _ = providers.Shutdown(cmd.Context()) }()

	shutdownMetrics := daemonutil.ServeMetrics(ctx, providers.Logger, cfg.Observability.MetricsAddr, providers.Handler)
	defer func() { _ = shutdownMetrics(ctx) }()

	db, err := store.Open(ctx, cfg.Datastore.Path)
	if err != nil {
		return fmt.Errorf("ptovalidator: opening datastore: %w", err)
	}
	defer db.Close()

	loop := validator.New(db, db, metadataAdapter{db}, requestAdapter{db}, func(scope string) commit.Store { return db.Scoped(scope) })
	loop.Logger = providers.Logger
	loop.ValueCheck = valuechecks.Registry
	loop.UploadFilter = cfg.Validator.UploadFilter
	loop.AbortMaxErrors = cfg.Validator.AbortMaxErrors
	loop.Resume = db

	if err := loop.ResumePendingCommits(ctx); err != nil {
		return fmt.Errorf("ptovalidator: resuming pending commits: %w", err)
	}

	return daemonutil.Run(ctx, providers.Logger, "validator", cfg.Validator.TickInterval, loop.Tick)
}

// metadataAdapter narrows *store.DB to validator.MetadataStore, translating
// between store.UploadMetadata's field names and validator.UploadMetadata's.
type metadataAdapter struct {
	db *store.DB
}

func (m metadataAdapter) PendingUploads(ctx context.Context) ([]validator.UploadMetadata, error) {
	rows, err := m.db.PendingUploads(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]validator.UploadMetadata, len(rows))
	for i, r := range rows {
		out[i] = validator.UploadMetadata{
			UploadID:   r.UploadID,
			Format:     r.Format,
			Start:      r.StartTime,
			Stop:       r.StopTime,
			UploadedAt: r.UploadedAt,
		}
	}

	return out, nil
}

func (m metadataAdapter) StampActionID(ctx context.Context, uploadID string, actionID int64) error {
	return m.db.StampUploadActionID(ctx, uploadID, actionID)
}

func (m metadataAdapter) SetValid(ctx context.Context, uploadID string, valid bool) error {
	return m.db.SetUploadValid(ctx, uploadID, valid)
}

// requestAdapter narrows *store.DB to validator.RequestStore.
type requestAdapter struct {
	db *store.DB
}

func (r requestAdapter) PendingValidateRequests(ctx context.Context) ([]validator.ValidateRequest, error) {
	rows, err := r.db.PendingValidateRequests(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]validator.ValidateRequest, len(rows))
	for i, row := range rows {
		out[i] = validator.ValidateRequest{ID: row.ID, UploadID: row.UploadID, Valid: row.Valid}
	}

	return out, nil
}

func (r requestAdapter) MarkValidateRequestHandled(ctx context.Context, id int64) error {
	return r.db.MarkValidateRequestHandled(ctx, id)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "ptovalidator %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
