// Package main provides ptoctl, a read-only inspector for a ptocore
// datastore: it never mutates analyzer state, a local debugging companion
// to the admin surface proper (out of scope here).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ptocore/ptocore/pkg/analyzerstate"
	"github.com/ptocore/ptocore/pkg/config"
	"github.com/ptocore/ptocore/pkg/store"
	"github.com/ptocore/ptocore/pkg/version"
)

var configPaths []string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ptoctl",
		Short:         "ptoctl inspects a ptocore datastore (read-only)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringArrayVarP(&configPaths, "config", "c", nil, "path to a YAML config file (repeatable, later files win)")
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List every registered analyzer and its current state",
		RunE:  runStatus,
	}
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPaths...)
	if err != nil {
		return err
	}

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.Datastore.Path)
	if err != nil {
		return fmt.Errorf("ptoctl: opening datastore: %w", err)
	}
	defer db.Close()

	records, err := db.AllAnalyzers(ctx)
	if err != nil {
		return fmt.Errorf("ptoctl: listing analyzers: %w", err)
	}

	printStatusTable(records)

	return nil
}

func printStatusTable(records []*analyzerstate.Record) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"ID", "State", "Wish", "Action ID", "Error"})

	for _, r := range records {
		tbl.AppendRow(table.Row{r.ID, colorState(r.State), wishOrDash(r.Wish), humanize.Comma(r.ActionID), errorSummary(r.Error)})
	}

	tbl.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%s analyzers", humanize.Comma(int64(len(records))))})

	tbl.Render()
}

func colorState(s analyzerstate.State) string {
	switch s {
	case analyzerstate.StateError:
		return color.New(color.FgRed).Sprint(s)
	case analyzerstate.StateExecuting, analyzerstate.StateValidating, analyzerstate.StatePlanned:
		return color.New(color.FgYellow).Sprint(s)
	case analyzerstate.StateDisabled:
		return color.New(color.FgHiBlack).Sprint(s)
	default:
		return color.New(color.FgGreen).Sprint(s)
	}
}

func wishOrDash(w analyzerstate.Wish) string {
	if w == analyzerstate.WishNone {
		return "-"
	}

	return color.New(color.FgCyan).Sprint(string(w))
}

func errorSummary(e *analyzerstate.ErrorInfo) string {
	if e == nil {
		return "-"
	}

	return fmt.Sprintf("[%s] %s", e.Domain, e.Reason)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "ptoctl %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

