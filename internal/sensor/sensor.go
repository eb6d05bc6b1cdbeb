// Package sensor implements the Sensor control loop (spec §4.4): on every
// tick it scans every analyzer currently in the sensing state, honours any
// pending wish, skips analyzers whose input/output types overlap a
// currently running analyzer's footprint, and otherwise recomputes the
// analyzer's sensitivity to decide whether to order a run.
package sensor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ptocore/ptocore/pkg/actionlog"
	"github.com/ptocore/ptocore/pkg/analyzerstate"
	"github.com/ptocore/ptocore/pkg/repomanager"
	"github.com/ptocore/ptocore/pkg/sensitivity"
)

// RepoOpener resolves an analyzer's working directory to its current
// (git_url, git_commit), the same re-read the reference implementation
// does on every check so a manually-updated checkout is picked up without
// requiring a restart.
type RepoOpener func(workingDir string) (gitURL, gitCommit string, err error)

// OpenRepo is the default RepoOpener, backed by pkg/repomanager.
func OpenRepo(workingDir string) (string, string, error) {
	repo, err := repomanager.Open(workingDir)
	if err != nil {
		return "", "", err
	}
	defer repo.Close()

	return repo.URLAndCommit()
}

// Loop is the Sensor control loop's dependencies and behaviour.
type Loop struct {
	Store     analyzerstate.Store
	ActionLog actionlog.Store
	OpenRepo  RepoOpener
	Logger    *slog.Logger
}

// New builds a Loop, defaulting OpenRepo to pkg/repomanager and Logger to
// slog.Default if not set.
func New(store analyzerstate.Store, log actionlog.Store) *Loop {
	return &Loop{Store: store, ActionLog: log, OpenRepo: OpenRepo, Logger: slog.Default()}
}

// Tick runs one scan-and-plan pass over every sensing analyzer.
//
// An analyzer whose output types are in the blocked set, or whose input
// types are in the unstable set (both from BlockedAndUnstableTypes over
// RunningAnalyzers), is skipped for this pass. That gate is the only guard
// against a marked_valid/marked_invalid entry landing while an analyzer
// runs: an in-flight commit is not retried when an upload's validity flips.
func (l *Loop) Tick(ctx context.Context) error {
	l.Logger.Debug("sensor: check for work")

	sensing, err := l.Store.SensingAnalyzers(ctx)
	if err != nil {
		return fmt.Errorf("sensor: listing sensing analyzers: %w", err)
	}

	running, err := l.Store.RunningAnalyzers(ctx)
	if err != nil {
		return fmt.Errorf("sensor: listing running analyzers: %w", err)
	}

	blocked, unstable := analyzerstate.BlockedAndUnstableTypes(running)

	for _, a := range sensing {
		if err := l.tickOne(ctx, a, blocked, unstable); err != nil {
			l.Logger.Warn("sensor: tick failed for analyzer", "analyzer_id", a.ID, "error", err)
		}
	}

	return nil
}

func (l *Loop) tickOne(ctx context.Context, a *analyzerstate.Record, blocked, unstable map[string]struct{}) error {
	honoured, err := analyzerstate.HonourWish(ctx, l.Store, analyzerstate.DomainSensor, a)
	if err != nil {
		return fmt.Errorf("honouring wish: %w", err)
	}

	if honoured {
		l.Logger.Info("sensor: honoured wish", "analyzer_id", a.ID, "wish", a.Wish)

		return nil
	}

	for _, t := range a.OutputTypes {
		if _, ok := blocked[t]; ok {
			l.Logger.Debug("sensor: output blocked", "analyzer_id", a.ID, "type", t)

			return nil
		}
	}

	for _, t := range a.InputTypes {
		if _, ok := unstable[t]; ok {
			l.Logger.Debug("sensor: input unstable", "analyzer_id", a.ID, "type", t)

			return nil
		}
	}

	gitURL, gitCommit, err := l.OpenRepo(a.WorkingDir)
	if err != nil {
		return fmt.Errorf("reading repository info: %w", err)
	}

	loader := &loaderAdapter{actionLog: l.ActionLog}

	actionSet, err := sensitivity.Load(ctx, loader, a.ID, gitURL, gitCommit, a.InputFormats, a.InputTypes)
	if err != nil {
		return fmt.Errorf("loading action set: %w", err)
	}

	hasWork, err := l.hasUnprocessedData(a, actionSet)
	if err != nil {
		return fmt.Errorf("computing sensitivity: %w", err)
	}

	if !hasWork {
		return nil
	}

	l.Logger.Info("sensor: ordering execution", "analyzer_id", a.ID)

	err = analyzerstate.Transition(ctx, l.Store, analyzerstate.DomainSensor, a.ID, analyzerstate.StateSensing, analyzerstate.StatePlanned, nil)
	if err != nil {
		return fmt.Errorf("transitioning to planned: %w", err)
	}

	return nil
}

// hasUnprocessedData dispatches to Direct, Margin, or Basic sensitivity
// depending on the analyzer's shape: direct analyzers always use Direct;
// derived analyzers with a configured SensitivityMargin use the margin
// extension (coalescing bursty input into islands before checking for
// residual work), otherwise plain Basic.
func (l *Loop) hasUnprocessedData(a *analyzerstate.Record, actionSet *sensitivity.ActionSet) (bool, error) {
	if a.IsDirect() {
		return actionSet.HasUnprocessedData(true)
	}

	if a.SensitivityMargin > 0 {
		_, islands := sensitivity.Margin(a.SensitivityMargin, actionSet)

		return len(islands) > 0, nil
	}

	return actionSet.HasUnprocessedData(false)
}

// loaderAdapter implements sensitivity.Loader against an actionlog.Store,
// applying the "same_code" cutoff to output actions: OutputActions is
// already newest-first, so the prefix up to (but not including) the first
// entry whose (git_url, git_commit) differ from the analyzer's current
// values is the surviving run history.
type loaderAdapter struct {
	actionLog actionlog.Store
}

func (l *loaderAdapter) LoadInputActions(ctx context.Context, inputTypes, inputFormats []string) ([]sensitivity.InputAction, error) {
	entries, err := l.actionLog.InputActions(ctx, inputTypes, inputFormats)
	if err != nil {
		return nil, err
	}

	out := make([]sensitivity.InputAction, len(entries))
	for i, e := range entries {
		out[i] = sensitivity.InputAction{ID: e.ID, Action: e.Action, Timespans: e.Timespans, UploadIDs: e.UploadIDs}
	}

	return out, nil
}

func (l *loaderAdapter) LoadOutputActions(ctx context.Context, analyzerID, gitURL, gitCommit string) ([]sensitivity.OutputAction, error) {
	entries, err := l.actionLog.OutputActions(ctx, analyzerID)
	if err != nil {
		return nil, err
	}

	out := make([]sensitivity.OutputAction, 0, len(entries))

	for _, e := range entries {
		if e.GitURL != gitURL || e.GitCommit != gitCommit {
			break
		}

		out = append(out, sensitivity.OutputAction{
			ID:          e.ID,
			GitURL:      e.GitURL,
			GitCommit:   e.GitCommit,
			Timespans:   e.Timespans,
			UploadIDs:   e.UploadIDs,
			MaxActionID: e.MaxActionID,
		})
	}

	return out, nil
}
