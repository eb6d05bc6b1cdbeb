// Package validator implements the Validator control loop (spec §4.6):
// the only writer of the action log. On every tick it drives executed
// analyzers through validate-then-commit, assigns action ids to newly
// complete uploads, and drains admin-initiated validate_upload requests,
// in that order.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ptocore/ptocore/pkg/actionlog"
	"github.com/ptocore/ptocore/pkg/analyzerstate"
	"github.com/ptocore/ptocore/pkg/commit"
	"github.com/ptocore/ptocore/pkg/config"
	"github.com/ptocore/ptocore/pkg/repomanager"
	"github.com/ptocore/ptocore/pkg/timeline"
	"github.com/ptocore/ptocore/pkg/validation"
)

// UploadMetadata mirrors store.UploadMetadata without importing pkg/store,
// the same boundary analyzerstate.Span draws against actionlog.Span.
type UploadMetadata struct {
	UploadID   string
	Format     string
	Start      time.Time
	Stop       time.Time
	UploadedAt time.Time
}

// MetadataStore is the concrete stand-in this repo owns for the "external
// metadata store" the spec treats as out of scope (§1 Non-goals); the
// Validator only needs to read uploads awaiting an action id and stamp
// one back, or flip an upload's valid flag.
type MetadataStore interface {
	PendingUploads(ctx context.Context) ([]UploadMetadata, error)
	StampActionID(ctx context.Context, uploadID string, actionID int64) error
	SetValid(ctx context.Context, uploadID string, valid bool) error
}

// ValidateRequest is an admin-initiated request to flip an upload's valid
// flag, mirroring store.ValidateRequest.
type ValidateRequest struct {
	ID       int64
	UploadID string
	Valid    bool
}

// RequestStore is the admin-request queue the Validator drains on every
// tick.
type RequestStore interface {
	PendingValidateRequests(ctx context.Context) ([]ValidateRequest, error)
	MarkValidateRequestHandled(ctx context.Context, id int64) error
}

// RepoOpener opens the working directory of an executing analyzer so its
// (git_url, git_commit) provenance can be stamped on the commit.
type RepoOpener func(workingDir string) (repomanager.Repository, error)

// OpenRepo is the default RepoOpener, backed by pkg/repomanager.
func OpenRepo(workingDir string) (repomanager.Repository, error) {
	return repomanager.Open(workingDir)
}

// Loop is the Validator control loop's dependencies and behaviour.
type Loop struct {
	AnalyzerStore  analyzerstate.Store
	ActionLog      actionlog.Store
	Metadata       MetadataStore
	Requests       RequestStore
	ScopedStore    func(scope string) commit.Store
	Resume         commit.ResumeStore
	OpenRepo       RepoOpener
	ValueCheck     validation.Registry
	UploadFilter   config.UploadFilter
	AbortMaxErrors int
	Logger         *slog.Logger
}

// New builds a Loop, defaulting OpenRepo to pkg/repomanager, Logger to
// slog.Default, and AbortMaxErrors to a permissive ceiling.
func New(analyzers analyzerstate.Store, log actionlog.Store, metadata MetadataStore, requests RequestStore, scoped func(scope string) commit.Store) *Loop {
	return &Loop{
		AnalyzerStore:  analyzers,
		ActionLog:      log,
		Metadata:       metadata,
		Requests:       requests,
		ScopedStore:    scoped,
		OpenRepo:       OpenRepo,
		AbortMaxErrors: 100,
		Logger:         slog.Default(),
	}
}

// Tick runs the Validator's three duties, in the order the reference
// implementation's check_for_work does: committing executed analyzers
// first (so their freshly minted action ids are visible to anything else
// this tick touches), then admitting new uploads, then draining admin
// requests.
func (l *Loop) Tick(ctx context.Context) error {
	l.Logger.Debug("validator: check for work")

	if err := l.driveExecutedAnalyzers(ctx); err != nil {
		l.Logger.Warn("validator: driving executed analyzers", "error", err)
	}

	if err := l.assignActionIDsToUploads(ctx); err != nil {
		l.Logger.Warn("validator: assigning action ids to uploads", "error", err)
	}

	if err := l.processValidateRequests(ctx); err != nil {
		l.Logger.Warn("validator: processing validate requests", "error", err)
	}

	return nil
}

// ResumePendingCommits scans every analyzer stuck in the validating state
// for a commit interrupted after its action log entry landed but before
// its scratch scope was dropped, and finishes that cleanup idempotently.
// It is meant to run once, on boot, before the first Tick: driveOne would
// otherwise re-validate and re-append a second action log entry for work
// that already fully committed.
func (l *Loop) ResumePendingCommits(ctx context.Context) error {
	if l.Resume == nil {
		return nil
	}

	running, err := l.AnalyzerStore.RunningAnalyzers(ctx)
	if err != nil {
		return fmt.Errorf("listing running analyzers: %w", err)
	}

	for _, a := range running {
		if a.State != analyzerstate.StateValidating || a.ExecutionResult == nil {
			continue
		}

		if err := l.resumeOne(ctx, a); err != nil {
			l.Logger.Warn("validator: resuming pending commit failed", "analyzer_id", a.ID, "error", err)
		}
	}

	return nil
}

func (l *Loop) resumeOne(ctx context.Context, a *analyzerstate.Record) error {
	entries, err := l.ActionLog.OutputActions(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("listing action log entries: %w", err)
	}

	if len(entries) == 0 || entries[0].ID == a.ActionID {
		// nothing new has been appended for this analyzer since its
		// last known successful commit; there is no interrupted commit
		// to resume.
		return nil
	}

	actionID := entries[0].ID

	resumed, err := commit.ResumePending(ctx, l.Resume, a.ID, a.ExecutionResult.ScratchScope, actionID)
	if err != nil {
		return fmt.Errorf("checking resumability: %w", err)
	}

	if !resumed {
		return nil
	}

	err = analyzerstate.Transition(ctx, l.AnalyzerStore, analyzerstate.DomainValidator, a.ID, analyzerstate.StateValidating, analyzerstate.StateSensing, func(r *analyzerstate.Record) {
		r.ActionID = actionID
		r.ExecutionResult = nil
	})
	if err != nil {
		return fmt.Errorf("transitioning to sensing: %w", err)
	}

	l.Logger.Info("validator: resumed interrupted commit", "analyzer_id", a.ID, "action_id", actionID)

	return nil
}

func (l *Loop) driveExecutedAnalyzers(ctx context.Context) error {
	executed, err := l.AnalyzerStore.ExecutedAnalyzers(ctx)
	if err != nil {
		return fmt.Errorf("listing executed analyzers: %w", err)
	}

	for _, a := range executed {
		if err := l.driveOne(ctx, a); err != nil {
			l.Logger.Warn("validator: driving analyzer failed", "analyzer_id", a.ID, "error", err)
		}
	}

	return nil
}

// driveOne validates and commits one executed analyzer's scratch output,
// dispatching to direct or normal commit based on which of
// timespans/upload_ids its execution result populated.
func (l *Loop) driveOne(ctx context.Context, a *analyzerstate.Record) error {
	honoured, err := analyzerstate.HonourWish(ctx, l.AnalyzerStore, analyzerstate.DomainValidator, a)
	if err != nil {
		return fmt.Errorf("honouring wish: %w", err)
	}

	if honoured {
		l.Logger.Info("validator: honoured wish", "analyzer_id", a.ID, "wish", a.Wish)

		return nil
	}

	res := a.ExecutionResult
	if res == nil {
		return l.toError(ctx, a.ID, analyzerstate.StateExecuted, "no execution result recorded")
	}

	hasTimespans := len(res.Timespans) > 0
	hasUploads := len(res.UploadIDs) > 0

	if hasTimespans == hasUploads {
		return l.toError(ctx, a.ID, analyzerstate.StateExecuted, "execution result must carry exactly one of timespans or upload_ids")
	}

	if err := analyzerstate.Transition(ctx, l.AnalyzerStore, analyzerstate.DomainValidator, a.ID, analyzerstate.StateExecuted, analyzerstate.StateValidating, nil); err != nil {
		return fmt.Errorf("transitioning to validating: %w", err)
	}

	l.Logger.Info("validator: validating and committing", "analyzer_id", a.ID)

	repo, err := l.OpenRepo(a.WorkingDir)
	if err != nil {
		return l.toError(ctx, a.ID, analyzerstate.StateValidating, fmt.Sprintf("opening repository: %v", err))
	}
	defer repo.Close()

	cctx := commit.Context{
		Store:      l.ScopedStore(res.ScratchScope),
		ActionLog:  l.ActionLog,
		Repo:       repo,
		ValueCheck: l.ValueCheck,
	}

	var result commit.Result

	if hasUploads {
		result, err = commit.DirectOK(ctx, cctx, a.ID, res.UploadIDs, res.MaxActionID, a.OutputTypes, l.AbortMaxErrors)
	} else {
		result, err = commit.NormalOK(ctx, cctx, a.ID, spansToIntervals(res.Timespans), res.MaxActionID, a.OutputTypes, l.AbortMaxErrors)
	}

	if err != nil {
		var verr *commit.ErrValidation
		if errors.As(err, &verr) {
			return l.toError(ctx, a.ID, analyzerstate.StateValidating, verr.Error())
		}

		return fmt.Errorf("committing: %w", err)
	}

	l.Logger.Info("validator: committed analyzer run", "analyzer_id", a.ID, "action_id", result.ActionID,
		"inserted", result.Inserted, "kept", result.Kept, "deprecated", result.Deprecated)

	err = analyzerstate.Transition(ctx, l.AnalyzerStore, analyzerstate.DomainValidator, a.ID, analyzerstate.StateValidating, analyzerstate.StateSensing, func(r *analyzerstate.Record) {
		r.ActionID = result.ActionID
		r.ExecutionResult = nil
	})
	if err != nil {
		return fmt.Errorf("transitioning to sensing: %w", err)
	}

	return nil
}

func (l *Loop) toError(ctx context.Context, analyzerID string, from analyzerstate.State, reason string) error {
	if err := analyzerstate.TransitionToError(ctx, l.AnalyzerStore, analyzerstate.DomainValidator, analyzerID, from, reason); err != nil {
		return fmt.Errorf("transitioning to error: %w", err)
	}

	l.Logger.Error("validator: analyzer errored", "analyzer_id", analyzerID, "reason", reason)

	return nil
}

func spansToIntervals(spans []analyzerstate.Span) []timeline.Interval {
	out := make([]timeline.Interval, len(spans))
	for i, sp := range spans {
		out[i] = timeline.Interval{Start: time.Unix(0, sp.Start), End: time.Unix(0, sp.End)}
	}

	return out
}

// assignActionIDsToUploads allocates the next action id for every complete
// upload that lacks one and passes the configured admission filter,
// appending a matching upload action log entry.
func (l *Loop) assignActionIDsToUploads(ctx context.Context) error {
	pending, err := l.Metadata.PendingUploads(ctx)
	if err != nil {
		return fmt.Errorf("listing pending uploads: %w", err)
	}

	now := time.Now()

	for _, m := range pending {
		if !l.admits(m, now) {
			continue
		}

		actionID, err := l.ActionLog.Append(ctx, actionlog.NewEntry{
			Action:        actionlog.ActionUpload,
			Timespans:     []actionlog.Span{{Start: m.Start, End: m.Stop}},
			UploadIDs:     []string{m.UploadID},
			OutputFormats: []string{m.Format},
		})
		if err != nil {
			return fmt.Errorf("appending upload action log entry: %w", err)
		}

		if err := l.Metadata.StampActionID(ctx, m.UploadID, actionID); err != nil {
			return fmt.Errorf("stamping action id onto upload %s: %w", m.UploadID, err)
		}

		l.Logger.Info("validator: assigned action id to upload", "upload_id", m.UploadID, "action_id", actionID)
	}

	return nil
}

func (l *Loop) admits(m UploadMetadata, now time.Time) bool {
	for _, excluded := range l.UploadFilter.Excluded {
		if excluded == m.Format {
			return false
		}
	}

	if len(l.UploadFilter.Formats) > 0 {
		allowed := false

		for _, f := range l.UploadFilter.Formats {
			if f == m.Format {
				allowed = true

				break
			}
		}

		if !allowed {
			return false
		}
	}

	if l.UploadFilter.MinAge > 0 && now.Sub(m.UploadedAt) < l.UploadFilter.MinAge {
		return false
	}

	return true
}

// processValidateRequests drains every pending admin validate_upload
// request, flipping the upload's valid flag and logging the flip so
// downstream sensitivity recomputes.
func (l *Loop) processValidateRequests(ctx context.Context) error {
	pending, err := l.Requests.PendingValidateRequests(ctx)
	if err != nil {
		return fmt.Errorf("listing validate requests: %w", err)
	}

	for _, req := range pending {
		if err := l.fulfil(ctx, req); err != nil {
			l.Logger.Warn("validator: fulfilling validate request failed", "upload_id", req.UploadID, "error", err)

			continue
		}

		if err := l.Requests.MarkValidateRequestHandled(ctx, req.ID); err != nil {
			return fmt.Errorf("marking validate request %d handled: %w", req.ID, err)
		}
	}

	return nil
}

func (l *Loop) fulfil(ctx context.Context, req ValidateRequest) error {
	uploadEntry, ok, err := l.ActionLog.UploadAction(ctx, req.UploadID)
	if err != nil {
		return fmt.Errorf("looking up upload action: %w", err)
	}

	if !ok {
		return fmt.Errorf("upload %s has no upload action in the action log", req.UploadID)
	}

	if err := l.Metadata.SetValid(ctx, req.UploadID, req.Valid); err != nil {
		return fmt.Errorf("setting upload valid flag: %w", err)
	}

	action := actionlog.ActionMarkedValid
	if !req.Valid {
		action = actionlog.ActionMarkedInvalid
	}

	entry := actionlog.NewEntry{
		Action:        action,
		UploadIDs:     []string{req.UploadID},
		Timespans:     uploadEntry.Timespans,
		OutputFormats: uploadEntry.OutputFormats,
	}

	if _, err := l.ActionLog.Append(ctx, entry); err != nil {
		return fmt.Errorf("appending %s entry: %w", action, err)
	}

	l.Logger.Info("validator: fulfilled validate request", "upload_id", req.UploadID, "valid", req.Valid)

	return nil
}
