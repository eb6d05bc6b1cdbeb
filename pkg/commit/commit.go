// Package commit implements the observation commit pipeline: reconciling a
// scratch collection of freshly derived observations against the durable
// output collection, so that re-running an analyzer over the same ground
// truth produces the same committed observations (hash-identified
// counterparts are kept, not reinserted) while genuinely new or vanished
// observations are inserted or marked invalid.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"

	"github.com/ptocore/ptocore/pkg/actionlog"
	"github.com/ptocore/ptocore/pkg/observation"
	"github.com/ptocore/ptocore/pkg/repomanager"
	"github.com/ptocore/ptocore/pkg/timeline"
	"github.com/ptocore/ptocore/pkg/validation"
)

// maxBulkOps bounds how many write operations one bulk request carries, the
// same ceiling the reference implementation chunks its bulk_write calls to.
const maxBulkOps = 1000

// CandidateQuery selects the output collection rows that might have a
// counterpart among the current batch of scratch observations: every
// observation this analyzer has ever produced whose evidence overlaps what
// it just reprocessed.
type CandidateQuery struct {
	AnalyzerID      string
	UploadActionIDs []int64 // direct mode: observations sourced from one of these uploads.
	Timespans       []timeline.Interval // normal mode: observations whose time falls in one of these spans.
}

// OutputOpKind discriminates the three mutations perform_commit applies to
// the output collection.
type OutputOpKind int

// Recognised output ops.
const (
	OutputOpInsert OutputOpKind = iota
	OutputOpPopIfStillInvalidated
	OutputOpPushValid
)

// OutputOp is one write against the output collection, queued through the
// batcher before being flushed as a bulk write.
type OutputOp struct {
	Kind   OutputOpKind
	Insert *observation.Observation

	// OutputID, ActionID apply to OutputOpPopIfStillInvalidated and
	// OutputOpPushValid.
	OutputID string
	ActionID int64
}

// Store is the datastore surface the commit pipeline runs against. A
// concrete Store (see pkg/store) backs the temporary scratch collection
// and the durable output collection with real persistence; this package
// only orchestrates the reconciliation.
type Store interface {
	// ScratchAll returns every observation currently staged for commit.
	ScratchAll(ctx context.Context) ([]*observation.Observation, error)
	// ScratchMarkCounterpart records that scratchID's counterpart in the
	// output collection is outputID, ahead of the commit write pass.
	ScratchMarkCounterpart(ctx context.Context, scratchID, outputID string) error
	// ScratchDrop discards the scratch collection once committed.
	ScratchDrop(ctx context.Context) error

	// OutputFindCandidates returns every previously committed observation
	// that might have a counterpart in the current scratch batch.
	OutputFindCandidates(ctx context.Context, q CandidateQuery) ([]*observation.Observation, error)
	// OutputPushInvalidate pushes a {action_id, valid: false} entry onto
	// every id in ids whose current head entry is valid, returning how
	// many were modified.
	OutputPushInvalidate(ctx context.Context, ids []string, actionID int64) (int, error)
	// OutputBulkApply applies a batch of OutputOp mutations atomically
	// enough that a crash mid-batch leaves no op half-applied.
	OutputBulkApply(ctx context.Context, ops []OutputOp) error
}

// ErrValidation wraps the accumulated validation errors that prevented a
// commit from proceeding.
type ErrValidation struct {
	ValidCount int
	Errors     []*validation.Error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("commit: validation failed: %d valid, %d errors", e.ValidCount, len(e.Errors))
}

// Result is the outcome of a successful commit.
type Result struct {
	ActionID   int64
	ValidCount int
	Inserted   int
	Kept       int
	Deprecated int
}

// Context bundles the dependencies a single commit call needs beyond its
// own arguments: the backing store, the action log, the repository the
// analyzer ran against (for provenance), and the registered per-condition
// value checks.
type Context struct {
	Store      Store
	ActionLog  actionlog.Store
	Repo       repomanager.Repository
	ValueCheck validation.Registry
}

// NormalOK runs the full validate-then-commit pipeline for a derived
// analyzer: timespans names the ground the analyzer claims to have
// re-examined.
func NormalOK(ctx context.Context, c Context, analyzerID string, timespans []timeline.Interval, maxActionID int64, outputTypes []string, abortMaxErrors int) (Result, error) {
	gitURL, gitCommit, err := repoInfo(c.Repo, analyzerID)
	if err != nil {
		return Result{}, err
	}

	obs, err := c.Store.ScratchAll(ctx)
	if err != nil {
		return Result{}, err
	}

	vres := validation.Validate(analyzerID, timespans, outputTypes, obs, c.ValueCheck, abortMaxErrors)
	if len(vres.Errors) > 0 {
		return Result{}, &ErrValidation{ValidCount: vres.ValidCount, Errors: vres.Errors}
	}

	query := CandidateQuery{AnalyzerID: analyzerID, Timespans: timespans}

	return performCommit(ctx, c, analyzerID, outputTypes, timespans, nil, maxActionID, gitURL, gitCommit, query, vres.ValidCount)
}

// DirectOK runs the full validate-then-commit pipeline for a direct
// analyzer: uploadIDs names the uploads the analyzer claims to have
// re-examined, and their action-log timespans are looked up here.
func DirectOK(ctx context.Context, c Context, analyzerID string, uploadIDs []string, maxActionID int64, outputTypes []string, abortMaxErrors int) (Result, error) {
	gitURL, gitCommit, err := repoInfo(c.Repo, analyzerID)
	if err != nil {
		return Result{}, err
	}

	uploadActionIDs, timespans, err := ActionIDsTimespansFromUploads(ctx, c.ActionLog, uploadIDs)
	if err != nil {
		return Result{}, err
	}

	obs, err := c.Store.ScratchAll(ctx)
	if err != nil {
		return Result{}, err
	}

	vres := validation.Validate(analyzerID, timespans, outputTypes, obs, c.ValueCheck, abortMaxErrors)
	if len(vres.Errors) > 0 {
		return Result{}, &ErrValidation{ValidCount: vres.ValidCount, Errors: vres.Errors}
	}

	query := CandidateQuery{AnalyzerID: analyzerID, UploadActionIDs: uploadActionIDs}

	return performCommit(ctx, c, analyzerID, outputTypes, timespans, uploadIDs, maxActionID, gitURL, gitCommit, query, vres.ValidCount)
}

func repoInfo(repo repomanager.Repository, analyzerID string) (gitURL, gitCommit string, err error) {
	gitURL, gitCommit, err = repo.URLAndCommit()
	if err != nil {
		reason := "either working_dir is not pointing to a git repository or it's not possible to obtain commit and git url"

		switch {
		case errors.Is(err, repomanager.ErrNotAGitRepo):
			reason = "working_dir is not a git repository"
		case errors.Is(err, repomanager.ErrNoCommit):
			reason = "working_dir's repository has no commit checked out"
		}

		return "", "", &validation.Error{
			Reason: reason,
			Extra:  fmt.Sprintf("analyzer: '%s'", analyzerID),
		}
	}

	return gitURL, gitCommit, nil
}

// ActionIDsTimespansFromUploads resolves each upload id to the action log
// entry that recorded its upload, returning its action id and the single
// timespan the upload action carries.
func ActionIDsTimespansFromUploads(ctx context.Context, store actionlog.Store, uploadIDs []string) ([]int64, []timeline.Interval, error) {
	actionIDs := make([]int64, 0, len(uploadIDs))
	timespans := make([]timeline.Interval, 0, len(uploadIDs))

	for _, uploadID := range uploadIDs {
		entry, ok, err := store.UploadAction(ctx, uploadID)
		if err != nil {
			return nil, nil, err
		}

		if !ok {
			return nil, nil, &validation.Error{Reason: "cannot find the action_id of given upload_id", Extra: uploadID}
		}

		if len(entry.Timespans) == 0 {
			return nil, nil, &validation.Error{Reason: "upload action has no timespans", Extra: uploadID}
		}

		actionIDs = append(actionIDs, entry.ID)
		timespans = append(timespans, timeline.Interval{Start: entry.Timespans[0].Start, End: entry.Timespans[0].End})
	}

	return actionIDs, timespans, nil
}

// performCommit is the reconciliation core shared by NormalOK and
// DirectOK: append the action log entry, find this batch's counterparts
// among already-committed observations, invalidate every candidate that
// was valid, then either keep (pop the invalidation) or insert fresh.
func performCommit(ctx context.Context, c Context, analyzerID string, outputTypes []string, timespans []timeline.Interval, uploadIDs []string, maxActionID int64, gitURL, gitCommit string, query CandidateQuery, validCount int) (Result, error) {
	wireSpans := make([]actionlog.Span, len(timespans))
	for i, sp := range timespans {
		wireSpans[i] = actionlog.Span{Start: sp.Start, End: sp.End}
	}

	actionID, err := c.ActionLog.Append(ctx, actionlog.NewEntry{
		Action:      actionlog.ActionAnalyze,
		Timespans:   wireSpans,
		UploadIDs:   uploadIDs,
		OutputTypes: outputTypes,
		AnalyzerID:  analyzerID,
		GitURL:      gitURL,
		GitCommit:   gitCommit,
		MaxActionID: maxActionID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("commit: appending action log entry: %w", err)
	}

	scratch, err := c.Store.ScratchAll(ctx)
	if err != nil {
		return Result{}, err
	}

	candidates, err := c.Store.OutputFindCandidates(ctx, query)
	if err != nil {
		return Result{}, err
	}

	pairs := findCounterparts(candidates, scratch)

	candidateIDs := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		candidateIDs = append(candidateIDs, cand.ID)
	}

	numMarkedFalse, err := c.Store.OutputPushInvalidate(ctx, candidateIDs, actionID)
	if err != nil {
		return Result{}, err
	}

	for _, p := range pairs {
		if err := c.Store.ScratchMarkCounterpart(ctx, p.scratch.ID, p.output.ID); err != nil {
			return Result{}, err
		}
	}

	ops, kept, inserted, err := buildOutputOps(ctx, c.Store, actionID)
	if err != nil {
		return Result{}, err
	}

	if err := flushOps(ctx, c.Store, ops); err != nil {
		return Result{}, err
	}

	if err := c.Store.ScratchDrop(ctx); err != nil {
		return Result{}, err
	}

	deprecated := numMarkedFalse - kept
	if deprecated < 0 {
		deprecated = 0
	}

	return Result{
		ActionID:   actionID,
		ValidCount: validCount,
		Inserted:   inserted,
		Kept:       kept,
		Deprecated: deprecated,
	}, nil
}

type counterpartPair struct {
	output  *observation.Observation
	scratch *observation.Observation
}

// findCounterparts pairs each candidate (already-committed observation)
// with the scratch observation that hashes equal to it, if any.
func findCounterparts(candidates, scratch []*observation.Observation) []counterpartPair {
	byHash := make(map[[20]byte][]*observation.Observation)

	for _, s := range scratch {
		h, err := observation.Hash(s)
		if err != nil {
			continue
		}

		byHash[h] = append(byHash[h], s)
	}

	var pairs []counterpartPair

	for _, cand := range candidates {
		h, err := observation.Hash(cand)
		if err != nil {
			continue
		}

		for _, s := range byHash[h] {
			if observation.Equal(cand, s) {
				pairs = append(pairs, counterpartPair{output: cand, scratch: s})

				break
			}
		}
	}

	return pairs
}

// buildOutputOps walks the (now counterpart-marked) scratch collection and
// decides, per scratch observation, whether to keep the existing output
// row (pop its invalidation push if it is still a match) or insert a new
// one.
func buildOutputOps(ctx context.Context, store Store, actionID int64) ([]OutputOp, int, int, error) {
	scratch, err := store.ScratchAll(ctx)
	if err != nil {
		return nil, 0, 0, err
	}

	var ops []OutputOp

	kept, inserted := 0, 0

	for _, s := range scratch {
		if s.CounterpartID != "" {
			// a matching already-committed observation exists: the
			// push-invalidate pass already pushed a {actionID, false}
			// head entry onto it. Pop that push back off (status
			// unchanged) if it is still the head, else push a fresh
			// valid entry (it had been pushed invalid by an earlier,
			// unrelated candidates query and needs reviving).
			ops = append(ops, OutputOp{Kind: OutputOpPopIfStillInvalidated, OutputID: s.CounterpartID, ActionID: actionID})
			ops = append(ops, OutputOp{Kind: OutputOpPushValid, OutputID: s.CounterpartID, ActionID: actionID})

			kept++

			continue
		}

		s.ActionIDs = []observation.ActionIDEntry{{ID: actionID, Valid: true}}
		ops = append(ops, OutputOp{Kind: OutputOpInsert, Insert: s})
		inserted++
	}

	return ops, kept, inserted, nil
}

// flushOps batches ops through a microbatch.Batcher so the store only ever
// sees chunks of at most maxBulkOps, mirroring the reference
// implementation's grouper(..., 1000) chunking of bulk_write calls.
func flushOps(ctx context.Context, store Store, ops []OutputOp) error {
	if len(ops) == 0 {
		return nil
	}

	batcher := microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        maxBulkOps,
		FlushInterval:  50 * time.Millisecond,
		MaxConcurrency: 4,
	}, microbatch.BatchProcessor[OutputOp](func(batchCtx context.Context, jobs []OutputOp) error {
		return store.OutputBulkApply(batchCtx, jobs)
	}))

	defer batcher.Close()

	results := make([]*microbatch.JobResult[OutputOp], 0, len(ops))

	for _, op := range ops {
		res, err := batcher.Submit(ctx, op)
		if err != nil {
			return err
		}

		results = append(results, res)
	}

	if err := batcher.Shutdown(ctx); err != nil {
		return err
	}

	for _, res := range results {
		if err := res.Wait(ctx); err != nil {
			return err
		}
	}

	return nil
}
