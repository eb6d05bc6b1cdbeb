package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptocore/ptocore/pkg/actionlog"
	"github.com/ptocore/ptocore/pkg/analyzerstate"
	"github.com/ptocore/ptocore/pkg/commit"
	"github.com/ptocore/ptocore/pkg/observation"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func TestAppend_MonotonicIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id1, err := db.Append(ctx, actionlog.NewEntry{Action: actionlog.ActionUpload, UploadIDs: []string{"u1"}})
	require.NoError(t, err)

	id2, err := db.Append(ctx, actionlog.NewEntry{Action: actionlog.ActionUpload, UploadIDs: []string{"u2"}})
	require.NoError(t, err)

	assert.Less(t, id1, id2)
}

func TestUploadAction_ExactMatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Append(ctx, actionlog.NewEntry{Action: actionlog.ActionUpload, UploadIDs: []string{"u1"}})
	require.NoError(t, err)

	entry, ok, err := db.UploadAction(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, actionlog.ActionUpload, entry.Action)

	_, ok, err = db.UploadAction(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnalyzerTransition_CAS(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.RegisterAnalyzer(ctx, &analyzerstate.Record{ID: "a1"}))

	err := analyzerstate.Transition(ctx, db, analyzerstate.DomainAdmin, "a1", analyzerstate.StateDisabled, analyzerstate.StateSensing, nil)
	require.NoError(t, err)

	r, err := db.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, analyzerstate.StateSensing, r.State)

	// retrying the same (now stale) from-state must fail the CAS.
	err = analyzerstate.Transition(ctx, db, analyzerstate.DomainAdmin, "a1", analyzerstate.StateDisabled, analyzerstate.StateSensing, nil)
	assert.Error(t, err)
}

func TestRunningAnalyzers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.RegisterAnalyzer(ctx, &analyzerstate.Record{ID: "a1"}))
	require.NoError(t, db.RegisterAnalyzer(ctx, &analyzerstate.Record{ID: "a2"}))

	require.NoError(t, analyzerstate.Transition(ctx, db, analyzerstate.DomainAdmin, "a1", analyzerstate.StateDisabled, analyzerstate.StateSensing, nil))
	require.NoError(t, analyzerstate.Transition(ctx, db, analyzerstate.DomainSensor, "a1", analyzerstate.StateSensing, analyzerstate.StatePlanned, nil))

	running, err := db.RunningAnalyzers(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a1", running[0].ID)
}

func TestInputActions_FiltersByOutputTypeOrFormat(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Append(ctx, actionlog.NewEntry{Action: actionlog.ActionUpload, OutputFormats: []string{"raw.pcap"}})
	require.NoError(t, err)
	_, err = db.Append(ctx, actionlog.NewEntry{Action: actionlog.ActionAnalyze, OutputTypes: []string{"derived.rtt"}})
	require.NoError(t, err)
	_, err = db.Append(ctx, actionlog.NewEntry{Action: actionlog.ActionUpload, OutputFormats: []string{"raw.netflow"}})
	require.NoError(t, err)

	entries, err := db.InputActions(ctx, []string{"derived.rtt"}, []string{"raw.pcap"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest-first.
	assert.Equal(t, []string{"derived.rtt"}, entries[0].OutputTypes)
	assert.Equal(t, []string{"raw.pcap"}, entries[1].OutputFormats)
}

func TestOutputActions_ScopedToAnalyzer(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Append(ctx, actionlog.NewEntry{Action: actionlog.ActionAnalyze, AnalyzerID: "X"})
	require.NoError(t, err)
	_, err = db.Append(ctx, actionlog.NewEntry{Action: actionlog.ActionAnalyze, AnalyzerID: "Y"})
	require.NoError(t, err)

	entries, err := db.OutputActions(ctx, "X")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "X", entries[0].AnalyzerID)
}

func TestPendingUploads_ExcludesStampedAndIncomplete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.InsertUploadMetadata(ctx, UploadMetadata{
		UploadID: "ready", Complete: true, Format: "raw.pcap",
		StartTime: now, StopTime: now.Add(time.Hour), UploadedAt: now,
	}))
	require.NoError(t, db.InsertUploadMetadata(ctx, UploadMetadata{
		UploadID: "incomplete", Complete: false, Format: "raw.pcap",
		StartTime: now, StopTime: now.Add(time.Hour), UploadedAt: now,
	}))

	pending, err := db.PendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ready", pending[0].UploadID)

	require.NoError(t, db.StampUploadActionID(ctx, "ready", 5))

	pending, err = db.PendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	valid, err := db.UploadValid(ctx, "ready")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestValidateRequests_EnqueueAndDrain(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.EnqueueValidateRequest(ctx, "u1", false, now))

	pending, err := db.PendingValidateRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u1", pending[0].UploadID)
	assert.False(t, pending[0].Valid)

	require.NoError(t, db.MarkValidateRequestHandled(ctx, pending[0].ID))

	pending, err = db.PendingValidateRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestScopedStoreCommitRoundTrip exercises the full insert -> candidate
// query -> invalidate -> bulk-apply path scenario 7 describes, against the
// real sqlite-backed Store rather than the in-memory fake used by
// pkg/commit's unit tests.
func TestScopedStoreCommitRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	scoped := db.Scoped("module_1")

	ts := time.Date(2016, 6, 12, 5, 0, 0, 0, time.UTC)

	live := &observation.Observation{
		ID:         "live-1",
		AnalyzerID: "X",
		Conditions: []string{"c0"},
		Time:       observation.Time{Instant: &ts},
		Path:       []string{"p"},
		Value:      json.RawMessage(`1`),
		Sources:    observation.Sources{"s"},
		ActionIDs:  []observation.ActionIDEntry{{ID: 7, Valid: true}},
	}
	require.NoError(t, db.Scoped("module_1").OutputBulkApply(ctx, []commit.OutputOp{{Kind: commit.OutputOpInsert, Insert: live}}))

	scratch := &observation.Observation{
		ID:         "scratch-1",
		AnalyzerID: "X",
		Conditions: []string{"c0"},
		Time:       observation.Time{Instant: &ts},
		Path:       []string{"p"},
		Value:      json.RawMessage(`1`),
		Sources:    observation.Sources{"s"},
	}
	require.NoError(t, scoped.InsertScratch(ctx, scratch))

	all, err := scoped.ScratchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	candidates, err := scoped.OutputFindCandidates(ctx, commit.CandidateQuery{AnalyzerID: "X"})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "live-1", candidates[0].ID)

	n, err := scoped.OutputPushInvalidate(ctx, []string{"live-1"}, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, scoped.ScratchMarkCounterpart(ctx, "scratch-1", "live-1"))

	require.NoError(t, scoped.OutputBulkApply(ctx, []commit.OutputOp{
		{Kind: commit.OutputOpPopIfStillInvalidated, OutputID: "live-1", ActionID: 9},
		{Kind: commit.OutputOpPushValid, OutputID: "live-1", ActionID: 9},
	}))

	candidates, err = scoped.OutputFindCandidates(ctx, commit.CandidateQuery{AnalyzerID: "X"})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Len(t, candidates[0].ActionIDs, 1)
	assert.Equal(t, observation.ActionIDEntry{ID: 7, Valid: true}, candidates[0].ActionIDs[0])

	require.NoError(t, scoped.ScratchDrop(ctx))

	all, err = scoped.ScratchAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestObservationsForActionID_MatchesNewestEntryOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ts := time.Date(2016, 6, 12, 5, 0, 0, 0, time.UTC)

	o := &observation.Observation{
		ID: "o1", AnalyzerID: "X", Conditions: []string{"c0"},
		Time: observation.Time{Instant: &ts}, Path: []string{"p"},
		Value: json.RawMessage(`1`), Sources: observation.Sources{"s"},
		ActionIDs: []observation.ActionIDEntry{{ID: 9, Valid: true}, {ID: 5, Valid: false}},
	}
	require.NoError(t, db.Scoped("module_1").OutputBulkApply(ctx, []commit.OutputOp{{Kind: commit.OutputOpInsert, Insert: o}}))

	matches, err := db.ObservationsForActionID(ctx, "X", 9)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "o1", matches[0].ID)

	matches, err = db.ObservationsForActionID(ctx, "X", 5)
	require.NoError(t, err)
	assert.Empty(t, matches, "5 is superseded, not the newest entry")
}

func TestScratchScopeExistsAndDrop(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	exists, err := db.ScratchScopeExists(ctx, "module_2")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.Scoped("module_2").InsertScratch(ctx, &observation.Observation{
		ID: "s1", AnalyzerID: "X", Conditions: []string{"c0"},
		Time: observation.Time{Instant: &time.Time{}}, Path: []string{"p"},
		Value: json.RawMessage(`1`), Sources: observation.Sources{"s"},
	}))

	exists, err = db.ScratchScopeExists(ctx, "module_2")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, db.DropScratchScope(ctx, "module_2"))

	exists, err = db.ScratchScopeExists(ctx, "module_2")
	require.NoError(t, err)
	assert.False(t, exists)
}
