package commit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptocore/ptocore/pkg/observation"
)

type fakeResumeStore struct {
	landed       []*observation.Observation
	scopeExists  bool
	dropped      string
	dropErr      error
	landedErr    error
	scopeErr     error
}

func (f *fakeResumeStore) ObservationsForActionID(ctx context.Context, analyzerID string, actionID int64) ([]*observation.Observation, error) {
	if f.landedErr != nil {
		return nil, f.landedErr
	}

	return f.landed, nil
}

func (f *fakeResumeStore) ScratchScopeExists(ctx context.Context, scope string) (bool, error) {
	if f.scopeErr != nil {
		return false, f.scopeErr
	}

	return f.scopeExists, nil
}

func (f *fakeResumeStore) DropScratchScope(ctx context.Context, scope string) error {
	f.dropped = scope

	return f.dropErr
}

// TestResumePendingFinishesStalledCleanup covers the crash window spec.md
// §4.7 step 5's note describes: the action log entry and every output
// write landed, but the scratch scope was never dropped.
func TestResumePendingFinishesStalledCleanup(t *testing.T) {
	store := &fakeResumeStore{
		landed:      []*observation.Observation{{ID: "o1"}},
		scopeExists: true,
	}

	resumed, err := ResumePending(context.Background(), store, "X", "module_1", 9)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, "module_1", store.dropped)
}

// TestResumePendingNoOpBeforeCommitPoint covers a crash before the action
// log append: nothing landed under actionID, so there is nothing to
// resume here and the scratch scope is left alone for a full re-run.
func TestResumePendingNoOpBeforeCommitPoint(t *testing.T) {
	store := &fakeResumeStore{scopeExists: true}

	resumed, err := ResumePending(context.Background(), store, "X", "module_1", 9)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Empty(t, store.dropped)
}

// TestResumePendingNoOpAlreadyClean covers a completed, already-cleaned-up
// commit: calling ResumePending again must be a no-op.
func TestResumePendingNoOpAlreadyClean(t *testing.T) {
	store := &fakeResumeStore{
		landed:      []*observation.Observation{{ID: "o1"}},
		scopeExists: false,
	}

	resumed, err := ResumePending(context.Background(), store, "X", "module_1", 9)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Empty(t, store.dropped)
}

func TestResumePendingSurfacesLookupError(t *testing.T) {
	store := &fakeResumeStore{landedErr: assertErr{}}

	_, err := ResumePending(context.Background(), store, "X", "module_1", 9)
	assert.Error(t, err)
}
