package commit

import (
	"context"

	"github.com/ptocore/ptocore/pkg/observation"
)

// ResumeStore is the narrow slice of the durable store a resumability
// check needs: whether a given action id already landed, and whether the
// scratch scope that produced it is still sitting around uncleaned.
type ResumeStore interface {
	ObservationsForActionID(ctx context.Context, analyzerID string, actionID int64) ([]*observation.Observation, error)
	ScratchScopeExists(ctx context.Context, scope string) (bool, error)
	DropScratchScope(ctx context.Context, scope string) error
}

// ResumePending checks for a commit interrupted between appending its
// action log entry and dropping its scratch scope: if observations
// carrying actionID as their newest entry already exist but scope still
// has rows staged, every write landed and only the scratch cleanup is
// outstanding. ResumePending finishes that cleanup and reports whether it
// did so, so the Validator can call it opportunistically on boot, before
// driving any executed analyzer, without re-running validation or
// reconciliation against work that already committed.
//
// If actionID never appears in the output collection, the crash predates
// the commit point and there is nothing to resume here; the analyzer
// simply re-executes. Calling ResumePending again once cleanup is done is
// a no-op, matching the idempotence the rest of the pipeline relies on.
func ResumePending(ctx context.Context, store ResumeStore, analyzerID, scope string, actionID int64) (bool, error) {
	landed, err := store.ObservationsForActionID(ctx, analyzerID, actionID)
	if err != nil {
		return false, err
	}

	if len(landed) == 0 {
		return false, nil
	}

	exists, err := store.ScratchScopeExists(ctx, scope)
	if err != nil {
		return false, err
	}

	if !exists {
		return false, nil
	}

	if err := store.DropScratchScope(ctx, scope); err != nil {
		return false, err
	}

	return true, nil
}
