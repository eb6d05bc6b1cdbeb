// Package sensitivity computes, for a given analyzer's input/output
// footprint, which uploads or timespans of observatory history still need
// (re-)processing. It is the planning half of the Sensor control loop: a
// sensitivity function turns an ActionSet into either a set of unprocessed
// upload ids (direct analyzers) or a set of unprocessed timespans (derived
// analyzers).
package sensitivity

import (
	"context"
	"sort"
	"time"

	"github.com/ptocore/ptocore/pkg/actionlog"
	"github.com/ptocore/ptocore/pkg/timeline"
)

// InputAction is the subset of an actionlog.Entry the sensitivity engine
// reads for an input action (upload or upstream analyze).
type InputAction struct {
	ID        int64
	Action    actionlog.Action
	Timespans []actionlog.Span
	UploadIDs []string
}

// OutputAction is the subset of an actionlog.Entry the sensitivity engine
// reads for one of the analyzer's own prior output actions.
type OutputAction struct {
	ID          int64
	GitURL      string
	GitCommit   string
	Timespans   []actionlog.Span
	UploadIDs   []string
	MaxActionID int64
}

// ActionSet is the analyzer's view of the action log: every input action
// whose output overlaps its declared input types/formats, and every output
// action it has itself produced under the current code version.
type ActionSet struct {
	InputFormats []string
	InputTypes   []string

	InputActions     []InputAction
	InputMaxActionID int64

	OutputActions     []OutputAction
	OutputMaxActionID int64
}

// Loader fetches an ActionSet for a given analyzer from the action log,
// restricting OutputActions to entries produced by the same (git_url,
// git_commit), per the "same_code" takewhile cutoff: outputs stop being
// considered the moment an older commit is reached, since the log is
// walked newest-first and a code change invalidates the cumulative state.
type Loader interface {
	LoadInputActions(ctx context.Context, inputTypes, inputFormats []string) ([]InputAction, error)
	LoadOutputActions(ctx context.Context, analyzerID, gitURL, gitCommit string) ([]OutputAction, error)
}

// Load builds an ActionSet for analyzerID via loader.
func Load(ctx context.Context, loader Loader, analyzerID, gitURL, gitCommit string, inputFormats, inputTypes []string) (*ActionSet, error) {
	inputActions, err := loader.LoadInputActions(ctx, inputTypes, inputFormats)
	if err != nil {
		return nil, err
	}

	outputActions, err := loader.LoadOutputActions(ctx, analyzerID, gitURL, gitCommit)
	if err != nil {
		return nil, err
	}

	as := &ActionSet{
		InputFormats:      inputFormats,
		InputTypes:        inputTypes,
		InputActions:      inputActions,
		InputMaxActionID:  -1,
		OutputActions:     outputActions,
		OutputMaxActionID: -1,
	}

	for _, a := range inputActions {
		if a.ID > as.InputMaxActionID {
			as.InputMaxActionID = a.ID
		}
	}

	for _, a := range outputActions {
		if a.MaxActionID > as.OutputMaxActionID {
			as.OutputMaxActionID = a.MaxActionID
		}
	}

	return as, nil
}

// IsDirectAllowed reports whether this analyzer may use direct sensitivity:
// it has no declared input types, so it consumes raw uploads rather than
// derived observations.
func (as *ActionSet) IsDirectAllowed() bool {
	return len(as.InputTypes) == 0
}

// MaxActionID is the highest action id seen across either input or output
// actions, stamped onto the analyzer's next output action.
func (as *ActionSet) MaxActionID() int64 {
	if as.InputMaxActionID > as.OutputMaxActionID {
		return as.InputMaxActionID
	}

	return as.OutputMaxActionID
}

// HasUnprocessedData reports whether the analyzer has anything left to do,
// using Direct if isDirect, Basic otherwise.
func (as *ActionSet) HasUnprocessedData(isDirect bool) (bool, error) {
	if isDirect {
		_, uploads, err := as.Direct()
		if err != nil {
			return false, err
		}

		return len(uploads) > 0, nil
	}

	_, spans := as.Basic()

	return len(spans) > 0, nil
}

// Direct returns the max action id and the set of upload ids not yet
// processed by an analyzer that reads raw uploads directly. An upload is
// considered processed once an output action exists whose MaxActionID is
// at or past the upload's own highest action id (covering subsequent
// marked_valid/marked_invalid events on the same upload) and whose
// UploadIDs contains it.
func (as *ActionSet) Direct() (maxActionID int64, unprocessedUploadIDs []string, err error) {
	if !as.IsDirectAllowed() {
		return 0, nil, errNotDirect{}
	}

	type upload struct {
		maxActionID int64
		seen        bool
	}

	order := make([]string, 0)
	uploads := make(map[string]*upload)

	for _, a := range as.InputActions {
		if len(a.UploadIDs) == 0 {
			continue
		}

		uid := a.UploadIDs[0]

		u, ok := uploads[uid]
		if !ok {
			u = &upload{maxActionID: -1}
			uploads[uid] = u
			order = append(order, uid)
		}

		if a.ID > u.maxActionID {
			u.maxActionID = a.ID
		}
	}

	processed := make(map[string]struct{})

	for uid, u := range uploads {
		for _, out := range as.OutputActions {
			if out.MaxActionID < u.maxActionID {
				continue
			}

			if containsString(out.UploadIDs, uid) {
				processed[uid] = struct{}{}

				break
			}
		}
	}

	for _, uid := range order {
		if _, ok := processed[uid]; !ok {
			unprocessedUploadIDs = append(unprocessedUploadIDs, uid)
		}
	}

	return as.MaxActionID(), unprocessedUploadIDs, nil
}

// errNotDirect is returned by Direct when the analyzer declares input
// types and must use Basic/Extend/Margin instead.
type errNotDirect struct{}

func (errNotDirect) Error() string {
	return "sensitivity: direct mode requires an analyzer with no input types"
}

// Basic returns the max action id and the timespans not yet processed, by
// replaying every input and output action in action-id order: input
// actions add their timespans, output actions subtract theirs.
func (as *ActionSet) Basic() (maxActionID int64, unprocessed []timeline.Interval) {
	type entry struct {
		id        int64
		add       bool
		timespans []actionlog.Span
	}

	entries := make([]entry, 0, len(as.InputActions)+len(as.OutputActions))

	for _, a := range as.InputActions {
		entries = append(entries, entry{id: a.ID, add: true, timespans: a.Timespans})
	}

	for _, a := range as.OutputActions {
		entries = append(entries, entry{id: a.ID, add: false, timespans: a.Timespans})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	tl := &timeline.Timeline{}

	for _, e := range entries {
		for _, sp := range e.timespans {
			if e.add {
				tl.Add(sp.Start, sp.End)
			} else {
				tl.Remove(sp.Start, sp.End)
			}
		}
	}

	return as.MaxActionID(), tl.Intervals()
}

// InputTimespans returns the max action id and the merged union of every
// input action's timespans, ignoring output actions entirely.
func (as *ActionSet) InputTimespans() (maxActionID int64, spans []timeline.Interval) {
	tl := &timeline.Timeline{}

	for _, a := range as.InputActions {
		for _, sp := range a.Timespans {
			tl.Add(sp.Start, sp.End)
		}
	}

	return as.MaxActionID(), tl.Intervals()
}

// containsString reports whether s is present in list.
func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}

// ExtendFunc rounds a timespan outward to a coarser granularity before
// it is merged into the extend mode result, e.g. ExtendHourly.
type ExtendFunc func(start, end time.Time) (time.Time, time.Time)

// ExtendHourly rounds start down to the top of its hour and end up to the
// top of its following hour, unless end already lands exactly on the hour.
func ExtendHourly(start, end time.Time) (time.Time, time.Time) {
	start = start.Truncate(time.Hour)

	if end.Minute() > 0 || end.Second() > 0 || end.Nanosecond() > 0 {
		end = end.Truncate(time.Hour).Add(time.Hour)
	}

	return start, end
}

// Extend returns the max action id and the Basic-mode unprocessed
// timespans, each rounded outward by extendFunc and re-merged. Useful for
// analyzers that only make sense to run over whole calendar buckets (e.g.
// hourly roll-ups).
func Extend(extendFunc ExtendFunc, as *ActionSet) (maxActionID int64, spans []timeline.Interval) {
	maxActionID, timespans := as.Basic()

	tl := &timeline.Timeline{}

	for _, sp := range timespans {
		start, end := extendFunc(sp.Start, sp.End)
		tl.Add(start, end)
	}

	return maxActionID, tl.Intervals()
}

// GetIslands returns every island that overlaps at least one of
// inputTimespans: either the island starts during the input timespan, or
// the input timespan starts during the island.
func GetIslands(islands, inputTimespans []timeline.Interval) []timeline.Interval {
	seen := make(map[timeline.Interval]struct{})

	for _, in := range inputTimespans {
		for _, island := range islands {
			if _, ok := seen[island]; ok {
				continue
			}

			if !in.Start.After(island.Start) && !in.End.Before(island.Start) {
				seen[island] = struct{}{}

				continue
			}

			if !in.Start.Before(island.Start) && !in.Start.After(island.End) {
				seen[island] = struct{}{}
			}
		}
	}

	out := make([]timeline.Interval, 0, len(seen))
	for iv := range seen {
		out = append(out, iv)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })

	return out
}

// Margin returns the max action id and the islands of activity - runs of
// input timespans no more than offset apart - that still contain
// unprocessed data, per Basic. This lets an analyzer reprocess an entire
// burst of closely-spaced activity even if only part of it changed.
func Margin(offset time.Duration, as *ActionSet) (maxActionID int64, spans []timeline.Interval) {
	maxActionID, inputSpans := as.InputTimespans()

	islands := timeline.Margin(offset, inputSpans)

	_, unprocessed := as.Basic()

	result := GetIslands(islands, unprocessed)

	return maxActionID, result
}
