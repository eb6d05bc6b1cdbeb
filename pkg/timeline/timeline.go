// Package timeline implements the interval-set algebra used by the
// sensitivity engine to track which spans of observatory time an analyzer
// still owes work for. A Timeline is a set of disjoint closed intervals;
// Add and Remove keep the set merged and disjoint as elements are inserted
// or subtracted, regardless of insertion order.
package timeline

import (
	"sort"
	"time"
)

// Interval is a closed range [Start, End] with Start <= End.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Timeline is an ordered set of disjoint closed intervals. The zero value
// is an empty timeline, ready to use.
type Timeline struct {
	intervals []Interval
}

// New returns a Timeline seeded with the given intervals, merging any that
// overlap or touch.
func New(intervals ...Interval) *Timeline {
	tl := &Timeline{}
	for _, iv := range intervals {
		tl.Add(iv.Start, iv.End)
	}

	return tl
}

// Clone returns an independent copy of the timeline.
func (tl *Timeline) Clone() *Timeline {
	out := &Timeline{intervals: make([]Interval, len(tl.intervals))}
	copy(out.intervals, tl.intervals)

	return out
}

// IsEmpty reports whether the timeline holds no intervals.
func (tl *Timeline) IsEmpty() bool {
	return len(tl.intervals) == 0
}

// Intervals returns the timeline's disjoint intervals. The slice order is
// deterministic for a given history but otherwise unspecified; callers that
// need a stable order should sort the result.
func (tl *Timeline) Intervals() []Interval {
	out := make([]Interval, len(tl.intervals))
	copy(out, tl.intervals)

	return out
}

// merge returns the union of two intervals if they overlap or touch
// (a <= b <= A <= B is NOT a merge unless b == A), otherwise ok is false.
func merge(a, b Interval) (Interval, bool) {
	if a.End.Before(b.Start) || b.End.Before(a.Start) {
		return Interval{}, false
	}

	start := a.Start
	if b.Start.Before(start) {
		start = b.Start
	}

	end := a.End
	if b.End.After(end) {
		end = b.End
	}

	return Interval{Start: start, End: end}, true
}

// subtract removes b from a, returning zero, one, or two remnants.
func subtract(a, b Interval) []Interval {
	if b.End.Before(a.Start) || a.End.Before(b.Start) {
		return []Interval{a}
	}

	var out []Interval

	if b.Start.After(a.Start) {
		out = append(out, Interval{Start: a.Start, End: b.Start})
	}

	if b.End.Before(a.End) {
		out = append(out, Interval{Start: b.End, End: a.End})
	}

	return out
}

// Add inserts [a,b] into the timeline, merging it with any interval it
// overlaps or touches until the result is idempotent. a must not be after b.
func (tl *Timeline) Add(a, b time.Time) {
	candidate := Interval{Start: a, End: b}

	for {
		merged := false

		for i, existing := range tl.intervals {
			if m, ok := merge(candidate, existing); ok {
				tl.intervals = append(tl.intervals[:i], tl.intervals[i+1:]...)
				candidate = m
				merged = true

				break
			}
		}

		if !merged {
			tl.intervals = append(tl.intervals, candidate)

			return
		}
	}
}

// Remove subtracts [a,b] from every interval in the timeline. An interval
// not intersecting [a,b] is left untouched; this is a no-op, not an error.
func (tl *Timeline) Remove(a, b time.Time) {
	candidate := Interval{Start: a, End: b}

	next := make([]Interval, 0, len(tl.intervals))
	for _, existing := range tl.intervals {
		next = append(next, subtract(existing, candidate)...)
	}

	tl.intervals = next
}

// Union returns a new timeline containing the union of tl and other.
func (tl *Timeline) Union(other *Timeline) *Timeline {
	out := tl.Clone()
	for _, iv := range other.intervals {
		out.Add(iv.Start, iv.End)
	}

	return out
}

// Difference returns a new timeline containing tl minus other.
func (tl *Timeline) Difference(other *Timeline) *Timeline {
	out := tl.Clone()
	for _, iv := range other.intervals {
		out.Remove(iv.Start, iv.End)
	}

	return out
}

// Margin coalesces intervals whose gap is at most delta, clustering bursts
// of activity into "islands". The input intervals need not be disjoint; two
// intervals are joined into one island when the gap between them (the start
// of the later one minus the end of the earlier one) is <= delta. The input
// is not mutated; the result is sorted by start time.
func Margin(delta time.Duration, intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []Interval{sorted[0]}

	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]

		gap := iv.Start.Sub(last.End)
		if gap <= delta {
			if iv.End.After(last.End) {
				last.End = iv.End
			}

			continue
		}

		out = append(out, iv)
	}

	return out
}
