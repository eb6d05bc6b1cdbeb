// Package observation defines the observatory's output record shape: the
// Observation written by an analyzer, its deterministic content hash (used
// to find the counterpart of a re-derived observation already in the
// output collection), and the action_ids validity stack every committed
// observation carries.
package observation

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// Time is either a single instant or a [From, To) interval, matching the
// two shapes an observation's "time" field may take on the wire.
type Time struct {
	Instant *time.Time
	From    *time.Time
	To      *time.Time
}

// IsInterval reports whether Time carries a From/To range rather than a
// single instant.
func (t Time) IsInterval() bool {
	return t.From != nil && t.To != nil
}

// MarshalJSON encodes a single instant as a bare timestamp, and an
// interval as {"from": ..., "to": ...}.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsInterval() {
		return json.Marshal(struct {
			From time.Time `json:"from"`
			To   time.Time `json:"to"`
		}{From: *t.From, To: *t.To})
	}

	if t.Instant == nil {
		return nil, fmt.Errorf("observation: time has neither instant nor interval set")
	}

	return json.Marshal(*t.Instant)
}

// UnmarshalJSON decodes either shape of Time.
func (t *Time) UnmarshalJSON(data []byte) error {
	var interval struct {
		From *time.Time `json:"from"`
		To   *time.Time `json:"to"`
	}

	if err := json.Unmarshal(data, &interval); err == nil && interval.From != nil && interval.To != nil {
		t.From, t.To = interval.From, interval.To

		return nil
	}

	var instant time.Time
	if err := json.Unmarshal(data, &instant); err != nil {
		return fmt.Errorf("observation: decoding time: %w", err)
	}

	t.Instant = &instant

	return nil
}

// Sources lists where an observation's evidence came from: upload ids (the
// ".upl" convention) mixed with observation ids of upstream observations it
// was derived from.
type Sources []string

// UploadActionIDs filters sources down to those carrying the ".upl"
// upload-id suffix convention, stripping the suffix.
func (s Sources) UploadActionIDs() []string {
	var out []string

	for _, src := range s {
		const suffix = ".upl"
		if len(src) > len(suffix) && src[len(src)-len(suffix):] == suffix {
			out = append(out, src[:len(src)-len(suffix)])
		}
	}

	return out
}

// ActionIDEntry is one element of an observation's action_ids validity
// stack: id is the commit action that set this validity, read newest
// (index 0) first.
type ActionIDEntry struct {
	ID    int64 `json:"id"`
	Valid bool  `json:"valid"`
}

// Observation is one committed (or pre-commit scratch) output record.
// Conditions/Time/Path/Value/Sources/AnalyzerID are the comparison fields
// used by content hashing and counterpart matching; ActionIDs/Valid only
// apply to observations already committed to the output collection.
type Observation struct {
	ID         string          `json:"_id,omitempty"`
	AnalyzerID string          `json:"analyzer_id"`
	Conditions []string        `json:"conditions"`
	Time       Time            `json:"time"`
	Path       []string        `json:"path"`
	Value      json.RawMessage `json:"value"`
	Sources    Sources         `json:"sources"`

	ActionIDs []ActionIDEntry `json:"action_ids,omitempty"`

	// CounterpartID is set on a scratch observation once commit finds a
	// matching already-committed observation by content hash; it is
	// never present on a committed observation itself.
	CounterpartID string `json:"output_id,omitempty"`
}

// IsValid reports whether the observation's current (newest) action_ids
// entry marks it valid. A freshly inserted, never-committed observation
// with no action_ids is not yet part of the committed output set.
func (o *Observation) IsValid() bool {
	return len(o.ActionIDs) > 0 && o.ActionIDs[0].Valid
}

// unordered marks a []string field as a set for hashing purposes: its
// elements are sorted before flattening so that insertion order never
// affects the hash. Conditions is the only comparison field with set
// semantics; Path and Sources are positional/ordered sequences (a tree
// path, an evidence list) and must hash differently when reordered.
type unordered []string

// comparisonFields returns, in the fixed order the hash must iterate, the
// field values contributing to equality and content hashing:
// analyzer_id, conditions, time, path, sources, value.
func (o *Observation) comparisonFields() []any {
	return []any{
		o.AnalyzerID,
		unordered(o.Conditions),
		o.Time,
		o.Path,
		o.Sources,
		o.Value,
	}
}

// Hash computes the observation's deterministic content hash over its
// comparison fields, sorted-key-flattened and fed through SHA-1. Two
// observations with equal comparison fields always hash identically
// regardless of field insertion order, matching how the reference content
// hash is computed over a canonicalized field list. Each flattened element
// is length-framed (a big-endian uint64 byte count precedes its bytes)
// before being fed to the hasher, so e.g. path=["ab","c"] and
// path=["a","bc"] never collide by having their element boundaries
// silently merge.
func Hash(o *Observation) ([20]byte, error) {
	flat, err := flatten(o)
	if err != nil {
		return [20]byte{}, err
	}

	h := sha1.New()

	var length [8]byte

	for _, elem := range flat {
		binary.BigEndian.PutUint64(length[:], uint64(len(elem)))
		h.Write(length[:])
		io.WriteString(h, elem)
	}

	var out [20]byte
	copy(out[:], h.Sum(nil))

	return out, nil
}

// flatten renders an observation's comparison fields as a sorted,
// depth-first sequence of primitive scalars, so that map/slice ordering
// never affects the hash.
func flatten(o *Observation) ([]string, error) {
	var out []string

	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case unordered:
			sorted := append([]string(nil), x...)
			sort.Strings(sorted)
			for _, s := range sorted {
				out = append(out, s)
			}
		case []string:
			for _, s := range x {
				out = append(out, s)
			}
		case Sources:
			for _, s := range x {
				out = append(out, s)
			}
		case Time:
			b, _ := x.MarshalJSON()
			out = append(out, string(b))
		case json.RawMessage:
			out = append(out, canonicalizeJSON(x))
		default:
			out = append(out, fmt.Sprint(x))
		}
	}

	for _, f := range o.comparisonFields() {
		walk(f)
	}

	return out, nil
}

// canonicalizeJSON re-encodes arbitrary JSON with object keys sorted, so
// that a value field's hash does not depend on the order its keys were
// written in.
func canonicalizeJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}

	b, err := json.Marshal(canonicalizeValue(v))
	if err != nil {
		return string(raw)
	}

	return string(b)
}

func canonicalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, canonicalizeValue(x[k]))
		}

		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = canonicalizeValue(e)
		}

		return out
	default:
		return x
	}
}

// Equal reports whether two observations are equal under the comparison
// fields: same analyzer, conditions (as a set), time, path, sources and
// value. This is a genuine field-by-field comparison rather than a hash
// comparison, matching the reference implementation's equal_observation
// (a plain per-field check) rather than re-deriving equality from Hash —
// two observations that collided under Hash would otherwise be reported
// equal by construction.
func Equal(a, b *Observation) bool {
	if a.AnalyzerID != b.AnalyzerID {
		return false
	}

	if !equalSet(a.Conditions, b.Conditions) {
		return false
	}

	if !equalSequence(a.Path, b.Path) {
		return false
	}

	if !equalSequence([]string(a.Sources), []string(b.Sources)) {
		return false
	}

	if !equalTime(a.Time, b.Time) {
		return false
	}

	return canonicalizeJSON(a.Value) == canonicalizeJSON(b.Value)
}

// equalSet reports whether a and b contain the same elements, ignoring
// order and duplicates' position (but not count).
func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)

	return equalSequence(sa, sb)
}

// equalSequence reports whether a and b hold the same elements in the
// same order.
func equalSequence(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// equalTime reports whether two Time values denote the same instant or
// range.
func equalTime(a, b Time) bool {
	ba, errA := a.MarshalJSON()
	bb, errB := b.MarshalJSON()

	if errA != nil || errB != nil {
		return false
	}

	return string(ba) == string(bb)
}
