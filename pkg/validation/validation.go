// Package validation checks a batch of scratch observations against the
// shape every committed observation must have before perform_commit is
// allowed to run: correct field set, ownership by the committing analyzer,
// conditions declared in its output_types, a time falling inside one of
// the analyzer's claimed timespans, and a value passing its condition's
// registered check.
package validation

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ptocore/ptocore/pkg/observation"
	"github.com/ptocore/ptocore/pkg/timeline"
)

// Error is one observation's validation failure.
type Error struct {
	ObservationID string
	Reason        string
	Extra         string
}

func (e *Error) Error() string {
	if e.Extra == "" {
		return fmt.Sprintf("validation: %s: %s", e.ObservationID, e.Reason)
	}

	return fmt.Sprintf("validation: %s: %s (%s)", e.ObservationID, e.Reason, e.Extra)
}

// shapeSchema is the gojsonschema document every scratch observation must
// satisfy before the field-by-field checks run: it catches malformed or
// missing fields in one pass, the way the reference implementation's field
// set comparison does, but with a reusable declarative schema instead of a
// hand-rolled key-set comparison.
var shapeSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["analyzer_id", "conditions", "time", "path", "sources", "value"],
	"properties": {
		"analyzer_id": {"type": "string"},
		"conditions": {"type": "array", "items": {"type": "string"}},
		"path": {"type": "array"},
		"sources": {"type": "array"}
	}
}`)

// ValueCheck validates a single condition's value payload, returning a
// human-readable reason on failure.
type ValueCheck func(value []byte) error

// Registry maps a condition name to its ValueCheck. A condition with no
// registered check is accepted unconditionally, matching the reference
// implementation's checks map being sparsely populated.
type Registry map[string]ValueCheck

// Result is the outcome of validating one batch of scratch observations.
type Result struct {
	ValidCount int
	Errors     []*Error
}

// Validate checks every observation in obs against analyzerID's declared
// timespans and outputTypes, stopping once len(Errors) exceeds
// abortMaxErrors. checks may be nil, in which case no value is checked.
func Validate(analyzerID string, timespans []timeline.Interval, outputTypes []string, obs []*observation.Observation, checks Registry, abortMaxErrors int) Result {
	var result Result

	if len(timespans) == 0 {
		result.Errors = append(result.Errors, &Error{Reason: "no timespans given"})

		return result
	}

	schema, err := gojsonschema.NewSchema(shapeSchema)
	if err != nil {
		result.Errors = append(result.Errors, &Error{Reason: "internal: compiling validation schema", Extra: err.Error()})

		return result
	}

	for _, o := range obs {
		if err := validateOne(schema, analyzerID, timespans, outputTypes, o, checks); err != nil {
			var verr *Error
			if !asError(err, &verr) {
				verr = &Error{ObservationID: o.ID, Reason: err.Error()}
			}

			result.Errors = append(result.Errors, verr)

			if len(result.Errors) > abortMaxErrors {
				break
			}

			continue
		}

		result.ValidCount++
	}

	return result
}

func asError(err error, target **Error) bool {
	verr, ok := err.(*Error)
	if ok {
		*target = verr
	}

	return ok
}

func validateOne(schema *gojsonschema.Schema, analyzerID string, timespans []timeline.Interval, outputTypes []string, o *observation.Observation, checks Registry) error {
	doc, err := documentLoader(o)
	if err != nil {
		return &Error{ObservationID: o.ID, Reason: "cannot encode observation for shape check", Extra: err.Error()}
	}

	res, err := schema.Validate(doc)
	if err != nil {
		return &Error{ObservationID: o.ID, Reason: "schema validation failed", Extra: err.Error()}
	}

	if !res.Valid() {
		return &Error{ObservationID: o.ID, Reason: "wrong fields", Extra: res.Errors()[0].String()}
	}

	if o.AnalyzerID != analyzerID {
		return &Error{ObservationID: o.ID, Reason: "wrong analyzer id", Extra: fmt.Sprintf("expected %s, got %s", analyzerID, o.AnalyzerID)}
	}

	for _, c := range o.Conditions {
		if !containsString(outputTypes, c) {
			return &Error{ObservationID: o.ID, Reason: "condition not declared in output_types", Extra: c}
		}
	}

	if !timeWithinAnySpan(o.Time, timespans) {
		return &Error{ObservationID: o.ID, Reason: "timespan"}
	}

	if checks != nil {
		for _, c := range o.Conditions {
			check, ok := checks[c]
			if !ok {
				continue
			}

			if err := check(o.Value); err != nil {
				return &Error{ObservationID: o.ID, Reason: "value", Extra: err.Error()}
			}
		}
	}

	return nil
}

func timeWithinAnySpan(t observation.Time, spans []timeline.Interval) bool {
	if t.IsInterval() {
		for _, sp := range spans {
			if !sp.Start.After(*t.From) && !t.From.After(*t.To) && !t.To.After(sp.End) {
				return true
			}
		}

		return false
	}

	if t.Instant == nil {
		return false
	}

	for _, sp := range spans {
		if !sp.Start.After(*t.Instant) && !t.Instant.After(sp.End) {
			return true
		}
	}

	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}

func documentLoader(o *observation.Observation) (gojsonschema.JSONLoader, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}

	return gojsonschema.NewBytesLoader(b), nil
}
