package validation

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptocore/ptocore/pkg/observation"
	"github.com/ptocore/ptocore/pkg/timeline"
)

func spans(start, end time.Time) []timeline.Interval {
	return []timeline.Interval{{Start: start, End: end}}
}

func validObs(t *testing.T, when time.Time) *observation.Observation {
	t.Helper()

	return &observation.Observation{
		AnalyzerID: "rtt-analyzer",
		Conditions: []string{"high_rtt"},
		Time:       observation.Time{Instant: &when},
		Path:       []string{"asn", "1234"},
		Sources:    observation.Sources{"abc.upl"},
		Value:      json.RawMessage(`{"rtt":50}`),
	}
}

func TestValidate_Accepts(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	res := Validate("rtt-analyzer", spans(start, end), []string{"high_rtt"}, []*observation.Observation{validObs(t, start.Add(time.Minute))}, nil, 100)

	require.Empty(t, res.Errors)
	assert.Equal(t, 1, res.ValidCount)
}

func TestValidate_WrongAnalyzerID(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	obs := validObs(t, start.Add(time.Minute))
	obs.AnalyzerID = "someone-else"

	res := Validate("rtt-analyzer", spans(start, end), []string{"high_rtt"}, []*observation.Observation{obs}, nil, 100)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "wrong analyzer id")
}

func TestValidate_ConditionNotDeclared(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	obs := validObs(t, start.Add(time.Minute))

	res := Validate("rtt-analyzer", spans(start, end), []string{"low_rtt"}, []*observation.Observation{obs}, nil, 100)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "condition not declared")
}

func TestValidate_TimeOutsideTimespan(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	obs := validObs(t, end.Add(time.Hour))

	res := Validate("rtt-analyzer", spans(start, end), []string{"high_rtt"}, []*observation.Observation{obs}, nil, 100)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "timespan")
}

func TestValidate_NoTimespansGiven(t *testing.T) {
	res := Validate("rtt-analyzer", nil, []string{"high_rtt"}, nil, nil, 100)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "no timespans given")
}

func TestValidate_ValueCheckFails(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	obs := validObs(t, start.Add(time.Minute))

	checks := Registry{
		"high_rtt": func(value []byte) error {
			return fmt.Errorf("rtt must be above threshold")
		},
	}

	res := Validate("rtt-analyzer", spans(start, end), []string{"high_rtt"}, []*observation.Observation{obs}, checks, 100)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "value")
}

func TestValidate_AbortsAtMaxErrors(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	var obs []*observation.Observation
	for i := 0; i < 5; i++ {
		o := validObs(t, start.Add(time.Minute))
		o.AnalyzerID = "wrong"
		obs = append(obs, o)
	}

	res := Validate("rtt-analyzer", spans(start, end), []string{"high_rtt"}, obs, nil, 2)

	assert.Len(t, res.Errors, 3)
}
