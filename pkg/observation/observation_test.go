package observation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustObservation(t *testing.T, conditions []string, value string) *Observation {
	t.Helper()

	instant := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	return &Observation{
		AnalyzerID: "rtt-analyzer",
		Conditions: conditions,
		Time:       Time{Instant: &instant},
		Path:       []string{"asn", "1234"},
		Sources:    Sources{"abc123.upl"},
		Value:      json.RawMessage(value),
	}
}

func TestHash_DeterministicRegardlessOfConditionOrder(t *testing.T) {
	a := mustObservation(t, []string{"high_rtt", "loss"}, `{"rtt":12}`)
	b := mustObservation(t, []string{"loss", "high_rtt"}, `{"rtt":12}`)

	ha, err := Hash(a)
	require.NoError(t, err)

	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestHash_DifferentValueDiffers(t *testing.T) {
	a := mustObservation(t, []string{"loss"}, `{"rtt":12}`)
	b := mustObservation(t, []string{"loss"}, `{"rtt":13}`)

	ha, err := Hash(a)
	require.NoError(t, err)

	hb, err := Hash(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestHash_ValueKeyOrderDoesNotMatter(t *testing.T) {
	a := mustObservation(t, []string{"loss"}, `{"a":1,"b":2}`)
	b := mustObservation(t, []string{"loss"}, `{"b":2,"a":1}`)

	ha, err := Hash(a)
	require.NoError(t, err)

	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestHash_PathOrderMatters(t *testing.T) {
	a := mustObservation(t, []string{"loss"}, `{"rtt":12}`)
	b := mustObservation(t, []string{"loss"}, `{"rtt":12}`)
	b.Path = []string{"1234", "asn"}

	ha, err := Hash(a)
	require.NoError(t, err)

	hb, err := Hash(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestHash_FramedAgainstConcatenationAmbiguity(t *testing.T) {
	a := mustObservation(t, []string{"loss"}, `{"rtt":12}`)
	a.Path = []string{"ab", "c"}

	b := mustObservation(t, []string{"loss"}, `{"rtt":12}`)
	b.Path = []string{"a", "bc"}

	ha, err := Hash(a)
	require.NoError(t, err)

	hb, err := Hash(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestEqual(t *testing.T) {
	a := mustObservation(t, []string{"loss"}, `{"rtt":12}`)
	b := mustObservation(t, []string{"loss"}, `{"rtt":12}`)
	c := mustObservation(t, []string{"loss"}, `{"rtt":99}`)

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}

func TestSources_UploadActionIDs(t *testing.T) {
	s := Sources{"abc123.upl", "obs-xyz", "def456.upl"}

	assert.Equal(t, []string{"abc123", "def456"}, s.UploadActionIDs())
}

func TestIsValid(t *testing.T) {
	o := &Observation{ActionIDs: []ActionIDEntry{{ID: 5, Valid: true}}}
	assert.True(t, o.IsValid())

	o2 := &Observation{ActionIDs: []ActionIDEntry{{ID: 5, Valid: false}}}
	assert.False(t, o2.IsValid())

	o3 := &Observation{}
	assert.False(t, o3.IsValid())
}
