package actionlog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanMarshalsAsTwoElementArray(t *testing.T) {
	start := time.Date(2016, 6, 12, 4, 0, 0, 0, time.UTC)
	end := time.Date(2016, 6, 12, 8, 0, 0, 0, time.UTC)

	b, err := json.Marshal(Span{Start: start, End: end})
	require.NoError(t, err)

	var raw []time.Time
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Len(t, raw, 2)
	assert.True(t, raw[0].Equal(start))
	assert.True(t, raw[1].Equal(end))
}

func TestSpanRoundTrip(t *testing.T) {
	start := time.Date(2016, 6, 12, 4, 0, 0, 0, time.UTC)
	end := time.Date(2016, 6, 12, 8, 0, 0, 0, time.UTC)

	want := Span{Start: start, End: end}

	b, err := json.Marshal(want)
	require.NoError(t, err)

	var got Span
	require.NoError(t, json.Unmarshal(b, &got))

	assert.True(t, want.Start.Equal(got.Start))
	assert.True(t, want.End.Equal(got.End))
}

func TestSpanUnmarshalRejectsNonArray(t *testing.T) {
	var s Span
	err := json.Unmarshal([]byte(`{"start":"x"}`), &s)
	assert.Error(t, err)
}

func TestIntersectsSharesElement(t *testing.T) {
	assert.True(t, Intersects([]string{"a", "b"}, []string{"b", "c"}))
	assert.False(t, Intersects([]string{"a", "b"}, []string{"c", "d"}))
}

func TestIntersectsEmptySetsNeverIntersect(t *testing.T) {
	assert.False(t, Intersects(nil, []string{"a"}))
	assert.False(t, Intersects([]string{"a"}, nil))
	assert.False(t, Intersects(nil, nil))
}

func TestEntryWireShapeOmitsAnalyzeOnlyFieldsWhenEmpty(t *testing.T) {
	e := Entry{
		ID:        0,
		Action:    ActionUpload,
		Timespans: []Span{{Start: time.Now(), End: time.Now()}},
		UploadIDs: []string{"A"},
	}

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))

	assert.NotContains(t, raw, "analyzer_id")
	assert.NotContains(t, raw, "git_url")
	assert.NotContains(t, raw, "git_commit")
	assert.Equal(t, "upload", raw["action"])
}

func TestEntryWireShapeIncludesAnalyzeFields(t *testing.T) {
	e := Entry{
		ID:          1,
		Action:      ActionAnalyze,
		AnalyzerID:  "X",
		GitURL:      "git://example/repo",
		GitCommit:   "abc123",
		MaxActionID: 0,
	}

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))

	assert.Equal(t, "X", raw["analyzer_id"])
	assert.Equal(t, "git://example/repo", raw["git_url"])
	assert.Equal(t, "abc123", raw["git_commit"])
}
