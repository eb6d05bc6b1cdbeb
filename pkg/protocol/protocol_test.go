package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_RequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	writer := NewConn(&buf)

	payload, err := NewPayload(SetResultInfoPayload{
		MaxActionID: 42,
		Timespans:   []TimeSpan{{time.Unix(0, 0), time.Unix(100, 0)}},
	})
	require.NoError(t, err)

	require.NoError(t, writer.WriteRequest(Request{Action: ActionSetResultInfo, Payload: payload}))

	reader := NewConn(&buf)

	req, err := reader.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, ActionSetResultInfo, req.Action)

	var decoded SetResultInfoPayload
	require.NoError(t, DecodePayload(req.Payload, &decoded))
	assert.EqualValues(t, 42, decoded.MaxActionID)
	require.Len(t, decoded.Timespans, 1)
}

func TestConn_ResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	writer := NewConn(&buf)

	resp, err := NewResult(GetInfoResult{AnalyzerID: "rtt-analyzer", ActionID: 7})
	require.NoError(t, err)

	require.NoError(t, writer.WriteResponse(resp))

	reader := NewConn(&buf)

	got, err := reader.ReadResponse()
	require.NoError(t, err)
	assert.Empty(t, got.Error)

	var decoded GetInfoResult
	require.NoError(t, DecodePayload(got.Result, &decoded))
	assert.Equal(t, "rtt-analyzer", decoded.AnalyzerID)
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(assert.AnError)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, resp.Result)
}
