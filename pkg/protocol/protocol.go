// Package protocol defines the wire format spoken over the Supervisor's
// line-delimited JSON socket: the request/response envelope every agent
// (an analyzer subprocess, or an online interactive session) uses to ask
// the Supervisor for its connection info and to report results, plus the
// PTO_CREDENTIALS payload handed to a spawned analyzer via its
// environment.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Request is one line of the socket protocol: the caller's identity, an
// action name, and an arbitrary payload keyed to whichever action-specific
// struct applies. Identifier/Token authenticate the request against the
// agent the Supervisor created for this analyzer run or online session;
// every request on the shared socket carries them, since one listener
// serves every concurrently running agent.
type Request struct {
	Identifier string          `json:"identifier"`
	Token      string          `json:"token"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Response mirrors a Request: either Result is populated, or Error is, but
// never both.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Recognised actions, matching the reference AgentBase/ScriptAgent request
// handlers.
const (
	ActionGetInfo             = "get_info"
	ActionGetSpark            = "get_spark"
	ActionGetDistributed      = "get_distributed"
	ActionSetResultInfo       = "set_result_info"
	ActionSetResultInfoDirect = "set_result_info_direct"
)

// GetInfoResult answers get_info: the agent's scoped datastore connection
// details and the analyzer context it is executing under.
type GetInfoResult struct {
	URL           string   `json:"url"`
	Output        [2]string `json:"output"`
	Observations  [2]string `json:"observations"`
	Metadata      [2]string `json:"metadata"`
	AnalyzerID    string   `json:"analyzer_id"`
	ActionID      int64    `json:"action_id"`
	InputFormats  []string `json:"input_formats"`
	InputTypes    []string `json:"input_types"`
	OutputTypes   []string `json:"output_types"`
}

// TimeSpan is a wire-shape [start, end] pair for set_result_info, matching
// the 2-element array convention used throughout the protocol.
type TimeSpan [2]time.Time

// SetResultInfoPayload is the payload of a set_result_info request: the
// analyzer reports the maximum action id and timespans it actually
// considered, which may differ from what it was originally asked to
// process if new uploads or upstream output arrived while it ran.
type SetResultInfoPayload struct {
	MaxActionID int64      `json:"max_action_id"`
	Timespans   []TimeSpan `json:"timespans"`
}

// SetResultInfoResult acknowledges a well-formed set_result_info request.
type SetResultInfoResult struct {
	Accepted bool `json:"accepted"`
}

// SetResultInfoDirectPayload is the set_result_info_direct counterpart for
// direct analyzers: they report the upload ids they processed instead of
// timespans.
type SetResultInfoDirectPayload struct {
	MaxActionID int64    `json:"max_action_id"`
	UploadIDs   []string `json:"upload_ids"`
}

// Credentials is the JSON payload passed to a spawned analyzer subprocess
// via the PTO_CREDENTIALS environment variable, letting it dial back into
// the Supervisor's socket and authenticate as its own scoped identity.
type Credentials struct {
	Identifier string `json:"identifier"`
	Token      string `json:"token"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

// EnvVar is the environment variable name the Supervisor sets for spawned
// analyzer subprocesses.
const EnvVar = "PTO_CREDENTIALS"

// MaxLineLength is the largest request/response line the socket protocol
// accepts. A caller that exceeds it gets ErrLineTooLong and, per §6, the
// Supervisor drops the line and resets the connection silently rather than
// replying with an error.
const MaxLineLength = 20 * 1024 * 1024

// ErrLineTooLong means a line on the wire exceeded MaxLineLength.
var ErrLineTooLong = errors.New("protocol: line exceeds max length")

// Conn wraps a line-delimited JSON connection, reading and writing one
// Request/Response per line.
type Conn struct {
	r *bufio.Reader
	w io.Writer
}

// NewConn wraps rw as a line-delimited JSON protocol connection.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: bufio.NewReader(rw), w: rw}
}

// ReadRequest reads and decodes one newline-terminated Request.
func (c *Conn) ReadRequest() (Request, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Request{}, err
	}

	if len(line) > MaxLineLength {
		return Request{}, ErrLineTooLong
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("protocol: decoding request: %w", err)
	}

	return req, nil
}

// WriteResponse encodes and writes resp followed by a newline.
func (c *Conn) WriteResponse(resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("protocol: encoding response: %w", err)
	}

	b = append(b, '\n')

	_, err = c.w.Write(b)

	return err
}

// WriteRequest encodes and writes req followed by a newline; used by an
// analyzer-side client dialing back into the Supervisor.
func (c *Conn) WriteRequest(req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("protocol: encoding request: %w", err)
	}

	b = append(b, '\n')

	_, err = c.w.Write(b)

	return err
}

// ReadResponse reads and decodes one newline-terminated Response.
func (c *Conn) ReadResponse() (Response, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("protocol: decoding response: %w", err)
	}

	return resp, nil
}

// NewPayload marshals v into a Request's raw Payload field.
func NewPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding payload: %w", err)
	}

	return b, nil
}

// DecodePayload unmarshals a Request's raw Payload field into v.
func DecodePayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("protocol: decoding payload: %w", err)
	}

	return nil
}

// NewResult marshals v into a Response's raw Result field.
func NewResult(v any) (Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("protocol: encoding result: %w", err)
	}

	return Response{Result: b}, nil
}

// ErrorResponse builds an error Response from err.
func ErrorResponse(err error) Response {
	return Response{Error: err.Error()}
}
