// Package protocol defines the line-delimited JSON wire protocol between
// the pm3 client and daemon.
//
// Every message is a single JSON object followed by '\n'. Requests and
// responses are tagged unions discriminated by a "type" field; field names
// are snake_case, unknown request fields are rejected, and optional fields
// are omitted when unset.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/procconf"
)

// DefaultLogLines is the backfill length used when a log request omits lines.
const DefaultLogLines = 15

// Request is implemented by every client request variant.
type Request interface {
	requestType() string
}

// StartRequest launches the given configurations, optionally filtered by
// names (process or group names) and overlaid with a named environment.
type StartRequest struct {
	Configs map[string]procconf.ProcessConfig `json:"configs"`
	Names   []string                          `json:"names,omitempty"`
	Env     string                            `json:"env,omitempty"`
	Wait    bool                              `json:"wait,omitempty"`
	Path    string                            `json:"path,omitempty"`
}

// StopRequest gracefully stops the named processes, or all of them.
type StopRequest struct {
	Names []string `json:"names,omitempty"`
}

// RestartRequest stops and re-starts the named processes, or all of them.
type RestartRequest struct {
	Names []string `json:"names,omitempty"`
}

// ListRequest asks for the process table summary.
type ListRequest struct{}

// KillRequest asks the daemon to shut down.
type KillRequest struct{}

// ReloadRequest performs a zero-downtime reload of the named processes.
type ReloadRequest struct {
	Names []string `json:"names,omitempty"`
	Path  string   `json:"path,omitempty"`
}

// InfoRequest asks for the detailed projection of one process.
type InfoRequest struct {
	Name string `json:"name"`
}

// SignalRequest delivers a named signal to one process.
type SignalRequest struct {
	Name   string `json:"name"`
	Signal string `json:"signal"`
}

// SaveRequest persists the process table to the dump file.
type SaveRequest struct{}

// ResurrectRequest restores the process table from the dump file.
type ResurrectRequest struct {
	Path string `json:"path,omitempty"`
}

// FlushRequest truncates log files for the named processes, or all of them.
type FlushRequest struct {
	Names []string `json:"names,omitempty"`
}

// LogRequest streams a log backfill and, optionally, live lines.
type LogRequest struct {
	Name   string `json:"name,omitempty"`
	Lines  int    `json:"lines,omitempty"`
	Follow bool   `json:"follow,omitempty"`
}

func (StartRequest) requestType() string     { return "start" }
func (StopRequest) requestType() string      { return "stop" }
func (RestartRequest) requestType() string   { return "restart" }
func (ListRequest) requestType() string      { return "list" }
func (KillRequest) requestType() string      { return "kill" }
func (ReloadRequest) requestType() string    { return "reload" }
func (InfoRequest) requestType() string      { return "info" }
func (SignalRequest) requestType() string    { return "signal" }
func (SaveRequest) requestType() string      { return "save" }
func (ResurrectRequest) requestType() string { return "resurrect" }
func (FlushRequest) requestType() string     { return "flush" }
func (LogRequest) requestType() string       { return "log" }

// Response is implemented by every daemon response variant.
type Response interface {
	responseType() string
}

// SuccessResponse reports a completed operation.
type SuccessResponse struct {
	Message string `json:"message,omitempty"`
}

// ErrorResponse reports a failed operation.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ProcessListResponse carries the process table summary.
type ProcessListResponse struct {
	Processes []ProcessInfo `json:"processes"`
}

// ProcessDetailResponse carries one detailed process projection.
type ProcessDetailResponse struct {
	Info ProcessDetail `json:"info"`
}

// LogLineResponse carries one log line in a log stream.
type LogLineResponse struct {
	Name string `json:"name,omitempty"`
	Line string `json:"line"`
}

func (SuccessResponse) responseType() string       { return "success" }
func (ErrorResponse) responseType() string         { return "error" }
func (ProcessListResponse) responseType() string   { return "process_list" }
func (ProcessDetailResponse) responseType() string { return "process_detail" }
func (LogLineResponse) responseType() string       { return "log_line" }

// ProcessStatus is the lifecycle state of a supervised process.
type ProcessStatus string

const (
	StatusStarting  ProcessStatus = "starting"
	StatusOnline    ProcessStatus = "online"
	StatusUnhealthy ProcessStatus = "unhealthy"
	StatusStopped   ProcessStatus = "stopped"
	StatusErrored   ProcessStatus = "errored"
)

// Running reports whether the status implies a live child.
func (s ProcessStatus) Running() bool {
	switch s {
	case StatusStarting, StatusOnline, StatusUnhealthy:
		return true
	}
	return false
}

// ProcessInfo is the summary row returned by list.
type ProcessInfo struct {
	Name        string        `json:"name"`
	PID         *int          `json:"pid,omitempty"`
	Status      ProcessStatus `json:"status"`
	Uptime      *uint64       `json:"uptime,omitempty"`
	Restarts    uint32        `json:"restarts"`
	CPUPercent  *float64      `json:"cpu_percent,omitempty"`
	MemoryBytes *uint64       `json:"memory_bytes,omitempty"`
	Group       string        `json:"group,omitempty"`
}

// ProcessDetail is the full projection returned by info.
type ProcessDetail struct {
	Name        string            `json:"name"`
	PID         *int              `json:"pid,omitempty"`
	Status      ProcessStatus     `json:"status"`
	Uptime      *uint64           `json:"uptime,omitempty"`
	Restarts    uint32            `json:"restarts"`
	CPUPercent  *float64          `json:"cpu_percent,omitempty"`
	MemoryBytes *uint64           `json:"memory_bytes,omitempty"`
	Group       string            `json:"group,omitempty"`
	Command     string            `json:"command"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	StdoutLog   string            `json:"stdout_log,omitempty"`
	StderrLog   string            `json:"stderr_log,omitempty"`
	HealthCheck string            `json:"health_check,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

type envelope struct {
	Type string `json:"type"`
}

// EncodeRequest serializes a request as one JSON line.
func EncodeRequest(req Request) ([]byte, error) {
	return encodeTagged(req.requestType(), req)
}

// EncodeResponse serializes a response as one JSON line.
func EncodeResponse(resp Response) ([]byte, error) {
	return encodeTagged(resp.responseType(), resp)
}

// encodeTagged injects the type discriminator into the variant's own
// object and appends the trailing newline.
func encodeTagged(tag string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to serialize message")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	tagJSON, _ := json.Marshal(tag)
	buf.Write(tagJSON)
	if !bytes.Equal(body, []byte("{}")) {
		buf.WriteByte(',')
		buf.Write(body[1 : len(body)-1])
	}
	buf.WriteByte('}')
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// DecodeRequest parses one request line. Unknown types, unknown fields,
// and missing required fields are rejected as malformed.
func DecodeRequest(line string) (Request, error) {
	trimmed := strings.TrimRight(line, "\r\n \t")
	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, malformed(err.Error())
	}

	var req Request
	switch env.Type {
	case "start":
		req = &StartRequest{}
	case "stop":
		req = &StopRequest{}
	case "restart":
		req = &RestartRequest{}
	case "list":
		req = &ListRequest{}
	case "kill":
		req = &KillRequest{}
	case "reload":
		req = &ReloadRequest{}
	case "info":
		req = &InfoRequest{}
	case "signal":
		req = &SignalRequest{}
	case "save":
		req = &SaveRequest{}
	case "resurrect":
		req = &ResurrectRequest{}
	case "flush":
		req = &FlushRequest{}
	case "log":
		req = &LogRequest{Lines: DefaultLogLines}
	default:
		return nil, malformed(fmt.Sprintf("unknown request type: %q", env.Type))
	}

	if err := strictUnmarshal(trimmed, req); err != nil {
		return nil, malformed(err.Error())
	}

	switch r := req.(type) {
	case *InfoRequest:
		if r.Name == "" {
			return nil, malformed("info request requires a name")
		}
	case *SignalRequest:
		if r.Name == "" || r.Signal == "" {
			return nil, malformed("signal request requires a name and a signal")
		}
	case *StartRequest:
		if r.Configs == nil {
			return nil, malformed("start request requires configs")
		}
	}

	return req, nil
}

// DecodeResponse parses one response line.
func DecodeResponse(line string) (Response, error) {
	trimmed := strings.TrimRight(line, "\r\n \t")
	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, malformed(err.Error())
	}

	var resp Response
	switch env.Type {
	case "success":
		resp = &SuccessResponse{}
	case "error":
		resp = &ErrorResponse{}
	case "process_list":
		resp = &ProcessListResponse{}
	case "process_detail":
		resp = &ProcessDetailResponse{}
	case "log_line":
		resp = &LogLineResponse{}
	default:
		return nil, malformed(fmt.Sprintf("unknown response type: %q", env.Type))
	}

	if err := json.Unmarshal([]byte(trimmed), resp); err != nil {
		return nil, malformed(err.Error())
	}
	return resp, nil
}

// strictUnmarshal decodes into v rejecting any field that is neither the
// type discriminator nor a field of the variant.
func strictUnmarshal(data string, v any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return err
	}
	delete(fields, "type")
	filtered, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(filtered))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func malformed(msg string) error {
	return apperrors.Newf(apperrors.ErrCodeProtocolMalformed, "malformed message: %s", msg)
}
