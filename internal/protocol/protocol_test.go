package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/procconf"
)

func roundtripRequest(t *testing.T, req Request) Request {
	t.Helper()
	encoded, err := EncodeRequest(req)
	require.NoError(t, err)
	decoded, err := DecodeRequest(string(encoded))
	require.NoError(t, err)
	return decoded
}

func roundtripResponse(t *testing.T, resp Response) Response {
	t.Helper()
	encoded, err := EncodeResponse(resp)
	require.NoError(t, err)
	decoded, err := DecodeResponse(string(encoded))
	require.NoError(t, err)
	return decoded
}

func TestStartRequestRoundtrip(t *testing.T) {
	req := &StartRequest{
		Configs: map[string]procconf.ProcessConfig{
			"web": {Command: "node server.js", Cwd: "/app"},
		},
		Names: []string{"web"},
		Env:   "production",
		Path:  "/usr/bin:/usr/local/bin",
	}
	assert.Equal(t, req, roundtripRequest(t, req))

	reqWait := &StartRequest{
		Configs: map[string]procconf.ProcessConfig{"web": {Command: "node server.js"}},
		Wait:    true,
	}
	assert.Equal(t, reqWait, roundtripRequest(t, reqWait))
}

func TestSimpleRequestRoundtrips(t *testing.T) {
	tests := []Request{
		&StopRequest{Names: []string{"web", "api"}},
		&RestartRequest{},
		&ListRequest{},
		&KillRequest{},
		&ReloadRequest{Names: []string{"worker"}, Path: "/usr/bin"},
		&InfoRequest{Name: "web"},
		&SignalRequest{Name: "web", Signal: "SIGHUP"},
		&SaveRequest{},
		&ResurrectRequest{Path: "/usr/bin"},
		&FlushRequest{},
		&LogRequest{Name: "web", Lines: 30, Follow: true},
	}
	for _, req := range tests {
		assert.Equal(t, req, roundtripRequest(t, req))
	}
}

func TestLogRequestDefaultsLines(t *testing.T) {
	decoded, err := DecodeRequest(`{"type":"log"}`)
	require.NoError(t, err)
	log := decoded.(*LogRequest)
	assert.Equal(t, DefaultLogLines, log.Lines)
	assert.False(t, log.Follow)
}

func TestResponseRoundtrips(t *testing.T) {
	pid := 1234
	uptime := uint64(3600)
	cpu := 1.5
	mem := uint64(52428800)

	tests := []Response{
		&SuccessResponse{Message: "all processes started"},
		&SuccessResponse{},
		&ErrorResponse{Message: "process not found"},
		&ProcessListResponse{
			Processes: []ProcessInfo{
				{
					Name: "web", PID: &pid, Status: StatusOnline, Uptime: &uptime,
					Restarts: 2, CPUPercent: &cpu, MemoryBytes: &mem, Group: "backend",
				},
				{Name: "worker", Status: StatusStopped},
			},
		},
		&ProcessDetailResponse{
			Info: ProcessDetail{
				Name: "web", PID: &pid, Status: StatusOnline,
				Command: "node server.js", Cwd: "/app",
				Env:         map[string]string{"PORT": "3000"},
				StdoutLog:   "/data/logs/web-out.log",
				StderrLog:   "/data/logs/web-err.log",
				HealthCheck: "http://localhost:3000/health",
				DependsOn:   []string{"db"},
			},
		},
		&LogLineResponse{Name: "web", Line: "Server started on port 3000"},
		&LogLineResponse{Line: "some output"},
	}
	for _, resp := range tests {
		assert.Equal(t, resp, roundtripResponse(t, resp))
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := DecodeRequest("not json at all")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeProtocolMalformed, apperrors.Code(err))
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodeRequest(`{"type":"bogus"}`)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeProtocolMalformed, apperrors.Code(err))
}

func TestDecodeMissingRequiredField(t *testing.T) {
	_, err := DecodeRequest(`{"type":"info"}`)
	require.Error(t, err)

	_, err = DecodeRequest(`{"type":"signal","name":"web"}`)
	require.Error(t, err)
}

func TestDecodeUnknownFieldRejected(t *testing.T) {
	_, err := DecodeRequest(`{"type":"stop","bogus":true}`)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeProtocolMalformed, apperrors.Code(err))
}

func TestEncodeAppendsNewline(t *testing.T) {
	encoded, err := EncodeRequest(&ListRequest{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(encoded), "\n"))
	assert.Equal(t, "{\"type\":\"list\"}\n", string(encoded))

	encoded, err = EncodeResponse(&SuccessResponse{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(encoded), "\n"))
}

func TestDecodeTrimsTrailingWhitespace(t *testing.T) {
	encoded, err := EncodeRequest(&KillRequest{})
	require.NoError(t, err)

	decoded, err := DecodeRequest(string(encoded))
	require.NoError(t, err)
	assert.Equal(t, &KillRequest{}, decoded)

	decoded, err = DecodeRequest(string(encoded) + "  \r\n")
	require.NoError(t, err)
	assert.Equal(t, &KillRequest{}, decoded)
}

func TestStatusRunning(t *testing.T) {
	assert.True(t, StatusStarting.Running())
	assert.True(t, StatusOnline.Running())
	assert.True(t, StatusUnhealthy.Running())
	assert.False(t, StatusStopped.Running())
	assert.False(t, StatusErrored.Running())
}
