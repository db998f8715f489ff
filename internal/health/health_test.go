package health

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

func TestParseHTTPTargets(t *testing.T) {
	target, err := ParseTarget("http://127.0.0.1:3000/health")
	require.NoError(t, err)
	assert.True(t, target.IsHTTP())
	assert.Equal(t, "http://127.0.0.1:3000/health", target.URL)

	target, err = ParseTarget("https://localhost:8443/ready")
	require.NoError(t, err)
	assert.True(t, target.IsHTTP())
}

func TestParseTCPTargets(t *testing.T) {
	tests := []struct {
		url  string
		host string
		port int
	}{
		{"tcp://127.0.0.1:5432", "127.0.0.1", 5432},
		{"tcp://localhost:6379", "localhost", 6379},
		{"tcp://[::1]:5432", "::1", 5432},
		{"tcp://[2001:db8::1]:8080", "2001:db8::1", 8080},
	}
	for _, tt := range tests {
		target, err := ParseTarget(tt.url)
		require.NoError(t, err, tt.url)
		assert.False(t, target.IsHTTP())
		assert.Equal(t, tt.host, target.Host)
		assert.Equal(t, tt.port, target.Port)
	}
}

func TestParseInvalidTargets(t *testing.T) {
	tests := []string{
		"ftp://example.com",
		"tcp://127.0.0.1",
		"tcp://127.0.0.1:abc",
		"tcp://[::1:8080",
		"",
	}
	for _, url := range tests {
		_, err := ParseTarget(url)
		require.Error(t, err, url)
		assert.Equal(t, apperrors.ErrCodeHealthConfigInvalid, apperrors.Code(err))
	}
}

func TestProbeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: AttemptTimeout}
	assert.True(t, Probe(client, Target{URL: srv.URL + "/ok"}))
	assert.False(t, Probe(client, Target{URL: srv.URL + "/bad"}))
}

func TestProbeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	client := &http.Client{Timeout: AttemptTimeout}
	assert.True(t, Probe(client, Target{Host: "127.0.0.1", Port: port}))
	assert.False(t, Probe(client, Target{Host: "127.0.0.1", Port: 1}))
}

func startingRecord(name string) *process.Managed {
	cfg := procconf.ProcessConfig{
		Command:     "sleep 30",
		HealthCheck: "tcp://127.0.0.1:1",
	}
	m := process.Adopt(name, cfg, 99999999, 0)
	m.Status = protocol.StatusStarting
	return m
}

func TestStartupCheckerPromotesToOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	table := process.NewTable()
	m := startingRecord("web")
	table.WithWrite(func(procs map[string]*process.Managed) { procs["web"] = m })

	SpawnStartupChecker("web", CheckConfig{HealthCheck: srv.URL}, table, m.Done(), logger.Default())

	require.Eventually(t, func() bool {
		got, _ := table.Get("web")
		return got.Status == protocol.StatusOnline
	}, 10*time.Second, 50*time.Millisecond)
}

func TestStartupCheckerDemotesOnBadURL(t *testing.T) {
	table := process.NewTable()
	m := startingRecord("web")
	table.WithWrite(func(procs map[string]*process.Managed) { procs["web"] = m })

	SpawnStartupChecker("web", CheckConfig{HealthCheck: "ftp://bad"}, table, m.Done(), logger.Default())

	require.Eventually(t, func() bool {
		got, _ := table.Get("web")
		return got.Status == protocol.StatusUnhealthy
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStartupCheckerExitsWhenCancelled(t *testing.T) {
	table := process.NewTable()
	m := startingRecord("web")
	table.WithWrite(func(procs map[string]*process.Managed) { procs["web"] = m })

	SpawnStartupChecker("web", CheckConfig{HealthCheck: "tcp://127.0.0.1:1"}, table, m.Done(), logger.Default())
	m.Cancel()

	// The checker must not flip the record after cancellation.
	time.Sleep(2500 * time.Millisecond)
	got, _ := table.Get("web")
	assert.Equal(t, protocol.StatusStarting, got.Status)
}

func TestStartupCheckerReadinessBeforeHealth(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	table := process.NewTable()
	m := startingRecord("web")
	table.WithWrite(func(procs map[string]*process.Managed) { procs["web"] = m })

	SpawnStartupChecker("web", CheckConfig{
		ReadinessCheck: srv.URL + "/ready",
		HealthCheck:    srv.URL + "/health",
	}, table, m.Done(), logger.Default())

	require.Eventually(t, func() bool {
		got, _ := table.Get("web")
		return got.Status == protocol.StatusOnline
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, hits)
	assert.Equal(t, "/ready", hits[0])
	assert.Contains(t, hits, "/health")
}
