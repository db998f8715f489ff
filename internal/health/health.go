// Package health implements the HTTP/TCP startup prober that promotes a
// Starting record to Online or demotes it to Unhealthy.
package health

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

const (
	// CheckInterval is the probe cadence.
	CheckInterval = time.Second
	// AttemptTimeout bounds one probe attempt.
	AttemptTimeout = 2 * time.Second
	// DefaultTimeoutSecs bounds the wait for the first passing probe.
	DefaultTimeoutSecs = 30
)

// Target is a parsed health check destination.
type Target struct {
	URL  string // http(s) form, empty for tcp targets
	Host string
	Port int
}

// IsHTTP reports whether the target probes over HTTP.
func (t Target) IsHTTP() bool {
	return t.URL != ""
}

// ParseTarget parses a health check URL. The grammar accepts http://,
// https://, tcp://host:port, and tcp://[ipv6]:port.
func ParseTarget(url string) (Target, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return Target{URL: url}, nil
	}

	rest, ok := strings.CutPrefix(url, "tcp://")
	if !ok {
		return Target{}, apperrors.Newf(apperrors.ErrCodeHealthConfigInvalid,
			"unsupported health check scheme: %s", url)
	}

	var host, portStr string
	if inner, bracketed := strings.CutPrefix(rest, "["); bracketed {
		host, portStr, ok = strings.Cut(inner, "]:")
		if !ok {
			return Target{}, apperrors.Newf(apperrors.ErrCodeHealthConfigInvalid,
				"invalid TCP health check URL (bad IPv6 format): %s", url)
		}
	} else {
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return Target{}, apperrors.Newf(apperrors.ErrCodeHealthConfigInvalid,
				"invalid TCP health check URL (missing port): %s", url)
		}
		host, portStr = rest[:idx], rest[idx+1:]
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Target{}, apperrors.Newf(apperrors.ErrCodeHealthConfigInvalid,
			"invalid TCP health check port: %s", portStr)
	}

	return Target{Host: host, Port: port}, nil
}

// Probe runs one attempt against the target.
func Probe(client *http.Client, target Target) bool {
	if target.IsHTTP() {
		resp, err := client.Get(target.URL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	conn, err := net.DialTimeout("tcp", addr, AttemptTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SpawnStartupChecker probes the record's configured readiness check, then
// its health check, while the record stays in Starting. The first pass of
// the final check publishes Online; a timeout publishes Unhealthy; a
// cancelled or replaced record ends the checker silently.
func SpawnStartupChecker(name string, config CheckConfig, table *process.Table, done <-chan struct{}, log *logger.Logger) {
	go func() {
		runStartupChecks(name, config, table, done, log)
	}()
}

// CheckConfig carries the probe-relevant configuration slice.
type CheckConfig struct {
	ReadinessCheck   string
	ReadinessTimeout *uint64
	HealthCheck      string
}

type parsedCheck struct {
	kind        string
	target      Target
	timeoutSecs uint64
}

func runStartupChecks(name string, config CheckConfig, table *process.Table, done <-chan struct{}, log *logger.Logger) {
	plog := log.WithProcess(name)

	var checks []parsedCheck
	if config.ReadinessCheck != "" {
		target, err := ParseTarget(config.ReadinessCheck)
		if err != nil {
			plog.Error("invalid readiness check", zap.Error(err))
			setUnhealthyIfStarting(name, table)
			return
		}
		timeout := uint64(DefaultTimeoutSecs)
		if config.ReadinessTimeout != nil {
			timeout = *config.ReadinessTimeout
		}
		checks = append(checks, parsedCheck{kind: "readiness", target: target, timeoutSecs: timeout})
	}
	if config.HealthCheck != "" {
		target, err := ParseTarget(config.HealthCheck)
		if err != nil {
			plog.Error("invalid health check", zap.Error(err))
			setUnhealthyIfStarting(name, table)
			return
		}
		checks = append(checks, parsedCheck{kind: "health", target: target, timeoutSecs: DefaultTimeoutSecs})
	}
	if len(checks) == 0 {
		return
	}

	client := &http.Client{Timeout: AttemptTimeout}

	for _, check := range checks {
		switch waitForPass(name, check, table, done, client) {
		case passOutcomePassed:
		case passOutcomeTimedOut:
			plog.Warn(fmt.Sprintf("%s check timed out", check.kind),
				zap.Uint64("timeout_secs", check.timeoutSecs))
			setUnhealthyIfStarting(name, table)
			return
		case passOutcomeAborted:
			return
		}
	}

	setOnlineIfStarting(name, table)
}

type passOutcome int

const (
	passOutcomePassed passOutcome = iota
	passOutcomeTimedOut
	passOutcomeAborted
)

func waitForPass(name string, check parsedCheck, table *process.Table, done <-chan struct{}, client *http.Client) passOutcome {
	for i := uint64(0); i < check.timeoutSecs; i++ {
		select {
		case <-done:
			return passOutcomeAborted
		default:
		}

		// The prober only drives transitions while the record is Starting.
		starting := false
		table.WithRead(func(procs map[string]*process.Managed) {
			if managed, ok := procs[name]; ok {
				starting = managed.Status == protocol.StatusStarting
			}
		})
		if !starting {
			return passOutcomeAborted
		}

		if Probe(client, check.target) {
			return passOutcomePassed
		}

		select {
		case <-done:
			return passOutcomeAborted
		case <-time.After(CheckInterval):
		}
	}

	return passOutcomeTimedOut
}

func setUnhealthyIfStarting(name string, table *process.Table) {
	table.WithWrite(func(procs map[string]*process.Managed) {
		if managed, ok := procs[name]; ok && managed.Status == protocol.StatusStarting {
			managed.Status = protocol.StatusUnhealthy
		}
	})
}

func setOnlineIfStarting(name string, table *process.Table) {
	table.WithWrite(func(procs map[string]*process.Managed) {
		if managed, ok := procs[name]; ok && managed.Status == protocol.StatusStarting {
			managed.Status = protocol.StatusOnline
		}
	})
}
