package process

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/paths"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		command string
		program string
		args    []string
	}{
		{"node server.js", "node", []string{"server.js"}},
		{"sleep", "sleep", nil},
		{"echo hello world", "echo", []string{"hello", "world"}},
		{`bash -c "echo hello"`, "bash", []string{"-c", "echo hello"}},
		{"echo 'hello world'", "echo", []string{"hello world"}},
	}
	for _, tt := range tests {
		program, args, err := ParseCommand(tt.command)
		require.NoError(t, err, tt.command)
		assert.Equal(t, tt.program, program)
		if len(tt.args) == 0 {
			assert.Empty(t, args)
		} else {
			assert.Equal(t, tt.args, args)
		}
	}
}

func TestParseCommandEmpty(t *testing.T) {
	for _, command := range []string{"", "   "} {
		_, _, err := ParseCommand(command)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidCommand, apperrors.Code(err))
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name string
		want syscall.Signal
	}{
		{"SIGTERM", syscall.SIGTERM},
		{"SIGINT", syscall.SIGINT},
		{"SIGHUP", syscall.SIGHUP},
		{"SIGUSR1", syscall.SIGUSR1},
		{"SIGUSR2", syscall.SIGUSR2},
		{"TERM", syscall.SIGTERM},
		{"hup", syscall.SIGHUP},
	}
	for _, tt := range tests {
		sig, err := ParseSignal(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, sig)
	}
}

func TestParseSignalInvalid(t *testing.T) {
	for _, name := range []string{"BOGUS", ""} {
		_, err := ParseSignal(name)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidSignal, apperrors.Code(err))
	}
}

func testConfig(policy procconf.RestartPolicy) procconf.ProcessConfig {
	return procconf.ProcessConfig{Command: "echo test", Restart: policy}
}

func intp(v int) *int { return &v }

func TestRestartNever(t *testing.T) {
	cfg := testConfig(procconf.RestartNever)
	assert.False(t, EvaluateRestartPolicy(&cfg, intp(1), 0))
	assert.False(t, EvaluateRestartPolicy(&cfg, intp(0), 0))
}

func TestRestartAlways(t *testing.T) {
	cfg := testConfig(procconf.RestartAlways)
	assert.True(t, EvaluateRestartPolicy(&cfg, intp(0), 0))
	assert.True(t, EvaluateRestartPolicy(&cfg, intp(1), 0))
}

func TestRestartOnFailure(t *testing.T) {
	cfg := testConfig(procconf.RestartOnFailure)
	assert.False(t, EvaluateRestartPolicy(&cfg, intp(0), 0))
	assert.True(t, EvaluateRestartPolicy(&cfg, intp(1), 0))
}

func TestRestartDefaultIsOnFailure(t *testing.T) {
	cfg := testConfig("")
	assert.False(t, EvaluateRestartPolicy(&cfg, intp(0), 0))
	assert.True(t, EvaluateRestartPolicy(&cfg, intp(1), 0))
}

func TestRestartStopExitCodes(t *testing.T) {
	cfg := testConfig(procconf.RestartOnFailure)
	cfg.StopExitCodes = []int{42, 143}
	assert.False(t, EvaluateRestartPolicy(&cfg, intp(42), 0))
	assert.False(t, EvaluateRestartPolicy(&cfg, intp(143), 0))
	assert.True(t, EvaluateRestartPolicy(&cfg, intp(1), 0))
}

func TestRestartMaxRestartsExceeded(t *testing.T) {
	cfg := testConfig(procconf.RestartAlways)
	max := uint32(3)
	cfg.MaxRestarts = &max
	assert.True(t, EvaluateRestartPolicy(&cfg, intp(1), 2))
	assert.False(t, EvaluateRestartPolicy(&cfg, intp(1), 3))
	assert.False(t, EvaluateRestartPolicy(&cfg, intp(1), 4))
}

func TestRestartSignalKilledCountsAsFailure(t *testing.T) {
	cfg := testConfig(procconf.RestartOnFailure)
	assert.True(t, EvaluateRestartPolicy(&cfg, nil, 0))
}

func TestBackoffSequence(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(0))
	assert.Equal(t, 200*time.Millisecond, Backoff(1))
	assert.Equal(t, 400*time.Millisecond, Backoff(2))
	assert.Equal(t, 800*time.Millisecond, Backoff(3))
	assert.Equal(t, 1600*time.Millisecond, Backoff(4))
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	for k := uint32(0); k < 12; k++ {
		next := Backoff(k + 1)
		doubled := 2 * Backoff(k)
		if doubled > BackoffCap {
			doubled = BackoffCap
		}
		assert.Equal(t, doubled, next, "k=%d", k)
	}
}

func TestBackoffCap(t *testing.T) {
	assert.Equal(t, BackoffCap, Backoff(20))
	assert.Equal(t, BackoffCap, Backoff(30))
}

func TestSpawnAndGracefulStop(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	cfg := procconf.ProcessConfig{Command: "sleep 30"}

	m, err := Spawn("sleeper", cfg, p, "", logger.Default())
	require.NoError(t, err)
	require.NotZero(t, m.PID)
	assert.Equal(t, protocol.StatusOnline, m.Status)
	assert.True(t, IsAlive(m.PID))

	// The daemon's exit monitor reaps the child; stand in for it here.
	go func() { _ = m.Cmd().Wait() }()

	pid := m.PID
	require.NoError(t, m.GracefulStop())
	assert.Equal(t, protocol.StatusStopped, m.Status)
	assert.Zero(t, m.PID)
	assert.True(t, m.Cancelled())

	require.Eventually(t, func() bool { return !IsAlive(pid) },
		5*time.Second, 20*time.Millisecond)
}

func TestGracefulStopIdempotent(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	m, err := Spawn("sleeper", procconf.ProcessConfig{Command: "sleep 30"}, p, "", logger.Default())
	require.NoError(t, err)
	go func() { _ = m.Cmd().Wait() }()

	require.NoError(t, m.GracefulStop())
	require.NoError(t, m.GracefulStop())
	assert.Equal(t, protocol.StatusStopped, m.Status)
}

func TestSpawnStartingWithHealthCheck(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	cfg := procconf.ProcessConfig{
		Command:     "sleep 30",
		HealthCheck: "tcp://127.0.0.1:1",
	}
	m, err := Spawn("checked", cfg, p, "", logger.Default())
	require.NoError(t, err)
	go func() { _ = m.Cmd().Wait() }()
	defer func() { _ = m.GracefulStop() }()

	assert.Equal(t, protocol.StatusStarting, m.Status)
}

func TestSpawnInvalidCommand(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	_, err := Spawn("bad", procconf.ProcessConfig{Command: ""}, p, "", logger.Default())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidCommand, apperrors.Code(err))
}

func TestSpawnMissingProgram(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	_, err := Spawn("bad", procconf.ProcessConfig{Command: "definitely-not-a-real-binary-xyz"}, p, "", logger.Default())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSpawnFailed, apperrors.Code(err))
}

func TestAdoptHasNoCmd(t *testing.T) {
	m := Adopt("adopted", procconf.ProcessConfig{Command: "sleep 1"}, 12345, 2)
	assert.Nil(t, m.Cmd())
	assert.Equal(t, 12345, m.PID)
	assert.Equal(t, uint32(2), m.Restarts)
	assert.Equal(t, protocol.StatusOnline, m.Status)

	checked := Adopt("adopted2", procconf.ProcessConfig{
		Command:     "sleep 1",
		HealthCheck: "tcp://127.0.0.1:1",
	}, 12345, 0)
	assert.Equal(t, protocol.StatusStarting, checked.Status)
}

func TestExitMonitorMarksStoppedOnCleanExit(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	table := NewTable()

	m, err := Spawn("oneshot", procconf.ProcessConfig{Command: "true"}, p, "", logger.Default())
	require.NoError(t, err)

	table.WithWrite(func(procs map[string]*Managed) { procs["oneshot"] = m })
	SpawnExitMonitor("oneshot", m.Cmd(), m.PID, table, func(string, procconf.ProcessConfig, uint32) error {
		t.Fatal("clean exit must not respawn")
		return nil
	}, logger.Default())

	require.Eventually(t, func() bool {
		got, _ := table.Get("oneshot")
		return got.Status == protocol.StatusStopped && got.PID == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExitMonitorRespawnsOnFailure(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	table := NewTable()

	m, err := Spawn("flaky", procconf.ProcessConfig{Command: "sh -c 'exit 1'"}, p, "", logger.Default())
	require.NoError(t, err)

	respawned := make(chan uint32, 1)
	table.WithWrite(func(procs map[string]*Managed) { procs["flaky"] = m })
	SpawnExitMonitor("flaky", m.Cmd(), m.PID, table, func(name string, cfg procconf.ProcessConfig, restarts uint32) error {
		respawned <- restarts
		return nil
	}, logger.Default())

	select {
	case restarts := <-respawned:
		assert.Equal(t, uint32(1), restarts)
	case <-time.After(5 * time.Second):
		t.Fatal("exit monitor did not respawn")
	}
}

func TestExitMonitorSkipsRespawnAfterCancel(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	table := NewTable()

	m, err := Spawn("stopped", procconf.ProcessConfig{Command: "sleep 30"}, p, "", logger.Default())
	require.NoError(t, err)
	table.WithWrite(func(procs map[string]*Managed) { procs["stopped"] = m })

	SpawnExitMonitor("stopped", m.Cmd(), m.PID, table, func(string, procconf.ProcessConfig, uint32) error {
		t.Error("cancelled record must not respawn")
		return nil
	}, logger.Default())

	table.WithWrite(func(procs map[string]*Managed) {
		require.NoError(t, procs["stopped"].GracefulStop())
	})

	require.Eventually(t, func() bool {
		got, _ := table.Get("stopped")
		return got.Status == protocol.StatusStopped
	}, 5*time.Second, 20*time.Millisecond)
	// Give a mis-firing respawn a moment to surface.
	time.Sleep(200 * time.Millisecond)
}
