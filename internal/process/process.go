// Package process implements the per-process record: spawning, graceful
// stop, restart policy, and the shared process table.
package process

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"go.uber.org/zap"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/logfile"
	"github.com/pm3/pm3/internal/paths"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/protocol"
)

const (
	// BackoffBase is the first restart delay; it doubles per consecutive
	// restart up to BackoffCap.
	BackoffBase = 100 * time.Millisecond
	BackoffCap  = 30 * time.Second

	// stopPollInterval is the liveness poll cadence during graceful stop.
	stopPollInterval = 50 * time.Millisecond
	// killSettle is the brief wait after escalating to SIGKILL.
	killSettle = 100 * time.Millisecond
)

// ParseCommand tokenizes a command line with POSIX shell-word rules.
func ParseCommand(command string) (string, []string, error) {
	words, err := shellwords.Parse(command)
	if err != nil {
		return "", nil, apperrors.InvalidCommand("failed to parse: " + err.Error())
	}
	if len(words) == 0 {
		return "", nil, apperrors.InvalidCommand("command is empty")
	}
	return words[0], words[1:], nil
}

var signalsByName = map[string]syscall.Signal{
	"SIGHUP": syscall.SIGHUP, "SIGINT": syscall.SIGINT, "SIGQUIT": syscall.SIGQUIT,
	"SIGILL": syscall.SIGILL, "SIGTRAP": syscall.SIGTRAP, "SIGABRT": syscall.SIGABRT,
	"SIGBUS": syscall.SIGBUS, "SIGFPE": syscall.SIGFPE, "SIGKILL": syscall.SIGKILL,
	"SIGUSR1": syscall.SIGUSR1, "SIGSEGV": syscall.SIGSEGV, "SIGUSR2": syscall.SIGUSR2,
	"SIGPIPE": syscall.SIGPIPE, "SIGALRM": syscall.SIGALRM, "SIGTERM": syscall.SIGTERM,
	"SIGCHLD": syscall.SIGCHLD, "SIGCONT": syscall.SIGCONT, "SIGSTOP": syscall.SIGSTOP,
	"SIGTSTP": syscall.SIGTSTP, "SIGTTIN": syscall.SIGTTIN, "SIGTTOU": syscall.SIGTTOU,
	"SIGURG": syscall.SIGURG, "SIGXCPU": syscall.SIGXCPU, "SIGXFSZ": syscall.SIGXFSZ,
	"SIGVTALRM": syscall.SIGVTALRM, "SIGPROF": syscall.SIGPROF, "SIGWINCH": syscall.SIGWINCH,
	"SIGIO": syscall.SIGIO, "SIGSYS": syscall.SIGSYS,
}

// ParseSignal resolves a signal name, accepting both "SIGHUP" and "HUP".
func ParseSignal(name string) (syscall.Signal, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if normalized == "" {
		return 0, apperrors.InvalidSignal(name)
	}
	if !strings.HasPrefix(normalized, "SIG") {
		normalized = "SIG" + normalized
	}
	sig, ok := signalsByName[normalized]
	if !ok {
		return 0, apperrors.InvalidSignal(name)
	}
	return sig, nil
}

// IsAlive probes a pid with a no-op signal; EPERM counts as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// SendSignal delivers a signal to a pid.
func SendSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Managed is the in-memory record of one supervised process. It is owned
// by the process table; all mutation happens under the table's write lock.
type Managed struct {
	Name      string
	Config    procconf.ProcessConfig
	PID       int // 0 when no live child
	Status    protocol.ProcessStatus
	StartedAt time.Time
	Restarts  uint32
	ExitCode  *int

	// Broadcaster fans live log lines out to followers.
	Broadcaster *logfile.Broadcaster

	// cancel is the record's one-shot cancellation signal, shared with
	// every auxiliary monitor and the exit monitor's no-restart check.
	ctx    context.Context
	cancel context.CancelFunc

	cmd *exec.Cmd // nil for adopted children
}

// Done returns the channel closed when the record is cancelled.
func (m *Managed) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Cancelled reports whether the cancellation signal has fired.
func (m *Managed) Cancelled() bool {
	select {
	case <-m.ctx.Done():
		return true
	default:
		return false
	}
}

// Cancel fires the record's cancellation signal. Idempotent.
func (m *Managed) Cancel() {
	m.cancel()
}

// Cmd returns the owned child command, or nil for adopted processes.
func (m *Managed) Cmd() *exec.Cmd {
	return m.cmd
}

// Uptime returns seconds since the current generation started.
func (m *Managed) Uptime() uint64 {
	return uint64(time.Since(m.StartedAt) / time.Second)
}

// Spawn launches the configured command and builds its record.
//
// The child's environment composes, in order of increasing precedence:
// the daemon environment, env_file values, the config env (with any
// environment overlay already merged in), and the forwarded PATH. Stdin
// is redirected from null; stdout and stderr become pipes owned by the
// supervisor with a log copier attached to each.
func Spawn(name string, config procconf.ProcessConfig, p *paths.Paths, pathOverride string, log *logger.Logger) (*Managed, error) {
	program, args, err := ParseCommand(config.Command)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.LogDir(), 0755); err != nil {
		return nil, apperrors.SpawnFailed(err)
	}

	if config.PreStart != "" {
		if err := RunHook(config.PreStart, config.Cwd); err != nil {
			log.WithProcess(name).Warn("pre_start hook failed", zap.Error(err))
		}
	}

	cmd := exec.Command(program, args...)
	if config.Cwd != "" {
		cmd.Dir = config.Cwd
	}

	env := os.Environ()
	if len(config.EnvFile) > 0 {
		fileVars, err := config.LoadEnvFiles()
		if err != nil {
			return nil, err
		}
		env = appendEnv(env, fileVars)
	}
	env = appendEnv(env, config.Env)
	if pathOverride != "" {
		env = append(env, "PATH="+pathOverride)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.SpawnFailed(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.SpawnFailed(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.SpawnFailed(err)
	}

	broadcaster := logfile.NewBroadcaster()
	logfile.NewCopier(name, logfile.StreamStdout, p.StdoutLog(name), config.LogDateFormat, broadcaster, log).Spawn(stdout)
	logfile.NewCopier(name, logfile.StreamStderr, p.StderrLog(name), config.LogDateFormat, broadcaster, log).Spawn(stderr)

	status := protocol.StatusOnline
	if config.HasStartupCheck() {
		status = protocol.StatusStarting
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Managed{
		Name:        name,
		Config:      config,
		PID:         cmd.Process.Pid,
		Status:      status,
		StartedAt:   time.Now(),
		Broadcaster: broadcaster,
		ctx:         ctx,
		cancel:      cancel,
		cmd:         cmd,
	}, nil
}

// Adopt builds a record around a still-running child reclaimed from the
// dump file. The child's pipes were lost with the previous daemon, so no
// log copier is attached; the next respawn regains pipe ownership.
func Adopt(name string, config procconf.ProcessConfig, pid int, restarts uint32) *Managed {
	status := protocol.StatusOnline
	if config.HealthCheck != "" {
		status = protocol.StatusStarting
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Managed{
		Name:        name,
		Config:      config,
		PID:         pid,
		Status:      status,
		StartedAt:   time.Now(),
		Restarts:    restarts,
		Broadcaster: logfile.NewBroadcaster(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// BeginStop fires the record's cancellation signal and returns the pid to
// kill, or 0 when no child is live. The caller holds the table write
// lock; the blocking kill escalation happens afterwards, outside it.
func (m *Managed) BeginStop() int {
	m.Cancel()
	return m.PID
}

// FinishStop marks the record Stopped and clears its pid. Idempotent; the
// caller holds the table write lock.
func (m *Managed) FinishStop() {
	m.PID = 0
	m.Status = protocol.StatusStopped
}

// KillWithEscalation delivers the configured kill signal to a pid, polls
// liveness at 50ms, and escalates to SIGKILL once kill_timeout elapses.
// It blocks for up to the timeout and never touches the process table, so
// callers run it outside any lock.
func KillWithEscalation(pid int, config *procconf.ProcessConfig) error {
	if pid <= 0 {
		return nil
	}

	sig, err := ParseSignal(config.KillSignalName())
	if err != nil {
		return err
	}
	_ = SendSignal(pid, sig)

	deadline := time.Now().Add(time.Duration(config.KillTimeoutMs()) * time.Millisecond)
	for IsAlive(pid) {
		if time.Now().After(deadline) {
			_ = SendSignal(pid, syscall.SIGKILL)
			time.Sleep(killSettle)
			break
		}
		time.Sleep(stopPollInterval)
	}

	return nil
}

// GracefulStop cancels the record's monitors, performs the kill
// escalation, and marks the record Stopped. Idempotent. It blocks for up
// to kill_timeout, so holders of the table write lock use the
// BeginStop / KillWithEscalation / FinishStop sequence instead and keep
// the wait outside the lock.
func (m *Managed) GracefulStop() error {
	pid := m.BeginStop()
	if err := KillWithEscalation(pid, &m.Config); err != nil {
		return err
	}
	m.FinishStop()
	return nil
}

// RunHook runs a shell one-liner hook in the given working directory.
func RunHook(hook, cwd string) error {
	cmd := exec.Command("sh", "-c", hook)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

// EvaluateRestartPolicy decides whether an exited process is respawned.
// exitCode is nil when the child was signal-killed, which counts as a
// failure. min_uptime counter resets are applied by the caller before the
// policy runs.
func EvaluateRestartPolicy(config *procconf.ProcessConfig, exitCode *int, restarts uint32) bool {
	if restarts >= config.MaxRestartCount() {
		return false
	}

	switch config.RestartMode() {
	case procconf.RestartNever:
		return false
	case procconf.RestartAlways:
		return true
	default: // on_failure
		if exitCode == nil {
			return true
		}
		if *exitCode == 0 {
			return false
		}
		for _, code := range config.StopExitCodes {
			if code == *exitCode {
				return false
			}
		}
		return true
	}
}

// Backoff computes the restart delay: base 100ms doubling per restart,
// capped at 30s.
func Backoff(restarts uint32) time.Duration {
	if restarts >= 16 {
		return BackoffCap
	}
	d := BackoffBase << restarts
	if d > BackoffCap {
		return BackoffCap
	}
	return d
}

// ToProcessInfo projects the record into the list row shape.
func (m *Managed) ToProcessInfo(stats StatsReader) protocol.ProcessInfo {
	info := protocol.ProcessInfo{
		Name:     m.Name,
		Status:   m.Status,
		Restarts: m.Restarts,
		Group:    m.Config.Group,
	}
	if m.PID != 0 {
		pid := m.PID
		info.PID = &pid
		uptime := m.Uptime()
		info.Uptime = &uptime
	}
	if stats != nil {
		if cpu, mem, ok := stats.Lookup(m.Name); ok {
			info.CPUPercent = &cpu
			info.MemoryBytes = &mem
		}
	}
	return info
}

// ToProcessDetail projects the record into the info shape.
func (m *Managed) ToProcessDetail(p *paths.Paths, stats StatsReader) protocol.ProcessDetail {
	detail := protocol.ProcessDetail{
		Name:        m.Name,
		Status:      m.Status,
		Restarts:    m.Restarts,
		Group:       m.Config.Group,
		Command:     m.Config.Command,
		Cwd:         m.Config.Cwd,
		Env:         m.Config.Env,
		ExitCode:    m.ExitCode,
		StdoutLog:   p.StdoutLog(m.Name),
		StderrLog:   p.StderrLog(m.Name),
		HealthCheck: m.Config.HealthCheck,
		DependsOn:   m.Config.DependsOn,
	}
	if m.PID != 0 {
		pid := m.PID
		detail.PID = &pid
		uptime := m.Uptime()
		detail.Uptime = &uptime
	}
	if stats != nil {
		if cpu, mem, ok := stats.Lookup(m.Name); ok {
			detail.CPUPercent = &cpu
			detail.MemoryBytes = &mem
		}
	}
	return detail
}

// StatsReader is the read side of the stats cache consumed by list/info.
type StatsReader interface {
	Lookup(name string) (cpuPercent float64, memoryBytes uint64, ok bool)
}

// appendEnv appends name=value pairs in sorted key order for determinism.
func appendEnv(env []string, vars map[string]string) []string {
	if len(vars) == 0 {
		return env
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// Table is the shared process table: a name-to-record map guarded by a
// single reader-writer lock.
type Table struct {
	mu    sync.RWMutex
	procs map[string]*Managed
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{procs: make(map[string]*Managed)}
}

// WithRead runs fn holding the read lock.
func (t *Table) WithRead(fn func(procs map[string]*Managed)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.procs)
}

// WithWrite runs fn holding the write lock.
func (t *Table) WithWrite(fn func(procs map[string]*Managed)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.procs)
}

// Get returns the record for a name under the read lock.
func (t *Table) Get(name string) (*Managed, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.procs[name]
	return m, ok
}

// Names returns all keys under the read lock.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.procs))
	for name := range t.procs {
		names = append(names, name)
	}
	return names
}
