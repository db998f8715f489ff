// Package pidfile implements the daemon single-instance guard.
//
// The guard is a plain text file holding the daemon's PID. Liveness is
// probed with a no-op signal; a stale file (dead PID) is removed so a new
// daemon can start.
package pidfile

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pm3/pm3/internal/paths"
)

// Write records the current process id in the PID file.
func Write(p *paths.Paths) error {
	pid := os.Getpid()
	return os.WriteFile(p.PIDFile(), []byte(strconv.Itoa(pid)), 0644)
}

// Read returns the recorded PID, or 0 when the file is absent or unparseable.
func Read(p *paths.Paths) int {
	data, err := os.ReadFile(p.PIDFile())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Remove deletes the PID file.
func Remove(p *paths.Paths) {
	_ = os.Remove(p.PIDFile())
}

// IsAlive probes a pid with a no-op signal. EPERM counts as alive: the
// process exists but belongs to another user.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// DaemonRunning reports whether the PID file points at a live daemon.
// A stale file is removed as a side effect.
func DaemonRunning(p *paths.Paths) bool {
	pid := Read(p)
	if pid == 0 {
		return false
	}
	if IsAlive(pid) {
		return true
	}
	Remove(p)
	return false
}
