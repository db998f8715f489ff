// Package paths resolves the on-disk layout under the pm3 data directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths resolves every file pm3 keeps under its data directory.
type Paths struct {
	dataDir string
}

// New resolves the data directory: the PM3_DATA_DIR environment variable
// wins, otherwise the platform user data directory is used
// (~/Library/Application Support/pm3 on macOS, ~/.local/share/pm3 on Linux).
func New() (*Paths, error) {
	if dir := os.Getenv("PM3_DATA_DIR"); dir != "" {
		return &Paths{dataDir: dir}, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("could not determine data directory: %w", err)
	}

	var base string
	switch runtime.GOOS {
	case "darwin":
		base = filepath.Join(home, "Library", "Application Support")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = filepath.Join(home, ".local", "share")
		}
	}
	return &Paths{dataDir: filepath.Join(base, "pm3")}, nil
}

// WithBase returns a Paths rooted at the given directory. Used by tests and
// by callers that already resolved the data directory.
func WithBase(base string) *Paths {
	return &Paths{dataDir: base}
}

// DataDir returns the data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// PIDFile returns the daemon PID file path.
func (p *Paths) PIDFile() string {
	return filepath.Join(p.dataDir, "pm3.pid")
}

// SocketFile returns the IPC endpoint path.
func (p *Paths) SocketFile() string {
	return filepath.Join(p.dataDir, "pm3.sock")
}

// DumpFile returns the persisted process dump path.
func (p *Paths) DumpFile() string {
	return filepath.Join(p.dataDir, "dump.json")
}

// PortFile returns the path reserved for platform-equivalent IPC endpoints.
func (p *Paths) PortFile() string {
	return filepath.Join(p.dataDir, "pm3.port")
}

// DaemonLog returns the daemon's own log file path.
func (p *Paths) DaemonLog() string {
	return filepath.Join(p.dataDir, "daemon.log")
}

// LogDir returns the directory holding per-process log files.
func (p *Paths) LogDir() string {
	return filepath.Join(p.dataDir, "logs")
}

// StdoutLog returns the current stdout log file for a process.
func (p *Paths) StdoutLog(name string) string {
	return filepath.Join(p.dataDir, "logs", name+"-out.log")
}

// StderrLog returns the current stderr log file for a process.
func (p *Paths) StderrLog(name string) string {
	return filepath.Join(p.dataDir, "logs", name+"-err.log")
}

// RotatedStdoutLog returns the nth rotated stdout log for a process.
func (p *Paths) RotatedStdoutLog(name string, n int) string {
	return fmt.Sprintf("%s.%d", p.StdoutLog(name), n)
}

// RotatedStderrLog returns the nth rotated stderr log for a process.
func (p *Paths) RotatedStderrLog(name string, n int) string {
	return fmt.Sprintf("%s.%d", p.StderrLog(name), n)
}
