// Package memmon parses max_memory limits and runs the per-record memory
// monitor that kills and respawns a process breaching its cap.
package memmon

import (
	"strings"
	"time"

	units "github.com/docker/go-units"
	gopsproc "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

// CheckInterval is the RSS sampling cadence.
const CheckInterval = 5 * time.Second

// ParseLimit parses a human memory string ("512M", "1.5G", "100KB",
// case-insensitive, optional B, fractional allowed) into bytes. Suffixes
// use binary multiples.
func ParseLimit(s string) (uint64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, apperrors.New(apperrors.ErrCodeMemoryConfigInvalid, "empty memory string")
	}
	if idx := strings.IndexFunc(trimmed, isAlpha); idx == 0 {
		return 0, apperrors.Newf(apperrors.ErrCodeMemoryConfigInvalid,
			"no numeric value in memory string: %s", s)
	}
	bytes, err := units.RAMInBytes(trimmed)
	if err != nil || bytes < 0 {
		return 0, apperrors.Newf(apperrors.ErrCodeMemoryConfigInvalid,
			"invalid memory string: %s", s)
	}
	return uint64(bytes), nil
}

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// ReadRSS samples the resident set size of a pid in bytes.
func ReadRSS(pid int) (uint64, bool) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, false
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0, false
	}
	return mem.RSS, true
}

// SpawnMonitor samples the record's RSS every CheckInterval. On breach it
// cancels the outgoing generation (so the exit monitor does not restart
// it), kills with the usual escalation, and respawns a replacement at
// restarts+1 through the callback; the monitor then exits, its successor
// being the replacement's monitor.
func SpawnMonitor(name, maxMemory string, table *process.Table, done <-chan struct{}, respawn process.RespawnFunc, log *logger.Logger) {
	go func() {
		plog := log.WithProcess(name)

		maxBytes, err := ParseLimit(maxMemory)
		if err != nil {
			plog.Error("invalid max_memory", zap.Error(err))
			return
		}

		for {
			select {
			case <-done:
				return
			case <-time.After(CheckInterval):
			}

			var pid int
			var running bool
			table.WithRead(func(procs map[string]*process.Managed) {
				if managed, ok := procs[name]; ok && managed.Status.Running() {
					pid = managed.PID
					running = true
				}
			})
			if !running {
				return
			}
			if pid == 0 {
				continue
			}

			rss, ok := ReadRSS(pid)
			if !ok || rss <= maxBytes {
				continue
			}

			plog.Warn("memory limit exceeded, restarting",
				zap.Uint64("rss_bytes", rss),
				zap.Uint64("max_bytes", maxBytes))

			var (
				config   procconf.ProcessConfig
				restarts uint32
				rawPID   int
			)
			table.WithWrite(func(procs map[string]*process.Managed) {
				managed, ok := procs[name]
				if !ok {
					return
				}
				managed.Cancel()
				config = managed.Config.Clone()
				restarts = managed.Restarts
				rawPID = managed.PID
			})
			if config.Command == "" {
				return
			}

			_ = process.KillWithEscalation(rawPID, &config)

			// Let the exit monitor record the stop before replacing.
			time.Sleep(200 * time.Millisecond)

			if err := respawn(name, config, restarts+1); err != nil {
				plog.Error("failed to restart after memory limit", zap.Error(err))
				table.WithWrite(func(procs map[string]*process.Managed) {
					if managed, ok := procs[name]; ok {
						managed.Status = protocol.StatusErrored
						managed.PID = 0
					}
				})
			}
			return
		}
	}()
}

