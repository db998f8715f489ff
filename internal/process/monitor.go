package process

import (
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/protocol"
)

// RespawnFunc replaces a record under the same name at the given restart
// count, attaching the full monitor set to the replacement. Implemented by
// the manager; used by the exit monitor and by kill-and-respawn monitors.
type RespawnFunc func(name string, config procconf.ProcessConfig, restarts uint32) error

// SpawnExitMonitor starts the primary wait-exit monitor for a freshly
// spawned record. The monitor waits for the child, applies the restart
// policy, sleeps the backoff outside any lock, and respawns through the
// provided callback.
func SpawnExitMonitor(name string, cmd *exec.Cmd, monitoredPID int, table *Table, respawn RespawnFunc, log *logger.Logger) {
	go func() {
		err := cmd.Wait()

		var exitCode *int
		if cmd.ProcessState != nil {
			if code := cmd.ProcessState.ExitCode(); code >= 0 {
				exitCode = &code
			}
		}
		if err != nil && exitCode == nil {
			// Signal-killed or wait failure: no exit code, counts as failure.
			log.WithProcess(name).Debug("child exited without a code", zap.Error(err))
		}

		handleChildExit(name, monitoredPID, exitCode, table, respawn, log)
	}()
}

func handleChildExit(name string, monitoredPID int, exitCode *int, table *Table, respawn RespawnFunc, log *logger.Logger) {
	var (
		config      procconf.ProcessConfig
		restarts    uint32
		doRestart   bool
		skip        bool
		wasStopping bool
	)

	table.WithWrite(func(procs map[string]*Managed) {
		managed, ok := procs[name]
		if !ok {
			skip = true
			return
		}

		// The record was replaced while this monitor waited; it is no
		// longer ours to mutate.
		if managed.PID != monitoredPID {
			skip = true
			return
		}

		managed.ExitCode = exitCode

		// Manual stop already flagged the record: record the exit only.
		if managed.Cancelled() {
			managed.Status = protocol.StatusStopped
			managed.PID = 0
			skip = true
			wasStopping = true
			return
		}

		// A stable generation resets the restart counter.
		if time.Since(managed.StartedAt) >= time.Duration(managed.Config.MinUptimeMs())*time.Millisecond {
			managed.Restarts = 0
		}

		config = managed.Config.Clone()
		restarts = managed.Restarts
		doRestart = EvaluateRestartPolicy(&managed.Config, exitCode, restarts)

		if !doRestart {
			if exitCode != nil && *exitCode == 0 {
				managed.Status = protocol.StatusStopped
			} else {
				managed.Status = protocol.StatusErrored
			}
			managed.PID = 0
			return
		}

		managed.PID = 0
	})

	if skip {
		if wasStopping {
			log.WithProcess(name).Debug("child exited after stop")
		}
		return
	}
	if !doRestart {
		log.WithProcess(name).Info("child exited, not restarting",
			zap.Any("exit_code", exitCode))
		return
	}

	// Sleep the backoff outside any lock.
	delay := Backoff(restarts)
	log.WithProcess(name).Info("child exited, restarting",
		zap.Any("exit_code", exitCode),
		zap.Duration("backoff", delay),
		zap.Uint32("restarts", restarts))
	time.Sleep(delay)

	// Re-check that a manual stop did not land while we slept.
	var cancelled bool
	table.WithRead(func(procs map[string]*Managed) {
		managed, ok := procs[name]
		cancelled = !ok || managed.Cancelled() || managed.PID != 0
	})
	if cancelled {
		return
	}

	if err := respawn(name, config, restarts+1); err != nil {
		log.WithProcess(name).Error("failed to restart", zap.Error(err))
		table.WithWrite(func(procs map[string]*Managed) {
			if managed, ok := procs[name]; ok {
				managed.Status = protocol.StatusErrored
				managed.PID = 0
			}
		})
	}
}
