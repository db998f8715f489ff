package manager

import (
	"fmt"
	"strings"

	"github.com/pm3/pm3/internal/cronjob"
	"github.com/pm3/pm3/internal/memmon"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
	"github.com/pm3/pm3/internal/watcher"
)

// Reload performs a zero-downtime reload. Targets with a health_check get
// a shadow record under a reserved __reload_<name> key: the shadow spawns,
// is health-checked to Online, and is then swapped onto the real name
// under the lock while the old record stops. On shadow failure the old
// record is untouched. Targets without a health_check fall through to
// Restart semantics.
func (mgr *Manager) Reload(names []string, pathOverride string) protocol.Response {
	type target struct {
		name     string
		config   procconf.ProcessConfig
		restarts uint32
	}

	var withCheck []target
	var withoutCheck []string
	var opErr error

	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		resolved, err := stopTargets(names, procs)
		if err != nil {
			opErr = err
			return
		}
		for _, name := range resolved {
			managed, ok := procs[name]
			if !ok {
				continue
			}
			if managed.Config.HealthCheck != "" {
				withCheck = append(withCheck, target{
					name:     name,
					config:   managed.Config.Clone(),
					restarts: managed.Restarts,
				})
			} else {
				withoutCheck = append(withoutCheck, name)
			}
		}
	})
	if opErr != nil {
		return &protocol.ErrorResponse{Message: opErr.Error()}
	}

	var reloaded, failed []string

	for _, tgt := range withCheck {
		name := tgt.name
		tempName := reloadPrefix + name

		// Spawn the shadow under the reserved key.
		var shadow *process.Managed
		var spawnErr error
		mgr.table.WithWrite(func(procs map[string]*process.Managed) {
			shadow, spawnErr = mgr.spawnLocked(procs, tempName, tgt.config, tgt.restarts, pathOverride)
		})
		if spawnErr != nil {
			failed = append(failed, fmt.Sprintf("%s (spawn failed: %v)", name, spawnErr))
			continue
		}

		// The shadow gets its exit monitor and health checker; the
		// remaining monitors attach to the surviving record after the swap.
		if cmd := shadow.Cmd(); cmd != nil {
			process.SpawnExitMonitor(tempName, cmd, shadow.PID, mgr.table, mgr.respawn, mgr.log)
		}
		mgr.attachHealthOnly(shadow)

		if err := mgr.waitForOnline([]string{tempName}); err != nil {
			// Shadow failed: stop it outside the lock, then remove it; the
			// old record is untouched.
			var failedShadow *process.Managed
			var shadowPID int
			mgr.table.WithWrite(func(procs map[string]*process.Managed) {
				if tempManaged, ok := procs[tempName]; ok {
					failedShadow = tempManaged
					shadowPID = tempManaged.BeginStop()
				}
			})
			_ = process.KillWithEscalation(shadowPID, &tgt.config)
			mgr.table.WithWrite(func(procs map[string]*process.Managed) {
				if procs[tempName] == failedShadow {
					delete(procs, tempName)
				}
			})
			failed = append(failed, name)
			continue
		}

		// Stop the old record outside the lock — the shadow is already
		// serving under its reserved key — then swap under the lock.
		var old *process.Managed
		var oldPID int
		mgr.table.WithWrite(func(procs map[string]*process.Managed) {
			if o, ok := procs[name]; ok {
				old = o
				oldPID = o.BeginStop()
			}
		})
		if old != nil {
			_ = process.KillWithEscalation(oldPID, &tgt.config)
			if tgt.config.PostStop != "" {
				_ = process.RunHook(tgt.config.PostStop, tgt.config.Cwd)
			}
		}

		var survivor *process.Managed
		mgr.table.WithWrite(func(procs map[string]*process.Managed) {
			if old != nil && procs[name] == old {
				old.FinishStop()
			}
			if tempManaged, ok := procs[tempName]; ok {
				delete(procs, tempName)
				tempManaged.Name = name
				procs[name] = tempManaged
				survivor = tempManaged
			}
		})

		if survivor != nil {
			mgr.attachSecondaryMonitors(survivor)
		}
		reloaded = append(reloaded, name)
	}

	if len(withoutCheck) > 0 {
		switch resp := mgr.Restart(withoutCheck).(type) {
		case *protocol.SuccessResponse:
			reloaded = append(reloaded, withoutCheck...)
		case *protocol.ErrorResponse:
			return resp
		}
	}

	if len(reloaded) == 0 && len(failed) > 0 {
		return &protocol.ErrorResponse{
			Message: "reload failed: " + strings.Join(failed, ", "),
		}
	}

	msg := "reloaded: " + strings.Join(reloaded, ", ")
	if len(failed) > 0 {
		msg += " (failed: " + strings.Join(failed, ", ") + ")"
	}
	return &protocol.SuccessResponse{Message: msg}
}

// attachSecondaryMonitors re-attaches memory, watch, and cron monitors to
// the record that survived a reload swap.
func (mgr *Manager) attachSecondaryMonitors(managed *process.Managed) {
	config := managed.Config
	if config.MaxMemory != "" {
		memmon.SpawnMonitor(managed.Name, config.MaxMemory, mgr.table, managed.Done(), mgr.respawn, mgr.log)
	}
	watcher.SpawnWatcher(managed.Name, config, mgr.table, managed.Done(), mgr.respawn, mgr.log)
	if config.CronRestart != "" {
		cronjob.SpawnRestarter(managed.Name, config.CronRestart, mgr.table, managed.Done(), mgr.respawn, mgr.log)
	}
}
