// Package manager implements the supervisor: the shared process table and
// every operation the daemon dispatches against it.
package manager

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/cronjob"
	"github.com/pm3/pm3/internal/health"
	"github.com/pm3/pm3/internal/memmon"
	"github.com/pm3/pm3/internal/paths"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
	"github.com/pm3/pm3/internal/stats"
	"github.com/pm3/pm3/internal/watcher"
)

const (
	// depWaitTimeout bounds the wait for one dependency level to come online.
	depWaitTimeout = 60 * time.Second
	// depPollInterval is the level-wait poll cadence.
	depPollInterval = 200 * time.Millisecond

	// reloadPrefix reserves table keys for zero-downtime reload shadows.
	reloadPrefix = "__reload_"
)

// Manager owns the process table, the stats cache, and the data directory
// layout. It is shared across connection handlers.
type Manager struct {
	paths *paths.Paths
	table *process.Table
	stats *stats.Cache
	log   *logger.Logger
}

// New creates a manager rooted at the given data directory.
func New(p *paths.Paths, log *logger.Logger) *Manager {
	return &Manager{
		paths: p,
		table: process.NewTable(),
		stats: stats.NewCache(),
		log:   log,
	}
}

// Table exposes the process table for monitors and tests.
func (mgr *Manager) Table() *process.Table {
	return mgr.table
}

// StatsCache exposes the stats cache for the periodic collector.
func (mgr *Manager) StatsCache() *stats.Cache {
	return mgr.stats
}

// Paths exposes the data directory layout.
func (mgr *Manager) Paths() *paths.Paths {
	return mgr.paths
}

// ShutdownAll gracefully stops every record, running post_stop hooks as a
// regular stop would. Records are snapshotted and cancelled under one
// short write lock; the kill escalations run concurrently outside it.
func (mgr *Manager) ShutdownAll() {
	type teardown struct {
		managed    *process.Managed
		pid        int
		config     procconf.ProcessConfig
		wasRunning bool
	}
	var all []teardown

	mgr.table.WithWrite(func(procs map[string]*process.Managed) {
		for _, managed := range procs {
			wasRunning := managed.Status.Running()
			all = append(all, teardown{
				managed:    managed,
				pid:        managed.BeginStop(),
				config:     managed.Config.Clone(),
				wasRunning: wasRunning,
			})
		}
	})

	var wg sync.WaitGroup
	for _, td := range all {
		td := td
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = process.KillWithEscalation(td.pid, &td.config)
		}()
	}
	wg.Wait()

	mgr.table.WithWrite(func(procs map[string]*process.Managed) {
		for _, td := range all {
			td.managed.FinishStop()
		}
	})

	for _, td := range all {
		if td.wasRunning && td.config.PostStop != "" {
			_ = process.RunHook(td.config.PostStop, td.config.Cwd)
		}
	}
}

// spawnLocked launches a process and inserts its record; the caller holds
// the table write lock.
func (mgr *Manager) spawnLocked(procs map[string]*process.Managed, name string, config procconf.ProcessConfig, restarts uint32, pathOverride string) (*process.Managed, error) {
	managed, err := process.Spawn(name, config, mgr.paths, pathOverride, mgr.log)
	if err != nil {
		return nil, err
	}
	managed.Restarts = restarts
	procs[name] = managed
	return managed, nil
}

// attachMonitors starts the exit monitor plus every configured auxiliary
// monitor for a freshly spawned record. Never call while holding the
// table lock.
func (mgr *Manager) attachMonitors(managed *process.Managed) {
	name := managed.Name
	config := managed.Config

	if cmd := managed.Cmd(); cmd != nil {
		process.SpawnExitMonitor(name, cmd, managed.PID, mgr.table, mgr.respawn, mgr.log)
	}

	if config.HasStartupCheck() {
		health.SpawnStartupChecker(name, health.CheckConfig{
			ReadinessCheck:   config.ReadinessCheck,
			ReadinessTimeout: config.ReadinessTimeout,
			HealthCheck:      config.HealthCheck,
		}, mgr.table, managed.Done(), mgr.log)
	}
	if config.MaxMemory != "" {
		memmon.SpawnMonitor(name, config.MaxMemory, mgr.table, managed.Done(), mgr.respawn, mgr.log)
	}
	watcher.SpawnWatcher(name, config, mgr.table, managed.Done(), mgr.respawn, mgr.log)
	if config.CronRestart != "" {
		cronjob.SpawnRestarter(name, config.CronRestart, mgr.table, managed.Done(), mgr.respawn, mgr.log)
	}
}

// attachHealthOnly starts just the health checker for an adopted or
// swapped record whose other monitors are attached separately.
func (mgr *Manager) attachHealthOnly(managed *process.Managed) {
	if managed.Config.HealthCheck != "" {
		health.SpawnStartupChecker(managed.Name, health.CheckConfig{
			HealthCheck: managed.Config.HealthCheck,
		}, mgr.table, managed.Done(), mgr.log)
	}
}

// respawn replaces the record under the same name at the given restart
// count and attaches the full monitor set. It is the process.RespawnFunc
// handed to every kill-and-respawn monitor.
func (mgr *Manager) respawn(name string, config procconf.ProcessConfig, restarts uint32) error {
	var (
		managed *process.Managed
		err     error
	)
	mgr.table.WithWrite(func(procs map[string]*process.Managed) {
		managed, err = mgr.spawnLocked(procs, name, config, restarts, "")
	})
	if err != nil {
		return err
	}
	mgr.attachMonitors(managed)
	mgr.log.WithProcess(name).Info("respawned",
		zap.Int("pid", managed.PID), zap.Uint32("restarts", restarts))
	return nil
}

// resolveConfigNames maps requested names onto config keys, expanding
// group names. Unknown names are an error.
func resolveConfigNames(requested []string, configs map[string]procconf.ProcessConfig) ([]string, error) {
	var result []string
	for _, name := range requested {
		if _, ok := configs[name]; ok {
			result = append(result, name)
			continue
		}
		var groupMatches []string
		for key, cfg := range configs {
			if cfg.Group == name {
				groupMatches = append(groupMatches, key)
			}
		}
		if len(groupMatches) == 0 {
			return nil, fmt.Errorf("process or group '%s' not found in configs", name)
		}
		sort.Strings(groupMatches)
		result = append(result, groupMatches...)
	}
	return result, nil
}

// resolveTableNames maps requested names onto table keys, expanding group
// names; the caller holds at least the read lock.
func resolveTableNames(requested []string, procs map[string]*process.Managed) ([]string, error) {
	var result []string
	for _, name := range requested {
		if _, ok := procs[name]; ok {
			result = append(result, name)
			continue
		}
		var groupMatches []string
		for key, managed := range procs {
			if managed.Config.Group == name {
				groupMatches = append(groupMatches, key)
			}
		}
		if len(groupMatches) == 0 {
			return nil, fmt.Errorf("process or group not found: %s", name)
		}
		sort.Strings(groupMatches)
		result = append(result, groupMatches...)
	}
	return result, nil
}

// waitForOnline polls until every name reaches Online, failing fast on a
// name that lands in Errored, Stopped, or Unhealthy.
func (mgr *Manager) waitForOnline(names []string) error {
	deadline := time.Now().Add(depWaitTimeout)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for dependencies to come online: %s",
				strings.Join(names, ", "))
		}

		var failure error
		allOnline := true
		mgr.table.WithRead(func(procs map[string]*process.Managed) {
			for _, name := range names {
				managed, ok := procs[name]
				if !ok {
					failure = fmt.Errorf("dependency '%s' not found in process table", name)
					return
				}
				switch managed.Status {
				case protocol.StatusOnline:
				case protocol.StatusStopped, protocol.StatusErrored:
					failure = fmt.Errorf("dependency '%s' failed (status: %s)", name, managed.Status)
					return
				case protocol.StatusUnhealthy:
					failure = fmt.Errorf("dependency '%s' is unhealthy", name)
					return
				case protocol.StatusStarting:
					allOnline = false
				}
			}
		})
		if failure != nil {
			return failure
		}
		if allOnline {
			return nil
		}

		time.Sleep(depPollInterval)
	}
}

