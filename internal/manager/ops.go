package manager

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pm3/pm3/internal/deps"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

// Start launches the given configurations in dependency order. Names may
// match processes or groups; an environment overlay applies before
// dependency validation. Level i must be fully Online before level i+1
// spawns; when wait is set the final level is awaited too.
func (mgr *Manager) Start(configs map[string]procconf.ProcessConfig, names []string, env string, wait bool, pathOverride string) protocol.Response {
	toStart := make(map[string]procconf.ProcessConfig)
	if names != nil {
		resolved, err := resolveConfigNames(names, configs)
		if err != nil {
			return &protocol.ErrorResponse{Message: err.Error()}
		}
		for _, name := range resolved {
			cfg := configs[name]
			toStart[name] = cfg.Clone()
		}
	} else {
		for name, cfg := range configs {
			toStart[name] = cfg.Clone()
		}
	}

	if env != "" {
		anyApplied := false
		for name, cfg := range toStart {
			if cfg.ApplyEnvironment(env) {
				anyApplied = true
			}
			toStart[name] = cfg
		}
		if !anyApplied {
			return &protocol.ErrorResponse{Message: fmt.Sprintf("unknown environment: '%s'", env)}
		}
	}

	if err := deps.Validate(toStart); err != nil {
		return &protocol.ErrorResponse{Message: err.Error()}
	}
	levels, err := deps.TopologicalLevels(toStart)
	if err != nil {
		return &protocol.ErrorResponse{Message: err.Error()}
	}

	var started []string

	for levelIdx, level := range levels {
		var spawned []*process.Managed
		var levelNames []string
		var spawnErr error

		mgr.table.WithWrite(func(procs map[string]*process.Managed) {
			for _, name := range level {
				var oldRestarts *uint32
				if existing, ok := procs[name]; ok {
					switch existing.Status {
					case protocol.StatusStopped, protocol.StatusErrored:
						restarts := existing.Restarts
						oldRestarts = &restarts
					default:
						continue // already running
					}
				}

				restarts := uint32(0)
				if oldRestarts != nil {
					restarts = *oldRestarts
				}
				managed, err := mgr.spawnLocked(procs, name, toStart[name], restarts, pathOverride)
				if err != nil {
					spawnErr = fmt.Errorf("failed to start '%s': %w", name, err)
					return
				}
				spawned = append(spawned, managed)
				levelNames = append(levelNames, name)
			}
		})
		if spawnErr != nil {
			return &protocol.ErrorResponse{Message: spawnErr.Error()}
		}

		for _, managed := range spawned {
			mgr.attachMonitors(managed)
		}
		started = append(started, levelNames...)

		isLast := levelIdx == len(levels)-1
		if len(levelNames) > 0 && (!isLast || wait) {
			if err := mgr.waitForOnline(levelNames); err != nil {
				return &protocol.ErrorResponse{Message: err.Error()}
			}
		}
	}

	if len(started) == 0 {
		return &protocol.SuccessResponse{Message: "everything is already running"}
	}

	// Catch immediate-exit failures among what we just started.
	var failures []string
	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		for _, name := range started {
			if managed, ok := procs[name]; ok && managed.Status == protocol.StatusErrored {
				failures = append(failures, name)
			}
		}
	})
	if len(failures) > 0 {
		sort.Strings(failures)
		return &protocol.ErrorResponse{
			Message: fmt.Sprintf("failed to start '%s': process exited immediately",
				strings.Join(failures, ", ")),
		}
	}

	return &protocol.SuccessResponse{
		Message: "started: " + strings.Join(started, ", "),
	}
}

// Stop resolves targets, expands to their dependents, and gracefully stops
// them in reverse topological order, running post_stop hooks. The record
// snapshots and cancellations happen under one short write lock; the
// blocking kill escalations run outside it so other connections stay live.
func (mgr *Manager) Stop(names []string) protocol.Response {
	type stopEntry struct {
		name    string
		managed *process.Managed
		pid     int
		config  procconf.ProcessConfig
	}

	var order []stopEntry
	var opErr error

	mgr.table.WithWrite(func(procs map[string]*process.Managed) {
		targets, err := stopTargets(names, procs)
		if err != nil {
			opErr = err
			return
		}

		stopOrder, err := expandDependentsOf(targets, procs)
		if err != nil {
			opErr = err
			return
		}

		for _, name := range stopOrder {
			managed, ok := procs[name]
			if !ok || managed.Status == protocol.StatusStopped {
				continue
			}
			order = append(order, stopEntry{
				name:    name,
				managed: managed,
				pid:     managed.BeginStop(),
				config:  managed.Config.Clone(),
			})
		}
	})
	if opErr != nil {
		return &protocol.ErrorResponse{Message: opErr.Error()}
	}

	var stopped []string
	for _, entry := range order {
		if err := process.KillWithEscalation(entry.pid, &entry.config); err != nil {
			return &protocol.ErrorResponse{
				Message: fmt.Sprintf("failed to stop '%s': %v", entry.name, err),
			}
		}
		mgr.table.WithWrite(func(procs map[string]*process.Managed) {
			if procs[entry.name] == entry.managed {
				entry.managed.FinishStop()
			}
		})
		if entry.config.PostStop != "" {
			_ = process.RunHook(entry.config.PostStop, entry.config.Cwd)
		}
		stopped = append(stopped, entry.name)
	}

	return &protocol.SuccessResponse{Message: "stopped: " + strings.Join(stopped, ", ")}
}

// Restart stops the expanded target set and re-starts it in dependency
// order, preserving restart counters (new counter = old + 1).
func (mgr *Manager) Restart(names []string) protocol.Response {
	var (
		stopOrder      []string
		restartConfigs map[string]procconf.ProcessConfig
		opErr          error
	)

	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		targets, err := stopTargets(names, procs)
		if err != nil {
			opErr = err
			return
		}

		stopOrder, err = expandDependentsOf(targets, procs)
		if err != nil {
			opErr = err
			return
		}

		restartConfigs = make(map[string]procconf.ProcessConfig, len(procs))
		for name, managed := range procs {
			restartConfigs[name] = managed.Config.Clone()
		}
	})
	if opErr != nil {
		return &protocol.ErrorResponse{Message: opErr.Error()}
	}

	type stopEntry struct {
		name    string
		managed *process.Managed
		pid     int
		config  procconf.ProcessConfig
	}

	oldRestarts := make(map[string]uint32, len(stopOrder))
	var order []stopEntry
	mgr.table.WithWrite(func(procs map[string]*process.Managed) {
		for _, name := range stopOrder {
			managed, ok := procs[name]
			if !ok {
				continue
			}
			oldRestarts[name] = managed.Restarts
			order = append(order, stopEntry{
				name:    name,
				managed: managed,
				pid:     managed.BeginStop(),
				config:  managed.Config.Clone(),
			})
		}
	})

	// Kill escalations run outside the lock; reconcile each record under
	// a short re-acquisition before its post_stop hook.
	for _, entry := range order {
		if err := process.KillWithEscalation(entry.pid, &entry.config); err != nil {
			return &protocol.ErrorResponse{
				Message: fmt.Sprintf("failed to stop '%s': %v", entry.name, err),
			}
		}
		mgr.table.WithWrite(func(procs map[string]*process.Managed) {
			if procs[entry.name] == entry.managed {
				entry.managed.FinishStop()
			}
		})
		if entry.config.PostStop != "" {
			_ = process.RunHook(entry.config.PostStop, entry.config.Cwd)
		}
	}

	subset := make(map[string]procconf.ProcessConfig, len(stopOrder))
	for _, name := range stopOrder {
		if cfg, ok := restartConfigs[name]; ok {
			subset[name] = cfg
		}
	}

	// Edges to processes outside the restarted set do not constrain its order.
	ordering := make(map[string]procconf.ProcessConfig, len(subset))
	for name, cfg := range subset {
		var kept []string
		for _, dep := range cfg.DependsOn {
			if _, ok := subset[dep]; ok {
				kept = append(kept, dep)
			}
		}
		cfg.DependsOn = kept
		ordering[name] = cfg
	}

	levels, err := deps.TopologicalLevels(ordering)
	if err != nil {
		return &protocol.ErrorResponse{Message: err.Error()}
	}

	var restarted []string

	for levelIdx, level := range levels {
		var spawned []*process.Managed
		var levelNames []string
		var spawnErr error

		mgr.table.WithWrite(func(procs map[string]*process.Managed) {
			for _, name := range level {
				cfg, ok := subset[name]
				if !ok {
					continue
				}
				managed, err := mgr.spawnLocked(procs, name, cfg, oldRestarts[name]+1, "")
				if err != nil {
					spawnErr = fmt.Errorf("failed to restart '%s': %w", name, err)
					return
				}
				spawned = append(spawned, managed)
				levelNames = append(levelNames, name)
			}
		})
		if spawnErr != nil {
			return &protocol.ErrorResponse{Message: spawnErr.Error()}
		}

		for _, managed := range spawned {
			mgr.attachMonitors(managed)
		}
		restarted = append(restarted, levelNames...)

		if levelIdx < len(levels)-1 && len(levelNames) > 0 {
			if err := mgr.waitForOnline(levelNames); err != nil {
				return &protocol.ErrorResponse{Message: err.Error()}
			}
		}
	}

	return &protocol.SuccessResponse{Message: "restarted: " + strings.Join(restarted, ", ")}
}

// stopTargets resolves the requested names (or all keys) against the table.
func stopTargets(names []string, procs map[string]*process.Managed) ([]string, error) {
	if names != nil {
		return resolveTableNames(names, procs)
	}
	targets := make([]string, 0, len(procs))
	for name := range procs {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	return targets, nil
}

// expandDependentsOf computes the reverse-topological closure of targets
// over the configs currently in the table.
func expandDependentsOf(targets []string, procs map[string]*process.Managed) ([]string, error) {
	configs := make(map[string]procconf.ProcessConfig, len(procs))
	for name, managed := range procs {
		configs[name] = managed.Config
	}
	return deps.ExpandDependents(targets, configs)
}
