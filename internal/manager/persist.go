package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/pm3/pm3/internal/deps"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

// DumpEntry is the persistent form of one record.
type DumpEntry struct {
	Name     string                 `json:"name"`
	Config   procconf.ProcessConfig `json:"config"`
	PID      *int                   `json:"pid,omitempty"`
	Restarts uint32                 `json:"restarts"`
}

// errNoDumpFile distinguishes the absent-dump case: resurrect reports it,
// auto-restore ignores it.
var errNoDumpFile = errors.New("no dump file found")

// Save snapshots the table as a JSON array of dump entries and atomically
// replaces the dump file.
func (mgr *Manager) Save() protocol.Response {
	var entries []DumpEntry
	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		for _, managed := range procs {
			entry := DumpEntry{
				Name:     managed.Name,
				Config:   managed.Config.Clone(),
				Restarts: managed.Restarts,
			}
			if managed.PID != 0 {
				pid := managed.PID
				entry.PID = &pid
			}
			entries = append(entries, entry)
		}
	})
	if entries == nil {
		entries = []DumpEntry{}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &protocol.ErrorResponse{Message: fmt.Sprintf("failed to serialize state: %v", err)}
	}

	tmp := mgr.paths.DumpFile() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &protocol.ErrorResponse{Message: fmt.Sprintf("failed to write dump file: %v", err)}
	}
	if err := os.Rename(tmp, mgr.paths.DumpFile()); err != nil {
		return &protocol.ErrorResponse{Message: fmt.Sprintf("failed to write dump file: %v", err)}
	}

	return &protocol.SuccessResponse{
		Message: fmt.Sprintf("saved %d process(es) to dump file", len(entries)),
	}
}

// Resurrect restores the table from the dump file; an absent file is an
// explicit error here.
func (mgr *Manager) Resurrect(pathOverride string) protocol.Response {
	restored, err := mgr.restoreFromDump(pathOverride)
	if err != nil {
		return &protocol.ErrorResponse{Message: err.Error()}
	}
	if len(restored) == 0 {
		return &protocol.SuccessResponse{Message: "all processes already running"}
	}
	return &protocol.SuccessResponse{Message: "resurrected: " + strings.Join(restored, ", ")}
}

// AutoRestore rehydrates the supervised set on daemon startup. An absent
// dump file is a no-op.
func (mgr *Manager) AutoRestore() {
	restored, err := mgr.restoreFromDump("")
	switch {
	case errors.Is(err, errNoDumpFile):
	case err != nil:
		mgr.log.Error("auto-restore failed", zap.Error(err))
	case len(restored) > 0:
		mgr.log.Info("auto-restored processes",
			zap.Int("count", len(restored)), zap.Strings("names", restored))
	}
}

// restoreFromDump is the restore core shared by Resurrect and AutoRestore.
// An alive dumped pid is adopted without respawn; a dead one is spawned
// fresh. Between-level online waits apply as in Start.
func (mgr *Manager) restoreFromDump(pathOverride string) ([]string, error) {
	data, err := os.ReadFile(mgr.paths.DumpFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNoDumpFile
		}
		return nil, fmt.Errorf("failed to read dump file: %w", err)
	}

	var entries []DumpEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse dump file: %w", err)
	}

	var toRestore []DumpEntry
	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		for _, entry := range entries {
			if _, running := procs[entry.Name]; !running {
				toRestore = append(toRestore, entry)
			}
		}
	})
	if len(toRestore) == 0 {
		return nil, nil
	}

	subset := make(map[string]procconf.ProcessConfig, len(toRestore))
	entryByName := make(map[string]DumpEntry, len(toRestore))
	for _, entry := range toRestore {
		subset[entry.Name] = entry.Config
		entryByName[entry.Name] = entry
	}

	if err := deps.Validate(subset); err != nil {
		return nil, err
	}
	levels, err := deps.TopologicalLevels(subset)
	if err != nil {
		return nil, err
	}

	var restored []string

	for levelIdx, level := range levels {
		var spawned []*process.Managed
		var adopted []*process.Managed
		var levelNames []string
		var spawnErr error

		mgr.table.WithWrite(func(procs map[string]*process.Managed) {
			for _, name := range level {
				if _, exists := procs[name]; exists {
					continue
				}
				entry := entryByName[name]

				if entry.PID != nil && process.IsAlive(*entry.PID) {
					managed := process.Adopt(name, entry.Config.Clone(), *entry.PID, entry.Restarts)
					procs[name] = managed
					adopted = append(adopted, managed)
					levelNames = append(levelNames, name)
					continue
				}

				managed, err := mgr.spawnLocked(procs, name, entry.Config.Clone(), entry.Restarts, pathOverride)
				if err != nil {
					spawnErr = fmt.Errorf("failed to resurrect '%s': %w", name, err)
					return
				}
				spawned = append(spawned, managed)
				levelNames = append(levelNames, name)
			}
		})
		if spawnErr != nil {
			return nil, spawnErr
		}

		for _, managed := range spawned {
			mgr.attachMonitors(managed)
		}
		// Adopted children have no pipes and no owned exec handle: only the
		// auxiliary monitors attach. The next respawn regains ownership.
		for _, managed := range adopted {
			mgr.attachHealthOnly(managed)
			if managed.Config.MaxMemory != "" || managed.Config.CronRestart != "" || managed.Config.Watch != nil {
				mgr.attachSecondaryMonitors(managed)
			}
		}

		restored = append(restored, levelNames...)

		if levelIdx < len(levels)-1 && len(levelNames) > 0 {
			if err := mgr.waitForOnline(levelNames); err != nil {
				return nil, fmt.Errorf("%s", err)
			}
		}
	}

	return restored, nil
}
