// Package watcher implements the recursive filesystem watcher that
// restarts a process when relevant files change.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

// DebounceDuration absorbs event bursts before deciding on a restart.
const DebounceDuration = 500 * time.Millisecond

// ResolveWatchPath maps the watch config to a root directory:
// false means none, true means the cwd (or "."), a path joins to the cwd
// unless absolute.
func ResolveWatchPath(config *procconf.ProcessConfig) (string, bool) {
	if config.Watch == nil {
		return "", false
	}
	w := config.Watch
	if w.Enabled != nil {
		if !*w.Enabled {
			return "", false
		}
		if config.Cwd != "" {
			return config.Cwd, true
		}
		return ".", true
	}
	if filepath.IsAbs(w.Path) {
		return w.Path, true
	}
	base := config.Cwd
	if base == "" {
		base = "."
	}
	return filepath.Join(base, w.Path), true
}

// ShouldIgnore reports whether a changed path matches any ignore entry:
// either a path component equals the entry, or the path contains it as a
// substring.
func ShouldIgnore(path string, ignorePatterns []string) bool {
	components := strings.Split(filepath.ToSlash(path), "/")
	for _, pattern := range ignorePatterns {
		for _, component := range components {
			if component == pattern {
				return true
			}
		}
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

func isRelevant(path string, ignorePatterns []string) bool {
	// Directory events are skipped: platform watchers fire on parent
	// directories whose paths may not contain the ignored component.
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return false
	}
	return !ShouldIgnore(path, ignorePatterns)
}

// addRecursive registers the root and every subdirectory with the watcher.
func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = w.Add(path)
		}
		return nil
	})
}

// SpawnWatcher watches the resolved root recursively and, after a
// debounced relevant change, kills and respawns the record at restarts+1.
// The watcher exits after initiating the replacement; the new record's own
// watcher takes over.
func SpawnWatcher(name string, config procconf.ProcessConfig, table *process.Table, done <-chan struct{}, respawn process.RespawnFunc, log *logger.Logger) {
	watchPath, ok := ResolveWatchPath(&config)
	if !ok {
		return
	}
	ignorePatterns := config.WatchIgnore

	go func() {
		plog := log.WithProcess(name)

		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			plog.Error("failed to create file watcher", zap.Error(err))
			return
		}
		defer fsw.Close()

		if err := addRecursive(fsw, watchPath); err != nil {
			plog.Error("failed to watch path",
				zap.String("path", watchPath), zap.Error(err))
			return
		}

		for {
			var hasRelevant bool

			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				// New directories join the recursive watch.
				if event.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = fsw.Add(event.Name)
					}
				}
				hasRelevant = isRelevant(event.Name, ignorePatterns)
			case <-fsw.Errors:
				continue
			case <-done:
				return
			}

			// Debounce: absorb the burst, then decide.
			deadline := time.After(DebounceDuration)
		debounce:
			for {
				select {
				case event, ok := <-fsw.Events:
					if !ok {
						return
					}
					if !hasRelevant {
						hasRelevant = isRelevant(event.Name, ignorePatterns)
					}
				case <-deadline:
					break debounce
				case <-done:
					return
				}
			}

			if !hasRelevant {
				continue
			}

			var running bool
			table.WithRead(func(procs map[string]*process.Managed) {
				if managed, ok := procs[name]; ok {
					running = managed.Status == protocol.StatusOnline ||
						managed.Status == protocol.StatusStarting
				}
			})
			if !running {
				return
			}

			plog.Info("file change detected, restarting")

			var (
				managed  *process.Managed
				pid      int
				cfg      procconf.ProcessConfig
				restarts uint32
			)
			table.WithWrite(func(procs map[string]*process.Managed) {
				m, ok := procs[name]
				if !ok {
					return
				}
				managed = m
				cfg = m.Config.Clone()
				restarts = m.Restarts
				pid = m.BeginStop()
			})
			if managed == nil {
				return
			}

			// The kill escalation blocks; keep it outside the table lock.
			_ = process.KillWithEscalation(pid, &cfg)
			table.WithWrite(func(procs map[string]*process.Managed) {
				if procs[name] == managed {
					managed.FinishStop()
				}
			})
			if cfg.PostStop != "" {
				_ = process.RunHook(cfg.PostStop, cfg.Cwd)
			}

			if err := respawn(name, cfg, restarts+1); err != nil {
				plog.Error("failed to restart after file change", zap.Error(err))
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
