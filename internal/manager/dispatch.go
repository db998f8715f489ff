package manager

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/logfile"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

// Dispatch routes a non-log request to its operation. The shutdown
// callback fires the daemon's cooperative shutdown for kill requests.
func (mgr *Manager) Dispatch(request protocol.Request, shutdown func()) protocol.Response {
	switch req := request.(type) {
	case *protocol.StartRequest:
		return mgr.Start(req.Configs, req.Names, req.Env, req.Wait, req.Path)
	case *protocol.StopRequest:
		return mgr.Stop(req.Names)
	case *protocol.RestartRequest:
		return mgr.Restart(req.Names)
	case *protocol.ListRequest:
		return mgr.List()
	case *protocol.KillRequest:
		shutdown()
		return &protocol.SuccessResponse{Message: "daemon shutting down"}
	case *protocol.ReloadRequest:
		return mgr.Reload(req.Names, req.Path)
	case *protocol.InfoRequest:
		return mgr.Info(req.Name)
	case *protocol.SignalRequest:
		return mgr.Signal(req.Name, req.Signal)
	case *protocol.SaveRequest:
		return mgr.Save()
	case *protocol.ResurrectRequest:
		return mgr.Resurrect(req.Path)
	case *protocol.FlushRequest:
		return mgr.Flush(req.Names)
	case *protocol.LogRequest:
		return &protocol.ErrorResponse{Message: "unexpected dispatch for log"}
	default:
		return &protocol.ErrorResponse{Message: "unknown request"}
	}
}

// List returns the table summary with cached stats merged in.
func (mgr *Manager) List() protocol.Response {
	var infos []protocol.ProcessInfo
	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		for _, managed := range procs {
			infos = append(infos, managed.ToProcessInfo(mgr.stats))
		}
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	if infos == nil {
		infos = []protocol.ProcessInfo{}
	}
	return &protocol.ProcessListResponse{Processes: infos}
}

// Info returns the detailed projection for one process.
func (mgr *Manager) Info(name string) protocol.Response {
	var detail *protocol.ProcessDetail
	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		if managed, ok := procs[name]; ok {
			d := managed.ToProcessDetail(mgr.paths, mgr.stats)
			detail = &d
		}
	})
	if detail == nil {
		return &protocol.ErrorResponse{Message: fmt.Sprintf("process not found: %s", name)}
	}
	return &protocol.ProcessDetailResponse{Info: *detail}
}

// Signal parses and delivers a signal to the process's pid.
func (mgr *Manager) Signal(name, signal string) protocol.Response {
	var pid int
	var found bool
	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		if managed, ok := procs[name]; ok {
			found = true
			pid = managed.PID
		}
	})
	if !found {
		return &protocol.ErrorResponse{Message: apperrors.NotFound(name).Error()}
	}
	if pid == 0 {
		return &protocol.ErrorResponse{Message: apperrors.NotRunning(name).Error()}
	}

	sig, err := process.ParseSignal(signal)
	if err != nil {
		return &protocol.ErrorResponse{Message: err.Error()}
	}
	if err := process.SendSignal(pid, sig); err != nil {
		return &protocol.ErrorResponse{
			Message: fmt.Sprintf("failed to send signal to '%s': %v", name, err),
		}
	}

	return &protocol.SuccessResponse{Message: fmt.Sprintf("sent %s to '%s'", signal, name)}
}

// Flush truncates the current log files for each target and deletes their
// rotated siblings.
func (mgr *Manager) Flush(names []string) protocol.Response {
	var targets []string
	var opErr error

	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		if names != nil {
			for _, name := range names {
				if _, ok := procs[name]; !ok {
					opErr = apperrors.NotFound(name)
					return
				}
			}
			targets = names
			return
		}
		for name := range procs {
			targets = append(targets, name)
		}
		sort.Strings(targets)
	})
	if opErr != nil {
		return &protocol.ErrorResponse{Message: opErr.Error()}
	}

	var g errgroup.Group
	for _, name := range targets {
		name := name
		g.Go(func() error {
			for _, path := range []string{mgr.paths.StdoutLog(name), mgr.paths.StderrLog(name)} {
				if _, err := os.Stat(path); err == nil {
					if err := os.Truncate(path, 0); err != nil {
						return fmt.Errorf("failed to truncate log for '%s': %w", name, err)
					}
				}
			}
			for i := 1; i <= logfile.RotationKeep; i++ {
				_ = os.Remove(mgr.paths.RotatedStdoutLog(name, i))
				_ = os.Remove(mgr.paths.RotatedStderrLog(name, i))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &protocol.ErrorResponse{Message: err.Error()}
	}

	return &protocol.SuccessResponse{Message: "flushed logs: " + strings.Join(targets, ", ")}
}
