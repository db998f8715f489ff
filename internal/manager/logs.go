package manager

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pm3/pm3/internal/logfile"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

// followIdleSleep is the idle delay between try-receive sweeps in follow
// mode.
const followIdleSleep = 50 * time.Millisecond

// StreamLogs writes a backfill of the last n lines per target (stdout then
// stderr) and, when follow is set, keeps relaying live lines until the
// client closes the connection (observed as a write error). Lagged
// broadcasts are dropped silently by the broadcaster.
func (mgr *Manager) StreamLogs(name string, lines int, follow bool, w io.Writer) error {
	var targets []string
	var subs []*logfile.Subscription
	var notFound bool

	mgr.table.WithRead(func(procs map[string]*process.Managed) {
		if name != "" {
			if _, ok := procs[name]; !ok {
				notFound = true
				return
			}
			targets = []string{name}
		} else {
			for key := range procs {
				targets = append(targets, key)
			}
			sort.Strings(targets)
		}
		if follow {
			for _, target := range targets {
				if managed, ok := procs[target]; ok {
					subs = append(subs, managed.Broadcaster.Subscribe())
				}
			}
		}
	})
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	if notFound {
		return writeResponse(w, &protocol.ErrorResponse{
			Message: fmt.Sprintf("process not found: %s", name),
		})
	}

	multi := len(targets) > 1

	for _, target := range targets {
		stdoutLines, _ := logfile.Tail(mgr.paths.StdoutLog(target), lines)
		stderrLines, _ := logfile.Tail(mgr.paths.StderrLog(target), lines)

		for _, line := range append(stdoutLines, stderrLines...) {
			resp := &protocol.LogLineResponse{Line: line}
			if multi {
				resp.Name = target
			}
			if err := writeResponse(w, resp); err != nil {
				return nil // client went away
			}
		}
	}

	if !follow {
		return nil
	}

	// Try-receive sweep over every subscription with a short idle sleep,
	// rather than a blocking select across a dynamic set.
	for {
		anyReceived := false
		for i, sub := range subs {
			for {
				select {
				case entry, ok := <-sub.C:
					if !ok {
						return nil
					}
					resp := &protocol.LogLineResponse{Line: entry.Line}
					if multi {
						resp.Name = targets[i]
					}
					if err := writeResponse(w, resp); err != nil {
						return nil // client went away
					}
					anyReceived = true
					continue
				default:
				}
				break
			}
		}
		if !anyReceived {
			time.Sleep(followIdleSleep)
		}
	}
}

func writeResponse(w io.Writer, resp protocol.Response) error {
	encoded, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}
