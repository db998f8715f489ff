// Package cronjob implements schedule-driven graceful restarts.
package cronjob

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
	"github.com/pm3/pm3/internal/protocol"
)

// parser accepts second-granularity expressions.
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseExpression accepts 5-, 6-, or 7-field cron expressions. A 5-field
// expression gains a leading seconds field; a 7-field expression has its
// trailing year field checked to be "*" or a number and then stripped; the
// year is not matched against the date.
func ParseExpression(expr string) (cron.Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))

	var normalized string
	switch len(fields) {
	case 5:
		normalized = "0 " + strings.Join(fields, " ")
	case 6:
		normalized = strings.Join(fields, " ")
	case 7:
		year := fields[6]
		if year != "*" {
			if _, err := strconv.Atoi(year); err != nil {
				return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
					"invalid cron expression '%s': bad year field '%s'", expr, year)
			}
		}
		normalized = strings.Join(fields[:6], " ")
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
			"invalid cron expression '%s': expected 5, 6, or 7 fields", expr)
	}

	schedule, err := parser.Parse(normalized)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
			"invalid cron expression '%s': %v", expr, err)
	}
	return schedule, nil
}

// NextRunIn returns the duration until the schedule's next firing.
func NextRunIn(schedule cron.Schedule) time.Duration {
	now := time.Now()
	next := schedule.Next(now)
	if next.IsZero() {
		return 0
	}
	return next.Sub(now)
}

// SpawnRestarter sleeps until the next scheduled firing, then gracefully
// stops and respawns the record at restarts+1. The restarter exits after
// one firing; the replacement record's own restarter takes over.
func SpawnRestarter(name, expr string, table *process.Table, done <-chan struct{}, respawn process.RespawnFunc, log *logger.Logger) {
	go func() {
		plog := log.WithProcess(name)

		schedule, err := ParseExpression(expr)
		if err != nil {
			plog.Error("invalid cron_restart", zap.Error(err))
			return
		}

		for {
			sleep := NextRunIn(schedule)
			if sleep <= 0 {
				return
			}

			select {
			case <-done:
				return
			case <-time.After(sleep):
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

			plog.Info("cron restart triggered")

			var (
				managed  *process.Managed
				pid      int
				config   procconf.ProcessConfig
				restarts uint32
			)
			table.WithWrite(func(procs map[string]*process.Managed) {
				m, ok := procs[name]
				if !ok {
					return
				}
				managed = m
				config = m.Config.Clone()
				restarts = m.Restarts
				pid = m.BeginStop()
			})
			if managed == nil {
				return
			}

			// The kill escalation blocks; keep it outside the table lock.
			_ = process.KillWithEscalation(pid, &config)
			table.WithWrite(func(procs map[string]*process.Managed) {
				if procs[name] == managed {
					managed.FinishStop()
				}
			})
			if config.PostStop != "" {
				_ = process.RunHook(config.PostStop, config.Cwd)
			}

			if err := respawn(name, config, restarts+1); err != nil {
				plog.Error("failed to restart on cron schedule", zap.Error(err))
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
