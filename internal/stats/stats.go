// Package stats implements the periodic CPU/RSS collector and the shared
// cache consumed by list and info.
package stats

import (
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/process"
)

// RefreshInterval is the sampling cadence for all live processes.
const RefreshInterval = 5 * time.Second

// Sample is one observation for a process.
type Sample struct {
	CPUPercent  float64
	MemoryBytes uint64
	SampledAt   time.Time
}

// Cache maps process names to their latest sample. Entries outlive the
// process; callers treat missing entries as unknown.
type Cache struct {
	mu      sync.RWMutex
	samples map[string]Sample
	// handles keeps gopsutil process handles so consecutive CPU reads
	// measure the delta since the previous sample.
	handles map[int]*gopsproc.Process
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		samples: make(map[string]Sample),
		handles: make(map[int]*gopsproc.Process),
	}
}

// Lookup returns the latest sample for a name. Implements
// process.StatsReader.
func (c *Cache) Lookup(name string) (float64, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.samples[name]
	if !ok {
		return 0, 0, false
	}
	return s.CPUPercent, s.MemoryBytes, true
}

// refresh samples CPU% and RSS for every live record.
func (c *Cache) refresh(table *process.Table) {
	type target struct {
		name string
		pid  int
	}
	var targets []target
	table.WithRead(func(procs map[string]*process.Managed) {
		for name, managed := range procs {
			if managed.PID != 0 && managed.Status.Running() {
				targets = append(targets, target{name: name, pid: managed.PID})
			}
		}
	})

	now := time.Now()
	livePids := make(map[int]bool, len(targets))

	for _, tgt := range targets {
		livePids[tgt.pid] = true

		c.mu.Lock()
		handle, ok := c.handles[tgt.pid]
		c.mu.Unlock()
		if !ok {
			var err error
			handle, err = gopsproc.NewProcess(int32(tgt.pid))
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.handles[tgt.pid] = handle
			c.mu.Unlock()
		}

		cpu, err := handle.Percent(0)
		if err != nil {
			continue
		}
		mem, err := handle.MemoryInfo()
		if err != nil || mem == nil {
			continue
		}

		c.mu.Lock()
		c.samples[tgt.name] = Sample{
			CPUPercent:  cpu,
			MemoryBytes: mem.RSS,
			SampledAt:   now,
		}
		c.mu.Unlock()
	}

	// Drop handles for pids that are gone; stale samples stay.
	c.mu.Lock()
	for pid := range c.handles {
		if !livePids[pid] {
			delete(c.handles, pid)
		}
	}
	c.mu.Unlock()
}

// SpawnCollector refreshes the cache every RefreshInterval until done fires.
func SpawnCollector(cache *Cache, table *process.Table, done <-chan struct{}, log *logger.Logger) {
	go func() {
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				log.Debug("stats collector stopped")
				return
			case <-ticker.C:
				cache.refresh(table)
			}
		}
	}()
	log.Debug("stats collector started", zap.Duration("interval", RefreshInterval))
}
