package stats

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/process"
)

func TestLookupMissingEntry(t *testing.T) {
	cache := NewCache()
	_, _, ok := cache.Lookup("absent")
	assert.False(t, ok)
}

func TestRefreshSamplesLiveProcess(t *testing.T) {
	cache := NewCache()
	table := process.NewTable()

	// Adopt the test process itself; it is certainly alive.
	m := process.Adopt("self", procconf.ProcessConfig{Command: "sleep 1"}, os.Getpid(), 0)
	table.WithWrite(func(procs map[string]*process.Managed) { procs["self"] = m })

	cache.refresh(table)

	_, mem, ok := cache.Lookup("self")
	require.True(t, ok)
	assert.Greater(t, mem, uint64(0))
}

func TestRefreshSkipsStoppedProcess(t *testing.T) {
	cache := NewCache()
	table := process.NewTable()

	m := process.Adopt("gone", procconf.ProcessConfig{Command: "sleep 1"}, os.Getpid(), 0)
	m.PID = 0
	table.WithWrite(func(procs map[string]*process.Managed) { procs["gone"] = m })

	cache.refresh(table)

	_, _, ok := cache.Lookup("gone")
	assert.False(t, ok)
}

func TestStaleSampleOutlivesProcess(t *testing.T) {
	cache := NewCache()
	table := process.NewTable()

	m := process.Adopt("ephemeral", procconf.ProcessConfig{Command: "sleep 1"}, os.Getpid(), 0)
	table.WithWrite(func(procs map[string]*process.Managed) { procs["ephemeral"] = m })
	cache.refresh(table)

	_, _, ok := cache.Lookup("ephemeral")
	require.True(t, ok)

	// Process goes away; the sample remains until overwritten.
	table.WithWrite(func(procs map[string]*process.Managed) { delete(procs, "ephemeral") })
	cache.refresh(table)

	_, _, ok = cache.Lookup("ephemeral")
	assert.True(t, ok)
}
