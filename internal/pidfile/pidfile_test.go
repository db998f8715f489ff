package pidfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm3/pm3/internal/paths"
)

func TestWriteAndRead(t *testing.T) {
	p := paths.WithBase(t.TempDir())

	require.NoError(t, Write(p))
	assert.Equal(t, os.Getpid(), Read(p))
}

func TestReadMissingFile(t *testing.T) {
	p := paths.WithBase(t.TempDir())
	assert.Equal(t, 0, Read(p))
}

func TestDaemonRunningWithSelf(t *testing.T) {
	p := paths.WithBase(t.TempDir())

	require.NoError(t, Write(p))
	assert.True(t, DaemonRunning(p))
}

func TestDaemonRunningStalePID(t *testing.T) {
	p := paths.WithBase(t.TempDir())

	// A PID that almost certainly does not exist.
	require.NoError(t, os.WriteFile(p.PIDFile(), []byte("4294967"), 0644))
	assert.False(t, DaemonRunning(p))

	// Stale PID file was cleaned up.
	_, err := os.Stat(p.PIDFile())
	assert.True(t, os.IsNotExist(err))
}

func TestIsAliveRejectsNonPositive(t *testing.T) {
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))
}
