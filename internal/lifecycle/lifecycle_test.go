package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupGuardTracksAndUntracksWorkers(t *testing.T) {
	g := NewCleanupGuard()
	g.TrackWorker(101)
	g.TrackWorker(102)
	g.UntrackWorker(101)
	assert.Equal(t, []int{102}, g.WorkerPIDs())
}

func TestCleanupGuardCloseRemovesTrackedSockets(t *testing.T) {
	g := NewCleanupGuard()
	path := filepath.Join(t.TempDir(), "session.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	g.TrackSocket(path)

	g.Close()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunContextCreatesAndRemovesScratchDir(t *testing.T) {
	rc, err := NewRunContext()
	require.NoError(t, err)

	info, err := os.Stat(rc.ScratchDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, rc.ScratchDir, filepath.Dir(rc.RendezvousSocketPath))

	require.NoError(t, rc.Close())
	_, err = os.Stat(rc.ScratchDir)
	assert.True(t, os.IsNotExist(err))
}

func TestEnvDefaultsAllocator(t *testing.T) {
	rc, err := NewRunContext()
	require.NoError(t, err)
	defer rc.Close()

	env := rc.Env("")
	assert.Contains(t, env, EnvAllocator+"="+DefaultAllocator)
	assert.Contains(t, env, EnvRendezvousSocket+"="+rc.RendezvousSocketPath)

	env = rc.Env("jemalloc:tcache=false")
	assert.Contains(t, env, EnvAllocator+"=jemalloc:tcache=false")
}
