package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	want := &Config{Workers: 4, Allocator: "system:thread_cache=0"}
	require.NoError(t, Save(want))

	got, err := Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFindProjectRCWalksUp(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, rcFile), []byte("workers = 2\n"), 0o644))

	path, err := FindProjectRC(sub)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, rcFile), path)

	cfg, err := LoadProjectRC(sub)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
}

func TestMergeOverridesOnlyNonZeroFields(t *testing.T) {
	base := &Config{Workers: 4, Allocator: "system:thread_cache=0"}
	override := &Config{Workers: 8}
	merged := Merge(base, override)
	assert.Equal(t, 8, merged.Workers)
	assert.Equal(t, "system:thread_cache=0", merged.Allocator)
}
