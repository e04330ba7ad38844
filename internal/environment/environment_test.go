package environment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindSitePackagesLocalVenv(t *testing.T) {
	root := t.TempDir()
	site := filepath.Join(root, ".venv", "lib", "python3.12", "site-packages")
	require.NoError(t, os.MkdirAll(site, 0o755))

	got := FindSitePackages(root)
	assert.Equal(t, site, got)
}

func TestFindSitePackagesNone(t *testing.T) {
	root := t.TempDir()
	assert.Empty(t, FindSitePackages(root))
}

func TestFindSitePackagesVirtualEnvTakesPriority(t *testing.T) {
	root := t.TempDir()
	localSite := filepath.Join(root, ".venv", "lib", "python3.11", "site-packages")
	require.NoError(t, os.MkdirAll(localSite, 0o755))

	external := t.TempDir()
	externalSite := filepath.Join(external, "lib", "python3.12", "site-packages")
	require.NoError(t, os.MkdirAll(externalSite, 0o755))

	t.Setenv("VIRTUAL_ENV", external)

	got := FindSitePackages(root)
	assert.Equal(t, externalSite, got)
}

func TestImportPathsAlwaysIncludesRoot(t *testing.T) {
	root := t.TempDir()
	paths := ImportPaths(root)
	require.Len(t, paths, 1)
	assert.Equal(t, root, paths[0])
}
