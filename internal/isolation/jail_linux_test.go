//go:build linux

package isolation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupBypassSkipsJail(t *testing.T) {
	t.Setenv(BypassEnvVar, "1")
	// With the bypass flag inherited from the session environment, Setup
	// must return before touching any namespace or mount syscall; this
	// test runs unprivileged.
	require.NoError(t, Setup(1234, t.TempDir()))
}
