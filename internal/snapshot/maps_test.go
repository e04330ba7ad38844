package snapshot

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMapsLineClassification(t *testing.T) {
	cases := []struct {
		line     string
		eligible bool
		name     string
	}{
		{"7f1234000000-7f1234021000 rw-p 00000000 00:00 0 [heap]", true, "[heap]"},
		{"7ffee0000000-7ffee0021000 rw-p 00000000 00:00 0 [stack]", true, "[stack]"},
		{"7f1234000000-7f1234100000 r-xp 00000000 08:01 123 /usr/lib/libc.so", false, "/usr/lib/libc.so"},
		{"7f1234100000-7f1234110000 rw-p 00100000 08:01 123 /usr/lib/libc.so", true, "/usr/lib/libc.so"},
		{"7ffee0021000-7ffee0022000 r--p 00000000 00:00 0 [vvar]", false, "[vvar]"},
		{"7ffee0022000-7ffee0023000 r-xp 00000000 00:00 0 [vdso]", false, "[vdso]"},
		{"7f1234200000-7f1234201000 rw-p 00000000 00:00 0", true, ""},
	}

	for _, c := range cases {
		r, ok, err := parseMapsLine(c.line)
		require.NoError(t, err, c.line)
		require.True(t, ok, c.line)
		assert.Equal(t, c.name, r.Name, c.line)
		assert.Equal(t, c.eligible, r.eligible(), c.line)
	}
}

func TestRegionLengthIsPageAligned(t *testing.T) {
	regions, err := ParseMaps(os.Getpid())
	require.NoError(t, err)
	for _, r := range regions {
		assert.Zero(t, r.Length()%PageSize, "region [%x,%x) must be page-aligned", r.Start, r.End)
	}
}
