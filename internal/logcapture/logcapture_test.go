//go:build linux

package logcapture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReadAndClearStripsPaddingAndResetsSlot(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	defer p.Close()

	fd := int(p.FD(0))
	_, err = unix.Pwrite(fd, []byte("hello world\n"), 0)
	require.NoError(t, err)

	got, err := p.ReadAndClear(0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)

	// The slot must come back empty, not holding a past test's bytes.
	got, err = p.ReadAndClear(0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSlotIsCappedAtSlotSize(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	defer p.Close()

	// A worker writing more than the slot capacity through the inherited
	// fd grows the memfd past SlotSize, but collection reads at most
	// SlotSize bytes: truncated, not corrupted.
	fd := int(p.FD(0))
	chunk := make([]byte, 64*1024)
	for i := range chunk {
		chunk[i] = 'x'
	}
	var off int64
	for off < SlotSize+int64(len(chunk)) {
		_, err := unix.Pwrite(fd, chunk, off)
		require.NoError(t, err)
		off += int64(len(chunk))
	}

	got, err := p.ReadAndClear(0)
	require.NoError(t, err)
	assert.Len(t, got, SlotSize)
}

func TestFDOutOfRange(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)
	defer p.Close()

	assert.EqualValues(t, -1, p.FD(-1))
	assert.EqualValues(t, -1, p.FD(2))
	assert.Equal(t, 2, p.SlotCount())
}
