package ipc

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWithLengthPrefix(t *testing.T) {
	payload := []byte("hello, zygote")
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	got := buf.Bytes()
	require.Len(t, got, 4+len(payload))
	length := uint32(got[0]) | uint32(got[1])<<8 | uint32(got[2])<<16 | uint32(got[3])<<24
	assert.Equal(t, uint32(len(payload)), length, "first four bytes must equal the remaining length")
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload-one")))
	require.NoError(t, WriteFrame(&buf, []byte("payload-two")))

	got1, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "payload-one", string(got1))

	got2, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "payload-two", string(got2))
}

func TestReadFrameHandlesPartialReads(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteFrame(&full, []byte("partial-delivery")))

	r := &slowReader{data: full.Bytes(), chunk: 1}
	got, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "partial-delivery", string(got))
}

func TestReadFrameEOFOnClosedPeer(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

// slowReader returns at most chunk bytes per Read call, to exercise
// ReadFrame's partial-read restart logic.
type slowReader struct {
	data  []byte
	chunk int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}
