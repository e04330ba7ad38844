// Package ipc implements the dual-channel length-prefixed framing and
// out-of-band file-descriptor passing that binds the Supervisor, Zygote,
// and Worker processes together.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tachrun/tach/internal/protocol"
)

// WriteFrame writes len(payload):u32LE followed by payload, retrying
// partial writes to completion.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > protocol.MaxMessageLen {
		return fmt.Errorf("ipc: frame of %d bytes exceeds max %d", len(payload), protocol.MaxMessageLen)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if err := writeFull(w, hdr[:]); err != nil {
		return fmt.Errorf("ipc: writing frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if err := writeFull(w, payload); err != nil {
		return fmt.Errorf("ipc: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed frame, restarting partial reads until
// the declared payload is whole. Returns io.EOF if the peer closed the
// connection before any bytes of a new frame arrived.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > protocol.MaxMessageLen {
		return nil, fmt.Errorf("ipc: frame length %d exceeds max %d", n, protocol.MaxMessageLen)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("ipc: reading frame payload: %w", err)
	}
	return buf, nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
