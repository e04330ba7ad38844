//go:build linux

package logcapture

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RedirectOutput duplicates a log slot's fd onto the calling process's
// stdout and stderr. It does not change any stdio buffering mode. Called inside a Worker
// after isolation is established. A negative fd is a no-op: the worker was
// dispatched without a log slot.
func RedirectOutput(fd int32) error {
	if fd < 0 {
		return nil
	}
	rawFD := int(fd)

	if _, err := unix.Seek(rawFD, 0, unix.SEEK_SET); err != nil {
		return fmt.Errorf("logcapture: seek before redirect: %w", err)
	}
	if err := unix.Dup2(rawFD, unix.Stdout); err != nil {
		return fmt.Errorf("logcapture: dup2 stdout: %w", err)
	}
	if err := unix.Dup2(rawFD, unix.Stderr); err != nil {
		return fmt.Errorf("logcapture: dup2 stderr: %w", err)
	}
	// Go's os.Stdout/os.Stderr are unbuffered at the runtime level already;
	// line-buffering only matters for C-level stdio a harness might use, so
	// there is no setvbuf-equivalent call needed on the Go side.
	return nil
}
