// Package logcapture manages the W anonymous memory files ("log slots")
// that workers redirect standard output and error onto, so that a crashed
// worker's output is never lost and no two concurrent workers' streams can
// interleave.
package logcapture

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// SlotSize is the fixed capacity of each log slot (1 MiB).
const SlotSize = 1024 * 1024

// Pool manages W memfd-backed log slots shared across the Zygote/Worker
// fork chain. Descriptors are created without MFD_CLOEXEC so they survive
// exec/fork and are inherited by the Zygote and, through it, every Worker.
type Pool struct {
	mu  sync.Mutex
	fds []int
}

// NewPool creates a log capture pool with the given number of slots, each
// truncated to SlotSize. Must be called before the Zygote is forked.
func NewPool(slots int) (*Pool, error) {
	p := &Pool{fds: make([]int, 0, slots)}
	for i := 0; i < slots; i++ {
		fd, err := createMemfd(fmt.Sprintf("tach_log_%d", i))
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("logcapture: creating slot %d: %w", i, err)
		}
		if err := unix.Ftruncate(fd, SlotSize); err != nil {
			unix.Close(fd)
			p.Close()
			return nil, fmt.Errorf("logcapture: truncating slot %d: %w", i, err)
		}
		p.fds = append(p.fds, fd)
	}
	return p, nil
}

// createMemfd creates an anonymous memory file WITHOUT MFD_CLOEXEC, since
// the fd must be inherited by forked children.
func createMemfd(name string) (int, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	return fd, nil
}

// SlotCount returns W, the number of slots in the pool.
func (p *Pool) SlotCount() int {
	return len(p.fds)
}

// FD returns the raw file descriptor backing a slot, for inclusion in a
// TestPayload (inherited by the worker across fork) and -1 if out of range.
func (p *Pool) FD(slot int) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= len(p.fds) {
		return -1
	}
	return int32(p.fds[slot])
}

// ReadAndClear reads the current contents of a slot, strips trailing NUL
// padding and whitespace, and resets the slot to empty for the next test
// assigned to it.
func (p *Pool) ReadAndClear(slot int) (string, error) {
	p.mu.Lock()
	fd := -1
	if slot >= 0 && slot < len(p.fds) {
		fd = p.fds[slot]
	}
	p.mu.Unlock()
	if fd < 0 {
		return "", fmt.Errorf("logcapture: invalid slot %d", slot)
	}

	// Read through a dup of the slot's fd. The dup shares the slot's file
	// offset, so the seek below moves the offset of every descriptor
	// inherited from this slot; a Worker's RedirectOutput seeks back to 0
	// before it writes.
	dupFD, err := unix.Dup(fd)
	if err != nil {
		return "", fmt.Errorf("logcapture: dup: %w", err)
	}
	defer unix.Close(dupFD)

	if _, err := unix.Seek(dupFD, 0, unix.SEEK_SET); err != nil {
		return "", fmt.Errorf("logcapture: seek: %w", err)
	}

	buf := make([]byte, SlotSize)
	total := 0
	for total < len(buf) {
		n, err := unix.Read(dupFD, buf[total:])
		if err != nil {
			return "", fmt.Errorf("logcapture: read: %w", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	content := string(buf[:total])
	content = strings.TrimRight(content, "\x00")
	content = strings.TrimRight(content, " \t\r\n")

	// Truncate to zero then re-extend, clearing the slot for reuse.
	if err := unix.Ftruncate(fd, 0); err != nil {
		return content, fmt.Errorf("logcapture: truncate to 0: %w", err)
	}
	if err := unix.Ftruncate(fd, SlotSize); err != nil {
		return content, fmt.Errorf("logcapture: re-extend: %w", err)
	}
	return content, nil
}

// Close releases every slot's descriptor.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fd := range p.fds {
		unix.Close(fd)
	}
	p.fds = nil
}
