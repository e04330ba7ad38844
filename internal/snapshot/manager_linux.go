//go:build linux

package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// WorkerSnapshot is the supervisor-held record for one worker in snapshot
// mode: its userfault handle, the dense golden-page map, and the ordered
// regions it was captured from.
type WorkerSnapshot struct {
	PID         int
	UffdFD      int
	GoldenPages map[uint64][]byte // page-aligned address -> 4096-byte blob
	Regions     []Region

	stop chan struct{}
}

// Manager owns every worker's snapshot state and runs one fault-service
// loop per registered worker. available starts false and is flipped true
// only after the first worker's region registration actually succeeds,
// never at probe time: kernel feature detection by creating a handle once
// at startup can falsely report availability when later per-region
// registration fails for unrelated reasons.
type Manager struct {
	mu        sync.Mutex
	snapshots map[int]*WorkerSnapshot

	available atomic.Bool
}

// NewManager returns a Manager with snapshot mode not yet determined
// available. Callers should treat Available() as unknown-but-false until
// the first successful Register.
func NewManager() *Manager {
	return &Manager{snapshots: make(map[int]*WorkerSnapshot)}
}

// Available reports whether at least one worker has successfully completed
// registration this session. It does not switch the session between
// modes: nothing in the scheduler or supervisor reads it, and every
// worker attempts the handshake on its own, falling back to fork-mode
// alone when its own registration fails.
func (m *Manager) Available() bool {
	return m.available.Load()
}

// Register performs the supervisor side of the snapshot handshake: parse
// the worker's /proc/[pid]/maps, read every snapshot-eligible region
// out-of-band via process_vm_readv, split into page-aligned golden pages,
// register each region on the worker's userfault handle, and start the
// fault-service loop. The worker must already be stopped (it raises
// SIGSTOP right after sending its handle; see WaitStopped) when this is
// called. Resuming it afterwards is the caller's job, together with the
// registration ack that tells the worker whether self-advising is safe.
func (m *Manager) Register(pid int, uffdFD int) (*WorkerSnapshot, error) {
	regions, err := ParseMaps(pid)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parsing maps for pid %d: %w", pid, err)
	}

	golden := make(map[uint64][]byte)
	for _, r := range regions {
		data, err := readProcessMemory(pid, r.Start, r.Length())
		if err != nil {
			return nil, fmt.Errorf("snapshot: reading region [%x,%x) of pid %d: %w", r.Start, r.End, pid, err)
		}
		for off := uint64(0); off < uint64(len(data)); off += PageSize {
			page := make([]byte, PageSize)
			copy(page, data[off:off+PageSize])
			golden[r.Start+off] = page
		}
		if err := registerRegion(uffdFD, r.Start, r.Length()); err != nil {
			return nil, fmt.Errorf("snapshot: registering region [%x,%x) of pid %d: %w", r.Start, r.End, pid, err)
		}
	}

	ws := &WorkerSnapshot{
		PID:         pid,
		UffdFD:      uffdFD,
		GoldenPages: golden,
		Regions:     regions,
		stop:        make(chan struct{}),
	}

	m.mu.Lock()
	m.snapshots[pid] = ws
	m.mu.Unlock()

	m.available.Store(true)
	go m.faultLoop(ws)
	return ws, nil
}

// WaitStopped polls /proc/[pid]/stat until the process reaches the stopped
// state (T). The worker raises SIGSTOP as its very next instruction after
// sending its userfault handle, but the kernel delivers the fd to the
// supervisor before that instruction runs, so the capture side must not
// read the worker's memory while its last few instructions are still in
// flight.
func WaitStopped(pid int, timeout time.Duration) error {
	path := fmt.Sprintf("/proc/%d/stat", pid)
	deadline := time.Now().Add(timeout)
	for {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("snapshot: reading %s: %w", path, err)
		}
		// Field 3 (state) follows the parenthesized comm, which may itself
		// contain spaces and parens.
		if i := bytes.LastIndexByte(data, ')'); i >= 0 && i+2 < len(data) {
			if data[i+2] == 'T' {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("snapshot: pid %d did not stop within %v", pid, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// Release stops the fault-service loop and closes the userfault handle for
// a worker that has exited (snapshot mode) or is being torn down.
func (m *Manager) Release(pid int) {
	m.mu.Lock()
	ws, ok := m.snapshots[pid]
	if ok {
		delete(m.snapshots, pid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(ws.stop)
	unix.Close(ws.UffdFD)
}

// readProcessMemory reads length bytes starting at addr out of pid's
// address space via process_vm_readv, a direct cross-address-space read
// rather than a ptrace attach. This avoids ptrace-attach costs, requires no
// elevated capability beyond what a parent already has over its own
// descendant, and leaves the worker undisturbed beyond the self-stop
// signal it already raised.
func readProcessMemory(pid int, addr, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	local := []unix.Iovec{{Base: &buf[0], Len: length}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: int(length)}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("process_vm_readv: %w", err)
	}
	return buf[:n], nil
}
