// Package lifecycle owns the process-wide state that must survive a panic:
// the kill-on-exit registry of zygote/worker pids and socket paths, and the
// two flags (shutdown-requested, interactive-debug) that a signal handler
// must be able to read and write safely.
//
// Cleanup must run to completion even when it is invoked from a deferred
// recover() after a panic elsewhere in the process; CleanupGuard.Close is
// therefore safe to call on any exit path and never itself panics.
package lifecycle

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ShutdownRequested and Debugging are process-wide flags read from a
// signal-handler context, hence atomic.Bool rather than a mutex-guarded
// field: a signal goroutine writes them, arbitrary other goroutines read
// them, and zero-value initialization happens before the first fork.
var (
	ShutdownRequested atomic.Bool
	Debugging         atomic.Bool
)

// CleanupGuard is the session-scoped registry of kill-on-exit resources:
// the zygote pid, every in-flight worker pid, and the socket files to
// remove on teardown.
type CleanupGuard struct {
	mu         sync.Mutex
	zygotePID  int
	workerPIDs []int
	sockets    []string
	closed     bool
}

// NewCleanupGuard returns an empty guard.
func NewCleanupGuard() *CleanupGuard {
	return &CleanupGuard{}
}

// SetZygotePID records the zygote's pid for teardown.
func (g *CleanupGuard) SetZygotePID(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.zygotePID = pid
}

// TrackWorker records a worker pid for teardown.
func (g *CleanupGuard) TrackWorker(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workerPIDs = append(g.workerPIDs, pid)
}

// UntrackWorker removes a worker pid once it has reported a result.
func (g *CleanupGuard) UntrackWorker(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.workerPIDs[:0]
	for _, p := range g.workerPIDs {
		if p != pid {
			out = append(out, p)
		}
	}
	g.workerPIDs = out
}

// TrackSocket records a socket path to be removed on teardown.
func (g *CleanupGuard) TrackSocket(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sockets = append(g.sockets, path)
}

// WorkerPIDs returns a snapshot of currently tracked worker pids, used by
// the debug server to pause/resume the fleet.
func (g *CleanupGuard) WorkerPIDs() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, len(g.workerPIDs))
	copy(out, g.workerPIDs)
	return out
}

// Close kills every tracked process and removes every tracked socket file.
// It never panics, so it is safe to invoke from a deferred recover handler
// on any exit path (normal return, early return, or panic).
func (g *CleanupGuard) Close() {
	defer func() { recover() }()

	g.mu.Lock()
	pids := append([]int(nil), g.workerPIDs...)
	zygote := g.zygotePID
	sockets := append([]string(nil), g.sockets...)
	g.closed = true
	g.mu.Unlock()

	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		// Signal the process group -pid first, then the process directly.
		// Workers are forked without a setpgid call, so the group signal
		// reaches the worker's children only if the worker made itself a
		// process-group leader.
		unix.Kill(-pid, unix.SIGKILL)
		unix.Kill(pid, unix.SIGKILL)
	}
	if zygote > 0 {
		unix.Kill(zygote, unix.SIGKILL)
	}
	for _, path := range sockets {
		os.Remove(path)
	}
}
