package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Environment variables the Supervisor sets for itself, the Zygote, and
// every Worker to inherit across fork/exec.
const (
	// EnvAllocator names the interpreter's memory allocator and disables
	// its thread-local cache. Mandatory: page-level rollback only restores
	// allocator bookkeeping correctly if this is set before the first
	// interpreter initialization.
	EnvAllocator = "TACH_ALLOCATOR"

	// EnvRunDir points at the per-session scratch directory (RunContext's
	// ScratchDir), so the Zygote and Workers can find the rendezvous socket
	// without a second IPC round trip. The debug proxy socket is handed to
	// a Worker per-test instead, via TestPayload.DebugSocketPath.
	EnvRunDir = "TACH_RUN_DIR"

	// EnvRendezvousSocket is the UFFD-handoff rendezvous socket path. If
	// present and readable, a Worker attempts the snapshot handshake.
	EnvRendezvousSocket = "TACH_RENDEZVOUS_SOCKET"

	// EnvTargetPath is the discovery scope, used by the Zygote to
	// pre-collect tests.
	EnvTargetPath = "TACH_TARGET_PATH"
)

// DefaultAllocator is the value written to EnvAllocator when the caller
// does not override it: the system allocator with its thread cache
// disabled, the only configuration whose bookkeeping is idempotent across
// page-level rollback.
const DefaultAllocator = "system:thread_cache=0"

// RunContext is the per-session scratch directory plus the UFFD rendezvous
// socket path. It is created before the Zygote is forked so both the
// Zygote and every Worker inherit EnvRunDir pointing at it, and removed on
// session end.
type RunContext struct {
	ScratchDir           string
	RendezvousSocketPath string
}

// NewRunContext creates a unique scratch directory under the OS temporary
// area and computes the rendezvous socket path inside it. A uuid rather
// than a timestamp keeps two sessions distinct even when they start
// within the same clock tick under load.
func NewRunContext() (*RunContext, error) {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("tach-%s", uuid.NewString()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lifecycle: creating scratch dir %s: %w", dir, err)
	}
	return &RunContext{
		ScratchDir:           dir,
		RendezvousSocketPath: filepath.Join(dir, "rendezvous.sock"),
	}, nil
}

// Env returns the environment variable assignments a child process
// (Zygote or, transitively, Worker) must inherit to participate in this
// run.
func (rc *RunContext) Env(allocator string) []string {
	if allocator == "" {
		allocator = DefaultAllocator
	}
	return []string{
		EnvAllocator + "=" + allocator,
		EnvRunDir + "=" + rc.ScratchDir,
		EnvRendezvousSocket + "=" + rc.RendezvousSocketPath,
	}
}

// Close removes the scratch directory and everything in it (sockets
// included). Safe to call more than once.
func (rc *RunContext) Close() error {
	if err := os.RemoveAll(rc.ScratchDir); err != nil {
		return fmt.Errorf("lifecycle: removing scratch dir %s: %w", rc.ScratchDir, err)
	}
	return nil
}
