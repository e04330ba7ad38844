//go:build linux

// Package worker implements the per-test Worker runtime entered
// immediately after the Zygote's raw fork: post-fork hygiene, the
// isolation jail, the Worker side of the snapshot handshake, log
// redirection, the harness post-fork hook, and result emission.
package worker

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tachrun/tach/internal/harness"
	"github.com/tachrun/tach/internal/ipc"
	"github.com/tachrun/tach/internal/isolation"
	"github.com/tachrun/tach/internal/logcapture"
	"github.com/tachrun/tach/internal/protocol"
	"github.com/tachrun/tach/internal/snapshot"
)

// Config bundles everything a single Worker needs after being forked from
// the Zygote.
type Config struct {
	ResultFD int // this worker's half of the per-worker transient socketpair, owned by us

	Payload              protocol.TestPayload
	ProjectRoot          string
	RendezvousSocketPath string // empty disables the snapshot handshake

	PostForkHook harness.PostForkHook

	// RunTest is the embedded harness' single-test entry point; nil always
	// reports a pass, exercising the process fleet and IPC plumbing on
	// their own.
	RunTest func(protocol.TestPayload) protocol.TestResult
}

// Run executes the full Worker lifecycle for one test and never returns:
// it always terminates the process via os.Exit, so the Zygote's
// fork-child branch has no path back into the fork server's own state.
func Run(cfg Config) {
	status, message, elapsed := run(cfg)
	result := protocol.TestResult{
		TestID:     cfg.Payload.TestID,
		Status:     status,
		DurationNS: uint64(elapsed.Nanoseconds()),
		Message:    message,
	}
	emitResult(cfg.ResultFD, result)
	os.Exit(0)
}

func run(cfg Config) (protocol.Status, string, time.Duration) {
	start := time.Now()

	// Dead-man's switch relative to the Zygote, set before touching
	// anything else: if the Zygote dies mid-test, the kernel reaps this
	// worker rather than leaving it running unsupervised.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return protocol.StatusError, fmt.Sprintf("worker: PR_SET_PDEATHSIG: %v", err), time.Since(start)
	}

	// The Zygote ignores SIGCHLD process-wide; restore the default
	// disposition here so this worker can wait() on any subprocess the
	// test itself spawns.
	signal.Reset(unix.SIGCHLD)

	if err := isolation.Setup(uint32(os.Getpid()), cfg.ProjectRoot); err != nil {
		// Abort immediately rather than run test code under a partially
		// established jail. This bypasses the normal result-frame path
		// entirely; no result frame arrives, and the scheduler's age-based
		// stale sweep synthesizes the crash completion.
		fmt.Fprintf(os.Stderr, "worker: isolation setup failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.Payload.LogFD >= 0 {
		if err := logcapture.RedirectOutput(cfg.Payload.LogFD); err != nil {
			fmt.Fprintf(os.Stderr, "worker: log redirect failed: %v\n", err)
		}
	}
	if cfg.Payload.DebugSocketPath != "" {
		os.Setenv("TACH_DEBUG_SOCKET", cfg.Payload.DebugSocketPath)
	}

	hook := cfg.PostForkHook
	if hook == nil {
		hook = harness.NoopHook
	}
	if err := hook(cfg.RendezvousSocketPath); err != nil {
		return protocol.StatusHarnessError, fmt.Sprintf("worker: post-fork hook: %v", err), time.Since(start)
	}

	var regions []snapshot.Region
	if cfg.RendezvousSocketPath != "" {
		regions = attemptHandshake(cfg.RendezvousSocketPath)
	}

	runTest := cfg.RunTest
	if runTest == nil {
		runTest = func(p protocol.TestPayload) protocol.TestResult {
			return protocol.TestResult{TestID: p.TestID, Status: protocol.StatusPass}
		}
	}
	result := runTest(cfg.Payload)

	if regions != nil {
		if err := snapshot.SelfAdvise(regions); err != nil {
			fmt.Fprintf(os.Stderr, "worker: self-advise failed: %v\n", err)
		}
	}

	return result.Status, result.Message, time.Since(start)
}

// attemptHandshake performs the Worker side of the snapshot handshake:
// create a userfault handle, hand it and this process's pid to the
// Supervisor over the rendezvous socket, self-stop, and resume once the
// Supervisor has registered this worker's memory and sent SIGCONT. A
// failure at any step degrades this one worker to fork-mode silently:
// snapshot unavailability is invisible to the scheduler, only throughput
// degrades.
func attemptHandshake(rendezvousPath string) []snapshot.Region {
	uffdFD, err := snapshot.NewHandle()
	if err != nil {
		return nil
	}

	conn, err := net.Dial("unix", rendezvousPath)
	if err != nil {
		unix.Close(uffdFD)
		return nil
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		unix.Close(uffdFD)
		return nil
	}

	if err := ipc.SendFD(uconn, int32(os.Getpid()), uffdFD); err != nil {
		uconn.Close()
		unix.Close(uffdFD)
		return nil
	}

	// The Supervisor now owns a duplicate of uffdFD; our copy is only
	// needed for the fault-service loop running on its side via the
	// duplicate, so it would be safe to close ours. It is kept open anyway
	// since this process never touches it again and os.Exit(0) in Run
	// closes every descriptor on exit regardless.

	unix.Kill(os.Getpid(), unix.SIGSTOP) // resumed by the Supervisor once registration finishes, either way

	// One ack byte on the rendezvous connection says whether registration
	// actually succeeded. Self-advising memory no userfault handle covers
	// would zero it instead of restoring it, so anything but an explicit
	// snapshot-mode ack leaves this worker in plain fork-mode. A supervisor
	// that dies before writing the ack takes the whole fleet down with it
	// via the dead-man's-switch chain, so this read cannot wedge the worker
	// past the session's own lifetime.
	var ack [1]byte
	_, err = uconn.Read(ack[:])
	uconn.Close()
	if err != nil || ack[0] != 0x01 {
		unix.Close(uffdFD)
		return nil
	}

	regions, err := snapshot.ParseMaps(os.Getpid())
	if err != nil {
		return nil
	}
	return regions
}

// emitResult writes a single framed TestResult to fd and closes it. Any
// error here is unrecoverable from the Worker's side: the process is
// about to exit regardless, and a failed write just means the Supervisor's
// stale-worker sweep will eventually synthesize the completion instead.
func emitResult(fd int, result protocol.TestResult) {
	file := os.NewFile(uintptr(fd), "worker-result")
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return
	}
	defer conn.Close()
	ipc.WriteFrame(conn, protocol.EncodeTestResult(result))
}
