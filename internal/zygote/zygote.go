//go:build linux

// Package zygote implements the long-lived fork server: a self-reexec of
// the tachd binary (hidden "zygote-serve" subcommand) that boots once,
// warms up the embedded harness, and then answers FORK/EXIT commands from
// the Supervisor by raw-forking a fresh Worker per test.
package zygote

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tachrun/tach/internal/harness"
	"github.com/tachrun/tach/internal/ipc"
	"github.com/tachrun/tach/internal/protocol"
	"github.com/tachrun/tach/internal/worker"
)

// Config bundles everything the Zygote needs at boot. CmdConn and
// ResultConn are inherited file descriptors (passed via exec.Cmd.ExtraFiles
// by the Supervisor), not sockets the Zygote creates itself.
type Config struct {
	CmdConn    *net.UnixConn
	ResultConn *net.UnixConn

	ProjectRoot          string
	RendezvousSocketPath string // empty disables the snapshot handshake for every worker

	// BootHook performs one-time harness warm-up (module imports, test
	// framework discovery) before the readiness byte is sent; nil runs no
	// warm-up.
	BootHook func(projectRoot string) error

	// PostForkHook is threaded through unchanged to every forked Worker.
	PostForkHook harness.PostForkHook

	// RunTest is threaded through unchanged to every forked Worker; nil
	// exercises the process fleet and IPC plumbing without an embedded
	// harness.
	RunTest func(protocol.TestPayload) protocol.TestResult
}

// Serve runs the Zygote's boot sequence and command loop. It returns nil
// when the Supervisor sends EXIT or closes the command socket, and a
// non-nil error only for a boot-time failure the caller should surface as
// a failed session rather than a clean shutdown.
func Serve(cfg Config) error {
	// Dead-man's switch relative to the Supervisor: if the Supervisor dies
	// without sending EXIT, the kernel kills this process rather than
	// leaving an orphaned fork server behind.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("zygote: PR_SET_PDEATHSIG: %w", err)
	}

	// The Zygote itself never waits on a child directly (each fork's exit
	// status is irrelevant to it; the Worker reports its own outcome over
	// its transient result socket before exiting), so SIGCHLD is ignored
	// here to avoid zombie accumulation. Each raw-forked Worker restores the
	// default disposition for itself in internal/worker, since it may need
	// to wait() on a subprocess the test spawns.
	signal.Ignore(unix.SIGCHLD)

	if cfg.BootHook != nil {
		if err := cfg.BootHook(cfg.ProjectRoot); err != nil {
			return fmt.Errorf("zygote: boot hook: %w", err)
		}
	}

	if _, err := cfg.CmdConn.Write([]byte{protocol.ReadyByte}); err != nil {
		return fmt.Errorf("zygote: writing readiness byte: %w", err)
	}

	srv := &server{cfg: cfg}
	return srv.loop()
}

// server holds the mutable state of one Zygote's command loop. resultMu
// serializes writes onto the single shared result socket: multiple relay
// goroutines (one per in-flight worker) each forward exactly one frame, and
// frames must never interleave on the wire.
type server struct {
	cfg      Config
	resultMu sync.Mutex
}

func (s *server) loop() error {
	for {
		var op [1]byte
		if _, err := io.ReadFull(s.cfg.CmdConn, op[:]); err != nil {
			// Supervisor closed the command socket without an EXIT; treat
			// exactly like EXIT rather than propagating an error, since the
			// Zygote's job is done either way.
			return nil
		}
		switch op[0] {
		case protocol.OpExit:
			return nil
		case protocol.OpFork:
			if err := s.handleFork(); err != nil {
				fmt.Fprintf(os.Stderr, "zygote: handling FORK: %v\n", err)
			}
		default:
			fmt.Fprintf(os.Stderr, "zygote: unknown opcode %#x\n", op[0])
		}
	}
}

// handleFork reads one TestPayload frame, raw-forks a Worker to run it,
// writes the new pid back to the Supervisor, and starts a goroutine that
// relays the Worker's single result frame onto the shared result socket.
//
// Go's runtime is multi-threaded (scheduler, GC workers, sysmon); forking
// without an immediately following exec is documented as unsafe in that
// setting because only the calling thread survives into the child while
// the other threads' held locks never release. The raw syscall is used
// here anyway, rather than os/exec: a fork+exec child would get a fresh
// address space, and inheriting the Zygote's warmed copy-on-write memory
// image is the entire point of this architecture. The Worker's very first
// actions after the fork (internal/worker.Run) are prctl and a
// signal-disposition reset, followed by isolation.Setup; Setup itself
// formats strings, creates directories, and talks netlink through the Go
// runtime, so the child is not confined to async-signal-safe primitives.
func (s *server) handleFork() error {
	buf, err := ipc.ReadFrame(s.cfg.CmdConn)
	if err != nil {
		return fmt.Errorf("reading FORK payload: %w", err)
	}
	payload, err := protocol.DecodeTestPayload(buf)
	if err != nil {
		// A malformed payload is a Supervisor/Zygote protocol-version
		// mismatch within one session, which should not happen; log and
		// skip rather than crash the whole fork server over one bad frame.
		return fmt.Errorf("decoding FORK payload: %w", err)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("creating per-worker result socketpair: %w", err)
	}
	parentFD, childFD := fds[0], fds[1]

	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		unix.Close(parentFD)
		unix.Close(childFD)
		return fmt.Errorf("fork: %w", errno)
	}

	if pid == 0 {
		// Child: becomes the Worker and never returns here.
		unix.Close(parentFD)
		worker.Run(worker.Config{
			ResultFD:             childFD,
			Payload:              payload,
			ProjectRoot:          s.cfg.ProjectRoot,
			RendezvousSocketPath: s.cfg.RendezvousSocketPath,
			PostForkHook:         s.cfg.PostForkHook,
			RunTest:              s.cfg.RunTest,
		})
		os.Exit(1) // unreachable: worker.Run always calls os.Exit itself
	}

	// Parent: still the Zygote.
	unix.Close(childFD)

	var pidBuf [4]byte
	binary.LittleEndian.PutUint32(pidBuf[:], uint32(pid))
	if _, err := s.cfg.CmdConn.Write(pidBuf[:]); err != nil {
		unix.Close(parentFD)
		return fmt.Errorf("writing worker pid: %w", err)
	}

	go s.relay(parentFD)
	return nil
}

// relay reads the one result frame a Worker writes to its private
// transient socket and forwards it onto the shared result socket, holding
// resultMu for the duration of the forward so concurrent relays cannot
// interleave their frames.
func (s *server) relay(fd int) {
	defer unix.Close(fd)
	file := os.NewFile(uintptr(fd), "worker-result")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return
	}
	defer conn.Close()

	buf, err := ipc.ReadFrame(conn)
	if err != nil {
		// The Worker died before reporting (crash, SIGKILL from an
		// isolation failure, OOM). The Supervisor's scheduler already
		// detects this as a stale worker via its own age-based sweep, so no
		// synthetic frame is sent here.
		return
	}

	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	if err := ipc.WriteFrame(s.cfg.ResultConn, buf); err != nil {
		fmt.Fprintf(os.Stderr, "zygote: forwarding result: %v\n", err)
	}
}
