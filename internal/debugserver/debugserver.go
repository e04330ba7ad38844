//go:build linux

// Package debugserver implements the TTY proxy that lets a breakpoint() or
// pdb.set_trace() inside an isolated Worker drive the Supervisor's own
// terminal.
//
// A Worker that hits a breakpoint dials a Unix socket at SocketPath and
// blocks; the Supervisor accepts the connection, pauses every other Worker
// with SIGSTOP so their log output can't interleave with pdb's prompt,
// switches its controlling terminal into raw mode, and tunnels stdin/stdout
// over the socket until the Worker's pdb session exits and the connection
// closes.
package debugserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/tachrun/tach/internal/lifecycle"
)

// inRawMode and savedState back the panic hook: a panic while the terminal
// is in raw mode must still restore cooked mode, or the user's shell is
// left unusable after the crash.
var (
	inRawMode  atomic.Bool
	savedState atomic.Value // *term.State
)

// RecoverTerminal restores the controlling terminal to cooked mode if the
// goroutine is panicking while a debug session left it in raw mode, then
// re-panics. Go has no global panic hook, so callers must defer this
// directly in main(): without it, a panic during a debug session leaves
// the user's shell unusable.
func RecoverTerminal() {
	if r := recover(); r != nil {
		restoreOnPanic()
		panic(r)
	}
}

func restoreOnPanic() {
	if !inRawMode.Load() {
		return
	}
	if st, ok := savedState.Load().(*term.State); ok && st != nil {
		_ = term.Restore(int(os.Stdin.Fd()), st)
	}
	inRawMode.Store(false)
	fmt.Fprintln(os.Stderr, "\n[tach] terminal restored after panic.")
}

// TerminalManager switches stdin between cooked and raw mode.
type TerminalManager struct {
	fd    int
	saved *term.State
	raw   bool
}

func NewTerminalManager() *TerminalManager {
	return &TerminalManager{fd: int(os.Stdin.Fd())}
}

// EnterRaw disables line buffering, echo, and signal generation so pdb can
// read keystrokes one at a time, including Ctrl+C as a literal 0x03 byte.
func (m *TerminalManager) EnterRaw() error {
	if m.raw {
		return nil
	}
	saved, err := term.MakeRaw(m.fd)
	if err != nil {
		return fmt.Errorf("debugserver: entering raw mode: %w", err)
	}
	m.saved = saved
	m.raw = true
	savedState.Store(saved)
	inRawMode.Store(true)
	return nil
}

// Restore returns the terminal to cooked mode. Safe to call when not raw.
func (m *TerminalManager) Restore() error {
	if !m.raw {
		return nil
	}
	err := term.Restore(m.fd, m.saved)
	m.raw = false
	inRawMode.Store(false)
	if err != nil {
		return fmt.Errorf("debugserver: restoring terminal: %w", err)
	}
	return nil
}

// DebugServer accepts one breakpoint() connection at a time from the
// Worker fleet and tunnels an interactive pdb session to this process's
// own stdin/stdout.
type DebugServer struct {
	socketPath string
	listener   *net.UnixListener
}

// New binds the debug socket at /tmp/tach_debug_<supervisorPID>.sock,
// matching the path Workers are told via TACH_DEBUG_SOCKET.
func New(supervisorPID int) (*DebugServer, error) {
	path := fmt.Sprintf("/tmp/tach_debug_%d.sock", supervisorPID)
	_ = os.Remove(path)

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("debugserver: binding %s: %w", path, err)
	}
	log.WithField("socket", path).Info("debugserver: listening for breakpoint connections")
	return &DebugServer{socketPath: path, listener: l}, nil
}

func (s *DebugServer) SocketPath() string { return s.socketPath }

func (s *DebugServer) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

// Serve accepts debug sessions until ctx is canceled or the listener is
// closed. workerPIDs is called fresh on every accept so the pause list
// always reflects the currently live fleet.
func (s *DebugServer) Serve(ctx context.Context, workerPIDs func() []int) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("debugserver: accept: %w", err)
		}
		if err := s.handleSession(conn, workerPIDs()); err != nil {
			log.WithError(err).Warn("debugserver: session error")
		}
	}
}

// handleSession pauses the rest of the fleet, tunnels stdin/stdout over
// conn until it closes, then resumes the fleet. Only one session runs at a
// time because Serve's accept loop is single-threaded.
func (s *DebugServer) handleSession(conn *net.UnixConn, workerPIDs []int) error {
	debugPID := peerPID(conn)

	lifecycle.Debugging.Store(true)
	defer lifecycle.Debugging.Store(false)

	pauseWorkers(workerPIDs, debugPID)
	defer resumeWorkers(workerPIDs)

	fmt.Fprintln(os.Stderr, "\n[tach] worker hit a breakpoint, entering debug mode.")
	fmt.Fprintln(os.Stderr, "[tach] type 'c' to continue, 'q' to quit pdb.\n")

	tty := NewTerminalManager()
	if err := tty.EnterRaw(); err != nil {
		return err
	}
	defer tty.Restore()

	// The Worker's pdb session closing its end of conn is the only clean
	// termination signal available: os.Stdin has no portable way to
	// interrupt a blocked read, so the stdin->conn pump runs in its own
	// goroutine and is left to exit on its own next keystroke (its write to
	// the by-then-closed conn fails). The conn->stdout copy, in contrast,
	// unblocks the instant the Worker closes its side, so it drives the
	// session's lifetime.
	go io.Copy(conn, os.Stdin)
	io.Copy(os.Stdout, conn)
	conn.Close()

	fmt.Fprintln(os.Stderr, "\n[tach] debug session ended, resuming.\n")
	return nil
}

// pauseWorkers freezes every worker but the one being debugged so their
// log output can't interleave with the pdb prompt.
func pauseWorkers(pids []int, debugPID int) {
	for _, pid := range pids {
		if pid == debugPID || pid <= 0 {
			continue
		}
		_ = unix.Kill(pid, unix.SIGSTOP)
	}
}

func resumeWorkers(pids []int) {
	for _, pid := range pids {
		if pid > 0 {
			_ = unix.Kill(pid, unix.SIGCONT)
		}
	}
}

// peerPID reads the connecting Worker's pid via SO_PEERCRED so it can be
// excluded from pauseWorkers. Returns 0 if unavailable.
func peerPID(conn *net.UnixConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0
	}
	var pid int
	_ = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		pid = int(cred.Pid)
	})
	return pid
}
