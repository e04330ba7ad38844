//go:build linux

// Package supervisor owns one session end to end: it spawns the Zygote as
// a re-exec'd subprocess, waits for its boot readiness byte, optionally
// runs the rendezvous listener for the snapshot handshake, and drives the
// scheduler over the command/result socket pair.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tachrun/tach/internal/debugserver"
	"github.com/tachrun/tach/internal/ipc"
	"github.com/tachrun/tach/internal/isolation"
	"github.com/tachrun/tach/internal/lifecycle"
	"github.com/tachrun/tach/internal/logcapture"
	"github.com/tachrun/tach/internal/protocol"
	"github.com/tachrun/tach/internal/reporter"
	"github.com/tachrun/tach/internal/scheduler"
	"github.com/tachrun/tach/internal/snapshot"
)

// readyTimeout bounds how long the Supervisor waits for the Zygote's boot
// readiness byte before giving up on the session.
const readyTimeout = 30 * time.Second

// shutdownWait bounds how long the Supervisor waits for the Zygote process
// to exit after sending EXIT before sending it SIGKILL directly.
const shutdownWait = 5 * time.Second

// Config is one session's full set of tunables, assembled by internal/cmd
// from flags, project .tachrc, and ~/.tach/config.toml.
type Config struct {
	ProjectRoot     string
	Workers         int
	Allocator       string
	SnapshotMode    bool
	IsolationBypass bool
	DebugEnabled    bool // whether a breakpoint()/pdb hit should open an interactive proxy

	// StaleThreshold and ShutdownGrace override the scheduler's defaults
	// when positive.
	StaleThreshold time.Duration
	ShutdownGrace  time.Duration
}

// Supervisor owns one session's Zygote process, rendezvous listener,
// snapshot manager, and scheduler. It is single-use: a Zygote that has
// already imported old source can never observe a file change, so a
// watch-mode recycle constructs a fresh Supervisor (and with it a fresh
// Zygote) per session rather than reusing this one.
type Supervisor struct {
	cfg     Config
	cleanup *lifecycle.CleanupGuard
	rc      *lifecycle.RunContext
	logs    *logcapture.Pool
	snaps   *snapshot.Manager

	zygoteCmd  *exec.Cmd
	cmdConn    *net.UnixConn
	resultConn *net.UnixConn
	dbg        *debugserver.DebugServer
}

// New assembles a Supervisor and its scratch directory, log slot pool, and
// (when cfg.SnapshotMode) snapshot manager. Call Close once Run returns,
// regardless of error.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	rc, err := lifecycle.NewRunContext()
	if err != nil {
		return nil, err
	}
	logs, err := logcapture.NewPool(cfg.Workers)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("supervisor: creating log pool: %w", err)
	}
	s := &Supervisor{
		cfg:     cfg,
		cleanup: lifecycle.NewCleanupGuard(),
		rc:      rc,
		logs:    logs,
	}
	if cfg.SnapshotMode {
		s.snaps = snapshot.NewManager()
	}
	return s, nil
}

// Close kills the Zygote and any still-tracked Worker, removes the scratch
// directory, and closes the log pool. Safe to call exactly once, after Run
// returns or fails.
func (s *Supervisor) Close() {
	s.cleanup.Close()
	if s.dbg != nil {
		s.dbg.Close()
	}
	if s.logs != nil {
		s.logs.Close()
	}
	if s.rc != nil {
		s.rc.Close()
	}
}

// DebugSocketPath returns the bound debug proxy socket for this session, or
// "" if debugging was not enabled or the server failed to start.
func (s *Supervisor) DebugSocketPath() string {
	if s.dbg == nil {
		return ""
	}
	return s.dbg.SocketPath()
}

// WorkerPIDs returns a snapshot of the currently in-flight worker pids, for
// a debug server's pause/resume commands.
func (s *Supervisor) WorkerPIDs() []int {
	return s.cleanup.WorkerPIDs()
}

// Run boots the Zygote, runs one full session against tests, and shuts the
// Zygote down cleanly.
func (s *Supervisor) Run(ctx context.Context, tests []protocol.RunnableTest, rep reporter.Reporter) (scheduler.Stats, error) {
	if err := s.spawnZygote(); err != nil {
		return scheduler.Stats{}, err
	}
	if err := s.waitReady(); err != nil {
		return scheduler.Stats{}, err
	}

	if s.cfg.SnapshotMode {
		if err := s.serveRendezvous(); err != nil {
			log.WithError(err).Warn("supervisor: rendezvous listener failed, session continues in fork-mode")
		}
	}

	debugSocketPath := ""
	if s.cfg.DebugEnabled {
		debugSocketPath = s.startDebugServer(ctx)
	}

	sched := scheduler.New(s.cmdConn, s.resultConn, s.logs, s.cleanup, debugSocketPath, s.cfg.Workers)
	sched.SetTimeouts(s.cfg.StaleThreshold, s.cfg.ShutdownGrace)
	if s.snaps != nil {
		sched.OnWorkerDone(func(pid int) { s.snaps.Release(pid) })
	}

	stats, err := sched.Run(ctx, tests, rep)

	if shutdownErr := sched.Shutdown(); shutdownErr != nil {
		log.WithError(shutdownErr).Warn("supervisor: requesting zygote exit")
	}
	s.waitZygoteExit()

	return stats, err
}

// spawnZygote creates the command and result socketpairs, re-execs this
// binary as the hidden zygote-serve subcommand with the child half of each
// pair inherited via ExtraFiles, and keeps the parent half as this
// session's command/result channel.
func (s *Supervisor) spawnZygote() error {
	cmdFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("supervisor: creating command socketpair: %w", err)
	}
	resultFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		unix.Close(cmdFDs[0])
		unix.Close(cmdFDs[1])
		return fmt.Errorf("supervisor: creating result socketpair: %w", err)
	}

	cmdParent, err := ipc.ConnFromFD(cmdFDs[0], "zygote-cmd")
	if err != nil {
		return err
	}
	resultParent, err := ipc.ConnFromFD(resultFDs[0], "zygote-result")
	if err != nil {
		cmdParent.Close()
		return err
	}

	cmdChild := os.NewFile(uintptr(cmdFDs[1]), "zygote-cmd-child")
	resultChild := os.NewFile(uintptr(resultFDs[1]), "zygote-result-child")
	defer cmdChild.Close()
	defer resultChild.Close()

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolving own executable: %w", err)
	}

	zcmd := exec.Command(exePath,
		"zygote-serve",
		"--project-root", s.cfg.ProjectRoot,
		"--snapshot="+strconv.FormatBool(s.cfg.SnapshotMode),
	)
	zcmd.ExtraFiles = []*os.File{cmdChild, resultChild}
	zcmd.Env = append(os.Environ(), s.rc.Env(s.cfg.Allocator)...)
	zcmd.Env = append(zcmd.Env, lifecycle.EnvTargetPath+"="+s.cfg.ProjectRoot)
	if s.cfg.IsolationBypass {
		zcmd.Env = append(zcmd.Env, isolation.BypassEnvVar+"=1")
	}
	// The Zygote never writes anything meaningful to its own stdout/stderr
	// (tests write through their dedicated log slots instead); forwarding
	// these here only surfaces boot-time diagnostics and stray Go panics.
	zcmd.Stdout = os.Stderr
	zcmd.Stderr = os.Stderr

	if err := zcmd.Start(); err != nil {
		cmdParent.Close()
		resultParent.Close()
		return fmt.Errorf("supervisor: starting zygote: %w", err)
	}

	s.zygoteCmd = zcmd
	s.cmdConn = cmdParent
	s.resultConn = resultParent
	s.cleanup.SetZygotePID(zcmd.Process.Pid)
	log.WithField("pid", zcmd.Process.Pid).Info("supervisor: zygote started")
	return nil
}

// waitReady blocks until the Zygote writes its one-shot readiness byte on
// the command socket.
func (s *Supervisor) waitReady() error {
	s.cmdConn.SetReadDeadline(time.Now().Add(readyTimeout))
	defer s.cmdConn.SetReadDeadline(time.Time{})
	var b [1]byte
	if _, err := io.ReadFull(s.cmdConn, b[:]); err != nil {
		return fmt.Errorf("supervisor: waiting for zygote readiness: %w", err)
	}
	if b[0] != protocol.ReadyByte {
		return fmt.Errorf("supervisor: unexpected zygote readiness byte %#x", b[0])
	}
	return nil
}

// startDebugServer binds the session's debug proxy socket and serves it in
// the background for the life of ctx, returning the socket path Workers
// should be told about via their TestPayload. A bind failure degrades to
// no debug proxy rather than failing the whole run, the same stance taken
// for a failed snapshot handshake.
func (s *Supervisor) startDebugServer(ctx context.Context) string {
	dbg, err := debugserver.New(os.Getpid())
	if err != nil {
		log.WithError(err).Warn("supervisor: debug server unavailable, breakpoint() will hang instead of attaching")
		return ""
	}
	s.dbg = dbg
	go func() {
		if err := dbg.Serve(ctx, s.WorkerPIDs); err != nil {
			log.WithError(err).Warn("supervisor: debug server stopped")
		}
	}()
	return dbg.SocketPath()
}

// serveRendezvous listens on the session's rendezvous socket and hands
// every incoming snapshot handshake to the snapshot manager.
func (s *Supervisor) serveRendezvous() error {
	l, err := net.Listen("unix", s.rc.RendezvousSocketPath)
	if err != nil {
		return fmt.Errorf("supervisor: listening on rendezvous socket: %w", err)
	}
	s.cleanup.TrackSocket(s.rc.RendezvousSocketPath)
	go s.acceptRendezvous(l)
	return nil
}

func (s *Supervisor) acceptRendezvous(l net.Listener) {
	defer l.Close()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		uconn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		go s.handleRendezvous(uconn)
	}
}

// registrationAck values written back on the rendezvous connection once
// registration has been attempted. The worker must not self-advise memory
// no userfault handle covers (that would zero it instead of restoring
// it), so it stays stopped until this byte tells it which mode it is in.
const (
	ackForkMode     byte = 0x00
	ackSnapshotMode byte = 0x01
)

// waitStopTimeout bounds how long the supervisor waits for a handshaking
// worker to reach the stopped state before giving up on its registration.
const waitStopTimeout = 3 * time.Second

func (s *Supervisor) handleRendezvous(conn *net.UnixConn) {
	defer conn.Close()
	pid, fd, err := ipc.RecvFD(conn)
	if err != nil {
		log.WithError(err).Warn("supervisor: rendezvous handshake failed")
		return
	}

	ack := ackForkMode
	if err := snapshot.WaitStopped(int(pid), waitStopTimeout); err != nil {
		log.WithError(err).WithField("pid", pid).Warn("supervisor: handshaking worker never stopped")
		unix.Close(fd)
	} else if _, err := s.snaps.Register(int(pid), fd); err != nil {
		log.WithError(err).WithField("pid", pid).Warn("supervisor: snapshot registration failed, worker degrades to fork-mode")
		unix.Close(fd)
	} else {
		ack = ackSnapshotMode
	}

	// Ack first, then resume: the worker's next read after waking is this
	// byte, and the socket buffers it even if SIGCONT wins the race.
	if _, err := conn.Write([]byte{ack}); err != nil {
		log.WithError(err).WithField("pid", pid).Warn("supervisor: writing registration ack")
	}
	unix.Kill(int(pid), unix.SIGCONT)
}

// waitZygoteExit waits for the Zygote to exit after Shutdown sent EXIT,
// killing it directly if it has not exited within shutdownWait. The
// session never ends while the Zygote is still alive.
func (s *Supervisor) waitZygoteExit() {
	if s.zygoteCmd == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- s.zygoteCmd.Wait() }()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		unix.Kill(s.zygoteCmd.Process.Pid, unix.SIGKILL)
		<-done
	}
}
