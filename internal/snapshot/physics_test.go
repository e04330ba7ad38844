//go:build linux

package snapshot

import (
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tachrun/tach/internal/ipc"
)

func uintptrOfFirstByte(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// physicsCheckWorkerEnv selects the "worker" arm of the physics check: a
// re-exec of this test binary that mutates a golden heap value,
// self-advises, then reads it back. Modeled on the re-exec-self helper
// pattern the standard library's own exec tests use, since Go cannot
// safely fork() without exec in a multi-threaded runtime.
const (
	physicsCheckWorkerEnv = "TACH_PHYSICS_CHECK_WORKER"
	physicsCheckSocketEnv = "TACH_PHYSICS_CHECK_SOCKET"
)

// TestPhysicsCheckHelperProcess is not a real test: it is the worker body
// invoked by TestPhysicsCheck via a re-exec of the test binary. It walks
// the same handshake a production worker does: create the userfault handle
// in its own address space (UFFDIO_REGISTER acts on the address space of
// the process that created the handle, so it cannot come from the parent),
// send it over the rendezvous socket, self-stop, and read the registration
// ack after resuming.
func TestPhysicsCheckHelperProcess(t *testing.T) {
	if os.Getenv(physicsCheckWorkerEnv) != "1" {
		t.Skip("only runs as the physics-check worker helper")
	}

	data := []byte{1, 2, 3}
	pageAddr := uint64(uintptrOfFirstByte(data)) &^ uint64(PageSize-1)

	uffdFD, err := NewHandle()
	if err != nil {
		os.Exit(4)
	}
	conn, err := net.Dial("unix", os.Getenv(physicsCheckSocketEnv))
	if err != nil {
		os.Exit(4)
	}
	uconn := conn.(*net.UnixConn)
	if err := ipc.SendFD(uconn, int32(os.Getpid()), uffdFD); err != nil {
		os.Exit(4)
	}

	unix.Kill(os.Getpid(), unix.SIGSTOP) // golden snapshot captured while stopped

	var ack [1]byte
	if _, err := uconn.Read(ack[:]); err != nil || ack[0] != 1 {
		os.Exit(5)
	}
	uconn.Close()

	data[0] = 99 // mutate after resume, dirtying the page

	if err := madviseDontNeed(pageAddr, PageSize); err != nil {
		os.Exit(1)
	}

	switch data[0] {
	case 1:
		os.Exit(0) // time travel success
	case 99:
		os.Exit(2) // reset did not take effect
	}
	os.Exit(3) // corruption
}

// TestPhysicsCheck is the end-to-end memory-rollback scenario: one worker
// starts, a heap value is set to [1,2,3], a snapshot is taken, the worker
// mutates it, self-advises, and a subsequent read must observe the golden
// [1,2,3], not the mutation and not corruption.
//
// Skipped unless TACH_RUN_PRIVILEGED_TESTS=1: most CI and container
// environments run with vm.unprivileged_userfaultfd=0 and without
// CAP_SYS_PTRACE, and the test does not probe for either itself.
func TestPhysicsCheck(t *testing.T) {
	if os.Getenv("TACH_RUN_PRIVILEGED_TESTS") != "1" {
		t.Skip("requires CAP_SYS_PTRACE and a kernel with unprivileged userfaultfd; set TACH_RUN_PRIVILEGED_TESTS=1 to run")
	}

	sockPath := filepath.Join(t.TempDir(), "rendezvous.sock")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	require.NoError(t, err)
	defer l.Close()

	exe, err := os.Executable()
	require.NoError(t, err)

	cmd := exec.Command(exe, "-test.run=TestPhysicsCheckHelperProcess")
	cmd.Env = append(os.Environ(),
		physicsCheckWorkerEnv+"=1",
		physicsCheckSocketEnv+"="+sockPath,
	)
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start())

	l.SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := l.AcceptUnix()
	require.NoError(t, err)
	defer conn.Close()

	pid, uffdFD, err := ipc.RecvFD(conn)
	require.NoError(t, err)
	require.Equal(t, int32(cmd.Process.Pid), pid)

	require.NoError(t, WaitStopped(int(pid), 5*time.Second))

	mgr := NewManager()
	_, err = mgr.Register(int(pid), uffdFD)
	require.NoError(t, err)
	require.True(t, mgr.Available(), "first successful registration must flip snapshot availability")
	defer mgr.Release(int(pid))

	_, err = conn.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, unix.Kill(int(pid), unix.SIGCONT))

	err = cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		require.Equal(t, 0, exitErr.ExitCode(), "worker must observe the golden value, not the mutation or corruption")
	} else {
		require.NoError(t, err)
	}
}
