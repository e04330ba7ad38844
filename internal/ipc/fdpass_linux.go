//go:build linux

package ipc

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SendFD sends pid (little-endian int32) as the message body and fd as a
// single SCM_RIGHTS ancillary right over the rendezvous socket.
func SendFD(conn *net.UnixConn, pid int32, fd int) error {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], uint32(pid))
	oob := unix.UnixRights(fd)

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("ipc: getting raw conn for fd send: %w", err)
	}
	var sendErr error
	ctrlErr := rawConn.Write(func(rawFd uintptr) bool {
		sendErr = unix.Sendmsg(int(rawFd), body[:], oob, nil, 0)
		return true
	})
	if ctrlErr != nil {
		return fmt.Errorf("ipc: raw conn write: %w", ctrlErr)
	}
	if sendErr != nil {
		return fmt.Errorf("ipc: sendmsg: %w", sendErr)
	}
	return nil
}

// RecvFD receives a pid and exactly one ancillary file descriptor from the
// rendezvous socket. The caller assumes ownership of the returned fd and is
// responsible for closing it.
func RecvFD(conn *net.UnixConn) (pid int32, fd int, err error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, -1, fmt.Errorf("ipc: getting raw conn for fd recv: %w", err)
	}

	body := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var recvErr error
	ctrlErr := rawConn.Read(func(rawFd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(rawFd), body, oob, 0)
		return true
	})
	if ctrlErr != nil {
		return 0, -1, fmt.Errorf("ipc: raw conn read: %w", ctrlErr)
	}
	if recvErr != nil {
		return 0, -1, fmt.Errorf("ipc: recvmsg: %w", recvErr)
	}
	if n < 4 {
		return 0, -1, fmt.Errorf("ipc: rendezvous body too short (%d bytes)", n)
	}
	pid = int32(binary.LittleEndian.Uint32(body))

	if oobn == 0 {
		return pid, -1, fmt.Errorf("ipc: no ancillary rights received")
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return pid, -1, fmt.Errorf("ipc: parsing control message: %w", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err == nil && len(fds) > 0 {
			return pid, fds[0], nil
		}
	}
	return pid, -1, fmt.Errorf("ipc: no file descriptor in ancillary rights")
}
