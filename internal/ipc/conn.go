package ipc

import (
	"fmt"
	"net"
	"os"
)

// ConnFromFD wraps an inherited file descriptor (e.g. one of exec.Cmd's
// ExtraFiles, received by a re-exec'd child starting at fd 3) as a
// *net.UnixConn. name is used only for the os.File's diagnostic name.
func ConnFromFD(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc: wrapping %s fd %d: %w", name, fd, err)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("ipc: fd %d (%s) is not a unix socket", fd, name)
	}
	return uconn, nil
}
