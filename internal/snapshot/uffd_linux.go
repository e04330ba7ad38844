//go:build linux

// Package snapshot implements the userfaultfd-based memory snapshot and
// reset engine: capturing a worker's writable memory out-of-band right
// after it forks, registering a userfault handle over it, and resolving
// every later page fault from the captured golden pages.
package snapshot

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// UFFD ioctl numbers for amd64, from linux/userfaultfd.h.
const (
	_UFFDIO_API      = 0xc018aa3f // _IOWR(0xAA, 0x3F, struct uffdio_api), sizeof = 24
	_UFFDIO_REGISTER = 0xc020aa00 // _IOWR(0xAA, 0x00, struct uffdio_register), sizeof = 32
	_UFFDIO_COPY     = 0xc028aa03 // _IOWR(0xAA, 0x03, struct uffdio_copy), sizeof = 40
	_UFFDIO_ZEROPAGE = 0xc020aa04 // _IOWR(0xAA, 0x04, struct uffdio_zeropage), sizeof = 32
)

const (
	_UFFD_API                     = 0xAA
	_UFFDIO_REGISTER_MODE_MISSING = 1 << 0
)

// UFFD event types from linux/userfaultfd.h.
const (
	_UFFD_EVENT_PAGEFAULT = 0x12
	_UFFD_EVENT_REMOVE    = 0x15
)

// uffdMsgSize is the size of struct uffd_msg (32 bytes on amd64).
const uffdMsgSize = 32

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64 // output
}

type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64 // output: bytes copied, or negative errno
}

type uffdioZeropage struct {
	rng      uffdioRange
	mode     uint64
	zeropage int64 // output
}

var (
	_ [24]byte = [unsafe.Sizeof(uffdioAPI{})]byte{}
	_ [40]byte = [unsafe.Sizeof(uffdioCopy{})]byte{}
	_ [32]byte = [unsafe.Sizeof(uffdioZeropage{})]byte{}
)

// NewHandle creates a userfaultfd for missing-page notification only. Used
// by a Worker as the first step of the snapshot handshake; registration
// must happen through a handle created in the Worker's own address space.
func NewHandle() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return -1, fmt.Errorf("snapshot: userfaultfd(2): %w", errno)
	}
	uffdFd := int(fd)

	api := uffdioAPI{api: _UFFD_API}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(uffdFd), uintptr(_UFFDIO_API), uintptr(unsafe.Pointer(&api))); errno != 0 {
		unix.Close(uffdFd)
		return -1, fmt.Errorf("snapshot: UFFDIO_API: %w", errno)
	}
	return uffdFd, nil
}

// registerRegion registers [start, start+length) on uffdFd for
// missing-page notification.
func registerRegion(uffdFd int, start, length uint64) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: start, len: length},
		mode: _UFFDIO_REGISTER_MODE_MISSING,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(uffdFd), uintptr(_UFFDIO_REGISTER), uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return fmt.Errorf("snapshot: UFFDIO_REGISTER [%x,%x): %w", start, start+length, errno)
	}
	return nil
}

// copyPage resolves a single page fault by copying src (a 4096-byte golden
// page) to dst in the registered range.
func copyPage(uffdFd int, dst uint64, src []byte) error {
	cp := uffdioCopy{
		dst: dst,
		src: uint64(uintptr(unsafe.Pointer(&src[0]))),
		len: uint64(len(src)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(uffdFd), uintptr(_UFFDIO_COPY), uintptr(unsafe.Pointer(&cp)))
	if errno != 0 && errno != unix.EEXIST {
		return fmt.Errorf("snapshot: UFFDIO_COPY: %w", errno)
	}
	return nil
}

// zeroPage resolves a single page fault by zero-filling it, used for
// addresses not present in the golden-page map (e.g. a later-grown heap).
func zeroPage(uffdFd int, addr uint64) error {
	zp := uffdioZeropage{rng: uffdioRange{start: addr, len: PageSize}}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(uffdFd), uintptr(_UFFDIO_ZEROPAGE), uintptr(unsafe.Pointer(&zp)))
	if errno != 0 && errno != unix.EEXIST {
		return fmt.Errorf("snapshot: UFFDIO_ZEROPAGE: %w", errno)
	}
	return nil
}

// faultLoop polls uffdFd and resolves each page-fault event from the
// golden-page map, zero-filling any address it does not recognize. It is
// an ordinary poll-driven loop inside one goroutine per worker, running
// alongside the scheduler's own dispatch/collection work without any
// cross-thread coordination: the golden pages are immutable after
// capture.
func (m *Manager) faultLoop(w *WorkerSnapshot) {
	var buf [uffdMsgSize * 16]byte
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(w.UffdFD), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(w.UffdFD, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}

		numMsgs := nr / uffdMsgSize
		for i := 0; i < numMsgs; i++ {
			msg := buf[i*uffdMsgSize : (i+1)*uffdMsgSize]
			event := msg[0]
			if event != _UFFD_EVENT_PAGEFAULT {
				continue // UFFD_EVENT_REMOVE: balloon-style deflation, no action needed
			}
			faultAddr := *(*uint64)(unsafe.Pointer(&msg[16]))
			pageAddr := faultAddr &^ uint64(PageSize-1)

			if golden, ok := w.GoldenPages[pageAddr]; ok {
				copyPage(w.UffdFD, pageAddr, golden)
			} else {
				zeroPage(w.UffdFD, pageAddr)
			}
		}
	}
}
