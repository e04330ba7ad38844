//go:build linux

package snapshot

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SelfAdvise issues madvise(MADV_DONTNEED) over every captured non-stack
// region boundary: the worker's own "self-seppuku" at the end of a
// test. This drops the physical backing
// without touching the golden-page map, which lives on the supervisor
// side; the very next access to any such page raises a fault the
// supervisor's faultLoop resolves.
//
// The stack is deliberately excluded: the worker must never advise away
// pages it is currently executing from.
func SelfAdvise(regions []Region) error {
	for _, r := range regions {
		if r.Name == "[stack]" {
			continue
		}
		if err := madviseDontNeed(r.Start, r.Length()); err != nil {
			return fmt.Errorf("snapshot: MADV_DONTNEED [%x,%x): %w", r.Start, r.End, err)
		}
	}
	return nil
}

func madviseDontNeed(addr, length uint64) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
	return unix.Madvise(b, unix.MADV_DONTNEED)
}
