//go:build linux

// Package isolation establishes the per-worker filesystem and network jail:
// a private mount+network namespace, a read-only root, and copy-on-write
// overlays on /tmp and the project root.
package isolation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// BypassEnvVar, when set to "1" in a worker's inherited environment,
// disables jail setup entirely. This is how the session-level isolation
// bypass flag is communicated to workers, and the escape hatch for hosts
// that lack the necessary privileges or kernel features.
const BypassEnvVar = "TACH_ISOLATION_BYPASS"

// scratchSize is the bounded tmpfs size backing both overlays' upper/work
// directories.
const scratchSize = "size=100M,mode=0755"

// Setup establishes the full isolation jail for workerID against
// projectRoot. The step ordering is load-bearing: the scratch directory
// must exist before the root goes read-only, the tmpfs must be mounted
// before the overlay upper/work dirs can live on it, and the overlays
// must stack before the final chdir. Callers on a multi-threaded runtime
// must hold runtime.LockOSThread across this call: Linux namespaces are a
// per-OS-thread attribute, and unshare only affects the calling thread. A
// freshly forked worker is single-threaded, which is the normal caller.
//
// On any step failure, Setup returns an error and performs no further
// steps; the caller must abort rather than run test code under a
// partially established jail.
func Setup(workerID uint32, projectRoot string) error {
	if os.Getenv(BypassEnvVar) == "1" {
		return nil
	}

	// 1. Enter a new mount namespace and a new network namespace.
	if err := unix.Unshare(unix.CLONE_NEWNS | unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("isolation: unshare(CLONE_NEWNS|CLONE_NEWNET): %w (requires CAP_SYS_ADMIN)", err)
	}

	// 2. Recursively mark the mount tree private so nothing leaks to the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("isolation: marking / MS_PRIVATE: %w", err)
	}

	// 3. Bring up loopback inside the new network namespace.
	if err := bringUpLoopback(); err != nil {
		return fmt.Errorf("isolation: configuring loopback: %w", err)
	}

	// 4. Create the per-worker scratch directory while root is still writable.
	base := filepath.Join("/run/tach", fmt.Sprintf("worker_%d", workerID))
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("isolation: creating scratch dir %s: %w", base, err)
	}

	// 5. Bind-mount / onto itself, then remount it read-only, recursively.
	if err := unix.Mount("/", "/", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("isolation: bind-mounting /: %w", err)
	}
	if err := unix.Mount("/", "/", "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("isolation: remounting / read-only: %w", err)
	}

	// 6. Mount a bounded tmpfs on the scratch dir (permitted over a RO dir).
	if err := unix.Mount("tmpfs", base, "tmpfs", 0, scratchSize); err != nil {
		return fmt.Errorf("isolation: mounting tmpfs on %s: %w", base, err)
	}

	// 7. Create the upper/work directories inside the writable tmpfs.
	tmpUpper := filepath.Join(base, "tmp_upper")
	tmpWork := filepath.Join(base, "tmp_work")
	projUpper := filepath.Join(base, "proj_upper")
	projWork := filepath.Join(base, "proj_work")
	for _, d := range []string{tmpUpper, tmpWork, projUpper, projWork} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("isolation: creating %s: %w", d, err)
		}
	}

	// 8. Overlay /tmp: host /tmp as lower, tmpfs upper/work above.
	tmpOpts := fmt.Sprintf("lowerdir=/tmp,upperdir=%s,workdir=%s", tmpUpper, tmpWork)
	if err := unix.Mount("overlay", "/tmp", "overlay", 0, tmpOpts); err != nil {
		return fmt.Errorf("isolation: mounting overlay on /tmp: %w", err)
	}

	// 9. Overlay the project root the same way.
	projOpts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", projectRoot, projUpper, projWork)
	if err := unix.Mount("overlay", projectRoot, "overlay", 0, projOpts); err != nil {
		return fmt.Errorf("isolation: mounting overlay on %s: %w", projectRoot, err)
	}

	// 10. chdir so cwd resolves through the new overlay.
	if err := os.Chdir(projectRoot); err != nil {
		return fmt.Errorf("isolation: chdir to %s: %w", projectRoot, err)
	}

	return nil
}

// bringUpLoopback brings the "lo" interface up in the calling network
// namespace via netlink rather than shelling out to "ip link set lo up",
// which would add a runtime dependency on iproute2 inside the jail, where
// PATH may not even include it.
func bringUpLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("looking up lo: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("setting lo up: %w", err)
	}
	return nil
}
