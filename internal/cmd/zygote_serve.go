package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tachrun/tach/internal/environment"
	"github.com/tachrun/tach/internal/harness"
	"github.com/tachrun/tach/internal/ipc"
	"github.com/tachrun/tach/internal/lifecycle"
	"github.com/tachrun/tach/internal/zygote"
)

var (
	zygoteProjectRootFlag string
	zygoteSnapshotFlag    bool
)

// addZygoteServeCommand registers the hidden re-exec target the Supervisor
// launches itself as. The command and result sockets are inherited file
// descriptors 3 and 4, set up by supervisor.spawnZygote via
// exec.Cmd.ExtraFiles; this subcommand is never meant to be invoked
// directly by a user.
func addZygoteServeCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:    "zygote-serve",
		Short:  "Run as the fork server for one session (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runZygoteServe,
	}
	flags := cmd.Flags()
	flags.StringVar(&zygoteProjectRootFlag, "project-root", "", "Project root to jail workers into and import test code from")
	flags.BoolVar(&zygoteSnapshotFlag, "snapshot", true, "Whether this session's workers should attempt the userfaultfd snapshot handshake")
	cmd.MarkFlagRequired("project-root")
	root.AddCommand(cmd)
}

const (
	inheritedCmdFD    = 3
	inheritedResultFD = 4
)

func runZygoteServe(cmd *cobra.Command, args []string) error {
	cmdConn, err := ipc.ConnFromFD(inheritedCmdFD, "zygote-cmd")
	if err != nil {
		return fmt.Errorf("zygote-serve: %w", err)
	}
	resultConn, err := ipc.ConnFromFD(inheritedResultFD, "zygote-result")
	if err != nil {
		return fmt.Errorf("zygote-serve: %w", err)
	}

	rendezvous := ""
	if zygoteSnapshotFlag {
		rendezvous = os.Getenv(lifecycle.EnvRendezvousSocket)
	}

	cfg := zygote.Config{
		CmdConn:              cmdConn,
		ResultConn:           resultConn,
		ProjectRoot:          zygoteProjectRootFlag,
		RendezvousSocketPath: rendezvous,
		BootHook: func(root string) error {
			// Make the project root (and its virtualenv's site-packages, if
			// one resolves) importable before the harness' own warm-up
			// imports run. Workers inherit this across fork.
			paths := environment.ImportPaths(root)
			if existing := os.Getenv("PYTHONPATH"); existing != "" {
				paths = append(paths, existing)
			}
			return os.Setenv("PYTHONPATH", strings.Join(paths, ":"))
		},
		PostForkHook: harness.NoopHook,
	}
	return zygote.Serve(cfg)
}
