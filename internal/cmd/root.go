// Package cmd wires the cobra CLI surface: the root command's persistent
// output flags, and the run/list/zygote-serve subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tachrun/tach/internal/config"
	"github.com/tachrun/tach/internal/output"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
	noColorFlag bool
	configDir   string
)

// NewRootCmd assembles the full tachd command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tachd",
		Short:         "A snapshot-hypervisor test runner",
		Long:          "tachd runs tests through a warm fork-server process fleet: every test runs in a fresh worker forked from one pre-initialized zygote, so nothing is re-imported between tests. In snapshot mode each worker's memory is captured and rolled back after its test; a worker is not reused for a second test.",
		Version:       fmt.Sprintf("tachd v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if jsonFlag {
				quietFlag = true
			}
			if noColorFlag {
				// lipgloss (via termenv) honors NO_COLOR, so the flag just
				// sets the same switch the env var would.
				os.Setenv("NO_COLOR", "1")
			}
			output.SetFlags(jsonFlag, quietFlag, verboseFlag)
			config.SetConfigDir(configDir)
			return nil
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	pflags := root.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Print list output as newline-delimited JSON (run's reporter is chosen by --format)")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Set the verbose output flag (no subcommand prints extra detail for it)")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Set the quiet output flag (no subcommand suppresses output for it)")
	pflags.BoolVar(&noColorFlag, "no-color", false, "Disable ANSI colors in human output")
	pflags.StringVar(&configDir, "config-dir", "", "Override config directory (default: ~/.tach)")

	if v := os.Getenv("TACH_HOME"); v != "" && configDir == "" {
		configDir = v
	}
	if os.Getenv("NO_COLOR") != "" {
		noColorFlag = true
	}
	if os.Getenv("TACH_JSON") == "1" {
		jsonFlag = true
	}

	addRunCommand(root)
	addListCommand(root)
	addZygoteServeCommand(root)

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
