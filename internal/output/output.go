// Package output holds the process-wide verbosity flags the root command
// sets from --json/--quiet/--verbose. The exit-code table itself lives in
// internal/reporter (reporter.ExitCode), next to the session-outcome
// bookkeeping it is computed from.
package output

var (
	flagJSON    bool
	flagQuiet   bool
	flagVerbose bool
)

// SetFlags is called from the root command's PersistentPreRunE to
// propagate the resolved flag values process-wide.
func SetFlags(jsonMode, quiet, verbose bool) {
	flagJSON = jsonMode
	flagQuiet = quiet
	flagVerbose = verbose
}

// IsJSON reports whether --json mode is active (machine-readable stream
// selected).
func IsJSON() bool { return flagJSON }

// IsQuiet reports whether --quiet mode is active.
func IsQuiet() bool { return flagQuiet }

// IsVerbose reports whether --verbose mode is active.
func IsVerbose() bool { return flagVerbose }
