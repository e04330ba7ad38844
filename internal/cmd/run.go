package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tachrun/tach/internal/config"
	"github.com/tachrun/tach/internal/discovery"
	"github.com/tachrun/tach/internal/lifecycle"
	"github.com/tachrun/tach/internal/protocol"
	"github.com/tachrun/tach/internal/reporter"
	"github.com/tachrun/tach/internal/scheduler"
	"github.com/tachrun/tach/internal/supervisor"
	"github.com/tachrun/tach/internal/watch"
)

var (
	runWorkersFlag     int
	runSnapshotFlag    bool
	runIsolationBypass bool
	runFormatFlag      string
	runJUnitOutputFlag string
	runWatchFlag       bool
	runTestsJSONFlag   string
	runDebugFlag       bool
)

func addRunCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Run tests under path through the warm worker fleet",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	flags := cmd.Flags()
	flags.IntVarP(&runWorkersFlag, "workers", "n", 0, "Max concurrent workers (default: project config, else logical CPUs)")
	flags.BoolVar(&runSnapshotFlag, "snapshot", true, "Capture each worker's memory with userfaultfd and roll it back after its test (every test still runs in a freshly forked worker)")
	flags.BoolVar(&runIsolationBypass, "isolation-bypass", false, "Skip the namespace/overlay jail (debugging only)")
	flags.StringVar(&runFormatFlag, "format", "human", "Output format: human, json, or junit")
	flags.StringVar(&runJUnitOutputFlag, "junit-output", "", "Write a JUnit XML report to this path in addition to --format")
	flags.BoolVar(&runWatchFlag, "watch", false, "Re-run the affected session on source changes instead of exiting")
	flags.BoolVar(&runDebugFlag, "debug", false, "Open an interactive proxy when a worker hits breakpoint()/pdb")
	flags.StringVar(&runTestsJSONFlag, "tests-json", "", "Read a pre-resolved test list from this file instead of the discovery collaborator (internal)")
	flags.MarkHidden("tests-json")

	root.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving project root: %w", err)
	}

	cfg, err := resolveConfig(root)
	if err != nil {
		return err
	}

	rep, cleanupReporter, err := buildReporter(cmd)
	if err != nil {
		return err
	}
	defer cleanupReporter()

	resolver, err := buildResolver(root)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	installSignalHandler(cancel)

	runOnce := func() (scheduler.Stats, error) {
		tests, err := resolver.Resolve(ctx, root)
		if err != nil {
			return scheduler.Stats{}, fmt.Errorf("discovery: %w", err)
		}
		// W = min(logical CPUs / configured cap, number of tests, >= 1); a
		// three-test session should not allocate a sixteen-slot log pool.
		runCfg := cfg
		if len(tests) > 0 && runCfg.Workers > len(tests) {
			runCfg.Workers = len(tests)
		}
		sup, err := supervisor.New(runCfg)
		if err != nil {
			return scheduler.Stats{}, err
		}
		defer sup.Close()
		return sup.Run(ctx, tests, rep)
	}

	if runWatchFlag {
		return watch.Loop(ctx, root, func() error {
			_, err := runOnce()
			return err
		})
	}

	stats, err := runOnce()
	fatal := err != nil
	if fatal {
		rep.Error(err.Error())
	}
	os.Exit(reporter.ExitCode(stats.Failed, fatal))
	return nil
}

// resolveConfig layers flag overrides on top of project .tachrc on top of
// ~/.tach/config.toml.
func resolveConfig(root string) (supervisor.Config, error) {
	home, err := config.Load()
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("loading %s: %w", config.Path(), err)
	}
	project, err := config.LoadProjectRC(root)
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("loading project .tachrc: %w", err)
	}
	merged := config.Merge(home, project)

	workers := runWorkersFlag
	if workers == 0 {
		workers = merged.Workers
	}
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	isolationBypass := runIsolationBypass || merged.IsolationFree

	return supervisor.Config{
		ProjectRoot:     root,
		Workers:         workers,
		Allocator:       merged.Allocator,
		SnapshotMode:    runSnapshotFlag,
		IsolationBypass: isolationBypass,
		DebugEnabled:    runDebugFlag,
		StaleThreshold:  parseDurationSetting("stale_threshold", merged.StaleThreshold),
		ShutdownGrace:   parseDurationSetting("shutdown_grace", merged.ShutdownGrace),
	}, nil
}

// parseDurationSetting turns a config-file duration string into a
// time.Duration, logging and falling back to the built-in default (zero)
// on a malformed value rather than failing the session.
func parseDurationSetting(name, value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.WithError(err).WithField("setting", name).Warn("cmd: ignoring malformed duration in config")
		return 0
	}
	return d
}

func buildReporter(cmd *cobra.Command) (reporter.Reporter, func(), error) {
	var rs []reporter.Reporter
	switch runFormatFlag {
	case "human":
		rs = append(rs, reporter.NewHumanReporter(cmd.ErrOrStderr()))
	case "json":
		rs = append(rs, reporter.NewJSONReporter(cmd.OutOrStdout()))
	case "junit":
		if runJUnitOutputFlag == "" {
			return nil, nil, fmt.Errorf("--format junit requires --junit-output")
		}
	default:
		return nil, nil, fmt.Errorf("unknown --format %q (want human, json, or junit)", runFormatFlag)
	}
	if runJUnitOutputFlag != "" {
		rs = append(rs, reporter.NewJUnitReporter(runJUnitOutputFlag, filepath.Base(runJUnitOutputFlag)))
	}
	return reporter.NewFanOut(rs...), func() {}, nil
}

// buildResolver wires the discovery.Resolver boundary. A real discovery
// collaborator (host-language source parsing and fixture graph resolution)
// lives outside this repository; --tests-json lets this binary be
// exercised end to end against a pre-resolved test list in the meantime.
func buildResolver(root string) (discovery.Resolver, error) {
	if runTestsJSONFlag == "" {
		return nil, fmt.Errorf("no discovery collaborator wired: pass --tests-json with a pre-resolved test list")
	}
	data, err := os.ReadFile(runTestsJSONFlag)
	if err != nil {
		return nil, fmt.Errorf("reading --tests-json: %w", err)
	}
	var tests []protocol.RunnableTest
	if err := json.Unmarshal(data, &tests); err != nil {
		return nil, fmt.Errorf("parsing --tests-json: %w", err)
	}
	return discovery.StaticResolver{Tests: tests}, nil
}

// installSignalHandler cancels ctx on SIGINT/SIGTERM, except that a
// SIGINT while an interactive debug session is attached is swallowed
// instead of tearing down the run: in raw mode Ctrl+C reaches pdb as a
// literal byte through the debug proxy, and the run must survive it.
func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT)
	go func() {
		for sig := range sigCh {
			if sig == unix.SIGINT && lifecycle.Debugging.Load() {
				log.Info("cmd: SIGINT ignored while a debug session is attached")
				continue
			}
			lifecycle.ShutdownRequested.Store(true)
			cancel()
			return
		}
	}()
}
