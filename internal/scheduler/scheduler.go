// Package scheduler drives the dispatch/collection/stale-detection/
// shutdown loop: one dispatch loop, one collection goroutine reading
// framed results, a ticker-driven stale sweep, all coordinated over a
// mutex-guarded active-worker map.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tachrun/tach/internal/ipc"
	"github.com/tachrun/tach/internal/lifecycle"
	"github.com/tachrun/tach/internal/logcapture"
	"github.com/tachrun/tach/internal/protocol"
	"github.com/tachrun/tach/internal/reporter"
)

// staleThreshold is the per-worker age beyond which the scheduler
// synthesizes a crash completion. Staleness is judged per worker, never
// as "no progress on the collection side": a stall elsewhere must not get
// a healthy slow test reaped.
const staleThreshold = 3 * time.Second

// resultReadTimeout bounds each read on the result socket; on a timeout
// the collection goroutine simply starts the next read. It does not cancel
// any in-flight work, and the stale sweep runs on its own timer in Run.
const resultReadTimeout = 5 * time.Second

// shutdownGrace is how long pending workers get to finish once shutdown
// has been requested, before the cleanup guard kills what remains.
const shutdownGrace = 10 * time.Second

// activeWorker is the scheduler's bookkeeping record for one dispatched,
// not-yet-collected test.
type activeWorker struct {
	testName string
	slot     int
	pid      int
	start    time.Time
}

// Stats summarizes a finished run.
type Stats struct {
	Total    int
	Passed   int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// Scheduler owns the command and result sockets to the Zygote, the log
// slot pool, and the active-worker table for one session.
type Scheduler struct {
	cmdConn    net.Conn
	resultConn net.Conn
	logs       *logcapture.Pool
	cleanup    *lifecycle.CleanupGuard

	debugSocketPath string

	mu     sync.Mutex
	active map[uint64]*activeWorker

	maxWorkers int

	stale time.Duration
	grace time.Duration

	// onWorkerDone, if set, is called with a worker's pid once it is no
	// longer tracked (collected normally or reaped as stale), so the
	// Supervisor can release that pid's snapshot.Manager state without the
	// scheduler needing to know anything about snapshots itself.
	onWorkerDone func(pid int)
}

// OnWorkerDone registers a callback invoked once per worker pid as soon as
// the scheduler stops tracking it, in either the normal-collection or
// stale-reap path.
func (s *Scheduler) OnWorkerDone(fn func(pid int)) {
	s.onWorkerDone = fn
}

// New returns a Scheduler wired to an already-connected command and result
// socket pair. maxWorkers is min(logical_cpus, len(tests), >=1), decided by
// the caller.
func New(cmdConn, resultConn net.Conn, logs *logcapture.Pool, cleanup *lifecycle.CleanupGuard, debugSocketPath string, maxWorkers int) *Scheduler {
	return &Scheduler{
		cmdConn:         cmdConn,
		resultConn:      resultConn,
		logs:            logs,
		cleanup:         cleanup,
		debugSocketPath: debugSocketPath,
		active:          make(map[uint64]*activeWorker),
		maxWorkers:      maxWorkers,
		stale:           staleThreshold,
		grace:           shutdownGrace,
	}
}

// SetTimeouts overrides the stale-worker threshold and the shutdown grace
// window. Zero values keep the defaults.
func (s *Scheduler) SetTimeouts(stale, grace time.Duration) {
	if stale > 0 {
		s.stale = stale
	}
	if grace > 0 {
		s.grace = grace
	}
}

// collected is what the result-reading goroutine hands back to Run for
// each finished test.
type collected struct {
	testID     uint64
	testName   string
	status     reporter.Status
	durationMS uint64
	message    string
}

// Run dispatches every test in discovery order, collects results as they
// arrive, synthesizes crash completions for stale workers, and emits the
// full reporter event sequence.
func (s *Scheduler) Run(ctx context.Context, tests []protocol.RunnableTest, rep reporter.Reporter) (Stats, error) {
	start := time.Now()
	total := len(tests)
	rep.RunStart(total)

	resultsCh := make(chan collected, s.maxWorkers)
	go s.collectLoop(resultsCh)

	var passed, failedN, skipped, collectedCount, dispatched int
	applyResult := func(c collected) {
		switch c.status {
		case reporter.StatusPass:
			passed++
		case reporter.StatusSkip:
			skipped++
		default:
			failedN++
		}
		collectedCount++
		rep.TestFinished(c.testID, c.status, c.durationMS, c.message)
	}

	staleTicker := time.NewTicker(s.stale)
	defer staleTicker.Stop()

	for i, test := range tests {
		if lifecycle.ShutdownRequested.Load() {
			// Stop dispatching; in-flight workers still get drained below.
			break
		}

		resultSocketClosed := false
		for !resultSocketClosed && s.activeCount() >= s.maxWorkers {
			select {
			case c, ok := <-resultsCh:
				if !ok {
					// Zygote closed the result socket; nothing left to wait
					// for, so stop trying to respect maxWorkers.
					resultSocketClosed = true
					break
				}
				applyResult(c)
			case <-staleTicker.C:
				for _, c := range s.reapStale() {
					applyResult(c)
				}
			case <-ctx.Done():
				rep.Error(ctx.Err().Error())
				return s.finish(rep, total, passed, failedN, skipped, start), nil
			}
		}

		testID := test.TestID
		slot := i % s.maxWorkers
		rep.TestStart(testID, test.FilePath)
		dispatched++

		if err := s.dispatch(test, testID, slot); err != nil {
			failedN++
			collectedCount++
			rep.TestFinished(testID, reporter.StatusFail, 0, err.Error())
		}
	}

	deadline := time.Now().Add(s.grace)
	for collectedCount < dispatched && time.Now().Before(deadline) {
		resultSocketClosed := false
		select {
		case c, ok := <-resultsCh:
			if !ok {
				resultSocketClosed = true
				break
			}
			applyResult(c)
		case <-time.After(s.stale):
			for _, c := range s.reapStale() {
				applyResult(c)
			}
		}
		if resultSocketClosed {
			break
		}
	}

	return s.finish(rep, total, passed, failedN, skipped, start), nil
}

func (s *Scheduler) finish(rep reporter.Reporter, total, passed, failed, skipped int, start time.Time) Stats {
	duration := time.Since(start)
	rep.RunFinished(passed, failed, skipped, uint64(duration.Milliseconds()))
	return Stats{Total: total, Passed: passed, Failed: failed, Skipped: skipped, Duration: duration}
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// dispatch sends FORK+payload on the command socket, reads back the
// worker's pid, and records the active-worker entry.
func (s *Scheduler) dispatch(test protocol.RunnableTest, testID uint64, slot int) error {
	fixtures := make([]protocol.Fixture, len(test.Fixtures))
	copy(fixtures, test.Fixtures)

	payload := protocol.TestPayload{
		TestID:          testID,
		FilePath:        test.FilePath,
		TestName:        test.TestName,
		IsAsync:         test.IsAsync,
		Fixtures:        fixtures,
		LogFD:           s.logs.FD(slot),
		DebugSocketPath: s.debugSocketPath,
	}
	body := protocol.EncodeTestPayload(payload)

	if _, err := s.cmdConn.Write([]byte{protocol.OpFork}); err != nil {
		return fmt.Errorf("scheduler: writing FORK opcode: %w", err)
	}
	if err := ipc.WriteFrame(s.cmdConn, body); err != nil {
		return fmt.Errorf("scheduler: writing FORK payload: %w", err)
	}

	var pidBuf [4]byte
	if _, err := io.ReadFull(s.cmdConn, pidBuf[:]); err != nil {
		return fmt.Errorf("scheduler: reading worker pid: %w", err)
	}
	pid := int(pidBuf[0]) | int(pidBuf[1])<<8 | int(pidBuf[2])<<16 | int(pidBuf[3])<<24
	if s.cleanup != nil {
		s.cleanup.TrackWorker(pid)
	}

	s.mu.Lock()
	s.active[testID] = &activeWorker{testName: test.TestName, slot: slot, pid: pid, start: time.Now()}
	s.mu.Unlock()
	return nil
}

// collectLoop reads framed TestResults off the result socket until the
// peer closes it, translating each into the reporter's vocabulary and
// releasing the worker's log slot and active-worker entry.
func (s *Scheduler) collectLoop(out chan<- collected) {
	defer close(out)
	for {
		s.resultConn.SetReadDeadline(time.Now().Add(resultReadTimeout))
		buf, err := ipc.ReadFrame(s.resultConn)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return
		}
		result, err := protocol.DecodeTestResult(buf)
		if err != nil {
			continue
		}

		s.mu.Lock()
		w, ok := s.active[result.TestID]
		if ok {
			delete(s.active, result.TestID)
		}
		s.mu.Unlock()

		testName := fmt.Sprintf("test_%d", result.TestID)
		slot := 0
		if ok {
			testName = w.testName
			slot = w.slot
			if s.cleanup != nil {
				s.cleanup.UntrackWorker(w.pid)
			}
			if s.onWorkerDone != nil {
				s.onWorkerDone(w.pid)
			}
		}
		if s.logs != nil {
			s.logs.ReadAndClear(slot)
		}

		out <- collected{
			testID:     result.TestID,
			testName:   testName,
			status:     toReporterStatus(result.Status),
			durationMS: result.DurationNS / 1_000_000,
			message:    result.Message,
		}
	}
}

// reapStale scans the active-worker table for entries older than the
// stale threshold (staleThreshold unless SetTimeouts overrode it) and
// synthesizes a crash completion for each.
func (s *Scheduler) reapStale() []collected {
	s.mu.Lock()
	var staleIDs []uint64
	for id, w := range s.active {
		if time.Since(w.start) > s.stale {
			staleIDs = append(staleIDs, id)
		}
	}
	var out []collected
	for _, id := range staleIDs {
		w := s.active[id]
		delete(s.active, id)
		if s.logs != nil {
			s.logs.ReadAndClear(w.slot)
		}
		if s.cleanup != nil {
			s.cleanup.UntrackWorker(w.pid)
		}
		if s.onWorkerDone != nil {
			s.onWorkerDone(w.pid)
		}
		out = append(out, collected{
			testID:   id,
			testName: w.testName,
			status:   reporter.StatusFail,
			message:  "CRASHED - no response",
		})
	}
	s.mu.Unlock()
	return out
}

// Shutdown writes EXIT on the command socket, requesting the Zygote exit.
func (s *Scheduler) Shutdown() error {
	if _, err := s.cmdConn.Write([]byte{protocol.OpExit}); err != nil {
		return fmt.Errorf("scheduler: writing EXIT: %w", err)
	}
	return nil
}

func toReporterStatus(s protocol.Status) reporter.Status {
	switch s {
	case protocol.StatusPass:
		return reporter.StatusPass
	case protocol.StatusSkip:
		return reporter.StatusSkip
	default:
		return reporter.StatusFail
	}
}
