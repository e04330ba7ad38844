package scheduler

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tachrun/tach/internal/ipc"
	"github.com/tachrun/tach/internal/lifecycle"
	"github.com/tachrun/tach/internal/logcapture"
	"github.com/tachrun/tach/internal/protocol"
	"github.com/tachrun/tach/internal/reporter"
)

// fakeZygote answers FORK requests with an incrementing pid and echoes a
// TestResult back on the result socket (failing for test ids in fail,
// passing otherwise), standing in for the real
// Zygote so the scheduler's wire protocol can be exercised without forking.
func fakeZygote(t *testing.T, cmdConn, resultConn net.Conn, fail map[uint64]bool) {
	t.Helper()
	nextPID := int32(1000)
	for {
		var op [1]byte
		if _, err := cmdConn.Read(op[:]); err != nil {
			return
		}
		switch op[0] {
		case protocol.OpExit:
			return
		case protocol.OpFork:
			buf, err := ipc.ReadFrame(cmdConn)
			if err != nil {
				return
			}
			payload, err := protocol.DecodeTestPayload(buf)
			require.NoError(t, err)

			var pidBuf [4]byte
			binary.LittleEndian.PutUint32(pidBuf[:], uint32(nextPID))
			nextPID++
			if _, err := cmdConn.Write(pidBuf[:]); err != nil {
				return
			}

			status := protocol.StatusPass
			if fail[payload.TestID] {
				status = protocol.StatusFail
			}
			result := protocol.TestResult{
				TestID:     payload.TestID,
				Status:     status,
				DurationNS: 1_000_000,
				Message:    "",
			}
			if err := ipc.WriteFrame(resultConn, protocol.EncodeTestResult(result)); err != nil {
				return
			}
		}
	}
}

type recordingReporter struct {
	events   []string
	finished []reporter.Status
	messages []string
}

func (r *recordingReporter) RunStart(count int) { r.events = append(r.events, "run_start") }
func (r *recordingReporter) TestStart(id uint64, file string) {
	r.events = append(r.events, "test_start")
}
func (r *recordingReporter) TestFinished(id uint64, status reporter.Status, durationMS uint64, message string) {
	r.events = append(r.events, "test_finished")
	r.finished = append(r.finished, status)
	r.messages = append(r.messages, message)
}
func (r *recordingReporter) RunFinished(passed, failed, skipped int, durationMS uint64) {
	r.events = append(r.events, "run_finished")
}
func (r *recordingReporter) Error(message string) { r.events = append(r.events, "error") }

func TestSchedulerDispatchesAndCollectsResults(t *testing.T) {
	cmdA, cmdB := net.Pipe()
	resultA, resultB := net.Pipe()
	defer cmdA.Close()
	defer resultA.Close()

	logs, err := logcapture.NewPool(2)
	require.NoError(t, err)
	defer logs.Close()

	fail := map[uint64]bool{1: true}
	go fakeZygote(t, cmdB, resultB, fail)

	sched := New(cmdA, resultA, logs, lifecycle.NewCleanupGuard(), "", 2)
	tests := []protocol.RunnableTest{
		{TestID: 0, FilePath: "tests/a.py", TestName: "test_a"},
		{TestID: 1, FilePath: "tests/b.py", TestName: "test_b"},
		{TestID: 2, FilePath: "tests/c.py", TestName: "test_c"},
	}

	rep := &recordingReporter{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := sched.Run(ctx, tests, rep)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.Passed)
	require.Equal(t, 1, stats.Failed)
	require.NoError(t, sched.Shutdown())

	require.Equal(t, "run_start", rep.events[0])
	require.Equal(t, "run_finished", rep.events[len(rep.events)-1])
}

func TestSchedulerZeroTests(t *testing.T) {
	cmdA, cmdB := net.Pipe()
	resultA, resultB := net.Pipe()
	defer cmdA.Close()
	defer cmdB.Close()
	defer resultA.Close()
	defer resultB.Close()

	sched := New(cmdA, resultA, nil, lifecycle.NewCleanupGuard(), "", 1)
	rep := &recordingReporter{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := sched.Run(ctx, nil, rep)
	require.NoError(t, err)
	require.Equal(t, Stats{Duration: stats.Duration}, stats)

	// run_start(0) -> run_finished(0,0,0) with nothing in between.
	require.Equal(t, []string{"run_start", "run_finished"}, rep.events)
}

func TestSchedulerSynthesizesCrashForStaleWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the stale-worker threshold")
	}

	cmdA, cmdB := net.Pipe()
	resultA, resultB := net.Pipe()
	defer cmdA.Close()
	defer resultA.Close()
	defer resultB.Close()

	logs, err := logcapture.NewPool(1)
	require.NoError(t, err)
	defer logs.Close()

	// A zygote that forks (answers with a pid) but whose worker never
	// reports: the result socket stays silent.
	go func() {
		var op [1]byte
		if _, err := cmdB.Read(op[:]); err != nil {
			return
		}
		if _, err := ipc.ReadFrame(cmdB); err != nil {
			return
		}
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], 4242)
		cmdB.Write(pidBuf[:])
	}()

	sched := New(cmdA, resultA, logs, lifecycle.NewCleanupGuard(), "", 1)
	var donePIDs []int
	sched.OnWorkerDone(func(pid int) { donePIDs = append(donePIDs, pid) })

	rep := &recordingReporter{}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	start := time.Now()
	stats, err := sched.Run(ctx, []protocol.RunnableTest{
		{TestID: 0, FilePath: "tests/hang.py", TestName: "test_hang"},
	}, rep)
	require.NoError(t, err)

	require.Equal(t, 1, stats.Failed)
	require.Len(t, rep.messages, 1)
	require.Contains(t, rep.messages[0], "CRASHED")
	require.Equal(t, []int{4242}, donePIDs)
	require.Less(t, time.Since(start), 2*staleThreshold+staleThreshold/2, "crash must be synthesized within ~2x the stale threshold")
}
