package reporter

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONReporterEmitsOneEventPerLine(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf)

	r.RunStart(3)
	r.TestStart(0, "tests/test_a.py")
	r.TestFinished(0, StatusPass, 12, "")
	r.RunFinished(1, 0, 0, 12)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		var raw map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &raw))
		assert.Contains(t, raw, "event")
	}
}

func TestFanOutOrdersCallsAcrossReporters(t *testing.T) {
	var order []string
	track := func(name string) *trackingReporter {
		return &trackingReporter{name: name, order: &order}
	}
	f := NewFanOut(track("a"), track("b"))
	f.RunStart(1)
	assert.Equal(t, []string{"a:run_start", "b:run_start"}, order)
}

func TestJUnitReporterWritesReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.xml")
	r := NewJUnitReporter(path, "tach")

	r.RunStart(2)
	r.TestStart(0, "tests/test_a.py")
	r.TestFinished(0, StatusPass, 10, "")
	r.TestStart(1, "tests/test_b.py")
	r.TestFinished(1, StatusFail, 5, "AssertionError\x1b[31mred\x1b[0m\x00")
	r.RunFinished(1, 1, 0, 15)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, `tests="2"`)
	assert.Contains(t, body, `failures="1"`)
	assert.NotContains(t, body, "\x1b")
	assert.NotContains(t, body, "\x00")
}

func TestStripANSICodes(t *testing.T) {
	assert.Equal(t, "redtext", stripANSICodes("\x1b[31mred\x1b[0mtext"))
	assert.Equal(t, "plain", stripANSICodes("pl\x00ain"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(0, false))
	assert.Equal(t, 1, ExitCode(1, false))
	assert.Equal(t, 2, ExitCode(0, true))
}

type trackingReporter struct {
	name  string
	order *[]string
}

func (t *trackingReporter) RunStart(count int) { *t.order = append(*t.order, t.name+":run_start") }
func (t *trackingReporter) TestStart(id uint64, file string) {
	*t.order = append(*t.order, t.name+":test_start")
}
func (t *trackingReporter) TestFinished(id uint64, status Status, durationMS uint64, message string) {
	*t.order = append(*t.order, t.name+":test_finished")
}
func (t *trackingReporter) RunFinished(passed, failed, skipped int, durationMS uint64) {
	*t.order = append(*t.order, t.name+":run_finished")
}
func (t *trackingReporter) Error(message string) { *t.order = append(*t.order, t.name+":error") }
