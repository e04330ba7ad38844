package reporter

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"sync"
)

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	TimeSec   float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *struct{}     `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

type junitTestSuite struct {
	XMLName   xml.Name        `xml:"testsuite"`
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Skipped   int             `xml:"skipped,attr"`
	TimeSec   float64         `xml:"time,attr"`
	TestCases []junitTestCase `xml:"testcase"`
}

// JUnitReporter buffers every test_finished event and writes a single
// JUnit XML document to path on run_finished.
type JUnitReporter struct {
	mu   sync.Mutex
	path string
	name string

	files map[uint64]string
	cases []junitTestCase
}

// NewJUnitReporter returns a reporter that writes a JUnit XML report to
// path when the run finishes.
func NewJUnitReporter(path, suiteName string) *JUnitReporter {
	return &JUnitReporter{path: path, name: suiteName, files: make(map[uint64]string)}
}

func (j *JUnitReporter) RunStart(count int) {}

func (j *JUnitReporter) TestStart(id uint64, file string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.files[id] = file
}

func (j *JUnitReporter) TestFinished(id uint64, status Status, durationMS uint64, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	tc := junitTestCase{
		Name:      fmt.Sprintf("test_%d", id),
		ClassName: j.files[id],
		TimeSec:   float64(durationMS) / 1000.0,
	}
	switch status {
	case StatusFail:
		tc.Failure = &junitFailure{Message: stripANSICodes(firstLine(message)), Body: stripANSICodes(message)}
	case StatusSkip:
		tc.Skipped = &struct{}{}
	}
	j.cases = append(j.cases, tc)
}

func (j *JUnitReporter) RunFinished(passed, failed, skipped int, durationMS uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	suite := junitTestSuite{
		Name:      j.name,
		Tests:     len(j.cases),
		Failures:  failed,
		Skipped:   skipped,
		TimeSec:   float64(durationMS) / 1000.0,
		TestCases: j.cases,
	}
	data, err := xml.MarshalIndent(suite, "", "  ")
	if err != nil {
		return
	}
	out := append([]byte(xml.Header), data...)
	_ = os.WriteFile(j.path, out, 0o644)
}

func (j *JUnitReporter) Error(message string) {}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// stripANSICodes removes ANSI escape sequences and NUL bytes from s: a
// crashed test's captured log slot can contain raw terminal escapes from a
// colorized subprocess, and those must not appear in a JUnit XML
// attribute.
func stripANSICodes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '\x1b' {
			if i+1 < len(runes) && runes[i+1] == '[' {
				i++
				for i+1 < len(runes) {
					i++
					if (runes[i] >= 'a' && runes[i] <= 'z') || (runes[i] >= 'A' && runes[i] <= 'Z') {
						break
					}
				}
			}
			continue
		}
		if c == 0 {
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

var _ Reporter = (*JUnitReporter)(nil)
