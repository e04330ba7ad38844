package reporter

import (
	"encoding/json"
	"io"
)

// jsonEvent is the machine-readable stream's wire shape: one tagged
// record per event, newline-delimited JSON.
type jsonEvent struct {
	Event      string  `json:"event"`
	Count      *int    `json:"count,omitempty"`
	ID         *uint64 `json:"id,omitempty"`
	File       *string `json:"file,omitempty"`
	Status     *string `json:"status,omitempty"`
	DurationMS *uint64 `json:"duration_ms,omitempty"`
	Message    *string `json:"message,omitempty"`
	Passed     *int    `json:"passed,omitempty"`
	Failed     *int    `json:"failed,omitempty"`
	Skipped    *int    `json:"skipped,omitempty"`
}

// JSONReporter emits newline-delimited JSON events to w. When this
// reporter is writing to process stdout, it must be the ONLY thing that
// touches stdout: every other log line in the process goes to stderr, so
// consumers can pipe the stream without filtering.
type JSONReporter struct {
	w   io.Writer
	enc *json.Encoder
}

// NewJSONReporter wraps w (typically os.Stdout) as a JSONReporter.
func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{w: w, enc: json.NewEncoder(w)}
}

func (j *JSONReporter) emit(e jsonEvent) {
	_ = j.enc.Encode(e)
}

func intp(v int) *int       { return &v }
func u64p(v uint64) *uint64 { return &v }
func strp(v string) *string { return &v }

func (j *JSONReporter) RunStart(count int) {
	j.emit(jsonEvent{Event: "run_start", Count: intp(count)})
}

func (j *JSONReporter) TestStart(id uint64, file string) {
	j.emit(jsonEvent{Event: "test_start", ID: u64p(id), File: strp(file)})
}

func (j *JSONReporter) TestFinished(id uint64, status Status, durationMS uint64, message string) {
	e := jsonEvent{
		Event:      "test_finished",
		ID:         u64p(id),
		Status:     strp(string(status)),
		DurationMS: u64p(durationMS),
	}
	if message != "" {
		e.Message = strp(message)
	}
	j.emit(e)
}

func (j *JSONReporter) RunFinished(passed, failed, skipped int, durationMS uint64) {
	j.emit(jsonEvent{
		Event:      "run_finished",
		Passed:     intp(passed),
		Failed:     intp(failed),
		Skipped:    intp(skipped),
		DurationMS: u64p(durationMS),
	})
}

func (j *JSONReporter) Error(message string) {
	j.emit(jsonEvent{Event: "error", Message: strp(message)})
}

var _ Reporter = (*JSONReporter)(nil)
