package reporter

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	skipStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // grey
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// HumanReporter writes colorized, human-oriented progress to w, typically
// os.Stderr; it never writes stdout, preserving JSONReporter's exclusive
// claim on it.
type HumanReporter struct {
	w io.Writer
}

// NewHumanReporter wraps w as a HumanReporter.
func NewHumanReporter(w io.Writer) *HumanReporter {
	return &HumanReporter{w: w}
}

func (h *HumanReporter) RunStart(count int) {
	fmt.Fprintf(h.w, "Running %d tests...\n\n", count)
}

func (h *HumanReporter) TestStart(id uint64, file string) {
	fmt.Fprintf(h.w, "  %s ... ", dimStyle.Render(file))
}

func (h *HumanReporter) TestFinished(id uint64, status Status, durationMS uint64, message string) {
	switch status {
	case StatusPass:
		fmt.Fprintf(h.w, "%s (%dms)\n", passStyle.Render("✓"), durationMS)
	case StatusFail:
		fmt.Fprintf(h.w, "%s (%dms)\n", failStyle.Render("✗"), durationMS)
		if message != "" {
			lines := strings.Split(message, "\n")
			if len(lines) > 10 {
				lines = lines[:10]
			}
			for _, line := range lines {
				fmt.Fprintf(h.w, "    %s\n", line)
			}
		}
	case StatusSkip:
		fmt.Fprintf(h.w, "%s skipped\n", skipStyle.Render("⊘"))
	default:
		fmt.Fprintln(h.w, string(status))
	}
}

func (h *HumanReporter) RunFinished(passed, failed, skipped int, durationMS uint64) {
	fmt.Fprintln(h.w)
	fmt.Fprintf(h.w, "%d passed, %d failed, %d skipped in %dms\n", passed, failed, skipped, durationMS)
}

func (h *HumanReporter) Error(message string) {
	fmt.Fprintf(h.w, "%s %s\n", errStyle.Render("FATAL ERROR:"), message)
}

var _ Reporter = (*HumanReporter)(nil)
