package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/agent-runner/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 64
	// timeLayout is how timestamps are shown in CLI output
	timeLayout = "2006-01-02 15:04:05 MST"
)

// Printer handles formatted CLI output
type Printer struct {
	out io.Writer
	loc *time.Location
}

// NewPrinter creates a new Printer that writes to the given writer, showing times in loc
// (UTC when nil).
func NewPrinter(out io.Writer, loc *time.Location) *Printer {
	if loc == nil {
		loc = time.UTC
	}
	return &Printer{out: out, loc: loc}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if r := []rune(line); len(r) > boxWidth-4 {
			line = string(r[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRun outputs a summary of a job's current run and its status message.
func (p *Printer) PrintRun(job string, run *types.JobRun, message string) {
	var sb strings.Builder

	if run == nil {
		sb.WriteString("No run recorded\n")
	} else {
		sb.WriteString(fmt.Sprintf("Run:      %s\n", run.RunID))
		sb.WriteString(fmt.Sprintf("Phase:    %s\n", run.Phase))
		sb.WriteString(fmt.Sprintf("Started:  %s\n", p.format(run.StartedAt)))
		sb.WriteString(fmt.Sprintf("Updated:  %s\n", p.format(run.UpdatedAt)))
		if run.RescueMode {
			sb.WriteString("Mode:     rescue\n")
		}
		if run.NextActionAt != nil && !run.IsTerminal() {
			sb.WriteString(fmt.Sprintf("Next:     %s\n", p.format(*run.NextActionAt)))
		}
		if run.Attempts > 0 {
			sb.WriteString(fmt.Sprintf("Attempts: %d\n", run.Attempts))
		}
		if run.LastError != "" {
			sb.WriteString(fmt.Sprintf("Error:    %s\n", run.LastError))
		}
		if run.RetryOf != "" {
			sb.WriteString(fmt.Sprintf("Retry of: %s\n", run.RetryOf))
		}
	}
	if message != "" {
		sb.WriteString("\n")
		sb.WriteString(message)
	}

	p.printBox(fmt.Sprintf("JOB: %s", job), sb.String())
}

// PrintEvents outputs events one per line, oldest first.
func (p *Printer) PrintEvents(job string, events []types.RuntimeEvent) {
	if len(events) == 0 {
		p.printBox(fmt.Sprintf("EVENTS: %s", job), "No events")
		return
	}

	var sb strings.Builder
	for _, ev := range events {
		mark := "✓"
		if ev.Outcome == types.OutcomeError {
			mark = "✗"
		}
		sb.WriteString(fmt.Sprintf("%s %s %-12s %s", mark, ev.Timestamp.In(p.loc).Format("01-02 15:04:05"), ev.Kind, ev.Phase))
		if ev.Detail != "" {
			sb.WriteString(": " + ev.Detail)
		}
		sb.WriteString("\n")
	}
	p.printBox(fmt.Sprintf("EVENTS: %s (%d)", job, len(events)), sb.String())
}

// PrintEvent outputs a single event as one line, for live progress.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(ev types.RuntimeEvent) {
	line := fmt.Sprintf("[%s] %s %s %s", ev.Timestamp.In(p.loc).Format("15:04:05"), ev.JobName, ev.Phase, ev.Outcome)
	if ev.Detail != "" {
		line += ": " + ev.Detail
	}
	fmt.Fprintln(p.out, line)
}

func (p *Printer) format(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(p.loc).Format(timeLayout)
}
