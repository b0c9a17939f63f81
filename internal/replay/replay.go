package replay

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/rlm/internal/archive"
	"github.com/vinayprograms/rlm/internal/focus"
)

// Replayer formats focus state and task journals.
type Replayer struct {
	output    io.Writer
	verbosity int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	width     int
}

// New creates a Replayer writing to output.
func New(output io.Writer, verbosity int) *Replayer {
	return &Replayer{output: output, verbosity: verbosity, width: 100}
}

// Status prints the current focus record.
func (r *Replayer) Status(st focus.State, status focus.Status, path string) {
	fmt.Fprintln(r.output, titleStyle.Render("Focus")+" "+dimStyle.Render(path))
	fmt.Fprintln(r.output, divider)
	r.field("Status", statusStyle(status).Render(string(status)))
	if status == focus.StatusIdle {
		fmt.Fprintln(r.output, dimStyle.Render("\nNo active task."))
		return
	}
	r.field("Task", st.Task.ID)
	if !st.Task.CreatedAt.IsZero() {
		r.field("Started", st.Task.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if !st.UpdatedAt.IsZero() {
		r.field("Updated", st.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if st.CancelRequested {
		r.field("Cancel", warnStyle.Render("requested"))
	}

	fmt.Fprintf(r.output, "\n%s\n", blockHeaderStyle.Render("── DIRECTIVE ──"))
	r.block(st.Directive, 2)

	if len(st.Plan) > 0 {
		fmt.Fprintf(r.output, "\n%s %s\n", blockHeaderStyle.Render("── PLAN ──"),
			dimStyle.Render(fmt.Sprintf("%d/%d done", st.Done(), len(st.Plan))))
		cur := st.CurrentIndex()
		for i, step := range st.Plan {
			mark := dimStyle.Render("[ ]")
			text := step.Text
			switch {
			case step.Done:
				mark = successStyle.Render("[x]")
				text = dimStyle.Render(text)
			case i == cur:
				mark = invocationStyle.Render("[>]")
				text = valueStyle.Render(text)
			}
			line := fmt.Sprintf("  %s %2d. %s", mark, i+1, text)
			if step.RetryCount > 0 {
				line += " " + warnStyle.Render(fmt.Sprintf("(retries: %d)", step.RetryCount))
			}
			fmt.Fprintln(r.output, line)
		}
	}

	if st.LastFailure != "" {
		fmt.Fprintf(r.output, "\n%s\n", blockHeaderStyle.Render("── LAST FAILURE ──"))
		fmt.Fprintln(r.output, errorStyle.Render(r.wrap(st.LastFailure, 2)))
	}

	tail := 5
	if r.verbosity > 0 {
		tail = 50
	}
	if lines := st.ScratchTail(tail); len(lines) > 0 {
		fmt.Fprintf(r.output, "\n%s\n", blockHeaderStyle.Render("── SCRATCH ──"))
		for _, line := range lines {
			fmt.Fprintln(r.output, dimStyle.Render(r.wrap(line, 2)))
		}
	}
	if status == focus.StatusBlocked {
		if i := st.CurrentIndex(); i >= 0 {
			fmt.Fprintf(r.output, "\n%s\n", warnStyle.Render(fmt.Sprintf(
				"Blocked on step %d. Edit %s, or run `rlm override %d` / `rlm revise`.", i+1, path, i+1)))
		}
	}
}

// History prints the episode index.
func (r *Replayer) History(list []archive.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(r.output, dimStyle.Render("No archived tasks."))
		return
	}
	fmt.Fprintln(r.output, titleStyle.Render("Archived tasks"))
	fmt.Fprintln(r.output, divider)
	for _, s := range list {
		fmt.Fprintf(r.output, "%s  %s  %s\n",
			dimStyle.Render(s.ArchivedAt.Local().Format("2006-01-02 15:04")),
			statusStyle(focus.Status(s.Status)).Render(fmt.Sprintf("%-10s", s.Outcome)),
			valueStyle.Render(s.TaskID))
		fmt.Fprintln(r.output, r.wrap(s.Summary, 4))
	}
}

// Episode prints an archived task with its journal timeline.
func (r *Replayer) Episode(e *archive.Entry) {
	fmt.Fprintln(r.output, titleStyle.Render("Task "+e.Task.ID))
	fmt.Fprintln(r.output, divider)
	r.field("Outcome", statusStyle(e.Status).Render(string(e.Task.Outcome)))
	r.field("Summary", e.Summary)
	if !e.ArchivedAt.IsZero() {
		r.field("Archived", e.ArchivedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(r.output, "\n%s\n", blockHeaderStyle.Render("── DIRECTIVE ──"))
	r.block(e.Directive, 2)

	if len(e.Events) > 0 {
		fmt.Fprintf(r.output, "\n%s\n", blockHeaderStyle.Render("── TIMELINE ──"))
		start := e.Events[0].Timestamp
		for _, ev := range e.Events {
			r.event(ev, start)
		}
	}

	fmt.Fprintln(r.output)
	PrintStats(r.output, ComputeStats(e.Events))

	if r.verbosity >= 2 && e.Record != "" {
		fmt.Fprintf(r.output, "\n%s\n", blockHeaderStyle.Render("── FINAL RECORD ──"))
		r.block(e.Record, 2)
	}
}

func (r *Replayer) event(ev archive.Event, start time.Time) {
	offset := ev.Timestamp.Sub(start).Round(time.Millisecond)
	prefix := fmt.Sprintf("%s %s ", seqStyle.Render(fmt.Sprintf("%d", ev.Seq)), dimStyle.Render(fmt.Sprintf("+%-9s", offset)))

	var line string
	switch ev.Type {
	case archive.EventTaskStart:
		line = titleStyle.Render("task started")
	case archive.EventPlan:
		line = warnStyle.Render(fmt.Sprintf("plan (%d steps)", len(strings.Split(strings.TrimSpace(ev.Content), "\n"))))
	case archive.EventStepStart:
		line = valueStyle.Render(fmt.Sprintf("step %d: %s", ev.Step, firstLine(ev.Content)))
	case archive.EventInvocation:
		style := invocationStyle
		if ev.Depth > 0 {
			style = nestedStyle
		}
		line = strings.Repeat("  ", ev.Depth) + style.Render(fmt.Sprintf("↳ depth %d %s → %s", ev.Depth, ev.Class, ev.Result))
		if ev.DurationMs > 0 {
			line += dimStyle.Render(fmt.Sprintf("  %dms", ev.DurationMs))
		}
		if ev.TokensIn > 0 || ev.TokensOut > 0 {
			line += dimStyle.Render(fmt.Sprintf("  %d→%d tok", ev.TokensIn, ev.TokensOut))
		}
	case archive.EventStepDone:
		line = successStyle.Render(fmt.Sprintf("✓ step %d done", ev.Step))
	case archive.EventStepFailed:
		line = errorStyle.Render(fmt.Sprintf("✗ step %d failed: %s", ev.Step, firstLine(ev.Error)))
	case archive.EventBlocked:
		line = errorStyle.Render(fmt.Sprintf("■ blocked on step %d", ev.Step))
	case archive.EventExternalEdit:
		line = warnStyle.Render("✎ " + ev.Content)
	case archive.EventCompleted:
		line = successStyle.Render("task completed")
	case archive.EventAbandoned:
		line = errorStyle.Render("task abandoned: " + ev.Content)
	default:
		line = ev.Type
	}
	fmt.Fprintln(r.output, prefix+line)

	if r.verbosity >= 1 && ev.Content != "" && (ev.Type == archive.EventInvocation || ev.Type == archive.EventStepDone) {
		r.block(ev.Content, 18)
	}
	if r.verbosity >= 1 && ev.Error != "" && ev.Type == archive.EventInvocation {
		fmt.Fprintln(r.output, errorStyle.Render(r.wrap(ev.Error, 18)))
	}
}

func (r *Replayer) field(label, value string) {
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-9s", label+":")), value)
}

func (r *Replayer) block(text string, pad uint) {
	fmt.Fprintln(r.output, r.wrap(strings.TrimRight(text, "\n"), pad))
}

// wrap word-wraps text to the replayer width and indents it by pad.
func (r *Replayer) wrap(text string, pad uint) string {
	width := r.width - int(pad)
	if width < 20 {
		width = 20
	}
	return indent.String(wordwrap.String(text, width), pad)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
