package replay

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/rlm/internal/archive"
)

// Stats holds aggregate figures for a task journal.
type Stats struct {
	TotalDurationMs int64

	Invocations  int
	ByDepth      map[int]int
	ByClass      map[string]int
	ByResult     map[string]int
	InvocationMs int64
	TokensIn     int
	TokensOut    int

	StepsDone   int
	StepsFailed int
}

// ComputeStats aggregates events.
func ComputeStats(events []archive.Event) *Stats {
	s := &Stats{
		ByDepth:  make(map[int]int),
		ByClass:  make(map[string]int),
		ByResult: make(map[string]int),
	}
	if len(events) > 1 {
		s.TotalDurationMs = events[len(events)-1].Timestamp.Sub(events[0].Timestamp).Milliseconds()
	}
	for _, ev := range events {
		switch ev.Type {
		case archive.EventInvocation:
			s.Invocations++
			s.ByDepth[ev.Depth]++
			s.ByClass[ev.Class]++
			s.ByResult[ev.Result]++
			s.InvocationMs += ev.DurationMs
			s.TokensIn += ev.TokensIn
			s.TokensOut += ev.TokensOut
		case archive.EventStepDone:
			s.StepsDone++
		case archive.EventStepFailed:
			s.StepsFailed++
		}
	}
	return s
}

// PrintStats writes a statistics summary.
func PrintStats(w io.Writer, stats *Stats) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))

	fmt.Fprintln(w, headerStyle.Render("Statistics"))
	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label)), valueStyle.Render(value))
	}
	row("Duration:", formatDuration(stats.TotalDurationMs))
	row("Steps:", fmt.Sprintf("%d done, %d failed attempts", stats.StepsDone, stats.StepsFailed))
	if stats.Invocations == 0 {
		return
	}
	avg := stats.InvocationMs / int64(stats.Invocations)
	row("Invocations:", fmt.Sprintf("%d (avg %s)", stats.Invocations, formatDuration(avg)))
	row("Tokens:", fmt.Sprintf("%d in, %d out", stats.TokensIn, stats.TokensOut))

	depths := make([]int, 0, len(stats.ByDepth))
	for d := range stats.ByDepth {
		depths = append(depths, d)
	}
	sort.Ints(depths)
	var parts []string
	for _, d := range depths {
		parts = append(parts, fmt.Sprintf("d%d=%d", d, stats.ByDepth[d]))
	}
	row("By depth:", strings.Join(parts, " "))
	row("By class:", joinCounts(stats.ByClass))
	row("By result:", joinCounts(stats.ByResult))
}

func joinCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

// formatDuration formats milliseconds as a human-readable duration.
func formatDuration(ms int64) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		mins := ms / 60000
		secs := (ms % 60000) / 1000
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
}
