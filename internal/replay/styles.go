// Package replay renders focus records and archived task journals for the
// terminal.
package replay

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/rlm/internal/focus"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	// Invocations - Blue, nested ones Magenta
	invocationStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	nestedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	blockHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8")).
				Italic(true)

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// statusStyle colours a focus status.
func statusStyle(s focus.Status) lipgloss.Style {
	switch s {
	case focus.StatusCompleted:
		return successStyle
	case focus.StatusBlocked, focus.StatusAbandoned:
		return errorStyle
	case focus.StatusPlanning:
		return warnStyle
	case focus.StatusExecuting:
		return invocationStyle
	default:
		return dimStyle
	}
}
