package report

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Styles holds the lipgloss styles of the status frame.
type Styles struct {
	Success lipgloss.Style
	Failed  lipgloss.Style
}

// NewStyles returns styles bound to w, so colour is only emitted when w is a
// colour-capable terminal.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		Success: r.NewStyle().Foreground(lipgloss.Color("42")),
		Failed:  r.NewStyle().Foreground(lipgloss.Color("196")),
	}
}
