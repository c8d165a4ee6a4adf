package surface

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/schaermu/listsyncd/internal/theme"
)

// Styles are the text styles used by the terminal surface.
type Styles struct {
	Header lipgloss.Style
	Title  lipgloss.Style
	Detail lipgloss.Style
	Label  lipgloss.Style
	Empty  lipgloss.Style
	Error  lipgloss.Style
}

var (
	lightTitle  = lipgloss.Color("#1A1A1A")
	lightDetail = lipgloss.Color("#626262")
	lightAccent = lipgloss.Color("#874BFD")

	darkTitle  = lipgloss.Color("#E7E7E7")
	darkDetail = lipgloss.Color("#909090")
	darkAccent = lipgloss.Color("#7D56F4")

	red = lipgloss.Color("197")
)

// StylesFor returns the styles of the given theme.
func StylesFor(t theme.Theme) Styles {
	title, detail, accent := lightTitle, lightDetail, lightAccent
	if t.IsDark() {
		title, detail, accent = darkTitle, darkDetail, darkAccent
	}

	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(accent),
		Title:  lipgloss.NewStyle().Bold(true).Foreground(title),
		Detail: lipgloss.NewStyle().Foreground(detail).PaddingLeft(4),
		Label:  lipgloss.NewStyle().Foreground(accent),
		Empty:  lipgloss.NewStyle().Faint(true).Foreground(detail),
		Error:  lipgloss.NewStyle().Bold(true).Foreground(red),
	}
}
