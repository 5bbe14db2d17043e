package tui

import (
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"
)

// Color palette - modern dark theme.
var (
	colorPurple   = lipgloss.Color("#4f8cff")
	colorGreen    = lipgloss.Color("#2fd576")
	colorYellow   = lipgloss.Color("#f2c94c")
	colorRed      = lipgloss.Color("#ff6b6b")
	colorWhite    = lipgloss.Color("#e6edf3")
	colorGray     = lipgloss.Color("#9aa4b2")
	colorDarkGray = lipgloss.Color("#1f2937")
)

// Styles holds all the lipgloss styles for the TUI.
type Styles struct {
	Header lipgloss.Style
	User   lipgloss.Style

	// Marker for the organization currently selected in the store.
	Active lipgloss.Style

	// Status bar styles
	StatusBar  lipgloss.Style
	StatusKey  lipgloss.Style
	StatusText lipgloss.Style
	Error      lipgloss.Style

	Empty lipgloss.Style
	Help  lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPurple),

		User: lipgloss.NewStyle().
			Foreground(colorGray),

		Active: lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true),

		StatusBar: lipgloss.NewStyle().
			Padding(0, 1).
			Background(colorDarkGray).
			Foreground(colorWhite),

		StatusKey: lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true),

		StatusText: lipgloss.NewStyle().
			Foreground(colorGray),

		Error: lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true),

		Empty: lipgloss.NewStyle().
			Foreground(colorGray).
			Italic(true).
			Padding(2, 4),

		Help: lipgloss.NewStyle().
			Padding(2, 4).
			Foreground(colorWhite),
	}
}

// listDelegate renders organizations in the palette above.
func listDelegate() list.DefaultDelegate {
	d := list.NewDefaultDelegate()
	d.Styles.SelectedTitle = d.Styles.SelectedTitle.
		Foreground(colorWhite).
		BorderForeground(colorPurple)
	d.Styles.SelectedDesc = d.Styles.SelectedDesc.
		Foreground(colorGray).
		BorderForeground(colorPurple)
	d.Styles.FilterMatch = lipgloss.NewStyle().
		Foreground(colorYellow).
		Underline(true)
	return d
}
