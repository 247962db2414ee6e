package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Styles holds the lipgloss styles used for rendering.
type Styles struct {
	Title        lipgloss.Style
	Connected    lipgloss.Style
	Disconnected lipgloss.Style
	Warning      lipgloss.Style
	Error        lipgloss.Style
	Self         lipgloss.Style
	Other        lipgloss.Style
	System       lipgloss.Style
	Muted        lipgloss.Style
}

// DefaultStyles returns the standard palette.
func DefaultStyles() Styles {
	return Styles{
		Title:        lipgloss.NewStyle().Bold(true),
		Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		Disconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		Warning:      lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		Error:        lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		Self:         lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		Other:        lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		System:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
		Muted:        lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Faint(true),
	}
}
