package tui

import "github.com/charmbracelet/lipgloss"

var (
	accent  = lipgloss.Color("#8BC34A")
	muted   = lipgloss.Color("#6B7280")
	warning = lipgloss.Color("#FFC107")
	danger  = lipgloss.Color("#E53935")
	info    = lipgloss.Color("#2196F3")
)

type styles struct {
	Header    lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	Scheduled lipgloss.Style
	Error     lipgloss.Style
	Status    lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1),
		User:      lipgloss.NewStyle().Foreground(info).Bold(true),
		Assistant: lipgloss.NewStyle(),
		Scheduled: lipgloss.NewStyle().Foreground(warning),
		Error:     lipgloss.NewStyle().Foreground(danger),
		Status:    lipgloss.NewStyle().Foreground(muted).Italic(true),
	}
}
