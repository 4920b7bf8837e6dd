// Package tui provides the Bubble Tea live monitor for `camlink listen --tui`.
package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	accent = lipgloss.Color("#7C3AED")
	good   = lipgloss.Color("#10B981")
	wait   = lipgloss.Color("#F59E0B")
	bad    = lipgloss.Color("#EF4444")
	muted  = lipgloss.Color("#6B7280")
	info   = lipgloss.Color("#3B82F6")
	white  = lipgloss.Color("#FFFFFF")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).MarginBottom(1)
	labelStyle = lipgloss.NewStyle().Foreground(muted).Width(14)
	valueStyle = lipgloss.NewStyle().Foreground(white)
	goodStyle  = lipgloss.NewStyle().Foreground(good)
	waitStyle  = lipgloss.NewStyle().Foreground(wait)
	badStyle   = lipgloss.NewStyle().Foreground(bad)
	helpStyle  = lipgloss.NewStyle().Foreground(muted).MarginTop(1)

	// Received lines are plain, sent lines stand out.
	receivedStyle = lipgloss.NewStyle().Foreground(white)
	sentStyle     = lipgloss.NewStyle().Foreground(info)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1)

	counterStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2).
			Width(16).
			Align(lipgloss.Center)
)

// stateStyle colors a connection or auth state.
func stateStyle(state string) lipgloss.Style {
	switch {
	case state == "connected" || state == "authenticated":
		return goodStyle
	case state == "connecting" || state == "pending":
		return waitStyle
	case state == "rejected" || strings.HasPrefix(state, "closed"):
		return badStyle
	default:
		return valueStyle
	}
}

// lineStyle colors a recent-message line by direction.
func lineStyle(line string) lipgloss.Style {
	if strings.HasPrefix(line, "[SENT]") {
		return sentStyle
	}
	return receivedStyle
}
