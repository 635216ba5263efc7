package main

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/kuuji/friendgate/internal/lifecycle"
)

const (
	// Palette
	colorGrayDim = "#55626D"
	colorRed     = "#F76C7C"
	colorYellow  = "#E3D367"
	colorGreen   = "#9CD57B"
	colorBlue    = "#78CEE9"
	colorFg      = "#E1E2E3"
	colorGray    = "#82878B"
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorYellow))
	styleKey    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorBlue))
	styleUp     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen))
	styleBusy   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow))
	styleDown   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray))
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed))
)

// styleFor picks the color for a connection state.
func styleFor(s lifecycle.State) lipgloss.Style {
	switch s {
	case lifecycle.StateUp:
		return styleUp
	case lifecycle.StateConnecting, lifecycle.StateDisconnecting:
		return styleBusy
	default:
		return styleDown
	}
}

// customHuhTheme returns a huh theme using our palette.
func customHuhTheme() *huh.Theme {
	t := huh.ThemeDracula()

	yellow := lipgloss.Color(colorYellow)
	gray := lipgloss.Color(colorGray)
	fg := lipgloss.Color(colorFg)

	t.Focused.Base = t.Focused.Base.BorderForeground(yellow).Foreground(fg)
	t.Blurred.Base = t.Blurred.Base.BorderForeground(gray).Foreground(fg)

	t.Focused.Title = t.Focused.Title.Foreground(yellow).Bold(true)
	t.Blurred.Title = t.Blurred.Title.Foreground(gray)

	t.Focused.Description = t.Focused.Description.Foreground(gray)
	t.Blurred.Description = t.Blurred.Description.Foreground(lipgloss.Color(colorGrayDim))

	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(yellow).Bold(true)
	t.Focused.TextInput.Cursor = t.Focused.TextInput.Cursor.Foreground(yellow)
	t.Focused.TextInput.Placeholder = t.Focused.TextInput.Placeholder.Foreground(lipgloss.Color(colorGrayDim))

	return t
}
