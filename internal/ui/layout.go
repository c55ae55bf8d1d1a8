package ui

import "github.com/charmbracelet/lipgloss"

// ComposeLayout joins the proximity panel and trail list horizontally,
// with menu bar on top and status bar on bottom.
func ComposeLayout(menuBar, proximityPanel, trailList, statusBar string) string {
	middle := lipgloss.JoinHorizontal(lipgloss.Top, proximityPanel, trailList)
	return lipgloss.JoinVertical(lipgloss.Left, menuBar, middle, statusBar)
}
