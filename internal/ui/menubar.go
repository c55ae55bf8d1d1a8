package ui

import (
	"fmt"
	"strings"

	"bt-locate.klederson.com/internal/config"
	"github.com/charmbracelet/lipgloss"
)

// RenderMenuBar renders the top menu bar: key hints on the left, the
// target and environment on the right.
func RenderMenuBar(width int, target, environment string) string {
	title := fmt.Sprintf(" %s v%s ", config.AppName, config.AppVersion)

	keys := []struct{ key, label string }{
		{"1", "Free"},
		{"2", "Outdoor"},
		{"3", "Indoor"},
		{"C", "lear"},
		{"Q", "uit"},
	}

	menu := ""
	for _, k := range keys {
		menu += "  " + StyleMenuKey.Render("["+k.key+"]") + StyleMenuLabel.Render(k.label)
	}

	right := StyleMenuLabel.Render("Target: ") + StyleValue.Render(target) +
		"  " + StyleMenuLabel.Render("Env: ") + StyleValue.Render(environment) + " "

	left := StyleMenuKey.Render(title) + menu

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	return StyleMenuBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}
