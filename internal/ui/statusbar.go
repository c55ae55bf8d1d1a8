package ui

import (
	"fmt"
	"strings"

	"bt-locate.klederson.com/internal/locate"
	"github.com/charmbracelet/lipgloss"
)

// RenderStatusBar renders the bottom status bar from a session snapshot.
func RenderStatusBar(width int, st locate.Status) string {
	var state string
	switch {
	case !st.Active:
		state = StyleStatusError.Render("[STOPPED]")
	case st.ScannerRunning:
		state = StyleStatusScanning.Render("[SCANNING]")
	default:
		state = StyleStatusPaused.Render("[RESTARTING]")
	}

	info := fmt.Sprintf(" Detections: %d  GPS pts: %d  Devices: %d  Queue: %d  Dropped: %d  GPS: %s",
		st.DetectionCount, st.GPSTrailCount, st.ScannerDeviceCount,
		st.EventQueueSize, st.EventsDropped, st.GPSSource)

	content := state + StyleStatusBar.Foreground(ColorGreen).Render(info)

	gap := width - lipgloss.Width(content)
	if gap < 0 {
		gap = 0
	}
	return StyleStatusBar.Width(width).Render(content + strings.Repeat(" ", gap))
}
