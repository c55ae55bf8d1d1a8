package ui

import (
	"fmt"
	"strings"

	"bt-locate.klederson.com/internal/locate"
	"github.com/charmbracelet/lipgloss"
)

// Cursor row style: black text on bright green = unmissable highlight
var cursorRowSty = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#000000")).
	Background(ColorMatrixGreen).
	Bold(true)

// RenderTrailList renders the detection trail, newest first. points are
// in trail order (oldest first) as returned by the session. The header
// stays fixed at the top; only the entries scroll.
func RenderTrailList(points []locate.DetectionPoint, width, height int, cursorIndex int) string {
	innerW := width - 4
	if innerW < 10 {
		innerW = 10
	}

	gpsCount := 0
	for _, p := range points {
		if p.HasGPS() {
			gpsCount++
		}
	}

	// Fixed header: title + separator (2 lines)
	title := StylePanelTitle.Render(fmt.Sprintf("TRAIL [%d / %d GPS]", len(points), gpsCount))
	separator := StyleSeparator.Render(strings.Repeat("-", innerW))
	headerLines := []string{title, separator}
	headerCount := len(headerLines)

	// Total inner height (excluding border top+bottom)
	innerH := height - 2
	if innerH < headerCount+1 {
		innerH = headerCount + 1
	}

	entrySpace := innerH - headerCount
	if entrySpace < 1 {
		entrySpace = 1
	}

	var entryLines []string
	if len(points) == 0 {
		entryLines = append(entryLines, "")
		entryLines = append(entryLines, StyleHelp.Render(" No detections..."))
		entryLines = append(entryLines, StyleHelp.Render(" Waiting for target"))
	} else {
		linesPerPoint := 3 // 2 content + 1 blank
		maxVisible := entrySpace / linesPerPoint
		if maxVisible < 1 {
			maxVisible = 1
		}

		// Compute viewport start so cursor is always visible
		viewStart := 0
		if cursorIndex >= maxVisible {
			viewStart = cursorIndex - maxVisible + 1
		}

		count := 0
		for i := viewStart; i < len(points); i++ {
			p := points[len(points)-1-i]
			for _, l := range renderTrailEntry(p, innerW, i == cursorIndex) {
				if count >= entrySpace {
					break
				}
				entryLines = append(entryLines, l)
				count++
			}
			if count >= entrySpace {
				break
			}
		}
	}

	if len(entryLines) > entrySpace {
		entryLines = entryLines[:entrySpace]
	}
	for len(entryLines) < entrySpace {
		entryLines = append(entryLines, "")
	}

	all := make([]string, 0, innerH)
	all = append(all, headerLines...)
	all = append(all, entryLines...)
	if len(all) > innerH {
		all = all[:innerH]
	}

	content := strings.Join(all, "\n")
	rendered := StylePanelBorder.Width(width - 2).Height(innerH).Render(content)

	// Hard clamp rendered output to exactly `height` lines.
	// lipgloss Height() only sets a minimum; it won't truncate overflow.
	outLines := strings.Split(rendered, "\n")
	if len(outLines) > height {
		outLines = outLines[:height]
	}
	for len(outLines) < height {
		outLines = append(outLines, "")
	}
	return strings.Join(outLines, "\n")
}

func renderTrailEntry(p locate.DetectionPoint, maxW int, isCursor bool) []string {
	marker := " "
	if p.RPAResolved {
		marker = "R"
	}
	clock := p.Timestamp.Local().Format("15:04:05")
	rssi := fmt.Sprintf("%ddBm ema %.1f", p.RSSI, p.RSSIEMA)
	dist := fmt.Sprintf("~%.2fm", p.EstimatedDistance)
	fix := formatFix(&p)

	if isCursor {
		raw1 := truncRaw(fmt.Sprintf(">> %s %s  %s  %s %s", clock, rssi, dist, p.ProximityBand, marker), maxW)
		raw2 := truncRaw("       "+fix, maxW)
		return []string{cursorRowSty.Render(raw1), cursorRowSty.Render(raw2), ""}
	}

	if p.RPAResolved {
		marker = StyleRPAMarker.Render(marker)
	}
	line1 := "   " + StyleTrailTime.Render(clock) + " " + StyleTrailRSSI.Render(rssi) + "  " +
		StyleValue.Render(dist) + "  " + BandStyle(string(p.ProximityBand)).Render(string(p.ProximityBand)) + " " + marker
	fixSty := StyleHelp
	if p.HasGPS() {
		fixSty = StyleTrailGPS
	}
	line2 := "       " + fixSty.Render(truncRaw(fix, maxW-7))
	return []string{line1, line2, ""}
}

// truncRaw pads or truncates a raw string to exactly w characters.
func truncRaw(s string, w int) string {
	if w < 0 {
		w = 0
	}
	if len(s) > w {
		return s[:w]
	}
	if len(s) < w {
		return s + strings.Repeat(" ", w-len(s))
	}
	return s
}
