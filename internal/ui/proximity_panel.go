package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"bt-locate.klederson.com/internal/locate"
	"github.com/charmbracelet/lipgloss"
)

// RenderProximityPanel renders the main panel: the proximity band, the
// latest distance and signal readings, the EMA history, and the GPS tag
// of the last detection. latest is nil until the target has been seen.
func RenderProximityPanel(st locate.Status, latest *locate.DetectionPoint, emaHistory []float64, width, height int, now time.Time) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}

	title := StylePanelTitle.Render("PROXIMITY")
	sep := StyleSeparator.Render(strings.Repeat("-", innerW))
	lines := []string{title, sep, ""}

	band := "SEARCHING"
	if st.LatestBand != nil {
		band = string(*st.LatestBand)
	}
	bandLabel := BandStyle(band).Render("[ " + band + " ]")
	lines = append(lines, centerLine(bandLabel, innerW), "")

	distance, rssi, ema, last := "-", "-", "-", "never"
	if st.LatestDistance != nil {
		distance = fmt.Sprintf("~%.2fm", *st.LatestDistance)
	}
	if st.LatestRSSI != nil {
		rssi = fmt.Sprintf("%d dBm", *st.LatestRSSI)
	}
	if st.LatestRSSIEMA != nil {
		ema = fmt.Sprintf("%.1f dBm", *st.LatestRSSIEMA)
	}
	if st.LastDetection != nil {
		last = formatLastSeen(*st.LastDetection, now)
	}

	fields := []struct{ label, value string }{
		{"Distance", distance},
		{"RSSI", rssi},
		{"EMA", ema},
		{"Exponent", fmt.Sprintf("n=%.1f (%s)", st.PathLossExponent, st.Environment)},
		{"Last", last},
		{"GPS", formatFix(latest)},
	}
	if latest != nil && latest.RPAResolved {
		fields = append(fields, struct{ label, value string }{"Address", StyleRPAMarker.Render("RPA resolved")})
	}

	for _, f := range fields {
		lines = append(lines, StyleLabel.Render(fmt.Sprintf("  %-10s", f.label))+StyleValue.Render(f.value))
	}

	lines = append(lines, "")

	barWidth := innerW - 22
	if barWidth < 10 {
		barWidth = 10
	}
	if st.LatestRSSIEMA != nil {
		bar := renderSignalBar(*st.LatestRSSIEMA, barWidth)
		lines = append(lines, StyleLabel.Render("  Signal ")+bar+StyleValue.Render(fmt.Sprintf(" %.0fdBm", *st.LatestRSSIEMA)))
	} else {
		lines = append(lines, StyleLabel.Render("  Signal ")+renderSignalBar(-100, barWidth))
	}

	lines = append(lines, "")

	if len(emaHistory) > 0 {
		sparkW := innerW - 4
		if sparkW < 10 {
			sparkW = 10
		}
		lines = append(lines, StyleLabel.Render("  EMA History:"))
		spark := renderSparkline(emaHistory, sparkW)
		lines = append(lines, "  "+lipgloss.NewStyle().Foreground(ColorGreen).Render(spark))
	}

	for len(lines) < height-2 {
		lines = append(lines, "")
	}
	if len(lines) > height-2 && height > 2 {
		lines = lines[:height-2]
	}

	content := strings.Join(lines, "\n")
	return StylePanelActive.Width(width - 2).Height(height - 2).Render(content)
}

func centerLine(s string, width int) string {
	pad := (width - lipgloss.Width(s)) / 2
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat(" ", pad) + s
}

func formatFix(p *locate.DetectionPoint) string {
	if p == nil || !p.HasGPS() {
		return "no fix"
	}
	s := fmt.Sprintf("%.6f, %.6f", *p.Lat, *p.Lon)
	if p.GPSAccuracy != nil {
		s += fmt.Sprintf(" +/-%.1fm", *p.GPSAccuracy)
	}
	return s
}

func renderSignalBar(rssi float64, width int) string {
	// Map RSSI -100..-30 to 0..width filled bars
	ratio := (rssi + 100.0) / 70.0
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(math.Round(ratio * float64(width)))

	bar := strings.Repeat("|", filled) + strings.Repeat("-", width-filled)
	filledPart := lipgloss.NewStyle().Foreground(lipgloss.Color(proximityColor(rssi))).Render(bar[:filled])
	emptyPart := lipgloss.NewStyle().Foreground(ColorDimGreen).Render(bar[filled:])
	return StyleHelp.Render("[") + filledPart + emptyPart + StyleHelp.Render("]")
}

func proximityColor(rssi float64) string {
	if rssi > -50 {
		return "#00FF41"
	}
	if rssi > -60 {
		return "#00CC33"
	}
	if rssi > -70 {
		return "#00AA22"
	}
	if rssi > -80 {
		return "#008F11"
	}
	return "#005511"
}

func renderSparkline(values []float64, width int) string {
	if len(values) == 0 {
		return ""
	}

	chars := []byte{'_', '.', '-', '~', '^'}

	// Take last `width` values
	start := 0
	if len(values) > width {
		start = len(values) - width
	}
	values = values[start:]

	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	rng := maxV - minV
	if rng < 1 {
		rng = 1
	}

	var sb strings.Builder
	for _, v := range values {
		idx := int((v - minV) / rng * float64(len(chars)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(chars) {
			idx = len(chars) - 1
		}
		sb.WriteByte(chars[idx])
	}

	return sb.String()
}

func formatLastSeen(t, now time.Time) string {
	d := now.Sub(t)
	if d < time.Second {
		return "now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm ago", int(d.Minutes()))
}
