package ui

import (
	"strings"
	"testing"
	"time"

	"bt-locate.klederson.com/internal/locate"
	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func fp(v float64) *float64 { return &v }

func TestRenderSparkline(t *testing.T) {
	assert.Equal(t, "", renderSparkline(nil, 10))
	assert.Equal(t, "_^", renderSparkline([]float64{-80, -60}, 10))
	assert.Equal(t, "__", renderSparkline([]float64{-70, -70}, 10), "flat history")
	assert.Len(t, renderSparkline([]float64{-90, -80, -70, -60, -50}, 3), 3, "keeps the newest values")
}

func TestRenderSignalBarWidth(t *testing.T) {
	for _, rssi := range []float64{-120, -100, -65, -30, 0} {
		assert.Equal(t, 12, lipgloss.Width(renderSignalBar(rssi, 10)), "rssi %v", rssi)
	}
}

func TestFormatLastSeen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "now", formatLastSeen(now.Add(-200*time.Millisecond), now))
	assert.Equal(t, "42s ago", formatLastSeen(now.Add(-42*time.Second), now))
	assert.Equal(t, "3m ago", formatLastSeen(now.Add(-3*time.Minute-5*time.Second), now))
}

func TestFormatFix(t *testing.T) {
	assert.Equal(t, "no fix", formatFix(nil))
	assert.Equal(t, "no fix", formatFix(&locate.DetectionPoint{Lat: fp(1)}))
	assert.Equal(t, "40.500000, -3.700000", formatFix(&locate.DetectionPoint{Lat: fp(40.5), Lon: fp(-3.7)}))
	assert.Equal(t, "40.500000, -3.700000 +/-4.2m",
		formatFix(&locate.DetectionPoint{Lat: fp(40.5), Lon: fp(-3.7), GPSAccuracy: fp(4.2)}))
}

func TestRenderTrailListNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	points := []locate.DetectionPoint{
		{Timestamp: base, RSSI: -80, RSSIEMA: -80, EstimatedDistance: 12.3, ProximityBand: locate.BandFar},
		{Timestamp: base.Add(time.Second), RSSI: -55, RSSIEMA: -72.5, EstimatedDistance: 0.66, ProximityBand: locate.BandImmediate, Lat: fp(40.5), Lon: fp(-3.7)},
	}
	out := RenderTrailList(points, 60, 20, 0)

	assert.Len(t, strings.Split(out, "\n"), 20)
	assert.Contains(t, out, "TRAIL [2 / 1 GPS]")
	newest := strings.Index(out, "12:00:01")
	oldest := strings.Index(out, "12:00:00")
	assert.True(t, newest >= 0 && oldest > newest, "newest entry is listed first")

	empty := RenderTrailList(nil, 60, 10, 0)
	assert.Contains(t, empty, "No detections...")
	assert.Len(t, strings.Split(empty, "\n"), 10)
}

func TestRenderProximityPanel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	searching := RenderProximityPanel(locate.Status{Environment: locate.Outdoor, PathLossExponent: 2.2}, nil, nil, 60, 24, now)
	assert.Contains(t, searching, "SEARCHING")
	assert.Contains(t, searching, "no fix")
	assert.Contains(t, searching, "n=2.2 (OUTDOOR)")

	rssi, band := -70, locate.BandNear
	last := now.Add(-5 * time.Second)
	st := locate.Status{
		Environment:      locate.Outdoor,
		PathLossExponent: 2.2,
		LatestRSSI:       &rssi,
		LatestRSSIEMA:    fp(-68.4),
		LatestDistance:   fp(3.17),
		LatestBand:       &band,
		LastDetection:    &last,
	}
	p := &locate.DetectionPoint{Lat: fp(40.5), Lon: fp(-3.7), RPAResolved: true}
	out := RenderProximityPanel(st, p, []float64{-70, -69, -68.4}, 60, 24, now)
	assert.Contains(t, out, "[ NEAR ]")
	assert.Contains(t, out, "~3.17m")
	assert.Contains(t, out, "-68.4 dBm")
	assert.Contains(t, out, "5s ago")
	assert.Contains(t, out, "RPA resolved")
	assert.Contains(t, out, "EMA History:")
}
