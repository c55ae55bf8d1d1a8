package locate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func point(rssi int) DetectionPoint {
	return DetectionPoint{RSSI: rssi, ProximityBand: BandFar}
}

func TestTrailEvictsOldestFirst(t *testing.T) {
	tr := NewTrail(500)
	for i := 1; i <= 500; i++ {
		tr.Append(point(-i))
	}
	require.Equal(t, 500, tr.Len())
	assert.Equal(t, -1, tr.Points()[0].RSSI)

	tr.Append(point(-501))
	pts := tr.Points()
	require.Len(t, pts, 500)
	assert.Equal(t, -2, pts[0].RSSI, "oldest retained is the second appended")
	assert.Equal(t, -501, pts[499].RSSI)

	latest, ok := tr.Latest()
	require.True(t, ok)
	assert.Equal(t, -501, latest.RSSI)
}

func TestTrailPartialAndClear(t *testing.T) {
	tr := NewTrail(4)
	_, ok := tr.Latest()
	assert.False(t, ok)
	assert.Empty(t, tr.Points())

	lat, lon := 1.0, 2.0
	tr.Append(point(-50))
	tr.Append(DetectionPoint{RSSI: -51, Lat: &lat, Lon: &lon})
	tr.Append(DetectionPoint{RSSI: -52, Lat: &lat})

	want := []int{-50, -51, -52}
	got := make([]int, 0, tr.Len())
	for _, p := range tr.Points() {
		got = append(got, p.RSSI)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, tr.GPSCount())
	require.Len(t, tr.GPSPoints(), 1)
	assert.Equal(t, -51, tr.GPSPoints()[0].RSSI)

	tr.Clear()
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 4, tr.Cap())
	assert.NotNil(t, tr.GPSPoints())
	assert.Empty(t, tr.GPSPoints())
}

func TestEventQueueDropsOldest(t *testing.T) {
	q := NewEventQueue(500)
	for i := 0; i < 500; i++ {
		q.Push(Event{Type: EventDetection, Data: point(-i)})
	}
	require.Equal(t, 500, q.Len())

	done := make(chan struct{})
	go func() {
		q.Push(Event{Type: EventDetection, Data: point(-500)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a full queue")
	}

	assert.Equal(t, 500, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	first := <-q.C()
	assert.Equal(t, -1, first.Data.RSSI, "oldest event evicted")
	var last Event
	for q.Len() > 0 {
		last = <-q.C()
	}
	assert.Equal(t, -500, last.Data.RSSI, "newest event retained")
}

func TestDetectionPointJSON(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	acc := 4.3
	lat, lon := 48.1, 11.5
	p := DetectionPoint{
		Timestamp:         ts,
		RSSI:              -67,
		RSSIEMA:           -64.26,
		EstimatedDistance: 2.33333,
		ProximityBand:     BandNear,
		Lat:               &lat,
		Lon:               &lon,
		GPSAccuracy:       &acc,
	}
	b, err := json.Marshal(Event{Type: EventDetection, Data: p, DeviceName: "Tag", DeviceAddress: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "detection",
		"device_name": "Tag",
		"device_address": "AA:BB:CC:DD:EE:FF",
		"data": {
			"timestamp": "2026-03-01T12:00:00Z",
			"rssi": -67,
			"rssi_ema": -64.3,
			"estimated_distance": 2.33,
			"proximity_band": "NEAR",
			"lat": 48.1,
			"lon": 11.5,
			"gps_accuracy": 4.3,
			"rpa_resolved": false
		}
	}`, string(b))

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Data.Timestamp.Equal(ts))
	assert.Equal(t, -64.3, back.Data.RSSIEMA)
	require.NotNil(t, back.Data.GPSAccuracy)
	assert.Equal(t, 4.3, *back.Data.GPSAccuracy)
}
