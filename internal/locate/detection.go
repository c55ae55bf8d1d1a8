package locate

import (
	"encoding/json"
	"math"
	"sync/atomic"
	"time"
)

// DetectionPoint is one accepted detection of the target.
type DetectionPoint struct {
	Timestamp         time.Time
	RSSI              int
	RSSIEMA           float64
	EstimatedDistance float64
	ProximityBand     ProximityBand
	Lat               *float64
	Lon               *float64
	GPSAccuracy       *float64
	RPAResolved       bool
}

// HasGPS reports whether the point carries a position.
func (p DetectionPoint) HasGPS() bool {
	return p.Lat != nil && p.Lon != nil
}

type detectionJSON struct {
	Timestamp         time.Time     `json:"timestamp"`
	RSSI              int           `json:"rssi"`
	RSSIEMA           float64       `json:"rssi_ema"`
	EstimatedDistance float64       `json:"estimated_distance"`
	ProximityBand     ProximityBand `json:"proximity_band"`
	Lat               *float64      `json:"lat"`
	Lon               *float64      `json:"lon"`
	GPSAccuracy       *float64      `json:"gps_accuracy"`
	RPAResolved       bool          `json:"rpa_resolved"`
}

// MarshalJSON encodes the point with the EMA rounded to 0.1 dBm and the
// distance to centimeters.
func (p DetectionPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(detectionJSON{
		Timestamp:         p.Timestamp,
		RSSI:              p.RSSI,
		RSSIEMA:           roundTo(p.RSSIEMA, 1),
		EstimatedDistance: roundTo(p.EstimatedDistance, 2),
		ProximityBand:     p.ProximityBand,
		Lat:               p.Lat,
		Lon:               p.Lon,
		GPSAccuracy:       p.GPSAccuracy,
		RPAResolved:       p.RPAResolved,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (p *DetectionPoint) UnmarshalJSON(b []byte) error {
	var raw detectionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = DetectionPoint{
		Timestamp:         raw.Timestamp,
		RSSI:              raw.RSSI,
		RSSIEMA:           raw.RSSIEMA,
		EstimatedDistance: raw.EstimatedDistance,
		ProximityBand:     raw.ProximityBand,
		Lat:               raw.Lat,
		Lon:               raw.Lon,
		GPSAccuracy:       raw.GPSAccuracy,
		RPAResolved:       raw.RPAResolved,
	}
	return nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// EventDetection is the only event type a session emits.
const EventDetection = "detection"

// Event is pushed to the output queue for every detection.
type Event struct {
	Type          string         `json:"type"`
	Data          DetectionPoint `json:"data"`
	DeviceName    string         `json:"device_name"`
	DeviceAddress string         `json:"device_address"`
}

// EventQueue is a bounded queue that never blocks the producer. When it
// is full the oldest event is discarded to make room.
type EventQueue struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewEventQueue creates a queue holding up to size events.
func NewEventQueue(size int) *EventQueue {
	if size < 1 {
		size = 1
	}
	return &EventQueue{ch: make(chan Event, size)}
}

// Push enqueues ev, evicting the oldest event if the queue is full.
func (q *EventQueue) Push(ev Event) {
	for range 4 {
		select {
		case q.ch <- ev:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
	// Lost the race to other producers every time; drop the new event.
	q.dropped.Add(1)
}

// C returns the receive side for consumers.
func (q *EventQueue) C() <-chan Event { return q.ch }

// Len returns the number of queued events.
func (q *EventQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *EventQueue) Cap() int { return cap(q.ch) }

// Dropped returns how many events were discarded because the queue was full.
func (q *EventQueue) Dropped() uint64 { return q.dropped.Load() }
