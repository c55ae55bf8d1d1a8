package locate

import (
	"time"

	"bt-locate.klederson.com/internal/bluetooth"
	"bt-locate.klederson.com/internal/config"
)

// GPS source names reported in Status.
const (
	GPSSourceLive   = "live"
	GPSSourceManual = "manual"
	GPSSourceNone   = "none"
)

// Status is a snapshot of a session for diagnostics and the UI.
type Status struct {
	SessionID          string         `json:"session_id"`
	Active             bool           `json:"active"`
	State              string         `json:"state"`
	Target             *Target        `json:"target"`
	Environment        Environment    `json:"environment"`
	PathLossExponent   float64        `json:"path_loss_exponent"`
	StartedAt          *time.Time     `json:"started_at"`
	DetectionCount     int            `json:"detection_count"`
	GPSTrailCount      int            `json:"gps_trail_count"`
	LastDetection      *time.Time     `json:"last_detection"`
	ScannerRunning     bool           `json:"scanner_running"`
	ScannerDeviceCount int            `json:"scanner_device_count"`
	CallbackRegistered bool           `json:"callback_registered"`
	EventQueueSize     int            `json:"event_queue_size"`
	EventsDropped      uint64         `json:"events_dropped"`
	CallbackCallCount  uint64         `json:"callback_call_count"`
	PollCount          uint64         `json:"poll_count"`
	PollThreadAlive    bool           `json:"poll_thread_alive"`
	LastSeenDevice     *string        `json:"last_seen_device"`
	GPSAvailable       bool           `json:"gps_available"`
	GPSSource          string         `json:"gps_source"`
	FallbackLat        *float64       `json:"fallback_lat"`
	FallbackLon        *float64       `json:"fallback_lon"`
	LatestRSSI         *int           `json:"latest_rssi"`
	LatestRSSIEMA      *float64       `json:"latest_rssi_ema"`
	LatestDistance     *float64       `json:"latest_distance"`
	LatestBand         *ProximityBand `json:"latest_band"`
	DebugDevices       []DebugDevice  `json:"debug_devices"`
}

// DebugDevice is one entry of the status device sample.
type DebugDevice struct {
	ID    string `json:"id"`
	Addr  string `json:"addr"`
	Name  string `json:"name"`
	RSSI  *int   `json:"rssi"`
	Match bool   `json:"match"`

	// ManufacturerMatch compares the device's manufacturer with the
	// target's known manufacturer. Nil when the target has none.
	ManufacturerMatch *bool `json:"manufacturer_match,omitempty"`
}

// Status returns a snapshot of the session. With includeDebug it also
// lists recently seen scanner devices and whether each matches.
func (s *Session) Status(includeDebug bool) Status {
	// Everything owned by the scanner or GPS is read before s.mu.
	_, gpsOK := s.gps.CurrentPosition()
	debug := []DebugDevice{}
	if includeDebug {
		debug = s.debugSample()
	}
	running := s.scanner.IsScanning()
	deviceCount := s.scanner.DeviceCount()
	registered := false
	if id := s.cbID.Load(); id != 0 {
		registered = s.scanner.HasDeviceCallback(bluetooth.CallbackID(id))
	}

	st := Status{
		SessionID:          s.id,
		Active:             s.Active(),
		State:              s.State().String(),
		Target:             s.target.Clone(),
		ScannerRunning:     running,
		ScannerDeviceCount: deviceCount,
		CallbackRegistered: registered,
		EventQueueSize:     s.events.Len(),
		EventsDropped:      s.events.Dropped(),
		CallbackCallCount:  s.callbackCount.Load(),
		PollCount:          s.pollCount.Load(),
		PollThreadAlive:    s.pollAlive.Load(),
		LastSeenDevice:     s.lastSeen.Load(),
		GPSAvailable:       gpsOK,
		FallbackLat:        copyFloat(s.fallLat),
		FallbackLon:        copyFloat(s.fallLon),
		DebugDevices:       debug,
	}
	switch {
	case gpsOK:
		st.GPSSource = GPSSourceLive
	case s.fallLat != nil:
		st.GPSSource = GPSSourceManual
	default:
		st.GPSSource = GPSSourceNone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st.Environment = s.env
	st.PathLossExponent = s.estimator.N
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if !s.lastDetection.IsZero() {
		t := s.lastDetection
		st.LastDetection = &t
	}
	st.DetectionCount = s.detectionCount
	st.GPSTrailCount = s.trail.GPSCount()
	if p, ok := s.trail.Latest(); ok {
		rssi := p.RSSI
		ema := roundTo(p.RSSIEMA, 1)
		dist := roundTo(p.EstimatedDistance, 2)
		band := p.ProximityBand
		st.LatestRSSI = &rssi
		st.LatestRSSIEMA = &ema
		st.LatestDistance = &dist
		st.LatestBand = &band
	}
	return st
}

// debugSample lists up to DebugDeviceSample devices from the scanner.
// It must not be called with s.mu held.
func (s *Session) debugSample() (out []DebugDevice) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn().Interface("panic", r).Msg("debug device sample failed")
			out = []DebugDevice{}
		}
	}()
	return s.MatchDevices(config.DebugDeviceWindow, config.DebugDeviceSample)
}

// MatchDevices evaluates the target against scanner devices seen within
// maxAge, strongest first. A limit of zero or less lists every device.
func (s *Session) MatchDevices(maxAge time.Duration, limit int) []DebugDevice {
	devices := s.scanner.GetDevices(maxAge)
	if limit > 0 && len(devices) > limit {
		devices = devices[:limit]
	}
	out := make([]DebugDevice, 0, len(devices))
	for _, d := range devices {
		dd := DebugDevice{
			ID:    d.DeviceID,
			Addr:  d.Address,
			Name:  d.Name,
			Match: s.target.Matches(d, s.irk),
		}
		if rssi, ok := d.RSSIValue(); ok {
			dd.RSSI = &rssi
		}
		if hint := s.target.KnownManufacturer; hint != "" {
			same := bluetooth.ManufacturerMatches(hint, d.Manufacturer)
			dd.ManufacturerMatch = &same
		}
		out = append(out, dd)
	}
	return out
}
