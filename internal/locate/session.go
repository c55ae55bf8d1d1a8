// Package locate tracks a single BLE target: it matches scanner devices
// against a multi-identifier target, estimates distance from RSSI, and
// keeps a bounded GPS-tagged trail of detections.
package locate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bt-locate.klederson.com/internal/bluetooth"
	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/gps"
	"bt-locate.klederson.com/internal/rpa"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scanner is the live device table a session reads from.
type Scanner interface {
	AddDeviceCallback(fn func(bluetooth.DeviceRecord)) bluetooth.CallbackID
	RemoveDeviceCallback(id bluetooth.CallbackID)
	HasDeviceCallback(id bluetooth.CallbackID) bool
	IsScanning() bool
	StartScan(mode bluetooth.ScanMode) bool
	StopScan()
	GetDevices(maxAge time.Duration) []bluetooth.DeviceRecord
	DeviceCount() int
	LastError() error
}

// PositionSource provides the current GPS fix.
type PositionSource interface {
	CurrentPosition() (gps.Position, bool)
}

// Config describes what a session looks for.
type Config struct {
	Target         *Target
	Environment    Environment
	CustomExponent *float64 // required when Environment is Custom
	FallbackLat    *float64 // used when no live fix is available
	FallbackLon    *float64
}

// Options carries a session's collaborators and timings. Zero timings
// take the defaults from the config package.
type Options struct {
	Scanner Scanner
	GPS     PositionSource
	Log     zerolog.Logger
	Now     func() time.Time

	PollInterval       time.Duration
	ScanRestartBackoff time.Duration
	DeviceWindow       time.Duration
	StopJoinTimeout    time.Duration
	TrailCapacity      int
	EventQueueSize     int
}

func (o Options) withDefaults() Options {
	if o.GPS == nil {
		o.GPS = gps.NoFix{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.PollInterval
	}
	if o.ScanRestartBackoff <= 0 {
		o.ScanRestartBackoff = config.ScanRestartBackoff
	}
	if o.DeviceWindow <= 0 {
		o.DeviceWindow = config.DeviceWindow
	}
	if o.StopJoinTimeout <= 0 {
		o.StopJoinTimeout = config.StopJoinTimeout
	}
	if o.TrailCapacity <= 0 {
		o.TrailCapacity = config.MaxTrailPoints
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = config.EventQueueSize
	}
	return o
}

// State is the session lifecycle: idle, then active, then stopped.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	}
	return "idle"
}

// Session locates one target. Detections arrive from two paths: scanner
// callbacks on the scanner's goroutine and a poll loop that also restarts
// scanning when the scan engine times out. Both end in RecordDetection.
//
// Lock order: scanner state is always read before s.mu is taken, and
// s.mu is never held while calling the scanner.
type Session struct {
	id      string
	target  *Target
	irk     []byte
	fallLat *float64
	fallLon *float64

	scanner Scanner
	gps     PositionSource
	log     zerolog.Logger
	opts    Options
	events  *EventQueue

	// lifeMu serializes Start and Stop.
	lifeMu      sync.Mutex
	state       atomic.Int32
	cbID        atomic.Uint64
	startedByUs atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	pollAlive   atomic.Bool

	callbackCount atomic.Uint64
	pollCount     atomic.Uint64
	lastSeen      atomic.Pointer[string]
	lastRestart   time.Time // poll goroutine only, after Start

	cbMu       sync.Mutex
	lastCBRSSI map[string]int

	mu             sync.Mutex
	env            Environment
	customExp      *float64
	estimator      DistanceEstimator
	trail          *Trail
	ema            float64
	hasEMA         bool
	startedAt      time.Time
	detectionCount int
	lastDetection  time.Time
}

// NewSession validates cfg and builds an idle session.
func NewSession(cfg Config, opts Options) (*Session, error) {
	if cfg.Target == nil || !cfg.Target.HasIdentifier() {
		return nil, ErrNoIdentifier
	}
	var irk []byte
	if cfg.Target.IRKHex != "" {
		b, err := rpa.ParseIRK(cfg.Target.IRKHex)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidIRK, err)
		}
		irk = b
	}
	n, err := PathLossExponent(cfg.Environment, cfg.CustomExponent)
	if err != nil {
		return nil, err
	}
	if opts.Scanner == nil {
		return nil, fmt.Errorf("%w: no scanner configured", ErrScannerUnavailable)
	}
	opts = opts.withDefaults()

	id := uuid.New().String()
	s := &Session{
		id:         id,
		target:     cfg.Target.Clone(),
		irk:        irk,
		fallLat:    copyFloat(cfg.FallbackLat),
		fallLon:    copyFloat(cfg.FallbackLon),
		scanner:    opts.Scanner,
		gps:        opts.GPS,
		log:        opts.Log.With().Str("session", id).Logger(),
		opts:       opts,
		events:     NewEventQueue(opts.EventQueueSize),
		lastCBRSSI: make(map[string]int),
		env:        cfg.Environment,
		customExp:  copyFloat(cfg.CustomExponent),
		estimator:  NewDistanceEstimator(n),
		trail:      NewTrail(opts.TrailCapacity),
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Active reports whether the session is accepting callbacks.
func (s *Session) Active() bool { return s.State() == StateActive }

// Target returns a copy of the session target.
func (s *Session) Target() *Target { return s.target.Clone() }

// Events returns the detection output queue.
func (s *Session) Events() *EventQueue { return s.events }

// Start subscribes to the scanner, starts scanning if nobody else has,
// and launches the poll loop. A scanner that refuses to start leaves no
// callback registered.
func (s *Session) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.State() != StateIdle {
		return ErrSessionStopped
	}

	s.cbID.Store(uint64(s.scanner.AddDeviceCallback(s.onDevice)))

	if !s.scanner.IsScanning() {
		s.log.Info().Msg("scanner not running, starting scan for locate session")
		s.lastRestart = s.opts.Now()
		if !s.scanner.StartScan(bluetooth.ScanModeAuto) {
			reason := "unknown error"
			if err := s.scanner.LastError(); err != nil {
				reason = err.Error()
			}
			s.log.Warn().Str("reason", reason).Msg("failed to start scanner for locate session")
			s.scanner.RemoveDeviceCallback(bluetooth.CallbackID(s.cbID.Swap(0)))
			s.state.Store(int32(StateStopped))
			return fmt.Errorf("%w: %s", ErrScannerUnavailable, reason)
		}
		s.startedByUs.Store(true)
	}

	s.mu.Lock()
	s.startedAt = s.opts.Now()
	env := s.env
	s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.pollAlive.Store(true)
	s.state.Store(int32(StateActive))
	go s.pollLoop(s.stopCh, s.doneCh)

	s.log.Info().Interface("target", s.target).Str("environment", env.String()).Msg("locate session started")
	return nil
}

// Stop ends the session. It is idempotent. The poll loop is given a
// bounded time to exit; a scan is only stopped if this session started it.
func (s *Session) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	switch s.State() {
	case StateStopped:
		return
	case StateIdle:
		s.state.Store(int32(StateStopped))
		return
	}
	s.state.Store(int32(StateStopped))
	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-time.After(s.opts.StopJoinTimeout):
		s.log.Warn().Dur("timeout", s.opts.StopJoinTimeout).Msg("poll loop did not exit, abandoning it")
	}

	if id := bluetooth.CallbackID(s.cbID.Swap(0)); id != 0 {
		s.scanner.RemoveDeviceCallback(id)
	}
	if s.startedByUs.Load() && s.scanner.IsScanning() {
		s.scanner.StopScan()
		s.log.Info().Msg("stopped scanner (was started by locate session)")
	}
	s.log.Info().Msg("locate session stopped")
}

func (s *Session) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.pollAlive.Store(false)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			s.pollOnce()
		}
	}
}

// pollOnce runs one tick. A panic is logged and the loop keeps going.
func (s *Session) pollOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("locate poll error")
		}
	}()
	s.checkScanner()
}

func (s *Session) checkScanner() {
	n := s.pollCount.Add(1)

	// Restart scans that ended on their own, at most once per backoff window.
	if !s.scanner.IsScanning() {
		now := s.opts.Now()
		if now.Sub(s.lastRestart) >= s.opts.ScanRestartBackoff {
			s.lastRestart = now
			s.log.Info().Msg("scanner stopped, restarting for locate session")
			if s.scanner.StartScan(bluetooth.ScanModeAuto) {
				s.startedByUs.Store(true)
			} else {
				s.log.Warn().Err(s.scanner.LastError()).Msg("scan restart failed")
			}
		}
	}

	devices := s.scanner.GetDevices(s.opts.DeviceWindow)
	found := false
	for _, d := range devices {
		if !s.target.Matches(d, s.irk) {
			continue
		}
		found = true
		rssi, ok := d.RSSIValue()
		if !ok {
			continue
		}
		s.RecordDetection(d, rssi)
		break
	}

	if n <= 5 || n%20 == 0 || (!found && n%config.NoMatchLogEveryPolls == 0) {
		s.mu.Lock()
		detections := s.detectionCount
		s.mu.Unlock()
		s.log.Info().
			Uint64("poll", n).
			Int("devices", len(devices)).
			Bool("target_found", found).
			Int("detections", detections).
			Bool("scanning", s.scanner.IsScanning()).
			Msg("locate poll")
	}
}

// onDevice is the scanner callback. It runs on the scanner's goroutine.
func (s *Session) onDevice(d bluetooth.DeviceRecord) {
	if !s.Active() {
		return
	}
	s.callbackCount.Add(1)
	seen := d.DeviceID + "|" + d.Name
	s.lastSeen.Store(&seen)

	if !s.target.Matches(d, s.irk) {
		return
	}
	rssi, ok := d.RSSIValue()
	if !ok {
		return
	}

	// Suppress repeats of the same reading from rapid-fire callbacks.
	s.cbMu.Lock()
	prev, seenBefore := s.lastCBRSSI[d.DeviceID]
	if seenBefore && prev == rssi {
		s.cbMu.Unlock()
		return
	}
	if !seenBefore && len(s.lastCBRSSI) >= config.CallbackDedupWindow {
		clear(s.lastCBRSSI)
	}
	s.lastCBRSSI[d.DeviceID] = rssi
	s.cbMu.Unlock()

	s.RecordDetection(d, rssi)
}

// RecordDetection records one sighting of the target at rssi. It is safe
// to call from any goroutine and never blocks on event consumers.
func (s *Session) RecordDetection(d bluetooth.DeviceRecord, rssi int) DetectionPoint {
	resolved := false
	if s.irk != nil && d.Address != "" && rpa.IsResolvableAddress(d.Address) {
		resolved = rpa.Resolve(s.irk, d.Address)
	}
	lat, lon, acc := s.position()
	now := s.opts.Now()

	s.mu.Lock()
	if s.hasEMA {
		s.ema = config.SmoothingAlpha*float64(rssi) + (1-config.SmoothingAlpha)*s.ema
	} else {
		s.ema = float64(rssi)
		s.hasEMA = true
	}
	distance := s.estimator.Estimate(rssi)
	point := DetectionPoint{
		Timestamp:         now,
		RSSI:              rssi,
		RSSIEMA:           s.ema,
		EstimatedDistance: distance,
		ProximityBand:     BandFor(distance),
		Lat:               lat,
		Lon:               lon,
		GPSAccuracy:       acc,
		RPAResolved:       resolved,
	}
	s.trail.Append(point)
	s.detectionCount++
	s.lastDetection = now
	s.events.Push(Event{
		Type:          EventDetection,
		Data:          point,
		DeviceName:    d.Name,
		DeviceAddress: d.Address,
	})
	s.mu.Unlock()

	s.log.Debug().
		Str("address", d.Address).
		Str("name", d.Name).
		Int("rssi", rssi).
		Float64("distance", distance).
		Bool("rpa_resolved", resolved).
		Msg("target detected")
	return point
}

// position prefers the live fix and falls back to the configured
// coordinates when both are set.
func (s *Session) position() (lat, lon, acc *float64) {
	if pos, ok := s.gps.CurrentPosition(); ok {
		la, lo := pos.Latitude, pos.Longitude
		return &la, &lo, copyFloat(pos.Accuracy)
	}
	if s.fallLat != nil && s.fallLon != nil {
		return copyFloat(s.fallLat), copyFloat(s.fallLon), nil
	}
	return nil, nil, nil
}

// SetEnvironment switches the propagation model for later detections.
// The trail is kept.
func (s *Session) SetEnvironment(env Environment, custom *float64) error {
	n, err := PathLossExponent(env, custom)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.env = env
	s.customExp = copyFloat(custom)
	s.estimator = NewDistanceEstimator(n)
	s.mu.Unlock()

	s.log.Info().Str("environment", env.String()).Float64("exponent", n).Msg("environment changed")
	return nil
}

// Environment returns the current environment and path loss exponent.
func (s *Session) Environment() (Environment, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env, s.estimator.N
}

// Trail returns a copy of the trail, oldest first.
func (s *Session) Trail() []DetectionPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trail.Points()
}

// GPSTrail returns the trail points that carry a position.
func (s *Session) GPSTrail() []DetectionPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trail.GPSPoints()
}

// ClearTrail empties the trail and resets the detection count. The RSSI
// average is kept.
func (s *Session) ClearTrail() {
	s.mu.Lock()
	s.trail.Clear()
	s.detectionCount = 0
	s.mu.Unlock()
	s.log.Info().Msg("trail cleared")
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
