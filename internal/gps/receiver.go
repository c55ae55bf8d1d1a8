package gps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bt-locate.klederson.com/internal/config"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// Position is a GPS fix. Accuracy is nil when the receiver does not
// report an error estimate.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Time      time.Time
}

// NoFix is a position source that never has a fix.
type NoFix struct{}

// CurrentPosition always reports no fix.
func (NoFix) CurrentPosition() (Position, bool) { return Position{}, false }

// PortOptions describes the serial connection to the receiver.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies NMEA 0183 defaults (4800 8N1)
// for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = config.GPSBaudRate
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// NMEAReceiver reads sentences from a receiver and keeps the latest fix.
type NMEAReceiver struct {
	port io.ReadCloser
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.RWMutex
	pos      Position
	havePos  bool
	accuracy *float64

	started atomic.Bool
	done    chan struct{}
}

// OpenNMEA opens the serial port at path and starts reading.
func OpenNMEA(path string, opts PortOptions, log zerolog.Logger) (*NMEAReceiver, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open GPS port %s: %w", path, err)
	}
	r := NewNMEAReceiver(port, log)
	r.Start()
	return r, nil
}

// NewNMEAReceiver wraps an already open stream. Call Start to begin
// reading.
func NewNMEAReceiver(port io.ReadCloser, log zerolog.Logger) *NMEAReceiver {
	return &NMEAReceiver{
		port: port,
		log:  log,
		now:  time.Now,
		done: make(chan struct{}),
	}
}

// Start reads lines until the port is closed.
func (r *NMEAReceiver) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		sc := bufio.NewScanner(r.port)
		for sc.Scan() {
			r.HandleLine(sc.Text())
		}
		if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
			r.log.Warn().Err(err).Msg("GPS read loop ended")
		}
	}()
}

// HandleLine folds one NMEA line into the receiver state.
func (r *NMEAReceiver) HandleLine(line string) {
	s, err := ParseNMEA(line)
	if err != nil {
		if !errors.Is(err, ErrUnsupported) && !errors.Is(err, ErrNotNMEA) {
			r.log.Debug().Err(err).Str("line", line).Msg("bad NMEA sentence")
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case s.Kind == "GST" && s.HasErr:
		acc := round1(max(s.LatErr, s.LonErr))
		r.accuracy = &acc
	case s.Fix && s.HasPos:
		r.pos = Position{Latitude: s.Lat, Longitude: s.Lon, Time: r.now()}
		r.havePos = true
	case s.Kind != "GST" && !s.Fix:
		r.havePos = false
	}
}

// CurrentPosition returns the latest fix if it is fresh.
func (r *NMEAReceiver) CurrentPosition() (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.havePos || r.now().Sub(r.pos.Time) > config.GPSFixMaxAge {
		return Position{}, false
	}
	p := r.pos
	if r.accuracy != nil {
		acc := *r.accuracy
		p.Accuracy = &acc
	}
	return p, true
}

// Close closes the port and waits for the read loop to exit.
func (r *NMEAReceiver) Close() error {
	err := r.port.Close()
	if r.started.Load() {
		<-r.done
	}
	return err
}
