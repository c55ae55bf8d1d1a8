package bluetooth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"bt-locate.klederson.com/internal/config"
	"github.com/rs/zerolog"
)

// ScanMode selects how the aggregator drives its source.
type ScanMode string

const (
	ScanModeAuto ScanMode = "auto"
	ScanModeBLE  ScanMode = "ble"
)

// CallbackID identifies a registered device callback.
type CallbackID uint64

var (
	// ErrUnknownScanMode is recorded when StartScan is given an unsupported mode.
	ErrUnknownScanMode = errors.New("unknown scan mode")
	// ErrScanEnded is recorded when the source ends a scan without an error.
	ErrScanEnded = errors.New("scan ended by source")
)

// Aggregator owns a scan source and the live device table. Every
// observation is folded into the store and then handed to the registered
// callbacks on the source's goroutine, after the store lock is released.
type Aggregator struct {
	source   Source
	store    *DeviceStore
	resolver *NameResolver
	log      zerolog.Logger
	now      func() time.Time

	scanTimeout time.Duration

	mu       sync.Mutex
	scanning bool
	mode     ScanMode
	lastErr  error
	stopEv   chan struct{}
	timeout  *time.Timer

	cbMu      sync.RWMutex
	callbacks map[CallbackID]func(DeviceRecord)
	nextID    CallbackID
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithScanTimeout ends every scan after d, the way host stacks with a
// bounded discovery window do. Consumers must restart scanning themselves.
func WithScanTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.scanTimeout = d }
}

// WithNameResolver resolves names for unnamed devices in the background.
func WithNameResolver(r *NameResolver) Option {
	return func(a *Aggregator) { a.resolver = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator over source.
func NewAggregator(source Source, log zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		source:    source,
		store:     NewDeviceStore(),
		log:       log,
		now:       time.Now,
		callbacks: make(map[CallbackID]func(DeviceRecord)),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.resolver != nil {
		a.resolver.Start(func(addr, name string) {
			if a.store.SetName(addr, name) {
				a.log.Debug().Str("address", addr).Str("name", name).Msg("resolved device name")
			}
		})
	}
	return a
}

// AddDeviceCallback registers fn to be called for every device update.
func (a *Aggregator) AddDeviceCallback(fn func(DeviceRecord)) CallbackID {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.nextID++
	a.callbacks[a.nextID] = fn
	return a.nextID
}

// RemoveDeviceCallback unregisters a callback. Unknown ids are ignored.
func (a *Aggregator) RemoveDeviceCallback(id CallbackID) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	delete(a.callbacks, id)
}

// HasDeviceCallback reports whether id is currently registered.
func (a *Aggregator) HasDeviceCallback(id CallbackID) bool {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	_, ok := a.callbacks[id]
	return ok
}

// IsScanning reports whether a scan is running.
func (a *Aggregator) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// StartScan starts the source. It returns true if scanning is running
// afterwards; on failure the cause is available from LastError.
func (a *Aggregator) StartScan(mode ScanMode) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if mode != ScanModeAuto && mode != ScanModeBLE {
		a.lastErr = fmt.Errorf("%w: %q", ErrUnknownScanMode, mode)
		return false
	}
	if a.scanning {
		return true
	}

	ev := make(chan struct{})
	if err := a.source.Start(a.handle, func(err error) { a.scanEnded(ev, err) }); err != nil {
		a.lastErr = err
		a.log.Warn().Err(err).Str("mode", string(mode)).Msg("scan start failed")
		return false
	}

	a.scanning = true
	a.mode = mode
	a.lastErr = nil
	a.stopEv = ev
	go a.evictLoop(ev)
	if a.scanTimeout > 0 {
		a.timeout = time.AfterFunc(a.scanTimeout, func() { a.expire(ev) })
	}
	a.log.Info().Str("mode", string(mode)).Msg("scan started")
	return true
}

// StopScan stops the source. Calling it while idle is a no-op.
func (a *Aggregator) StopScan() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.scanning {
		return
	}
	a.source.Stop()
	a.endScanLocked()
	a.log.Info().Msg("scan stopped")
}

// expire ends the scan identified by ev once its window elapses. A timer
// left over from an earlier scan finds a different ev and does nothing.
func (a *Aggregator) expire(ev chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.scanning || a.stopEv != ev {
		return
	}
	a.source.Stop()
	a.endScanLocked()
	a.log.Debug().Dur("after", a.scanTimeout).Msg("scan window elapsed")
}

// scanEnded is the source's report that the scan identified by ev ended
// without StopScan.
func (a *Aggregator) scanEnded(ev chan struct{}, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.scanning || a.stopEv != ev {
		return
	}
	a.endScanLocked()
	if err == nil {
		err = ErrScanEnded
	}
	a.lastErr = err
	a.log.Warn().Err(err).Msg("scan ended by source")
}

func (a *Aggregator) endScanLocked() {
	a.scanning = false
	close(a.stopEv)
	a.stopEv = nil
	if a.timeout != nil {
		a.timeout.Stop()
		a.timeout = nil
	}
}

// GetDevices returns devices seen within maxAge, strongest first.
func (a *Aggregator) GetDevices(maxAge time.Duration) []DeviceRecord {
	return a.store.Devices(maxAge, a.now())
}

// DeviceCount returns the number of devices in the live table.
func (a *Aggregator) DeviceCount() int {
	return a.store.Count()
}

// LastError returns why scanning last failed to start or ended on its own,
// if it did. A successful start clears it.
func (a *Aggregator) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Close stops scanning and the name resolver.
func (a *Aggregator) Close() {
	a.StopScan()
	if a.resolver != nil {
		a.resolver.Stop()
	}
}

func (a *Aggregator) handle(obs Observation) {
	rec := a.store.Upsert(obs, a.now())
	if rec.Name == "" && a.resolver != nil {
		a.resolver.RequestResolve(rec.Address)
	}

	a.cbMu.RLock()
	fns := make([]func(DeviceRecord), 0, len(a.callbacks))
	for _, fn := range a.callbacks {
		fns = append(fns, fn)
	}
	a.cbMu.RUnlock()

	for _, fn := range fns {
		fn(rec)
	}
}

func (a *Aggregator) evictLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(config.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := a.store.Evict(config.DeviceTimeout, a.now()); n > 0 {
				a.log.Debug().Int("evicted", n).Msg("evicted stale devices")
			}
		}
	}
}
