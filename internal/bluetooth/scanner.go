package bluetooth

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/rpa"
	"tinygo.org/x/bluetooth"
)

// Source produces advertisement observations. Start must not block; it
// delivers observations to sink from its own goroutine until Stop. If the
// scan ends on its own, the source calls done once with the cause (nil for
// a clean end). done is never called for a scan ended by Stop, and never
// from inside Start.
type Source interface {
	Start(sink func(Observation), done func(error)) error
	Stop()
}

// scanAdapter is the part of *bluetooth.Adapter a BLESource drives.
type scanAdapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// BLESource handles Bluetooth Low Energy scanning through the host
// adapter.
type BLESource struct {
	adapter  scanAdapter
	convert  func(bluetooth.ScanResult) Observation
	stopWait time.Duration

	enableOnce sync.Once
	enableErr  error

	// current is the generation of the running scan, 0 when idle. Only the
	// goroutine whose generation is current may deliver or end the scan.
	current atomic.Uint64

	mu      sync.Mutex
	gen     uint64
	scanEnd chan struct{} // closed when the latest scan goroutine returns
}

// NewBLESource creates a scanner on the default adapter.
func NewBLESource() *BLESource {
	return newBLESource(bluetooth.DefaultAdapter)
}

func newBLESource(adapter scanAdapter) *BLESource {
	return &BLESource{
		adapter:  adapter,
		convert:  observationFromScan,
		stopWait: config.ScanStopWait,
	}
}

// Start begins BLE scanning in a goroutine. The adapter is enabled on the
// first call only. A previous scan goroutine still winding down after Stop
// is waited for first.
func (s *BLESource) Start(sink func(Observation), done func(error)) error {
	s.enableOnce.Do(func() {
		if err := s.adapter.Enable(); err != nil {
			s.enableErr = fmt.Errorf("failed to enable BLE adapter: %w (try running with sudo or setcap cap_net_admin+ep)", err)
		}
	})
	if s.enableErr != nil {
		return s.enableErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Load() != 0 {
		return nil
	}
	if s.scanEnd != nil {
		select {
		case <-s.scanEnd:
		case <-time.After(s.stopWait):
			return errors.New("previous BLE scan has not ended")
		}
	}

	s.gen++
	gen := s.gen
	end := make(chan struct{})
	s.scanEnd = end
	s.current.Store(gen)

	go func() {
		defer close(end)
		err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if s.current.Load() != gen {
				return
			}
			sink(s.convert(result))
		})
		if s.current.CompareAndSwap(gen, 0) && done != nil {
			done(err)
		}
	}()

	return nil
}

// Stop halts the BLE scanner and waits, bounded, for its goroutine.
func (s *BLESource) Stop() {
	s.mu.Lock()
	if s.current.Swap(0) == 0 {
		s.mu.Unlock()
		return
	}
	end := s.scanEnd
	s.mu.Unlock()

	_ = s.adapter.StopScan()
	select {
	case <-end:
	case <-time.After(s.stopWait):
	}
}

func observationFromScan(result bluetooth.ScanResult) Observation {
	addr := rpa.Normalize(result.Address.String())
	obs := Observation{
		Address:     addr,
		AddressType: inferAddressType(addr),
		Name:        result.LocalName(),
		RSSI:        result.RSSI,
	}

	if mfrs := result.ManufacturerData(); len(mfrs) > 0 {
		obs.HasManufacturer = true
		obs.ManufacturerID = mfrs[0].CompanyID
		obs.ManufacturerData = append([]byte(nil), mfrs[0].Data...)
	}
	return obs
}

// inferAddressType classifies an address from its marker bits. The host
// stack does not report the address type portably, so private (01) and
// static (11) shapes are treated as random and everything else as public.
func inferAddressType(addr string) AddressType {
	if rpa.IsResolvableAddress(addr) || isStaticRandom(addr) {
		return AddressRandom
	}
	return AddressPublic
}
