package bluetooth

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/rpa"
)

// DeviceStore is a thread-safe store for discovered devices, keyed by
// device id.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*storedDevice
}

type storedDevice struct {
	rec    DeviceRecord
	rssi   int
	streak int
}

// NewDeviceStore creates a new empty DeviceStore.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{
		devices: make(map[string]*storedDevice),
	}
}

// Upsert adds or updates a device from an observation and returns a copy
// of the resulting record. RSSI is stored raw; smoothing belongs to the
// consumer.
func (s *DeviceStore) Upsert(obs Observation, now time.Time) DeviceRecord {
	addr := rpa.Normalize(obs.Address)
	id := DeviceID(addr, obs.AddressType)
	fp := fingerprint(obs)

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		d = &storedDevice{rec: DeviceRecord{
			DeviceID:    id,
			Address:     addr,
			AddressType: obs.AddressType,
			FirstSeen:   now,
		}}
		s.devices[id] = d
	}

	d.rssi = int(obs.RSSI)
	d.rec.RSSI = &d.rssi
	d.rec.LastSeen = now
	d.rec.SeenCount++
	if obs.Name != "" {
		d.rec.Name = obs.Name
	}
	if obs.HasManufacturer {
		d.rec.Manufacturer = LookupManufacturer(obs.ManufacturerID)
	}

	if fp != "" {
		if fp == d.rec.FingerprintID {
			d.streak++
		} else {
			d.rec.FingerprintID = fp
			d.streak = 1
		}
		d.rec.FingerprintStability = min(1.0, float64(d.streak)/config.FingerprintWarmup)
	}
	d.rec.DeviceKey = deviceKey(addr, obs.AddressType, d.rec.FingerprintID)

	return d.copy()
}

// SetName fills in a resolved name for an address that has none.
func (s *DeviceStore) SetName(address, name string) bool {
	addr := rpa.Normalize(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := false
	for _, d := range s.devices {
		if d.rec.Address == addr && d.rec.Name == "" {
			d.rec.Name = name
			updated = true
		}
	}
	return updated
}

// Evict removes devices not seen within the timeout duration.
// Returns the number of evicted devices.
func (s *DeviceStore) Evict(timeout time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-timeout)
	count := 0
	for id, d := range s.devices {
		if d.rec.LastSeen.Before(cutoff) {
			delete(s.devices, id)
			count++
		}
	}
	return count
}

// Devices returns copies of devices seen within maxAge, strongest RSSI
// first. A zero maxAge returns every device.
func (s *DeviceStore) Devices(maxAge time.Duration, now time.Time) []DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-maxAge)
	result := make([]DeviceRecord, 0, len(s.devices))
	for _, d := range s.devices {
		if maxAge > 0 && d.rec.LastSeen.Before(cutoff) {
			continue
		}
		result = append(result, d.copy())
	}

	sort.Slice(result, func(i, j int) bool {
		return rssiOrFloor(result[i]) > rssiOrFloor(result[j]) // Strongest first (less negative)
	})
	return result
}

// Count returns the total number of tracked devices.
func (s *DeviceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// copy must be called with the store lock held.
func (d *storedDevice) copy() DeviceRecord {
	rec := d.rec
	if d.rec.RSSI != nil {
		v := d.rssi
		rec.RSSI = &v
	}
	return rec
}

func rssiOrFloor(d DeviceRecord) int {
	if v, ok := d.RSSIValue(); ok {
		return v
	}
	return -1000
}

// fingerprintHeader is how many leading manufacturer payload bytes
// identify the advertisement type. Later bytes rotate with the address.
const fingerprintHeader = 2

// fingerprint hashes the company id and the manufacturer payload with its
// rotating bytes masked to zero, so the payload length and header survive
// address rotation. Advertisements without manufacturer data have none.
func fingerprint(obs Observation) string {
	if !obs.HasManufacturer {
		return ""
	}
	masked := make([]byte, 2+len(obs.ManufacturerData))
	binary.BigEndian.PutUint16(masked[0:2], obs.ManufacturerID)
	copy(masked[2:], obs.ManufacturerData[:min(fingerprintHeader, len(obs.ManufacturerData))])
	sum := sha256.Sum256(masked)
	return "fp-" + hex.EncodeToString(sum[:8])
}

// deviceKey returns an identifier that is stable for the device where
// possible: the address for public and static random addresses, the
// payload fingerprint for rotating private addresses.
func deviceKey(addr string, at AddressType, fp string) string {
	if at == AddressPublic {
		return "pub:" + addr
	}
	if isStaticRandom(addr) {
		return "static:" + addr
	}
	if fp != "" {
		return "fp:" + fp
	}
	return "rand:" + addr
}

func isStaticRandom(addr string) bool {
	if len(addr) < 2 {
		return false
	}
	var b [1]byte
	if _, err := hex.Decode(b[:], []byte(addr[:2])); err != nil {
		return false
	}
	return b[0]>>6 == 0b11
}
