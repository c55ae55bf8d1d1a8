package bluetooth

import (
	"fmt"
	"time"
)

// AddressType distinguishes public from random device addresses.
type AddressType int

const (
	AddressPublic AddressType = iota
	AddressRandom
)

func (at AddressType) String() string {
	if at == AddressRandom {
		return "random"
	}
	return "public"
}

// Observation is a single advertisement report from a scan source.
type Observation struct {
	Address          string
	AddressType      AddressType
	Name             string
	RSSI             int16
	ManufacturerID   uint16
	ManufacturerData []byte
	HasManufacturer  bool
}

// DeviceRecord is an aggregated view of one advertiser, as returned by
// the scanner. Records are copies; mutating one does not affect the store.
type DeviceRecord struct {
	DeviceID             string // "<ADDRESS>:<public|random>"
	Address              string
	AddressType          AddressType
	Name                 string
	RSSI                 *int // nil until an RSSI sample has been seen
	DeviceKey            string
	FingerprintID        string
	FingerprintStability float64
	Manufacturer         string
	FirstSeen            time.Time
	LastSeen             time.Time
	SeenCount            int
}

// DisplayName returns the device name or "[unnamed]" if empty.
func (d DeviceRecord) DisplayName() string {
	if d.Name == "" {
		return "[unnamed]"
	}
	return d.Name
}

// RSSIValue returns the current RSSI and whether one is known.
func (d DeviceRecord) RSSIValue() (int, bool) {
	if d.RSSI == nil {
		return 0, false
	}
	return *d.RSSI, true
}

// DeviceID builds the scanner device identifier for an address.
func DeviceID(address string, at AddressType) string {
	return fmt.Sprintf("%s:%s", address, at)
}
