package locate

import (
	"strings"
	"sync"

	"bt-locate.klederson.com/internal/bluetooth"
	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/rpa"
)

// Target describes the device to locate. Any combination of identifiers
// may be set; KnownName, KnownManufacturer and LastKnownRSSI are hand-off
// hints from a previous scan.
type Target struct {
	MACAddress        string `json:"mac_address,omitempty"`
	NamePattern       string `json:"name_pattern,omitempty"`
	IRKHex            string `json:"irk_hex,omitempty"`
	DeviceID          string `json:"device_id,omitempty"`
	DeviceKey         string `json:"device_key,omitempty"`
	FingerprintID     string `json:"fingerprint_id,omitempty"`
	KnownName         string `json:"known_name,omitempty"`
	KnownManufacturer string `json:"known_manufacturer,omitempty"`
	LastKnownRSSI     *int   `json:"last_known_rssi,omitempty"`

	irkMu    sync.Mutex
	irkHex   string
	irkBytes []byte
}

// HasIdentifier reports whether the target carries at least one
// identifier a session can search for. Hand-off hints do not count.
func (t *Target) HasIdentifier() bool {
	return t.MACAddress != "" || t.NamePattern != "" || t.IRKHex != "" ||
		t.DeviceID != "" || t.DeviceKey != "" || t.FingerprintID != ""
}

// IRK returns the parsed IRK, or nil when none is set or it is invalid.
// The result is cached until IRKHex changes.
func (t *Target) IRK() []byte {
	t.irkMu.Lock()
	defer t.irkMu.Unlock()

	if t.IRKHex == "" {
		return nil
	}
	if t.irkHex == t.IRKHex {
		return t.irkBytes
	}
	t.irkHex = t.IRKHex
	t.irkBytes = nil
	if b, err := rpa.ParseIRK(t.IRKHex); err == nil {
		t.irkBytes = b
	}
	return t.irkBytes
}

// hasStrongIdentifier gates fingerprint matches that have not stabilized.
func (t *Target) hasStrongIdentifier() bool {
	return t.DeviceID != "" || t.DeviceKey != "" || t.MACAddress != "" || t.KnownName != ""
}

// Matches reports whether the device is the target. Rules are tried in
// order, most specific identifier first; the first hit wins. irk may be
// nil, in which case the cached IRK is used.
func (t *Target) Matches(d bluetooth.DeviceRecord, irk []byte) bool {
	// Stable device key (survives MAC randomization for many devices)
	if t.DeviceKey != "" && d.DeviceKey == t.DeviceKey {
		return true
	}

	if t.DeviceID != "" && d.DeviceID == t.DeviceID {
		return true
	}

	// Device id address portion, without the :address_type suffix
	if t.DeviceID != "" {
		if i := strings.LastIndexByte(t.DeviceID, ':'); i > 0 {
			if strings.EqualFold(t.DeviceID[:i], d.Address) {
				return true
			}
		}
	}

	if t.MACAddress != "" {
		dev, want := rpa.Normalize(d.Address), rpa.Normalize(t.MACAddress)
		if dev != "" && want != "" && dev == want {
			return true
		}
	}

	// Payload fingerprint. An explicit hand-off may match before the
	// fingerprint has warmed up.
	if t.FingerprintID != "" && d.FingerprintID == t.FingerprintID {
		if d.FingerprintStability >= config.FingerprintStability || t.hasStrongIdentifier() {
			return true
		}
	}

	if t.IRKHex != "" && d.Address != "" && rpa.IsResolvableAddress(d.Address) {
		if irk == nil {
			irk = t.IRK()
		}
		if irk != nil && rpa.Resolve(irk, d.Address) {
			return true
		}
	}

	if t.NamePattern != "" && d.Name != "" &&
		strings.Contains(strings.ToLower(d.Name), strings.ToLower(t.NamePattern)) {
		return true
	}

	// Hand-off name: exact or loose match for truncated/decorated names
	if t.KnownName != "" && d.Name != "" {
		want := strings.ToLower(strings.TrimSpace(t.KnownName))
		got := strings.ToLower(strings.TrimSpace(d.Name))
		if want != "" && (want == got || strings.Contains(got, want) || (got != "" && strings.Contains(want, got))) {
			return true
		}
	}

	return false
}

// Clone returns a copy of the target's identifiers without the IRK cache.
func (t *Target) Clone() *Target {
	c := &Target{
		MACAddress:        t.MACAddress,
		NamePattern:       t.NamePattern,
		IRKHex:            t.IRKHex,
		DeviceID:          t.DeviceID,
		DeviceKey:         t.DeviceKey,
		FingerprintID:     t.FingerprintID,
		KnownName:         t.KnownName,
		KnownManufacturer: t.KnownManufacturer,
	}
	if t.LastKnownRSSI != nil {
		v := *t.LastKnownRSSI
		c.LastKnownRSSI = &v
	}
	return c
}

// Label is a short human-readable name for the target, taken from the
// first identifier that reads well on screen.
func (t *Target) Label() string {
	switch {
	case t.KnownName != "":
		return t.KnownName
	case t.NamePattern != "":
		return "~" + t.NamePattern
	case t.MACAddress != "":
		return rpa.Normalize(t.MACAddress)
	case t.DeviceID != "":
		return t.DeviceID
	case t.IRKHex != "":
		return "IRK " + strings.ToLower(t.IRKHex[:min(8, len(t.IRKHex))]) + "..."
	case t.DeviceKey != "":
		return "key " + t.DeviceKey
	case t.FingerprintID != "":
		return "fp " + t.FingerprintID
	}
	return "?"
}
