package bluetooth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDeviceStoreUpsertNormalizesAndCopies(t *testing.T) {
	s := NewDeviceStore()

	rec := s.Upsert(Observation{Address: "aa-bb-cc-dd-ee-ff", RSSI: -60, Name: "Tag"}, t0)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", rec.Address)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF:public", rec.DeviceID)
	assert.Equal(t, "pub:AA:BB:CC:DD:EE:FF", rec.DeviceKey)
	require.NotNil(t, rec.RSSI)
	assert.Equal(t, -60, *rec.RSSI)

	*rec.RSSI = 0
	rec2 := s.Upsert(Observation{Address: "AABBCCDDEEFF", RSSI: -70}, t0.Add(time.Second))
	assert.Equal(t, -70, *rec2.RSSI)
	assert.Equal(t, "Tag", rec2.Name, "empty name keeps previous")
	assert.Equal(t, 2, rec2.SeenCount)
	assert.Equal(t, 1, s.Count())
}

func TestDeviceStoreFingerprintStability(t *testing.T) {
	s := NewDeviceStore()
	obs := Observation{
		Address:          "52:34:56:11:22:33",
		AddressType:      AddressRandom,
		RSSI:             -70,
		HasManufacturer:  true,
		ManufacturerID:   0x004C,
		ManufacturerData: []byte{0x10, 0x05, 0x99},
	}

	var rec DeviceRecord
	for i := 0; i < 5; i++ {
		rec = s.Upsert(obs, t0)
	}
	assert.NotEmpty(t, rec.FingerprintID)
	assert.InDelta(t, 0.5, rec.FingerprintStability, 1e-9)
	assert.Equal(t, "fp:"+rec.FingerprintID, rec.DeviceKey)
	assert.Equal(t, "Apple", rec.Manufacturer)

	// Same payload header from a rotated address yields the same fingerprint.
	obs.Address = "61:00:00:44:55:66"
	obs.ManufacturerData = []byte{0x10, 0x05, 0x01}
	other := s.Upsert(obs, t0)
	assert.Equal(t, rec.FingerprintID, other.FingerprintID)
	assert.InDelta(t, 0.1, other.FingerprintStability, 1e-9)
}

func TestFingerprintMasksRotatingBytes(t *testing.T) {
	base := Observation{HasManufacturer: true, ManufacturerID: 0x004C, ManufacturerData: []byte{0x10, 0x05, 0x0B, 0x1C}}
	fp := fingerprint(base)
	require.NotEmpty(t, fp)

	rotated := base
	rotated.ManufacturerData = []byte{0x10, 0x05, 0xAA, 0xBB}
	rotated.Name = "Hiker's iPhone"
	assert.Equal(t, fp, fingerprint(rotated), "masked bytes and the name do not count")

	longer := base
	longer.ManufacturerData = []byte{0x10, 0x05, 0x0B, 0x1C, 0x00}
	assert.NotEqual(t, fp, fingerprint(longer), "payload length counts")

	otherType := base
	otherType.ManufacturerData = []byte{0x12, 0x05, 0x0B, 0x1C}
	assert.NotEqual(t, fp, fingerprint(otherType))

	otherCompany := base
	otherCompany.ManufacturerID = 0x0075
	assert.NotEqual(t, fp, fingerprint(otherCompany))

	assert.Empty(t, fingerprint(Observation{Name: "Speaker"}))
}

func TestDeviceStoreStaticRandomKey(t *testing.T) {
	s := NewDeviceStore()
	rec := s.Upsert(Observation{Address: "C1:00:00:00:00:01", AddressType: AddressRandom, RSSI: -50}, t0)
	assert.Equal(t, "static:C1:00:00:00:00:01", rec.DeviceKey)

	rec = s.Upsert(Observation{Address: "01:00:00:00:00:01", AddressType: AddressRandom, RSSI: -50}, t0)
	assert.Equal(t, "rand:01:00:00:00:00:01", rec.DeviceKey)
}

func TestDeviceStoreDevicesWindowAndOrder(t *testing.T) {
	s := NewDeviceStore()
	s.Upsert(Observation{Address: "00:00:00:00:00:01", RSSI: -80}, t0)
	s.Upsert(Observation{Address: "00:00:00:00:00:02", RSSI: -40}, t0.Add(10*time.Second))
	s.Upsert(Observation{Address: "00:00:00:00:00:03", RSSI: -60}, t0.Add(20*time.Second))

	now := t0.Add(30 * time.Second)
	recent := s.Devices(15*time.Second, now)
	require.Len(t, recent, 1)
	assert.Equal(t, "00:00:00:00:00:03", recent[0].Address)

	all := s.Devices(0, now)
	require.Len(t, all, 3)
	assert.Equal(t, "00:00:00:00:00:02", all[0].Address)
	assert.Equal(t, "00:00:00:00:00:01", all[2].Address)
}

func TestDeviceStoreEvictAndSetName(t *testing.T) {
	s := NewDeviceStore()
	s.Upsert(Observation{Address: "00:00:00:00:00:01", RSSI: -80}, t0)
	s.Upsert(Observation{Address: "00:00:00:00:00:02", RSSI: -40}, t0.Add(time.Minute))

	assert.True(t, s.SetName("00:00:00:00:00:02", "Resolved"))
	assert.False(t, s.SetName("00:00:00:00:00:02", "Again"), "named devices are not overwritten")

	assert.Equal(t, 1, s.Evict(30*time.Second, t0.Add(time.Minute)))
	devs := s.Devices(0, t0.Add(time.Minute))
	require.Len(t, devs, 1)
	assert.Equal(t, "Resolved", devs[0].Name)
}

func TestManufacturerHelpers(t *testing.T) {
	assert.Equal(t, "Apple", LookupManufacturer(0x004C))
	assert.Equal(t, "0xFFFE", LookupManufacturer(0xFFFE))
	assert.True(t, ManufacturerMatches("apple, inc.", "Apple"))
	assert.False(t, ManufacturerMatches("", "Apple"))
	assert.False(t, ManufacturerMatches("Garmin", "Apple"))
}
