package bluetooth

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/rpa"
)

var demoDeviceTemplates = []struct {
	Name  string
	MfrID uint16
}{
	{"iPhone 15 Pro", 0x004C},
	{"Galaxy S24 Ultra", 0x0075},
	{"Pixel 9 Pro", 0x00E0},
	{"AirPods Pro", 0x004C},
	{"Apple Watch", 0x004C},
	{"Fitbit Charge 6", 0x03DA},
	{"Garmin inReach", 0x038F},
	{"Tile Tracker", 0x02FF},
	{"Ruuvi Tag", 0x0499},
	{"JBL Flip 6", 0x0131},
	{"Oura Ring", 0x0269},
	{"", 0x0006},
	{"", 0x0059},
	{"", 0x015D},
}

// DemoTargetMAC is the fixed public address of the demo "SAR Tag".
const DemoTargetMAC = "AA:BB:CC:DD:EE:FF"

type demoDevice struct {
	addr      string
	at        AddressType
	name      string
	mfrID     uint16
	mfrData   []byte
	baseRSSI  float64
	phase     float64
	amplitude float64
	active    bool
	irk       []byte // non-nil devices rotate resolvable private addresses
	rotated   time.Time
}

// DemoSource generates fake advertisements for demo mode: background
// devices, a public-address "SAR Tag", and a phone that rotates
// resolvable private addresses derived from config.DemoIRK.
type DemoSource struct {
	interval time.Duration

	mu      sync.Mutex
	devices []demoDevice
	cancel  context.CancelFunc
	t       float64
}

// NewDemoSource creates a demo source with random background devices.
func NewDemoSource() *DemoSource {
	total := config.DemoDeviceMin + rand.Intn(config.DemoDeviceMax-config.DemoDeviceMin+1)
	perm := rand.Perm(len(demoDeviceTemplates))

	devices := make([]demoDevice, 0, total+2)
	for i := 0; i < total && i < len(perm); i++ {
		tmpl := demoDeviceTemplates[perm[i]]
		addr := randomMAC()
		devices = append(devices, demoDevice{
			addr:      addr,
			at:        inferAddressType(addr),
			name:      tmpl.Name,
			mfrID:     tmpl.MfrID,
			mfrData:   []byte{byte(rand.Intn(0x20)), 0x05, byte(rand.Intn(256))},
			baseRSSI:  -55 - rand.Float64()*40, // -55 to -95 dBm
			phase:     rand.Float64() * 2 * math.Pi,
			amplitude: 3 + rand.Float64()*8, // 3-11 dBm fluctuation
			active:    true,
		})
	}

	irk, _ := rpa.ParseIRK(config.DemoIRK)
	devices = append(devices,
		demoDevice{
			addr: DemoTargetMAC, at: AddressPublic, name: "SAR Tag",
			mfrID: 0x0059, mfrData: []byte{0x01, 0x02},
			baseRSSI: -62, phase: 0, amplitude: 9, active: true,
		},
		demoDevice{
			at: AddressRandom, name: "Hiker's iPhone",
			mfrID: 0x004C, mfrData: []byte{0x10, 0x05, 0x0B},
			baseRSSI: -70, phase: math.Pi / 2, amplitude: 12, active: true,
			irk: irk,
		},
	)

	return &DemoSource{interval: 200 * time.Millisecond, devices: devices}
}

// Start begins emitting observations. A demo scan only ends through Stop,
// so done is never called.
func (s *DemoSource) Start(sink func(Observation), _ func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.loop(ctx, sink)
	return nil
}

func (s *DemoSource) loop(ctx context.Context, sink func(Observation)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, obs := range s.tick(now) {
				sink(obs)
			}
		}
	}
}

func (s *DemoSource) tick(now time.Time) []Observation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.t += s.interval.Seconds()
	out := make([]Observation, 0, len(s.devices))
	for i := range s.devices {
		d := &s.devices[i]

		if d.irk != nil && (d.addr == "" || now.Sub(d.rotated) >= config.DemoRPAPeriod) {
			prand := []byte{byte(rand.Intn(256)), byte(rand.Intn(256)), byte(rand.Intn(256))}
			if addr, err := rpa.Generate(d.irk, prand); err == nil {
				d.addr = addr
				d.rotated = now
			}
		}

		// Randomly toggle background device visibility (appear/disappear)
		if d.irk == nil && d.addr != DemoTargetMAC && rand.Float64() < 0.005 {
			d.active = !d.active
		}
		if !d.active {
			continue
		}

		// Sinusoidal RSSI fluctuation + noise
		rssi := d.baseRSSI + d.amplitude*math.Sin(s.t*0.2+d.phase) + (rand.Float64()-0.5)*4

		name := d.name
		// Some devices occasionally have empty names (realistic)
		if rand.Float64() < 0.05 {
			name = ""
		}

		out = append(out, Observation{
			Address:          d.addr,
			AddressType:      d.at,
			Name:             name,
			RSSI:             int16(rssi),
			ManufacturerID:   d.mfrID,
			ManufacturerData: d.mfrData,
			HasManufacturer:  true,
		})
	}
	return out
}

// Stop halts the demo source.
func (s *DemoSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func randomMAC() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}
