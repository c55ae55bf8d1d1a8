package app

import (
	"strings"
	"sync"
	"testing"
	"time"

	"bt-locate.klederson.com/internal/bluetooth"
	"bt-locate.klederson.com/internal/locate"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	mu   sync.Mutex
	sink func(bluetooth.Observation)
}

func (s *stubSource) Start(sink func(bluetooth.Observation), _ func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	return nil
}

func (s *stubSource) Stop() {}

func (s *stubSource) emit(addr string, rssi int16) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	sink(bluetooth.Observation{Address: addr, AddressType: bluetooth.AddressPublic, Name: "SAR Tag", RSSI: rssi})
}

func newTestModel(t *testing.T) (AppModel, *stubSource, *locate.Registry) {
	t.Helper()
	src := &stubSource{}
	agg := bluetooth.NewAggregator(src, zerolog.Nop())
	t.Cleanup(agg.Close)
	reg := locate.NewRegistry(locate.Options{Scanner: agg, Log: zerolog.Nop(), PollInterval: time.Hour})
	t.Cleanup(func() { reg.StopSession() })

	_, err := reg.StartSession(locate.Config{
		Target:      &locate.Target{MACAddress: "aa:bb:cc:dd:ee:ff"},
		Environment: locate.Outdoor,
	})
	require.NoError(t, err)

	m := New(reg)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return m, src, reg
}

func update(t *testing.T, m AppModel, msg tea.Msg) (AppModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	am, ok := next.(AppModel)
	require.True(t, ok)
	return am, cmd
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestTickDrainsEvents(t *testing.T) {
	m, src, _ := newTestModel(t)

	src.emit("AA:BB:CC:DD:EE:FF", -60)
	src.emit("AA:BB:CC:DD:EE:FF", -70)
	src.emit("11:22:33:44:55:66", -40)

	m, cmd := update(t, m, TickMsg(time.Now()))
	assert.NotNil(t, cmd, "tick reschedules itself")
	require.Len(t, m.trail, 2)
	assert.Equal(t, 2, m.shared.history.Len())
	if diff := cmp.Diff([]float64{m.trail[0].RSSIEMA, m.trail[1].RSSIEMA}, m.shared.history.Values()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, m.status.DetectionCount)
	assert.True(t, m.status.Active)
}

func TestEnvironmentAndClearKeys(t *testing.T) {
	m, src, reg := newTestModel(t)
	src.emit("AA:BB:CC:DD:EE:FF", -60)
	m, _ = update(t, m, TickMsg(time.Now()))

	m, _ = update(t, m, key("3"))
	env, n := reg.Session().Environment()
	assert.Equal(t, locate.Indoor, env)
	assert.Equal(t, 3.0, n)
	assert.Contains(t, m.notice, "INDOOR")
	assert.Len(t, m.trail, 1, "switching environment keeps the trail")

	m, _ = update(t, m, key("c"))
	assert.Empty(t, m.trail)
	assert.Equal(t, 0, m.shared.history.Len())
	assert.Equal(t, "trail cleared", m.notice)
}

func TestQuitStopsSession(t *testing.T) {
	m, _, reg := newTestModel(t)

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)
	assert.Nil(t, reg.Session())
}

func TestViewRendersSession(t *testing.T) {
	m, src, _ := newTestModel(t)
	assert.Equal(t, "Initializing BT Locate...", m.View())

	src.emit("AA:BB:CC:DD:EE:FF", -60)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 30})
	m, _ = update(t, m, TickMsg(time.Now()))

	view := m.View()
	assert.Contains(t, view, "AA:BB:CC:DD:EE:FF")
	assert.Contains(t, view, "OUTDOOR")
	assert.Contains(t, view, "TRAIL [1 / 0 GPS]")
	assert.True(t, strings.Contains(view, "NEAR") || strings.Contains(view, "IMMEDIATE"))
}

func TestRSSIRing(t *testing.T) {
	r := NewRSSIRing(3)
	assert.Nil(t, r.Values())
	assert.Equal(t, 0.0, r.Last())

	for _, v := range []float64{-60, -61, -62, -63} {
		r.Push(v)
	}
	assert.Equal(t, []float64{-61, -62, -63}, r.Values())
	assert.Equal(t, -63.0, r.Last())
	assert.Equal(t, 3, r.Len())

	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Values())
}
