package bluetooth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	sink     func(Observation)
	done     func(error)
	startErr error
	starts   int
	stops    int
}

func (f *fakeSource) Start(sink func(Observation), done func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.sink = sink
	f.done = done
	return nil
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeSource) emit(obs Observation) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(obs)
}

// end reports that the running scan ended on its own.
func (f *fakeSource) end(err error) {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	done(err)
}

func (f *fakeSource) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func TestAggregatorCallbacks(t *testing.T) {
	src := &fakeSource{}
	a := NewAggregator(src, zerolog.Nop())
	require.True(t, a.StartScan(ScanModeAuto))
	defer a.Close()

	var got []DeviceRecord
	id := a.AddDeviceCallback(func(d DeviceRecord) { got = append(got, d) })
	assert.True(t, a.HasDeviceCallback(id))

	src.emit(Observation{Address: "AA:BB:CC:DD:EE:FF", RSSI: -55})
	require.Len(t, got, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got[0].Address)

	a.RemoveDeviceCallback(id)
	assert.False(t, a.HasDeviceCallback(id))
	src.emit(Observation{Address: "AA:BB:CC:DD:EE:FF", RSSI: -56})
	assert.Len(t, got, 1)
	assert.Equal(t, 1, a.DeviceCount())
	assert.Len(t, a.GetDevices(time.Minute), 1)
}

func TestAggregatorStartStop(t *testing.T) {
	src := &fakeSource{}
	a := NewAggregator(src, zerolog.Nop())

	assert.False(t, a.IsScanning())
	assert.True(t, a.StartScan(ScanModeBLE))
	assert.True(t, a.StartScan(ScanModeBLE), "already scanning")
	assert.Equal(t, 1, src.starts)
	assert.True(t, a.IsScanning())

	a.StopScan()
	a.StopScan()
	assert.Equal(t, 1, src.stops)
	assert.False(t, a.IsScanning())
}

func TestAggregatorStartFailure(t *testing.T) {
	src := &fakeSource{startErr: errors.New("adapter busy")}
	a := NewAggregator(src, zerolog.Nop())

	assert.False(t, a.StartScan(ScanModeAuto))
	assert.False(t, a.IsScanning())
	assert.EqualError(t, a.LastError(), "adapter busy")

	assert.False(t, NewAggregator(&fakeSource{}, zerolog.Nop()).StartScan("wifi"))
}

func TestAggregatorScanTimeout(t *testing.T) {
	src := &fakeSource{}
	a := NewAggregator(src, zerolog.Nop(), WithScanTimeout(20*time.Millisecond))
	require.True(t, a.StartScan(ScanModeAuto))

	assert.Eventually(t, func() bool { return !a.IsScanning() }, time.Second, 5*time.Millisecond)
}

func TestNameResolverFeedsStore(t *testing.T) {
	r := NewNameResolver()
	r.pause = 0
	r.lookup = func(ctx context.Context, addr string) string { return "Resolved " + addr[15:] }

	src := &fakeSource{}
	a := NewAggregator(src, zerolog.Nop(), WithNameResolver(r))
	require.True(t, a.StartScan(ScanModeAuto))
	defer a.Close()

	src.emit(Observation{Address: "AA:BB:CC:DD:EE:FF", RSSI: -55})

	assert.Eventually(t, func() bool {
		devs := a.GetDevices(0)
		return len(devs) == 1 && devs[0].Name == "Resolved FF"
	}, time.Second, 5*time.Millisecond)
	assert.True(t, r.IsResolved("AA:BB:CC:DD:EE:FF"))
}

func TestAggregatorSourceEndsScan(t *testing.T) {
	src := &fakeSource{}
	a := NewAggregator(src, zerolog.Nop())
	defer a.Close()
	require.True(t, a.StartScan(ScanModeAuto))

	lost := errors.New("adapter removed")
	src.end(lost)
	assert.False(t, a.IsScanning())
	assert.ErrorIs(t, a.LastError(), lost)
	assert.Equal(t, 0, src.stops, "source already ended the scan")

	require.True(t, a.StartScan(ScanModeAuto))
	assert.Equal(t, 2, src.startCount())
	assert.NoError(t, a.LastError())

	src.end(nil)
	assert.False(t, a.IsScanning())
	assert.ErrorIs(t, a.LastError(), ErrScanEnded)
}

func TestAggregatorIgnoresEndOfStoppedScan(t *testing.T) {
	src := &fakeSource{}
	a := NewAggregator(src, zerolog.Nop())
	defer a.Close()

	require.True(t, a.StartScan(ScanModeAuto))
	stale := src.done
	a.StopScan()
	require.True(t, a.StartScan(ScanModeAuto))

	stale(errors.New("late report from first scan"))
	assert.True(t, a.IsScanning())
	assert.NoError(t, a.LastError())
}

func TestAggregatorStaleTimeoutKeepsNewerScan(t *testing.T) {
	src := &fakeSource{}
	a := NewAggregator(src, zerolog.Nop(), WithScanTimeout(time.Hour))
	defer a.Close()

	require.True(t, a.StartScan(ScanModeAuto))
	a.mu.Lock()
	first := a.stopEv
	a.mu.Unlock()
	a.StopScan()
	require.True(t, a.StartScan(ScanModeAuto))

	a.expire(first)
	assert.True(t, a.IsScanning())
	assert.Equal(t, 1, src.stops)

	a.mu.Lock()
	current := a.stopEv
	a.mu.Unlock()
	a.expire(current)
	assert.False(t, a.IsScanning())
	assert.Equal(t, 2, src.stops)
}
