package bluetooth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

// fakeAdapter runs one blocking Scan per call. A stopped scan does not
// return until release is closed, like a host stack that is slow to wind
// down its discovery.
type fakeAdapter struct {
	mu        sync.Mutex
	enableErr error
	callbacks []func(*bluetooth.Adapter, bluetooth.ScanResult)
	stop      chan struct{}
	fail      chan error
	release   chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	release := make(chan struct{})
	close(release)
	return &fakeAdapter{release: release}
}

func (f *fakeAdapter) Enable() error { return f.enableErr }

func (f *fakeAdapter) Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	f.mu.Lock()
	f.callbacks = append(f.callbacks, callback)
	stop, fail, release := make(chan struct{}), make(chan error, 1), f.release
	f.stop, f.fail = stop, fail
	f.mu.Unlock()

	select {
	case <-stop:
		<-release
		return nil
	case err := <-fail:
		return err
	}
}

func (f *fakeAdapter) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
	return nil
}

func (f *fakeAdapter) scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callbacks)
}

// advertise delivers one result through the callback of scan n.
func (f *fakeAdapter) advertise(n int, rssi int16) {
	f.mu.Lock()
	cb := f.callbacks[n]
	f.mu.Unlock()
	cb(nil, bluetooth.ScanResult{RSSI: rssi})
}

func (f *fakeAdapter) failScan(err error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	fail <- err
}

type collector struct {
	mu   sync.Mutex
	rssi []int
	ends []error
}

func (c *collector) sink(obs Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rssi = append(c.rssi, int(obs.RSSI))
}

func (c *collector) done(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends = append(c.ends, err)
}

func (c *collector) snapshot() ([]int, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.rssi...), append([]error(nil), c.ends...)
}

func newTestBLESource(adapter *fakeAdapter, stopWait time.Duration) *BLESource {
	s := newBLESource(adapter)
	s.stopWait = stopWait
	s.convert = func(r bluetooth.ScanResult) Observation { return Observation{RSSI: r.RSSI} }
	return s
}

func TestBLESourceRestartAfterSlowStop(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.release = make(chan struct{})
	src := newTestBLESource(adapter, 30*time.Millisecond)
	c := &collector{}

	require.NoError(t, src.Start(c.sink, c.done))
	require.Eventually(t, func() bool { return adapter.scans() == 1 }, time.Second, time.Millisecond)
	adapter.advertise(0, -50)

	src.Stop()
	err := src.Start(c.sink, c.done)
	require.Error(t, err, "first scan has not returned yet")

	close(adapter.release)
	require.Eventually(t, func() bool { return src.Start(c.sink, c.done) == nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return adapter.scans() == 2 }, time.Second, time.Millisecond)

	adapter.advertise(1, -60)
	adapter.advertise(0, -99)

	rssi, ends := c.snapshot()
	assert.Equal(t, []int{-50, -60}, rssi, "new scan delivers, old scan is dropped")
	assert.Empty(t, ends, "a stopped scan does not report its end")

	src.Stop()
}

func TestBLESourceStopStartKeepsDelivering(t *testing.T) {
	adapter := newFakeAdapter()
	src := newTestBLESource(adapter, time.Second)
	c := &collector{}

	for i := range 3 {
		require.NoError(t, src.Start(c.sink, c.done))
		require.Eventually(t, func() bool { return adapter.scans() == i+1 }, time.Second, time.Millisecond)
		src.Stop()
	}
	require.NoError(t, src.Start(c.sink, c.done))
	require.Eventually(t, func() bool { return adapter.scans() == 4 }, time.Second, time.Millisecond)

	adapter.advertise(3, -42)
	rssi, ends := c.snapshot()
	assert.Equal(t, []int{-42}, rssi)
	assert.Empty(t, ends)
	src.Stop()
}

func TestBLESourceReportsScanEnd(t *testing.T) {
	adapter := newFakeAdapter()
	src := newTestBLESource(adapter, time.Second)
	c := &collector{}

	require.NoError(t, src.Start(c.sink, c.done))
	require.Eventually(t, func() bool { return adapter.scans() == 1 }, time.Second, time.Millisecond)

	lost := errors.New("adapter powered off")
	adapter.failScan(lost)
	require.Eventually(t, func() bool {
		_, ends := c.snapshot()
		return len(ends) == 1
	}, time.Second, time.Millisecond)
	_, ends := c.snapshot()
	assert.ErrorIs(t, ends[0], lost)

	adapter.advertise(0, -70)
	rssi, _ := c.snapshot()
	assert.Empty(t, rssi, "ended scan no longer delivers")

	src.Stop()
	require.NoError(t, src.Start(c.sink, c.done), "restart after the source ended")
	require.Eventually(t, func() bool { return adapter.scans() == 2 }, time.Second, time.Millisecond)
	src.Stop()
}

func TestBLESourceEnableFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.enableErr = errors.New("permission denied")
	src := newTestBLESource(adapter, time.Second)

	err := src.Start(func(Observation) {}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Zero(t, adapter.scans())
}
