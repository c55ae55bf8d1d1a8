//go:build linux

package bluetooth

import "tinygo.org/x/bluetooth"

// NewBLESourceOn creates a scanner on the named BlueZ adapter (hci0,
// hci1, ...). An empty id selects the default adapter.
func NewBLESourceOn(id string) *BLESource {
	if id == "" {
		return NewBLESource()
	}
	return newBLESource(bluetooth.NewAdapter(id))
}
