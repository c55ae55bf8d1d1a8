//go:build !linux

package bluetooth

// NewBLESourceOn creates a scanner on the default adapter. Adapter
// selection is only supported on Linux.
func NewBLESourceOn(id string) *BLESource {
	return NewBLESource()
}
