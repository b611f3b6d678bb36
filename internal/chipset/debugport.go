package chipset

import (
	"io"
	"sync"
)

// DebugPort is a single write-only byte sink at 0xE0, the Bochs/QEMU-style
// "debugcon" convention: a guest's early boot code (firmware, or a kernel
// before its console driver is up) can emit diagnostic bytes here with a
// single OUT instruction, no handshake required. There is no teacher or pack
// analog for this device (see DESIGN.md); it's small enough that the
// stdlib-only io.Writer sink is the right shape regardless.
type DebugPort struct {
	mu  sync.Mutex
	out io.Writer
}

// NewDebugPort creates a debug port that appends every byte written to it
// onto out.
func NewDebugPort(out io.Writer) *DebugPort {
	return &DebugPort{out: out}
}

// IOPorts reports the single-byte port this device occupies.
func (d *DebugPort) IOPorts() (start, size uint16) { return 0xe0, 1 }

// ReadPort implements ioregs.PortHandler; reads are not meaningful for this
// device and return 0xFF, matching an unclaimed port.
func (d *DebugPort) ReadPort(offset uint16, data []byte) error {
	for i := range data {
		data[i] = 0xff
	}
	return nil
}

// WritePort implements ioregs.PortHandler.
func (d *DebugPort) WritePort(offset uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out != nil {
		d.out.Write(data)
	}
	return nil
}
