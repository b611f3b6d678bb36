package monitor

import (
	"io"
	"log/slog"

	"github.com/apritzel/kvmtool/internal/virtio"
)

// DiskSpec describes one --disk entry: either a block-image backend (a
// regular file, wired to virtio-blk) or a shared directory (wired to
// virtio-9p). cmd/kvmtool decides which by stat'ing the path; this package
// only wires whichever backend it is handed.
type DiskSpec struct {
	// Backend is set for a block image; nil for a shared directory.
	Backend virtio.BlockBackend
	// CapacitySectors is the backend's size in 512-byte sectors. Ignored
	// for a shared directory.
	CapacitySectors uint64
	ReadOnly        bool

	// Tag is the 9p mount tag; set (and Backend left nil) for a shared
	// directory entry.
	Tag string
}

// IsDir reports whether this entry is a shared directory (9p) rather than
// a block image.
func (d DiskSpec) IsDir() bool { return d.Backend == nil }

// NetworkSpec configures the single virtio-net device this monitor exposes.
type NetworkSpec struct {
	Backend virtio.NetBackend
	MAC     [6]byte
}

// ConsoleTransport selects which device carries the guest console.
type ConsoleTransport int

const (
	ConsoleSerial ConsoleTransport = iota
	ConsoleVirtio
)

// Config is everything New needs to bring a guest up: memory and CPU
// shape, the kernel/initrd/cmdline boot image, and the device set cut from
// the CLI flags. It owns no process-lifetime resources itself (no open
// files) other than what callers hand it as io.Reader/io.Writer values.
type Config struct {
	Name     string
	CPUCount int
	MemBytes uint64

	Kernel     io.ReaderAt
	KernelSize int64
	Initrd     io.ReaderAt
	InitrdSize int64
	Cmdline    string

	Disks     []DiskSpec
	Network   *NetworkSpec
	RNG       bool
	RNGSource io.Reader
	Balloon   bool

	ConsoleTransport ConsoleTransport
	ConsoleOut       io.Writer
	ConsoleIn        io.Reader

	// DebugOut receives bytes written to the legacy 0xE0 debug port.
	// Defaults to io.Discard.
	DebugOut io.Writer

	// TraceIO, when set, traces every port I/O dispatch through the
	// internal/debug sink (the --debug-ioport CLI flag).
	TraceIO bool

	Logger *slog.Logger
}
