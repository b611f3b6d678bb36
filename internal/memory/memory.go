// Package memory owns the host-backed mapping that represents guest
// physical RAM, including the 4 GiB hole reserved for MMIO once guest RAM
// crosses that boundary.
package memory

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

const (
	pageSize = 0x1000

	// FourGiB is the 32-bit address space boundary. When guest RAM would
	// cross it, a 512 MiB hole is reserved below it for MMIO.
	FourGiB = 1 << 32
	// HoleSize is the size of the reserved MMIO hole below 4 GiB.
	HoleSize = 512 << 20
	// HoleStart is the guest-physical start of the hole.
	HoleStart = FourGiB - HoleSize
)

// Slot describes one KVM_SET_USER_MEMORY_REGION registration: a contiguous
// guest-physical range backed by host memory starting at HostOffset bytes
// into the mapping returned by New.
type Slot struct {
	GuestPhysAddr uint64
	Size          uint64
	HostOffset    uint64
}

// GuestMemory is a contiguous host mmap representing guest-physical address
// space, optionally split around the sub-4GiB MMIO hole.
type GuestMemory struct {
	mem       []byte
	ramSize   uint64
	hasHole   bool
	holeStart uint64
	holeEnd   uint64
	Slots     []Slot
}

// New allocates a GuestMemory of ramSize bytes, reserving and protecting the
// 4 GiB MMIO hole when ramSize would otherwise span it.
func New(ramSize uint64) (*GuestMemory, error) {
	if ramSize == 0 {
		return nil, fmt.Errorf("memory: ram size must be non-zero")
	}

	if ramSize <= HoleStart {
		mem, err := mmapAnon(int(ramSize))
		if err != nil {
			return nil, fmt.Errorf("memory: mmap %d bytes: %w", ramSize, err)
		}
		return &GuestMemory{
			mem:     mem,
			ramSize: ramSize,
			Slots: []Slot{
				{GuestPhysAddr: 0, Size: ramSize, HostOffset: 0},
			},
		}, nil
	}

	total := ramSize + HoleSize
	mem, err := mmapAnon(int(total))
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d bytes: %w", total, err)
	}
	hole := mem[HoleStart : HoleStart+HoleSize]
	if err := unix.Mprotect(hole, unix.PROT_NONE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("memory: mprotect hole: %w", err)
	}

	g := &GuestMemory{
		mem:       mem,
		ramSize:   ramSize,
		hasHole:   true,
		holeStart: HoleStart,
		holeEnd:   FourGiB,
		Slots: []Slot{
			{GuestPhysAddr: 0, Size: HoleStart, HostOffset: 0},
			{GuestPhysAddr: FourGiB, Size: ramSize - HoleStart, HostOffset: FourGiB},
		},
	}
	return g, nil
}

func mmapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

// Close unmaps the underlying host memory.
func (g *GuestMemory) Close() error {
	if g.mem == nil {
		return nil
	}
	err := unix.Munmap(g.mem)
	g.mem = nil
	return err
}

// Size is the guest-visible RAM size (excluding the hole).
func (g *GuestMemory) Size() uint64 { return g.ramSize }

// InHole reports whether gpa falls inside the reserved, no-access hole.
func (g *GuestMemory) InHole(gpa uint64) bool {
	return g.hasHole && gpa >= g.holeStart && gpa < g.holeEnd
}

// HostPointer translates a guest-physical address to a byte slice of the
// host mapping beginning at that address, of at least length bytes.
// It fails if the range is outside RAM or overlaps the hole.
func (g *GuestMemory) HostPointer(gpa, length uint64) ([]byte, error) {
	if g.InHole(gpa) || (g.hasHole && gpa < g.holeStart && gpa+length > g.holeStart) {
		return nil, fmt.Errorf("memory: gpa %#x length %d overlaps the MMIO hole", gpa, length)
	}
	off, ok := g.hostOffset(gpa)
	if !ok {
		return nil, fmt.Errorf("memory: gpa %#x is outside guest RAM", gpa)
	}
	end := off + length
	if end > uint64(len(g.mem)) || end < off {
		return nil, fmt.Errorf("memory: gpa %#x length %d out of bounds", gpa, length)
	}
	return g.mem[off:end], nil
}

// hostOffset maps a guest-physical address (outside the hole) to an offset
// into the underlying mmap.
func (g *GuestMemory) hostOffset(gpa uint64) (uint64, bool) {
	if !g.hasHole {
		if gpa >= g.ramSize {
			return 0, false
		}
		return gpa, true
	}
	if gpa < g.holeStart {
		return gpa, true
	}
	if gpa >= g.holeEnd && gpa < g.holeEnd+(g.ramSize-g.holeStart) {
		return gpa, true
	}
	return 0, false
}

// ReadAt implements io.ReaderAt over the guest-physical address space.
func (g *GuestMemory) ReadAt(p []byte, gpa int64) (int, error) {
	buf, err := g.HostPointer(uint64(gpa), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	copy(p, buf)
	return len(p), nil
}

// WriteAt implements io.WriterAt over the guest-physical address space.
func (g *GuestMemory) WriteAt(p []byte, gpa int64) (int, error) {
	buf, err := g.HostPointer(uint64(gpa), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	copy(buf, p)
	return len(p), nil
}

var (
	_ io.ReaderAt = (*GuestMemory)(nil)
	_ io.WriterAt = (*GuestMemory)(nil)
)
