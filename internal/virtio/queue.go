// Package virtio implements the pieces shared by every paravirtual device:
// the split virtqueue descriptor-ring protocol and the legacy virtio-PCI
// transport (register layout, feature negotiation, queue setup). The device
// workers in this package (blk.go, net.go, console.go, rng.go, p9.go,
// balloon.go) build on top of Queue and Transport.
package virtio

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/apritzel/kvmtool/internal/vmerr"
)

// GuestMemory is the slice of guest memory a Queue needs: translate a
// guest-physical range to host bytes.
type GuestMemory interface {
	HostPointer(gpa, length uint64) ([]byte, error)
}

const (
	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4

	availFNoInterrupt = 1
	usedFNoNotify     = 1
)

// Descriptor is one decoded virtqueue descriptor-table entry.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Buffer is one segment of a descriptor chain, translated to host memory.
// Out buffers (driver-to-device) precede In buffers (device-to-driver) in a
// chain by convention; ReadChain keeps the descriptor order as found, and
// SplitChain separates the two kinds.
type Buffer struct {
	Data    []byte
	IsWrite bool // true: device writes into Data (descriptor had WRITE flag)
}

// Queue is a split-ring virtqueue bound to a fixed guest-physical layout.
// Enabled is set once the driver has selected and sized this queue;
// descriptor/avail/used addresses are set by SetPFN (legacy PFN-based
// binding), which also sets Enabled and Ready.
type Queue struct {
	mem GuestMemory

	Size    uint16
	MaxSize uint16

	descTableAddr uint64
	availAddr     uint64
	usedAddr      uint64

	Enabled bool
	Ready   bool
	Failed  bool

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewQueue creates an unbound queue of the given maximum size.
func NewQueue(mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{mem: mem, MaxSize: maxSize, Size: maxSize}
}

// Reset clears all negotiated state, as required when the driver writes
// FAILED to STATUS or disables the queue.
func (q *Queue) Reset() {
	q.Enabled = false
	q.Ready = false
	q.Failed = false
	q.descTableAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.Size = q.MaxSize
}

// SetSize validates and stores a driver-selected queue size.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d out of range (max %d)", size, q.MaxSize)
	}
	q.Size = size
	return nil
}

// pageSize is the legacy virtio-PCI queue alignment unit.
const pageSize = 0x1000

// SetPFN computes and stores descriptor/avail/used addresses from a
// guest-supplied page frame number, using the legacy layout: descriptor
// table at the page base, available ring immediately after, used ring
// aligned up to the next page boundary.
func (q *Queue) SetPFN(pfn uint32) error {
	if pfn == 0 {
		q.Reset()
		return nil
	}
	base := uint64(pfn) * pageSize
	descLen := uint64(q.Size) * descSize
	availLen := 6 + 2*uint64(q.Size) // flags+idx+ring+used_event
	availAddr := base + descLen
	usedAddr := alignUp(availAddr+availLen, pageSize)

	q.descTableAddr = base
	q.availAddr = availAddr
	q.usedAddr = usedAddr
	q.Enabled = true
	q.Ready = true
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// PFN returns the page frame number encoding the queue's current
// descriptor-table base, the inverse of SetPFN, for QUEUE_PFN reads.
func (q *Queue) PFN() uint32 {
	if !q.Ready {
		return 0
	}
	return uint32(q.descTableAddr / pageSize)
}

func (q *Queue) readDescriptor(idx uint16) (Descriptor, error) {
	buf, err := q.mem.HostPointer(q.descTableAddr+uint64(idx)*descSize, descSize)
	if err != nil {
		return Descriptor{}, fmt.Errorf("virtio: read descriptor %d: %w", idx, err)
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// availIdxPtr returns a pointer to the 4-byte word at the start of the
// avail ring, flags in its low half and idx in its high half (on a
// little-endian host). sync/atomic has no 16-bit operations, so idx is read
// through an atomic 32-bit load of that word for acquire ordering across
// the guest/host boundary.
func (q *Queue) availIdxPtr() (*uint32, error) {
	buf, err := q.mem.HostPointer(q.availAddr, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&buf[0])), nil
}

func (q *Queue) availRingEntry(i uint16) (uint16, error) {
	buf, err := q.mem.HostPointer(q.availAddr+4+uint64(i)*2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// HasAvailable reports whether the driver has made a new descriptor chain
// available since the last PopAvailable.
func (q *Queue) HasAvailable() (bool, error) {
	if !q.Ready {
		return false, nil
	}
	idxPtr, err := q.availIdxPtr()
	if err != nil {
		return false, err
	}
	idx := uint16(atomic.LoadUint32(idxPtr) >> 16)
	return idx != q.lastAvailIdx, nil
}

// PopAvailable returns the head descriptor index of the next available
// chain, per the split-ring contract: read avail->idx with an acquire
// fence, and if new, take avail->ring[last_seen % size].
func (q *Queue) PopAvailable() (head uint16, ok bool, err error) {
	if !q.Ready {
		return 0, false, nil
	}
	idxPtr, err := q.availIdxPtr()
	if err != nil {
		return 0, false, err
	}
	idx := uint16(atomic.LoadUint32(idxPtr) >> 16)
	if idx == q.lastAvailIdx {
		return 0, false, nil
	}
	head, err = q.availRingEntry(q.lastAvailIdx % q.Size)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// ReadChain walks the descriptor chain starting at head, translating every
// descriptor to host memory and classifying it as an out buffer
// (driver-to-device) or in buffer (device-to-guest). The walk is bounded by
// Size iterations; exceeding it is a guest protocol violation.
func (q *Queue) ReadChain(head uint16) ([]Buffer, error) {
	var bufs []Buffer
	idx := head
	for i := uint16(0); ; i++ {
		if i >= q.Size {
			q.Failed = true
			return nil, &vmerr.GuestViolationError{Where: "virtqueue descriptor chain exceeds queue size"}
		}
		d, err := q.readDescriptor(idx)
		if err != nil {
			return nil, err
		}
		data, err := q.mem.HostPointer(d.Addr, uint64(d.Length))
		if err != nil {
			q.Failed = true
			return nil, &vmerr.GuestViolationError{Where: fmt.Sprintf("descriptor %d addr/length out of bounds", idx)}
		}
		bufs = append(bufs, Buffer{Data: data, IsWrite: d.Flags&descFWrite != 0})
		if d.Flags&descFNext == 0 {
			break
		}
		idx = d.Next
	}
	return bufs, nil
}

// SplitChain separates bufs (as returned by ReadChain) into the driver's
// conventional out-then-in ordering: out buffers (read by the device)
// first, in buffers (written by the device) after.
func SplitChain(bufs []Buffer) (out, in []Buffer) {
	for _, b := range bufs {
		if b.IsWrite {
			in = append(in, b)
		} else {
			out = append(out, b)
		}
	}
	return out, in
}

// usedIdxPtr returns a pointer to the 4-byte flags+idx word at the start of
// the used ring, laid out as in availIdxPtr.
func (q *Queue) usedIdxPtr() (*uint32, error) {
	buf, err := q.mem.HostPointer(q.usedAddr, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&buf[0])), nil
}

// PutUsed publishes a completion: write used->ring[idx % size] = {head,
// length}, release-store it, then release-store the incremented used->idx.
// Returns whether the device should raise an interrupt (the driver did not
// set the NO_INTERRUPT avail flag).
func (q *Queue) PutUsed(head uint16, length uint32) (shouldInterrupt bool, err error) {
	slot := q.usedIdx % q.Size
	entryOff := q.usedAddr + 4 + uint64(slot)*8
	entry, err := q.mem.HostPointer(entryOff, 8)
	if err != nil {
		return false, err
	}
	binary.LittleEndian.PutUint32(entry[0:4], uint32(head))
	binary.LittleEndian.PutUint32(entry[4:8], length)

	idxPtr, err := q.usedIdxPtr()
	if err != nil {
		return false, err
	}
	q.usedIdx++
	// The device owns the used flags, so keeping the low half as read and
	// replacing idx in the high half loses no concurrent write.
	flagsWord := atomic.LoadUint32(idxPtr) & 0xffff
	atomic.StoreUint32(idxPtr, flagsWord|uint32(q.usedIdx)<<16)

	flagsBuf, err := q.mem.HostPointer(q.availAddr, 2)
	if err != nil {
		return true, nil
	}
	flags := binary.LittleEndian.Uint16(flagsBuf)
	return flags&availFNoInterrupt == 0, nil
}

