package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/apritzel/kvmtool/internal/debug"
)

// Request types and status codes (spec §4.6), grounded on the teacher's
// virtio-blk worker.
const (
	BlkTypeIn    = 0
	BlkTypeOut   = 1
	BlkTypeFlush = 4
	BlkTypeGetID = 8

	BlkStatusOK     = 0
	BlkStatusIOErr  = 1
	BlkStatusUnsupp = 2
)

const (
	blkFeatureFlush = 1 << 9
	blkSectorSize   = 512
)

// BlockBackend is the file-like storage a Blk device reads and writes;
// *os.File satisfies it.
type BlockBackend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Blk is a single-queue virtio-blk device: it drains QUEUE_NOTIFY
// synchronously on the calling (vCPU exit) goroutine, since block I/O
// completions are expected to be fast relative to a guest's retry budget,
// unlike net/console which need dedicated threads.
type Blk struct {
	mu       sync.Mutex
	backend  BlockBackend
	readOnly bool
	capacity uint64 // sectors

	queue     *Queue
	transport *Transport
}

// NewBlk creates a virtio-blk device backed by backend, sized to capacity
// 512-byte sectors.
func NewBlk(mem GuestMemory, backend BlockBackend, readOnly bool, capacitySectors uint64) *Blk {
	b := &Blk{backend: backend, readOnly: readOnly, capacity: capacitySectors}
	b.queue = NewQueue(mem, 256)
	return b
}

// Bind attaches the legacy transport built around this device's single
// queue; call once before the device is exposed to the guest.
func (b *Blk) Bind(irqNum uint32, irqLine IRQLine) *Transport {
	features := uint32(blkFeatureFlush)
	b.transport = NewTransport(features, []*Queue{b.queue}, irqNum, irqLine, b, func(int) { b.drain() })
	return b.transport
}

// ReadConfig implements ConfigAccessor: the only config field is the
// 8-byte little-endian sector capacity.
func (b *Blk) ReadConfig(offset uint32, data []byte) {
	b.mu.Lock()
	capacity := b.capacity
	b.mu.Unlock()

	var cfg [8]byte
	binary.LittleEndian.PutUint64(cfg[:], capacity)
	for i := range data {
		if int(offset)+i < len(cfg) {
			data[i] = cfg[offset+uint32(i)]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements ConfigAccessor; virtio-blk's config is read-only.
func (b *Blk) WriteConfig(offset uint32, data []byte) {}

// drain services every available descriptor chain on the queue, per the
// spec's "on QUEUE_NOTIFY, drain all available descriptors" contract.
func (b *Blk) drain() {
	for {
		head, ok, err := b.queue.PopAvailable()
		if err != nil {
			debug.Writef("virtio-blk.drain", "pop: %v", err)
			return
		}
		if !ok {
			return
		}
		if err := b.handle(head); err != nil {
			debug.Writef("virtio-blk.drain", "handle chain %d: %v", head, err)
			return
		}
	}
}

func (b *Blk) handle(head uint16) error {
	bufs, err := b.queue.ReadChain(head)
	if err != nil {
		return err
	}
	if len(bufs) < 2 {
		return fmt.Errorf("virtio-blk: chain too short: %d segments", len(bufs))
	}

	hdrBuf := bufs[0]
	status := bufs[len(bufs)-1]
	data := bufs[1 : len(bufs)-1]

	if hdrBuf.IsWrite || len(hdrBuf.Data) < 16 {
		return fmt.Errorf("virtio-blk: malformed request header")
	}
	if len(status.Data) < 1 || !status.IsWrite {
		return fmt.Errorf("virtio-blk: malformed status descriptor")
	}

	reqType := binary.LittleEndian.Uint32(hdrBuf.Data[0:4])
	sector := binary.LittleEndian.Uint64(hdrBuf.Data[8:16])

	st, n := b.execute(reqType, sector, data)
	status.Data[0] = st

	shouldInterrupt, err := b.queue.PutUsed(head, n)
	if err != nil {
		return err
	}
	if shouldInterrupt && b.transport != nil {
		b.transport.RaiseQueueInterrupt()
	}
	return nil
}

// execute performs reqType against data at sector and returns the request
// status plus the number of bytes transferred, which the caller reports as
// the used-ring length (spec §4.6: IN reports bytes read, OUT bytes
// written, FLUSH zero, GET_ID bytes copied), matching the original's
// virtio_blk_complete(req, block_cnt).
func (b *Blk) execute(reqType uint32, sector uint64, data []Buffer) (byte, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := int64(sector) * blkSectorSize

	switch reqType {
	case BlkTypeIn:
		var total uint32
		for _, d := range data {
			if !d.IsWrite {
				return BlkStatusIOErr, total
			}
			n, err := b.backend.ReadAt(d.Data, offset)
			total += uint32(n)
			if err != nil {
				debug.Writef("virtio-blk.read", "offset=%d len=%d err=%v", offset, len(d.Data), err)
				return BlkStatusIOErr, total
			}
			offset += int64(n)
		}
		return BlkStatusOK, total

	case BlkTypeOut:
		if b.readOnly {
			return BlkStatusIOErr, 0
		}
		var total uint32
		for _, d := range data {
			if d.IsWrite {
				return BlkStatusIOErr, total
			}
			n, err := b.backend.WriteAt(d.Data, offset)
			total += uint32(n)
			if err != nil {
				debug.Writef("virtio-blk.write", "offset=%d len=%d err=%v", offset, len(d.Data), err)
				return BlkStatusIOErr, total
			}
			offset += int64(n)
		}
		return BlkStatusOK, total

	case BlkTypeFlush:
		if err := b.backend.Sync(); err != nil {
			return BlkStatusIOErr, 0
		}
		return BlkStatusOK, 0

	case BlkTypeGetID:
		id := make([]byte, 20)
		copy(id, "kvmtool-blk")
		if len(data) > 0 && data[0].IsWrite {
			copy(data[0].Data, id)
			return BlkStatusOK, uint32(len(id))
		}
		return BlkStatusOK, 0

	default:
		return BlkStatusUnsupp, 0
	}
}
