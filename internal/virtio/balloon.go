package virtio

import (
	"context"
	"encoding/binary"

	"github.com/apritzel/kvmtool/internal/debug"
	"github.com/apritzel/kvmtool/internal/threadpool"
)

const (
	balloonQueueIndexInflate = 0
	balloonQueueIndexDeflate = 1
)

// Balloon is a minimal virtio-balloon device: it advertises the expected
// two queues and a num_pages config field so a guest driver attaches
// successfully, and acknowledges every inflate/deflate request without
// actually reclaiming or restoring host memory behind the reported pages.
// Real page reclamation would need the host-side mmap/madvise bookkeeping
// this monitor's memory package doesn't do; see DESIGN.md for the scope
// cut.
type Balloon struct {
	inflateQueue, deflateQueue *Queue
	transport                  *Transport
	pool                       *threadpool.Pool

	numPages uint32
}

// NewBalloon creates a virtio-balloon device that starts with no pages
// requested.
func NewBalloon(mem GuestMemory, pool *threadpool.Pool) *Balloon {
	b := &Balloon{pool: pool}
	b.inflateQueue = NewQueue(mem, 128)
	b.deflateQueue = NewQueue(mem, 128)
	return b
}

// Bind attaches the legacy transport; both queues notify the same drain.
func (b *Balloon) Bind(irqNum uint32, irqLine IRQLine) *Transport {
	b.transport = NewTransport(0, []*Queue{b.inflateQueue, b.deflateQueue}, irqNum, irqLine, b, func(idx int) {
		b.pool.AddJob(func(_ context.Context) { b.drain(idx) })
	})
	return b.transport
}

// ReadConfig implements ConfigAccessor: num_pages and actual, both
// mirroring numPages since nothing is ever actually reclaimed.
func (b *Balloon) ReadConfig(offset uint32, data []byte) {
	var cfg [8]byte
	binary.LittleEndian.PutUint32(cfg[0:4], b.numPages)
	binary.LittleEndian.PutUint32(cfg[4:8], b.numPages)
	for i := range data {
		if int(offset)+i < len(cfg) {
			data[i] = cfg[offset+uint32(i)]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements ConfigAccessor: the driver writes its target
// num_pages at offset 0.
func (b *Balloon) WriteConfig(offset uint32, data []byte) {
	if offset != 0 || len(data) < 4 {
		return
	}
	b.numPages = binary.LittleEndian.Uint32(data)
}

func (b *Balloon) drain(idx int) {
	q := b.inflateQueue
	if idx == balloonQueueIndexDeflate {
		q = b.deflateQueue
	}
	for {
		head, ok, err := q.PopAvailable()
		if err != nil {
			debug.Writef("virtio-balloon.drain", "pop: %v", err)
			return
		}
		if !ok {
			return
		}
		if _, err := q.ReadChain(head); err != nil {
			debug.Writef("virtio-balloon.drain", "read chain: %v", err)
			return
		}
		shouldInterrupt, err := q.PutUsed(head, 0)
		if err != nil {
			debug.Writef("virtio-balloon.drain", "put used: %v", err)
			return
		}
		if shouldInterrupt {
			b.transport.RaiseQueueInterrupt()
		}
	}
}
