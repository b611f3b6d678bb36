package virtio

import (
	"context"
	"io"

	"github.com/apritzel/kvmtool/internal/debug"
	"github.com/apritzel/kvmtool/internal/threadpool"
)

// RNG is a single-queue virtio-rng device: each QUEUE_NOTIFY is drained as
// a threadpool job that fills the guest's requested buffers from source
// (normally /dev/urandom), matching how the console device posts its TX
// work rather than running it on the vCPU exit thread (the block device,
// by contrast, drains synchronously on the notifying goroutine).
type RNG struct {
	source io.Reader
	queue  *Queue
	pool   *threadpool.Pool

	transport *Transport
}

// NewRNG creates a virtio-rng device reading random bytes from source.
func NewRNG(mem GuestMemory, source io.Reader, pool *threadpool.Pool) *RNG {
	r := &RNG{source: source, pool: pool}
	r.queue = NewQueue(mem, 64)
	return r
}

// Bind attaches the legacy transport; virtio-rng has no host or config
// features.
func (r *RNG) Bind(irqNum uint32, irqLine IRQLine) *Transport {
	r.transport = NewTransport(0, []*Queue{r.queue}, irqNum, irqLine, nil, func(int) {
		r.pool.AddKeyedJob(r, func(_ context.Context) { r.drain() })
	})
	return r.transport
}

func (r *RNG) drain() {
	for {
		head, ok, err := r.queue.PopAvailable()
		if err != nil {
			debug.Writef("virtio-rng.drain", "pop: %v", err)
			return
		}
		if !ok {
			return
		}
		bufs, err := r.queue.ReadChain(head)
		if err != nil {
			debug.Writef("virtio-rng.drain", "read chain: %v", err)
			return
		}
		var written uint32
		for _, b := range bufs {
			if !b.IsWrite {
				continue
			}
			n, err := io.ReadFull(r.source, b.Data)
			written += uint32(n)
			if err != nil {
				debug.Writef("virtio-rng.drain", "read entropy: %v", err)
				break
			}
		}
		shouldInterrupt, err := r.queue.PutUsed(head, written)
		if err != nil {
			debug.Writef("virtio-rng.drain", "put used: %v", err)
			return
		}
		if shouldInterrupt {
			r.transport.RaiseQueueInterrupt()
		}
	}
}
