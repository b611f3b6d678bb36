package virtio

import (
	"context"
	"io"
	"sync"

	"github.com/apritzel/kvmtool/internal/debug"
	"github.com/apritzel/kvmtool/internal/threadpool"
)

const consoleFeatureSize = 1 << 0

// Console is a single-port virtio-console: TX is drained as a threadpool
// job per spec §4.10 (keyed on the device, so notifies arriving while a
// drain is queued or running fold into one more run; each run writes the
// pending chains' iovecs to out); RX is driven by the monitor's periodic timer calling Poll, which
// checks whether in has readable bytes and the RX ring has descriptors.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	in  io.Reader

	rxQueue, txQueue *Queue
	transport        *Transport
	pool             *threadpool.Pool

	readBuf [4096]byte
}

// NewConsole creates a console device writing guest TX output to out and
// sourcing RX input from in (typically the monitor's pty/stdio backend).
func NewConsole(mem GuestMemory, out io.Writer, in io.Reader, pool *threadpool.Pool) *Console {
	c := &Console{out: out, in: in, pool: pool}
	c.rxQueue = NewQueue(mem, 64)
	c.txQueue = NewQueue(mem, 64)
	return c
}

// Bind attaches the legacy transport; TX notifications enqueue a
// threadpool job, matching the spec's "TX drain is invoked as a threadpool
// job" contract.
func (c *Console) Bind(irqNum uint32, irqLine IRQLine) *Transport {
	c.transport = NewTransport(consoleFeatureSize, []*Queue{c.rxQueue, c.txQueue}, irqNum, irqLine, c, func(idx int) {
		if idx == queueIndexTX {
			c.pool.AddKeyedJob(c, func(_ context.Context) { c.drainTX() })
		}
	})
	return c.transport
}

// ReadConfig implements ConfigAccessor: cols=80, rows=24, max_nr_ports=1.
func (c *Console) ReadConfig(offset uint32, data []byte) {
	cfg := [6]byte{80, 0, 24, 0, 1, 0}
	for i := range data {
		if int(offset)+i < len(cfg) {
			data[i] = cfg[offset+uint32(i)]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements ConfigAccessor; console config is read-only.
func (c *Console) WriteConfig(offset uint32, data []byte) {}

func (c *Console) drainTX() {
	for {
		head, ok, err := c.txQueue.PopAvailable()
		if err != nil {
			debug.Writef("virtio-console.tx", "pop: %v", err)
			return
		}
		if !ok {
			return
		}
		bufs, err := c.txQueue.ReadChain(head)
		if err != nil {
			debug.Writef("virtio-console.tx", "read chain: %v", err)
			return
		}
		var n int
		for _, b := range bufs {
			if !b.IsWrite {
				written, err := c.out.Write(b.Data)
				n += written
				if err != nil {
					debug.Writef("virtio-console.tx", "write: %v", err)
				}
			}
		}
		shouldInterrupt, err := c.txQueue.PutUsed(head, uint32(n))
		if err != nil {
			debug.Writef("virtio-console.tx", "put used: %v", err)
			return
		}
		if shouldInterrupt {
			c.transport.RaiseQueueInterrupt()
		}
	}
}

// Poll is invoked from the monitor's periodic timer tick: if in has data
// ready and the RX ring has an available descriptor chain, one chain is
// filled and published.
func (c *Console) Poll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok, err := c.rxQueue.HasAvailable(); err != nil || !ok {
		return
	}
	n, err := c.in.Read(c.readBuf[:])
	if n == 0 {
		return
	}
	if err != nil && err != io.EOF {
		debug.Writef("virtio-console.rx", "read: %v", err)
	}

	head, ok, err := c.rxQueue.PopAvailable()
	if err != nil {
		debug.Writef("virtio-console.rx", "pop: %v", err)
		return
	}
	if !ok {
		return
	}

	bufs, err := c.rxQueue.ReadChain(head)
	if err != nil {
		debug.Writef("virtio-console.rx", "read chain: %v", err)
		return
	}
	_, in := SplitChain(bufs)
	written := 0
	remaining := c.readBuf[:n]
	for _, b := range in {
		cp := copy(b.Data, remaining)
		written += cp
		remaining = remaining[cp:]
		if len(remaining) == 0 {
			break
		}
	}

	shouldInterrupt, err := c.rxQueue.PutUsed(head, uint32(written))
	if err != nil {
		debug.Writef("virtio-console.rx", "put used: %v", err)
		return
	}
	if shouldInterrupt {
		c.transport.RaiseQueueInterrupt()
	}
}
