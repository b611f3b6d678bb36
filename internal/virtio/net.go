package virtio

import (
	"sync"

	"github.com/apritzel/kvmtool/internal/debug"
)

const (
	netHeaderLen = 10 // virtio_net_hdr without the (unused, no MRG_RXBUF) num_buffers field

	netFeatureMAC = 1 << 5

	queueIndexRX = 0
	queueIndexTX = 1
)

// NetBackend is the packet source/sink a Net device drives: Tx sends one
// guest-originated frame out, Rx blocks until a frame destined for the
// guest is available (or ctx-like cancellation is signaled via Close).
type NetBackend interface {
	Tx(frame []byte) error
	Rx() (frame []byte, err error)
	Close() error
}

// Net is a virtio-net device with one RX and one TX virtqueue, each
// serviced by its own goroutine with a private mutex+condition variable,
// per the spec's explicit two-thread model (distinct from the teacher's
// single-goroutine event-driven EnqueueRxPacket design).
type Net struct {
	mac     [6]byte
	backend NetBackend

	rxQueue, txQueue *Queue
	transport        *Transport

	txMu    sync.Mutex
	txCond  *sync.Cond
	txWake  bool
	rxMu    sync.Mutex
	rxCond  *sync.Cond
	rxWake  bool
	closing bool
	wg      sync.WaitGroup
}

// NewNet creates a virtio-net device with the given MAC and backend.
func NewNet(mem GuestMemory, mac [6]byte, backend NetBackend) *Net {
	n := &Net{mac: mac, backend: backend}
	n.rxQueue = NewQueue(mem, 256)
	n.txQueue = NewQueue(mem, 256)
	n.txCond = sync.NewCond(&n.txMu)
	n.rxCond = sync.NewCond(&n.rxMu)
	return n
}

// Bind attaches the legacy transport and starts the RX/TX worker threads.
func (n *Net) Bind(irqNum uint32, irqLine IRQLine) *Transport {
	n.transport = NewTransport(netFeatureMAC, []*Queue{n.rxQueue, n.txQueue}, irqNum, irqLine, n, n.onNotify)
	n.wg.Add(2)
	go n.txLoop()
	go n.rxLoop()
	return n.transport
}

// Close stops both worker threads and the backend.
func (n *Net) Close() error {
	n.txMu.Lock()
	n.closing = true
	n.txWake = true
	n.txMu.Unlock()
	n.txCond.Signal()

	n.rxMu.Lock()
	n.rxWake = true
	n.rxMu.Unlock()
	n.rxCond.Signal()

	err := n.backend.Close()
	n.wg.Wait()
	return err
}

func (n *Net) onNotify(queueIndex int) {
	switch queueIndex {
	case queueIndexTX:
		n.txMu.Lock()
		n.txWake = true
		n.txMu.Unlock()
		n.txCond.Signal()
	case queueIndexRX:
		// The guest replenishing RX buffers wakes the RX thread in case it
		// was stalled waiting for descriptors, not just waiting on the
		// backend.
		n.rxMu.Lock()
		n.rxWake = true
		n.rxMu.Unlock()
		n.rxCond.Signal()
	}
}

// ReadConfig implements ConfigAccessor: 6-byte MAC address.
func (n *Net) ReadConfig(offset uint32, data []byte) {
	for i := range data {
		if int(offset)+i < len(n.mac) {
			data[i] = n.mac[offset+uint32(i)]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements ConfigAccessor; the MAC is host-assigned and
// read-only.
func (n *Net) WriteConfig(offset uint32, data []byte) {}

func (n *Net) txLoop() {
	defer n.wg.Done()
	for {
		n.txMu.Lock()
		for !n.txWake {
			n.txCond.Wait()
		}
		closing := n.closing
		n.txWake = false
		n.txMu.Unlock()
		if closing {
			return
		}
		n.drainTX()
	}
}

func (n *Net) drainTX() {
	for {
		head, ok, err := n.txQueue.PopAvailable()
		if err != nil {
			debug.Writef("virtio-net.tx", "pop: %v", err)
			return
		}
		if !ok {
			return
		}
		bufs, err := n.txQueue.ReadChain(head)
		if err != nil {
			debug.Writef("virtio-net.tx", "read chain: %v", err)
			return
		}
		out, _ := SplitChain(bufs)
		frame := joinSkippingHeader(out, netHeaderLen)
		if err := n.backend.Tx(frame); err != nil {
			debug.Writef("virtio-net.tx", "backend tx: %v", err)
		}
		shouldInterrupt, err := n.txQueue.PutUsed(head, 0)
		if err != nil {
			debug.Writef("virtio-net.tx", "put used: %v", err)
			return
		}
		if shouldInterrupt {
			n.transport.RaiseQueueInterrupt()
		}
	}
}

func (n *Net) rxLoop() {
	defer n.wg.Done()
	for {
		n.rxMu.Lock()
		closing := n.closing
		n.rxMu.Unlock()
		if closing {
			return
		}

		frame, err := n.backend.Rx()
		if err != nil {
			debug.Writef("virtio-net.rx", "backend rx: %v", err)
			return
		}
		n.publishRx(frame)
	}
}

func (n *Net) publishRx(frame []byte) {
	for {
		n.rxMu.Lock()
		closing := n.closing
		n.rxMu.Unlock()
		if closing {
			return
		}

		head, ok, err := n.rxQueue.PopAvailable()
		if err != nil {
			debug.Writef("virtio-net.rx", "pop: %v", err)
			return
		}
		if !ok {
			// No RX buffers posted yet; wait for the guest to replenish.
			n.rxMu.Lock()
			for !n.rxWake && !n.closing {
				n.rxCond.Wait()
			}
			n.rxWake = false
			n.rxMu.Unlock()
			continue
		}

		bufs, err := n.rxQueue.ReadChain(head)
		if err != nil {
			debug.Writef("virtio-net.rx", "read chain: %v", err)
			return
		}
		_, in := SplitChain(bufs)
		written := writeHeaderAndFrame(in, netHeaderLen, frame)

		shouldInterrupt, err := n.rxQueue.PutUsed(head, written)
		if err != nil {
			debug.Writef("virtio-net.rx", "put used: %v", err)
			return
		}
		if shouldInterrupt {
			n.transport.RaiseQueueInterrupt()
		}
		return
	}
}

// joinSkippingHeader concatenates out buffers, dropping the leading
// headerLen bytes of virtio_net_hdr from the first segment.
func joinSkippingHeader(out []Buffer, headerLen int) []byte {
	var frame []byte
	remaining := headerLen
	for _, b := range out {
		data := b.Data
		if remaining > 0 {
			if remaining >= len(data) {
				remaining -= len(data)
				continue
			}
			data = data[remaining:]
			remaining = 0
		}
		frame = append(frame, data...)
	}
	return frame
}

// writeHeaderAndFrame writes a zeroed virtio_net_hdr followed by frame into
// the in buffers, returning the total bytes written.
func writeHeaderAndFrame(in []Buffer, headerLen int, frame []byte) uint32 {
	var total uint32
	remaining := append([]byte{}, make([]byte, headerLen)...)
	remaining = append(remaining, frame...)
	for _, b := range in {
		n := copy(b.Data, remaining)
		remaining = remaining[n:]
		total += uint32(n)
		if len(remaining) == 0 {
			break
		}
	}
	return total
}
