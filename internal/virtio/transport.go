package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Legacy virtio-PCI register offsets (spec §4.5); config-specific bytes
// start at configOffset.
const (
	regHostFeatures = 0x00
	regGuestFeature = 0x04
	regQueuePFN     = 0x08
	regQueueNum     = 0x0c
	regQueueSel     = 0x0e
	regQueueNotify  = 0x10
	regStatus       = 0x12
	regISR          = 0x13
	configOffset    = 0x14
)

// Device status bits.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusFailed      = 128
)

// ISR bits, tracked independently per the split-ring contract (bit 0:
// vring interrupt, bit 1: configuration change), since naively clearing the
// whole byte on read would drop a concurrently-set bit.
const (
	isrQueue  = 1
	isrConfig = 2
)

// ConfigAccessor reads and writes a device's type-specific configuration
// blob (e.g. virtio-blk capacity, virtio-net MAC) living past configOffset.
type ConfigAccessor interface {
	ReadConfig(offset uint32, data []byte)
	WriteConfig(offset uint32, data []byte)
}

// IRQLine is the narrow capability Transport needs to raise the device's
// interrupt: internal/irq.Allocator satisfies it via Pulse.
type IRQLine interface {
	Pulse(irqNum uint32)
}

// QueueNotifyFunc is invoked on QUEUE_NOTIFY for the selected queue index,
// after the write has already updated the queue's PFN/size state; the
// device worker goroutine drains the ring.
type QueueNotifyFunc func(queueIndex int)

// Transport is the legacy virtio-PCI register block for one device
// function: feature negotiation, the per-queue selector/PFN protocol, and
// ISR bookkeeping, implementing pci.IOHandler.
type Transport struct {
	mu sync.Mutex

	hostFeatures  uint64
	guestFeatures uint64
	status        uint8
	isr           uint8

	queues   []*Queue
	queueSel int

	irqNum   uint32
	irqLine  IRQLine
	onNotify QueueNotifyFunc
	config   ConfigAccessor
}

// NewTransport builds the register block for a device exposing hostFeatures
// (the low 32 bits only; legacy virtio has no feature bit >= 32) and the
// given queues, indexed in the order the device type defines them (e.g.
// virtio-net: RX=0, TX=1).
func NewTransport(hostFeatures uint32, queues []*Queue, irqNum uint32, irqLine IRQLine, config ConfigAccessor, onNotify QueueNotifyFunc) *Transport {
	return &Transport{
		hostFeatures: uint64(hostFeatures),
		queues:       queues,
		irqNum:       irqNum,
		irqLine:      irqLine,
		config:       config,
		onNotify:     onNotify,
	}
}

// Status returns the current device status byte.
func (t *Transport) Status() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RaiseQueueInterrupt sets ISR bit 0 and pulses the IRQ line; called by a
// device worker after PutUsed reports shouldInterrupt.
func (t *Transport) RaiseQueueInterrupt() {
	t.mu.Lock()
	t.isr |= isrQueue
	t.mu.Unlock()
	if t.irqLine != nil {
		t.irqLine.Pulse(t.irqNum)
	}
}

// RaiseConfigInterrupt sets ISR bit 1 (configuration change) independently
// of bit 0, per the spec's note that the two must not be conflated.
func (t *Transport) RaiseConfigInterrupt() {
	t.mu.Lock()
	t.isr |= isrConfig
	t.mu.Unlock()
	if t.irqLine != nil {
		t.irqLine.Pulse(t.irqNum)
	}
}

// ReadPort implements pci.IOHandler.
func (t *Transport) ReadPort(offset uint16, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case offset == regHostFeatures && len(data) == 4:
		binary.LittleEndian.PutUint32(data, uint32(t.hostFeatures))
	case offset == regQueuePFN && len(data) == 4:
		binary.LittleEndian.PutUint32(data, t.selectedQueueLocked().PFN())
	case offset == regQueueNum && len(data) == 2:
		binary.LittleEndian.PutUint16(data, t.selectedQueueLocked().MaxSize)
	case offset == regStatus && len(data) == 1:
		data[0] = t.status
	case offset == regISR && len(data) == 1:
		// Clear-on-read, but only the bits actually being returned: a
		// fresh RaiseConfigInterrupt racing with this read must not be
		// silently dropped.
		data[0] = t.isr
		t.isr = 0
	case offset >= configOffset:
		if t.config != nil {
			t.config.ReadConfig(uint32(offset-configOffset), data)
		} else {
			for i := range data {
				data[i] = 0
			}
		}
	default:
		for i := range data {
			data[i] = 0xff
		}
	}
	return nil
}

// WritePort implements pci.IOHandler.
func (t *Transport) WritePort(offset uint16, data []byte) error {
	t.mu.Lock()

	switch {
	case offset == regGuestFeature && len(data) == 4:
		// Feature monotonicity: once DRIVER_OK is set, feature writes are
		// ignored rather than silently corrupting a running device.
		if t.status&StatusDriverOK == 0 {
			t.guestFeatures = uint64(binary.LittleEndian.Uint32(data))
		}
	case offset == regQueuePFN && len(data) == 4:
		pfn := binary.LittleEndian.Uint32(data)
		q := t.selectedQueueLocked()
		if err := q.SetPFN(pfn); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("virtio: bind queue %d: %w", t.queueSel, err)
		}
	case offset == regQueueSel && len(data) == 2:
		t.queueSel = int(binary.LittleEndian.Uint16(data))
	case offset == regQueueNotify && len(data) == 2:
		idx := int(binary.LittleEndian.Uint16(data))
		t.mu.Unlock()
		if idx >= 0 && idx < len(t.queues) && t.onNotify != nil {
			t.onNotify(idx)
		}
		return nil
	case offset == regStatus && len(data) == 1:
		t.status = data[0]
		if data[0]&StatusFailed != 0 || data[0] == 0 {
			for _, q := range t.queues {
				q.Reset()
			}
			t.guestFeatures = 0
		}
	case offset >= configOffset:
		if t.config != nil {
			t.config.WriteConfig(uint32(offset-configOffset), data)
		}
	}

	t.mu.Unlock()
	return nil
}

func (t *Transport) selectedQueueLocked() *Queue {
	if t.queueSel < 0 || t.queueSel >= len(t.queues) {
		return &Queue{}
	}
	return t.queues[t.queueSel]
}
