package virtio

import (
	"encoding/binary"
	"testing"
	"time"
)

type loopbackBackend struct {
	tx     chan []byte
	rx     chan []byte
	closed chan struct{}
}

func newLoopbackBackend() *loopbackBackend {
	return &loopbackBackend{tx: make(chan []byte, 4), rx: make(chan []byte, 4), closed: make(chan struct{})}
}

func (l *loopbackBackend) Tx(frame []byte) error {
	cp := append([]byte{}, frame...)
	l.tx <- cp
	return nil
}

func (l *loopbackBackend) Rx() ([]byte, error) {
	select {
	case f := <-l.rx:
		return f, nil
	case <-l.closed:
		return nil, errOOB
	}
}

func (l *loopbackBackend) Close() error {
	close(l.closed)
	return nil
}

func TestNetTxDrains(t *testing.T) {
	mem := newFakeMem(1 << 16)
	backend := newLoopbackBackend()
	n := NewNet(mem, [6]byte{2, 0, 0, 0, 0, 1}, backend)
	tr := n.Bind(6, &fakeIRQ{})
	defer n.Close()

	if err := n.txQueue.SetPFN(1); err != nil {
		t.Fatal(err)
	}

	const hdrAddr, payloadAddr = 0x4000, 0x5000
	copy(mem.buf[payloadAddr:], []byte("hello"))
	writeDescriptor(mem, n.txQueue, 0, hdrAddr, netHeaderLen, descFNext, 1)
	writeDescriptor(mem, n.txQueue, 1, payloadAddr, 5, 0, 0)
	binary.LittleEndian.PutUint16(mem.buf[n.txQueue.availAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem.buf[n.txQueue.availAddr+2:], 1)

	tr.WritePort(regQueueSel, le16(queueIndexTX))
	tr.WritePort(regQueueNotify, le16(queueIndexTX))

	select {
	case frame := <-backend.tx:
		if string(frame) != "hello" {
			t.Errorf("frame = %q, want %q", frame, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tx frame")
	}
}

func le16(v int) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	return b[:]
}
