package virtio

import (
	"encoding/binary"
	"testing"
)

func TestQueueDescriptorChainAndUsed(t *testing.T) {
	mem := newFakeMem(1 << 16)
	const qSize = 4
	q := NewQueue(mem, qSize)
	if err := q.SetPFN(1); err != nil { // base = 0x1000
		t.Fatal(err)
	}

	// descriptor 0: out buffer at 0x4000, 16 bytes
	writeDescriptor(mem, q, 0, 0x4000, 16, descFNext, 1)
	// descriptor 1: in buffer at 0x5000, 8 bytes, writable, end of chain
	writeDescriptor(mem, q, 1, 0x5000, 8, descFWrite, 0)

	// avail ring: flags=0, idx=1, ring[0]=0
	binary.LittleEndian.PutUint16(mem.buf[q.availAddr:], 0)
	binary.LittleEndian.PutUint16(mem.buf[q.availAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem.buf[q.availAddr+2:], 1)

	head, ok, err := q.PopAvailable()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || head != 0 {
		t.Fatalf("PopAvailable = (%d, %v), want (0, true)", head, ok)
	}

	bufs, err := q.ReadChain(head)
	if err != nil {
		t.Fatal(err)
	}
	out, in := SplitChain(bufs)
	if len(out) != 1 || len(out[0].Data) != 16 {
		t.Fatalf("out = %+v", out)
	}
	if len(in) != 1 || len(in[0].Data) != 8 {
		t.Fatalf("in = %+v", in)
	}

	copy(in[0].Data, []byte{1, 2, 3, 4})
	shouldInterrupt, err := q.PutUsed(head, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !shouldInterrupt {
		t.Error("expected interrupt requested")
	}

	usedIdx := binary.LittleEndian.Uint16(mem.buf[q.usedAddr+2:])
	if usedIdx != 1 {
		t.Errorf("used->idx = %d, want 1", usedIdx)
	}
	usedHead := binary.LittleEndian.Uint32(mem.buf[q.usedAddr+4:])
	if usedHead != 0 {
		t.Errorf("used->ring[0].id = %d, want 0", usedHead)
	}
}

func TestQueueChainCycleDetected(t *testing.T) {
	mem := newFakeMem(1 << 16)
	const qSize = 4
	q := NewQueue(mem, qSize)
	if err := q.SetPFN(1); err != nil {
		t.Fatal(err)
	}

	// Build a cycle: descriptor 0 -> 1 -> 0 -> ... never terminates.
	writeDescriptor(mem, q, 0, 0x4000, 4, descFNext, 1)
	writeDescriptor(mem, q, 1, 0x4000, 4, descFNext, 0)

	if _, err := q.ReadChain(0); err == nil {
		t.Fatal("expected error on cyclic descriptor chain")
	}
	if !q.Failed {
		t.Error("expected queue marked Failed after chain violation")
	}
}

func writeDescriptor(mem *fakeMem, q *Queue, idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := q.descTableAddr + uint64(idx)*descSize
	binary.LittleEndian.PutUint64(mem.buf[off:], addr)
	binary.LittleEndian.PutUint32(mem.buf[off+8:], length)
	binary.LittleEndian.PutUint16(mem.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(mem.buf[off+14:], next)
}
