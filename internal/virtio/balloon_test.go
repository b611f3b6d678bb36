package virtio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/apritzel/kvmtool/internal/threadpool"
)

func TestBalloonConfigRoundTrip(t *testing.T) {
	mem := newFakeMem(1 << 16)
	pool := threadpool.New(1)
	defer pool.Close()

	b := NewBalloon(mem, pool)

	var in [4]byte
	binary.LittleEndian.PutUint32(in[:], 4096)
	b.WriteConfig(0, in[:])

	var out [8]byte
	b.ReadConfig(0, out[:])
	if got := binary.LittleEndian.Uint32(out[0:4]); got != 4096 {
		t.Errorf("num_pages = %d, want 4096", got)
	}
	if got := binary.LittleEndian.Uint32(out[4:8]); got != 4096 {
		t.Errorf("actual = %d, want 4096 (nothing is ever actually reclaimed)", got)
	}
}

func TestBalloonDrainAcksWithoutReclaiming(t *testing.T) {
	mem := newFakeMem(1 << 16)
	pool := threadpool.New(1)
	defer pool.Close()

	b := NewBalloon(mem, pool)
	tr := b.Bind(7, &fakeIRQ{})

	if err := b.inflateQueue.SetPFN(1); err != nil {
		t.Fatal(err)
	}
	const addr = 0x4000
	writeDescriptor(mem, b.inflateQueue, 0, addr, 16, 0, 0)
	binary.LittleEndian.PutUint16(mem.buf[b.inflateQueue.availAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem.buf[b.inflateQueue.availAddr+2:], 1)

	tr.WritePort(regQueueSel, le16(balloonQueueIndexInflate))
	tr.WritePort(regQueueNotify, le16(balloonQueueIndexInflate))

	deadline := time.Now().Add(time.Second)
	for !b.inflateQueue.Failed {
		usedIdx, err := readUsedIdx(mem, b.inflateQueue)
		if err == nil && usedIdx == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for inflate request to be acked")
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("queue marked Failed")
}

func readUsedIdx(mem *fakeMem, q *Queue) (uint16, error) {
	buf, err := mem.HostPointer(q.usedAddr+2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}
