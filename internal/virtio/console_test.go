package virtio

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/apritzel/kvmtool/internal/threadpool"
)

func TestConsoleTXDrains(t *testing.T) {
	mem := newFakeMem(1 << 16)
	var out bytes.Buffer
	pool := threadpool.New(1)
	defer pool.Close()

	c := NewConsole(mem, &out, strings.NewReader(""), pool)
	tr := c.Bind(4, &fakeIRQ{})

	if err := c.txQueue.SetPFN(1); err != nil {
		t.Fatal(err)
	}
	const addr = 0x4000
	copy(mem.buf[addr:], []byte("hi there"))
	writeDescriptor(mem, c.txQueue, 0, addr, 8, 0, 0)
	binary.LittleEndian.PutUint16(mem.buf[c.txQueue.availAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem.buf[c.txQueue.availAddr+2:], 1)

	tr.WritePort(regQueueSel, le16(queueIndexTX))
	tr.WritePort(regQueueNotify, le16(queueIndexTX))

	deadline := time.Now().Add(time.Second)
	for out.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if out.String() != "hi there" {
		t.Errorf("out = %q, want %q", out.String(), "hi there")
	}
}

func TestConsolePollFillsRX(t *testing.T) {
	mem := newFakeMem(1 << 16)
	pool := threadpool.New(1)
	defer pool.Close()

	c := NewConsole(mem, &bytes.Buffer{}, strings.NewReader("abc"), pool)
	c.Bind(4, &fakeIRQ{})

	if err := c.rxQueue.SetPFN(2); err != nil {
		t.Fatal(err)
	}
	const addr = 0x6000
	writeDescriptor(mem, c.rxQueue, 0, addr, 16, descFWrite, 0)
	binary.LittleEndian.PutUint16(mem.buf[c.rxQueue.availAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem.buf[c.rxQueue.availAddr+2:], 1)

	c.Poll()

	if got := string(mem.buf[addr : addr+3]); got != "abc" {
		t.Errorf("rx data = %q, want %q", got, "abc")
	}
}
