package ioregs

import "testing"

type fakePort struct {
	reads, writes int
	last          byte
}

func (f *fakePort) ReadPort(offset uint16, data []byte) error {
	f.reads++
	data[0] = f.last
	return nil
}

func (f *fakePort) WritePort(offset uint16, data []byte) error {
	f.writes++
	f.last = data[0]
	return nil
}

func TestPortRegistryDispatch(t *testing.T) {
	r := NewPortRegistry(0xA000, 0xF300)
	h := &fakePort{}
	if _, err := r.Register(0x3F8, 8, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := []byte{0x42}
	ok, err := r.Dispatch(0x3F8, buf, true)
	if !ok || err != nil {
		t.Fatalf("Dispatch write: ok=%v err=%v", ok, err)
	}
	if h.writes != 1 {
		t.Errorf("writes = %d, want 1", h.writes)
	}

	ok, err = r.Dispatch(0x3FF, buf, false)
	if !ok || err != nil {
		t.Fatalf("Dispatch read: ok=%v err=%v", ok, err)
	}

	ok, _ = r.Dispatch(0x500, buf, false)
	if ok {
		t.Errorf("Dispatch at unregistered port should report not found")
	}
}

func TestPortRegistryOverlapRejected(t *testing.T) {
	r := NewPortRegistry(0xA000, 0xF300)
	if _, err := r.Register(0x3F8, 8, &fakePort{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(0x3FA, 4, &fakePort{}); err == nil {
		t.Errorf("expected AddressInUseError for overlapping range")
	}
}

func TestPortRegistryAutoAssign(t *testing.T) {
	r := NewPortRegistry(0xA000, 0xF300)
	base1, err := r.Register(AutoAssignPort, 0x20, &fakePort{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	base2, err := r.Register(AutoAssignPort, 0x20, &fakePort{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if base1 == base2 {
		t.Errorf("auto-assigned bases collided: %#x", base1)
	}
	if base1 < 0xA000 || base1 >= 0xF300 {
		t.Errorf("base1 %#x out of auto-assign window", base1)
	}
}

type fakeMMIO struct{ lastOffset uint64 }

func (f *fakeMMIO) ReadMMIO(offset uint64, data []byte) error  { f.lastOffset = offset; return nil }
func (f *fakeMMIO) WriteMMIO(offset uint64, data []byte) error { f.lastOffset = offset; return nil }

func TestMMIORegistryDispatch(t *testing.T) {
	r := NewMMIORegistry(0xD0000000, 0xE0000000)
	h := &fakeMMIO{}
	base, err := r.Register(AutoAssignMMIO, 0x1000, h)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok, err := r.Dispatch(base+0x10, make([]byte, 4), false)
	if !ok || err != nil {
		t.Fatalf("Dispatch: ok=%v err=%v", ok, err)
	}
	if h.lastOffset != 0x10 {
		t.Errorf("lastOffset = %#x, want 0x10", h.lastOffset)
	}

	ok, _ = r.Dispatch(base+0x2000, make([]byte, 4), false)
	if ok {
		t.Errorf("Dispatch outside range should report not found")
	}
}
