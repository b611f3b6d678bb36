package pci

import "testing"

type fakeIO struct {
	lastReadOff, lastWriteOff uint16
}

func (f *fakeIO) ReadPort(offset uint16, data []byte) error {
	f.lastReadOff = offset
	data[0] = 0x42
	return nil
}

func (f *fakeIO) WritePort(offset uint16, data []byte) error {
	f.lastWriteOff = offset
	return nil
}

func writeAddress(t *testing.T, b *Bus, addr uint32) {
	t.Helper()
	var buf [4]byte
	buf[0] = byte(addr)
	buf[1] = byte(addr >> 8)
	buf[2] = byte(addr >> 16)
	buf[3] = byte(addr >> 24)
	if err := b.WritePort(configAddressPort, buf[:]); err != nil {
		t.Fatalf("WritePort(CF8): %v", err)
	}
}

func TestConfigSpaceRoundTrip(t *testing.T) {
	b := NewBus(0xc000, 0xd000)
	b.AddHostBridge()
	io := &fakeIO{}
	loc, base, err := b.AddDevice(1, 0x1000, [3]byte{0x02, 0x00, 0x00}, 0x20, 11, io)
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if loc.Device != 1 {
		t.Fatalf("loc.Device = %d, want 1", loc.Device)
	}
	if base == 0 {
		t.Fatalf("expected nonzero BAR base")
	}

	addr := uint32(1)<<31 | uint32(loc.Bus)<<16 | uint32(loc.Device)<<11 | uint32(loc.Function)<<8
	writeAddress(t, b, addr)

	var vendor [2]byte
	if err := b.ReadPort(configDataPort, vendor[:]); err != nil {
		t.Fatalf("ReadPort(CFC): %v", err)
	}
	got := uint16(vendor[0]) | uint16(vendor[1])<<8
	if got != VendorID {
		t.Errorf("vendor ID = %#x, want %#x", got, VendorID)
	}
}

func TestIOBARDispatch(t *testing.T) {
	b := NewBus(0xc000, 0xd000)
	io := &fakeIO{}
	_, base, err := b.AddDevice(2, 0x1001, [3]byte{0x01, 0x80, 0x00}, 0x20, 10, io)
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	data := make([]byte, 1)
	if err := b.ReadPort(base+4, data); err != nil {
		t.Fatalf("ReadPort: %v", err)
	}
	if data[0] != 0x42 {
		t.Errorf("ReadPort returned %#x, want 0x42", data[0])
	}
	if io.lastReadOff != 4 {
		t.Errorf("handler saw offset %d, want 4 (BAR-relative)", io.lastReadOff)
	}
}

func TestDuplicateDeviceRejected(t *testing.T) {
	b := NewBus(0xc000, 0xd000)
	io := &fakeIO{}
	if _, _, err := b.AddDevice(3, 0x1000, [3]byte{0, 0, 0}, 0x20, 10, io); err != nil {
		t.Fatalf("first AddDevice: %v", err)
	}
	if _, _, err := b.AddDevice(3, 0x1001, [3]byte{0, 0, 0}, 0x20, 10, io); err == nil {
		t.Error("expected error registering device 3 twice")
	}
}
