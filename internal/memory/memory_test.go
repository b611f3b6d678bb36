package memory

import "testing"

func TestNoHoleBelowFourGiB(t *testing.T) {
	g, err := New(64 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	if len(g.Slots) != 1 {
		t.Fatalf("got %d slots, want 1", len(g.Slots))
	}
	if g.InHole(0) {
		t.Errorf("small RAM must not report a hole")
	}
}

func TestHoleAboveFourGiB(t *testing.T) {
	g, err := New(5 << 30) // 5 GiB
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	if len(g.Slots) != 2 {
		t.Fatalf("got %d slots, want 2", len(g.Slots))
	}
	if !g.InHole(HoleStart) {
		t.Errorf("HoleStart must be inside the hole")
	}
	if g.InHole(FourGiB) {
		t.Errorf("FourGiB must be outside the hole (start of high region)")
	}
}

func TestTranslateRoundTrip(t *testing.T) {
	g, err := New(16 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	want := []byte{1, 2, 3, 4}
	if _, err := g.WriteAt(want, 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := g.ReadAt(got, 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roundtrip mismatch at %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestHostPointerRejectsHole(t *testing.T) {
	g, err := New(5 << 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	if _, err := g.HostPointer(HoleStart, 16); err == nil {
		t.Errorf("expected error reading inside the hole")
	}
}

func TestHostPointerOutOfBounds(t *testing.T) {
	g, err := New(16 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	if _, err := g.HostPointer(1<<30, 16); err == nil {
		t.Errorf("expected error reading past RAM size")
	}
}
