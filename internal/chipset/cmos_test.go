package chipset

import (
	"testing"
	"time"

	"github.com/apritzel/kvmtool/internal/irq"
)

func newTestCMOS() *CMOS {
	c := NewCMOS(8, irq.NewAllocator(fakeLine{}))
	c.now = func() time.Time {
		return time.Date(2026, time.July, 31, 13, 45, 9, 0, time.UTC)
	}
	return c
}

func readReg(t *testing.T, c *CMOS, idx byte) byte {
	t.Helper()
	if err := c.WritePort(0, []byte{idx}); err != nil {
		t.Fatal(err)
	}
	var v [1]byte
	if err := c.ReadPort(1, v[:]); err != nil {
		t.Fatal(err)
	}
	return v[0]
}

func writeReg(t *testing.T, c *CMOS, idx, value byte) {
	t.Helper()
	if err := c.WritePort(0, []byte{idx}); err != nil {
		t.Fatal(err)
	}
	if err := c.WritePort(1, []byte{value}); err != nil {
		t.Fatal(err)
	}
}

func TestCMOSLiveClockIsBCDBy24HourDefault(t *testing.T) {
	c := newTestCMOS()

	if got := readReg(t, c, cmosRegHours); got != toBCD(13) {
		t.Errorf("hours = %#x, want BCD(13) = %#x", got, toBCD(13))
	}
	if got := readReg(t, c, cmosRegMinutes); got != toBCD(45) {
		t.Errorf("minutes = %#x, want BCD(45) = %#x", got, toBCD(45))
	}
	if got := readReg(t, c, cmosRegSeconds); got != toBCD(9) {
		t.Errorf("seconds = %#x, want BCD(9) = %#x", got, toBCD(9))
	}
	if got := readReg(t, c, cmosRegYear); got != toBCD(26) {
		t.Errorf("year = %#x, want BCD(26) = %#x", got, toBCD(26))
	}
	if got := readReg(t, c, cmosRegCentury); got != toBCD(20) {
		t.Errorf("century = %#x, want BCD(20) = %#x", got, toBCD(20))
	}
}

func TestCMOSGuestSetTimeOverridesClock(t *testing.T) {
	c := newTestCMOS()

	writeReg(t, c, cmosRegStatusB, statusB24HourMode|statusBSet|statusBBinaryMode)
	writeReg(t, c, cmosRegHours, 7)
	writeReg(t, c, cmosRegMinutes, 30)

	if got := readReg(t, c, cmosRegHours); got != 7 {
		t.Errorf("hours = %d, want 7 (guest-set, binary mode)", got)
	}
	if got := readReg(t, c, cmosRegMinutes); got != 30 {
		t.Errorf("minutes = %d, want 30", got)
	}
}

func TestCMOSUpdateTickRaisesAndClearsStatusC(t *testing.T) {
	c := newTestCMOS()
	writeReg(t, c, cmosRegStatusB, statusB24HourMode|statusBUpdateEnable)

	c.handleUpdateTick()

	statusC := readReg(t, c, cmosRegStatusC)
	if statusC&statusCIrqUpdate == 0 {
		t.Fatalf("status C = %#x, want update-irq bit set", statusC)
	}
	if statusC&statusCIrqFlag == 0 {
		t.Fatalf("status C = %#x, want irq flag set", statusC)
	}

	// Status C is clear-on-read.
	if got := readReg(t, c, cmosRegStatusC); got != 0 {
		t.Fatalf("status C second read = %#x, want 0 (clear-on-read)", got)
	}
}

func TestCMOSAddressPortMasksNMIBit(t *testing.T) {
	c := newTestCMOS()
	if err := c.WritePort(0, []byte{cmosRegSeconds | 0x80}); err != nil {
		t.Fatal(err)
	}
	var addr [1]byte
	if err := c.ReadPort(0, addr[:]); err != nil {
		t.Fatal(err)
	}
	if addr[0] != cmosRegSeconds {
		t.Fatalf("addr = %#x, want NMI bit masked off (%#x)", addr[0], cmosRegSeconds)
	}
	if !c.nmiMasked {
		t.Fatal("expected nmiMasked to be recorded")
	}
}
