package chipset

import (
	"errors"
	"testing"
)

func TestI8042StatusReadsSystemFlag(t *testing.T) {
	c := NewI8042()
	var status [1]byte
	if err := c.ReadPort(i8042CommandPort-i8042DataPort, status[:]); err != nil {
		t.Fatal(err)
	}
	if status[0]&i8042StatusSystem == 0 {
		t.Fatalf("status = %#x, want system flag set", status[0])
	}
	if status[0]&i8042StatusOutputFull != 0 {
		t.Fatalf("status = %#x, want output-full clear initially", status[0])
	}
}

func TestI8042ReadCfgStagesOutputByte(t *testing.T) {
	c := NewI8042()
	if err := c.WritePort(i8042CommandPort-i8042DataPort, []byte{i8042CmdReadCfg}); err != nil {
		t.Fatal(err)
	}
	var status [1]byte
	if err := c.ReadPort(i8042CommandPort-i8042DataPort, status[:]); err != nil {
		t.Fatal(err)
	}
	if status[0]&i8042StatusOutputFull == 0 {
		t.Fatalf("status = %#x, want output-full set after READ_CFG", status[0])
	}

	var data [1]byte
	if err := c.ReadPort(0, data[:]); err != nil {
		t.Fatal(err)
	}
	if data[0] != 0x01 {
		t.Fatalf("output byte = %#x, want 0x01", data[0])
	}

	if err := c.ReadPort(i8042CommandPort-i8042DataPort, status[:]); err != nil {
		t.Fatal(err)
	}
	if status[0]&i8042StatusOutputFull != 0 {
		t.Fatalf("status = %#x, want output-full clear after data read", status[0])
	}
}

func TestI8042FastResetReturnsErrRequestedReboot(t *testing.T) {
	c := NewI8042()
	err := c.WritePort(i8042CommandPort-i8042DataPort, []byte{i8042CmdPulseReset})
	if !errors.Is(err, ErrRequestedReboot) {
		t.Fatalf("err = %v, want ErrRequestedReboot", err)
	}
}
