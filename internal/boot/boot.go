// Package boot loads a kernel image (bzImage or flat binary) and an
// optional initrd into guest memory, and returns the vCPU boot state the
// kernel expects. Offsets and magic values are the Linux/x86 boot protocol
// (Documentation/x86/boot.rst upstream); field names follow the teacher
// pack's amd64 boot-header parser, while the real-mode load layout follows
// the original kvmtool's load_bzimage/load_flat_binary.
package boot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apritzel/kvmtool/internal/kvm"
	"github.com/apritzel/kvmtool/internal/memory"
	"github.com/apritzel/kvmtool/internal/vmerr"
)

const (
	bzMagicOffset  = 0x202
	bzMagic        = "HdrS"
	setupSectsOff  = 0x1F1
	headerEndOff   = 0x201

	setupHeaderOffset = 0x1F1 // offset of setup_sects within the copied blob

	protocolVersionOff = 0x206
	typeOfLoaderOff    = 0x210
	loadFlagsOff       = 0x211
	code32StartOff     = 0x214
	ramdiskImageOff    = 0x218
	ramdiskSizeOff     = 0x21C
	heapEndPtrOff      = 0x224
	cmdLinePtrOff      = 0x228
	initrdAddrMaxOff   = 0x22C
	vidModeOff         = 0x1FA

	minProtocolVersion = 0x206

	loadflagCanUseHeap = 0x80

	// Guest-physical load addresses fixed by the boot contract.
	realModeAddr    = 0x10000
	protectedModeAddr = 0x100000
	cmdlineAddr     = 0x20000

	// Boot CS:IP/SP for a successful bzImage load.
	bzBootSelector = 0x1000
	bzBootIP       = 0x0200
	bootSP         = 0x8000

	// Boot CS:IP for the flat-binary fallback.
	flatBootSelector = 0x1000
	flatBootIP       = 0x0000

	oneMiB = 1 << 20
)

// Result describes where the boot loader placed the kernel and what vCPU
// state it expects at entry.
type Result struct {
	Boot       kvm.BootState
	InitrdAddr uint64
	InitrdSize uint64
}

// Load reads kernel (and, if non-nil, initrd) fully into memory, lays them
// out in mem per the Linux boot protocol, writes cmdline, and returns the
// resulting boot state. It falls back to flat-binary loading when kernel
// does not carry the bzImage "HdrS" signature.
func Load(mem *memory.GuestMemory, kernel io.ReaderAt, kernelSize int64, initrd io.ReaderAt, initrdSize int64, cmdline string) (*Result, error) {
	data, err := readAll(kernel, kernelSize)
	if err != nil {
		return nil, fmt.Errorf("boot: read kernel: %w", err)
	}

	if len(data) >= bzMagicOffset+4 && string(data[bzMagicOffset:bzMagicOffset+4]) == bzMagic {
		return loadBzImage(mem, data, initrd, initrdSize, cmdline)
	}
	return loadFlatBinary(mem, data)
}

func readAll(r io.ReaderAt, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func loadBzImage(mem *memory.GuestMemory, data []byte, initrd io.ReaderAt, initrdSize int64, cmdline string) (*Result, error) {
	if len(data) < headerEndOff+1 {
		return nil, &vmerr.UnsupportedKernelError{Reason: "image smaller than the real-mode header"}
	}

	version := binary.LittleEndian.Uint16(data[protocolVersionOff : protocolVersionOff+2])
	if version < minProtocolVersion {
		return nil, &vmerr.UnsupportedKernelError{Reason: fmt.Sprintf("boot protocol version %#x below minimum %#x", version, minProtocolVersion)}
	}

	setupSects := int(data[setupSectsOff])
	if setupSects == 0 {
		setupSects = 4
	}
	realModeSize := (setupSects + 1) * 512
	if realModeSize > len(data) {
		return nil, &vmerr.UnsupportedKernelError{Reason: "setup_sects extends past end of image"}
	}

	realMode := make([]byte, realModeSize)
	copy(realMode, data[:realModeSize])

	binary.LittleEndian.PutUint32(realMode[cmdLinePtrOff:], cmdlineAddr)
	realMode[typeOfLoaderOff] = 0xFF
	binary.LittleEndian.PutUint16(realMode[heapEndPtrOff:], 0xFE00)
	realMode[loadFlagsOff] |= loadflagCanUseHeap
	binary.LittleEndian.PutUint16(realMode[vidModeOff:], 0xFFFF) // VIDEO_TYPE_VESA-normal passthrough default

	if _, err := mem.WriteAt(realMode, realModeAddr); err != nil {
		return nil, fmt.Errorf("boot: write real-mode setup: %w", err)
	}

	protectedBody := data[realModeSize:]
	if _, err := mem.WriteAt(protectedBody, protectedModeAddr); err != nil {
		return nil, fmt.Errorf("boot: write protected-mode body: %w", err)
	}

	if err := writeCmdline(mem, cmdline); err != nil {
		return nil, err
	}

	res := &Result{Boot: kvm.BootState{CS: bzBootSelector, IP: bzBootIP, SP: bootSP}}

	if initrd != nil && initrdSize > 0 {
		initrdAddrMax := binary.LittleEndian.Uint32(realMode[initrdAddrMaxOff:])
		addr, err := placeInitrd(mem, initrd, initrdSize, uint64(initrdAddrMax), protectedModeAddr+uint64(len(protectedBody)))
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(realMode[ramdiskImageOff:], uint32(addr))
		binary.LittleEndian.PutUint32(realMode[ramdiskSizeOff:], uint32(initrdSize))
		if _, err := mem.WriteAt(realMode[ramdiskImageOff:ramdiskImageOff+8], realModeAddr+ramdiskImageOff); err != nil {
			return nil, fmt.Errorf("boot: patch initrd fields: %w", err)
		}
		res.InitrdAddr = addr
		res.InitrdSize = uint64(initrdSize)
	}

	return res, nil
}

// placeInitrd scans downward from initrdAddrMax & ~0xFFFFF in 1 MiB steps
// for a window that fits within RAM and lies above the kernel's load
// address, per the boot loader's placement contract.
func placeInitrd(mem *memory.GuestMemory, initrd io.ReaderAt, size int64, initrdAddrMax, kernelEnd uint64) (uint64, error) {
	data, err := readAll(initrd, size)
	if err != nil {
		return 0, fmt.Errorf("boot: read initrd: %w", err)
	}

	top := initrdAddrMax &^ (oneMiB - 1)
	ramSize := mem.Size()
	if top+oneMiB > ramSize {
		top = (ramSize - 1) &^ (oneMiB - 1)
	}

	for addr := top; ; addr -= oneMiB {
		if addr < kernelEnd {
			return 0, &vmerr.ResourceExhaustedError{What: "no initrd placement window above the kernel"}
		}
		start := addr - uint64(len(data))
		if start < kernelEnd {
			continue
		}
		if start+uint64(len(data)) > ramSize {
			continue
		}
		if _, err := mem.WriteAt(data, int64(start)); err != nil {
			continue
		}
		return start, nil
	}
}

func writeCmdline(mem *memory.GuestMemory, cmdline string) error {
	buf := append([]byte(cmdline), 0)
	_, err := mem.WriteAt(buf, cmdlineAddr)
	if err != nil {
		return fmt.Errorf("boot: write cmdline: %w", err)
	}
	return nil
}

func loadFlatBinary(mem *memory.GuestMemory, data []byte) (*Result, error) {
	addr := uint64(flatBootSelector) << 4
	if _, err := mem.WriteAt(data, int64(addr)); err != nil {
		return nil, fmt.Errorf("boot: write flat binary: %w", err)
	}
	return &Result{Boot: kvm.BootState{CS: flatBootSelector, IP: flatBootIP, SP: bootSP}}, nil
}

// ReadSetupArea reads back the real-mode setup area for round-trip tests.
func ReadSetupArea(mem *memory.GuestMemory, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := mem.ReadAt(buf, realModeAddr); err != nil {
		return nil, err
	}
	return buf, nil
}
