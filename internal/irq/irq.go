//go:build linux && amd64

// Package irq is the IRQ controller glue: a thin wrapper over the KVM
// in-kernel interrupt controller's line ioctl, plus the host-side
// bookkeeping that allocates PCI device numbers and legacy IRQ lines to
// devices. It deliberately does not emulate the 8259A state machine — that
// is delegated entirely to KVM_CREATE_IRQCHIP, which this package's caller
// (internal/kvm.Open) sets up once at VM creation.
package irq

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/apritzel/kvmtool/internal/debug"
)

// Line asserts or deasserts IRQ lines on a VM. internal/kvm.VM satisfies
// this via its raw fd.
type Line interface {
	Fd() int
}

const ioIRQLine = 0x4008ae61

// irqLevel mirrors struct kvm_irq_level.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

func ioctlIRQLine(fd int, irq uint32, level uint32) error {
	lvl := irqLevel{IRQ: irq, Level: level}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(ioIRQLine), uintptr(unsafe.Pointer(&lvl)))
	if errno != 0 {
		return fmt.Errorf("irq: KVM_IRQ_LINE irq=%d level=%d: %w", irq, level, errno)
	}
	return nil
}

// Allocator hands out legacy IRQ lines (the PIC has 16, of which a handful
// are reserved for legacy platform devices) and PCI device numbers, and
// asserts/deasserts lines on the VM's in-kernel IRQ chip.
type Allocator struct {
	mu        sync.Mutex
	vm        Line
	nextIRQ   uint32
	usedIRQs  map[uint32]bool
	nextPCIID int
}

// reservedIRQs are claimed by legacy platform devices before any PCI device
// requests a line (PIT=0, keyboard=1, cascade=2, COM2=3, COM1=4, RTC=8).
var reservedIRQs = []uint32{0, 1, 2, 3, 4, 8}

// NewAllocator creates an Allocator that starts handing out PCI IRQ lines
// from 5 upward, skipping the legacy reservations, and asserts/deasserts
// through vm's in-kernel IRQ chip.
func NewAllocator(vm Line) *Allocator {
	a := &Allocator{vm: vm, nextIRQ: 5, usedIRQs: make(map[uint32]bool), nextPCIID: 1}
	for _, irq := range reservedIRQs {
		a.usedIRQs[irq] = true
	}
	return a
}

// AllocateIRQ returns the next unused legacy IRQ line, skipping cascaded
// and reserved lines, up to line 15.
func (a *Allocator) AllocateIRQ() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for irq := a.nextIRQ; irq <= 15; irq++ {
		if !a.usedIRQs[irq] {
			a.usedIRQs[irq] = true
			a.nextIRQ = irq + 1
			return irq, nil
		}
	}
	return 0, fmt.Errorf("irq: no free IRQ lines")
}

// AllocatePCIDeviceID returns the next unused PCI device number on bus 0.
func (a *Allocator) AllocatePCIDeviceID() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nextPCIID > 31 {
		return 0, fmt.Errorf("irq: no free PCI device slots")
	}
	id := a.nextPCIID
	a.nextPCIID++
	return id, nil
}

// Assert raises irq. A failure here is logged and swallowed rather than
// propagated: the guest driver will simply retry, per the hypervisor
// binding's runtime error policy.
func (a *Allocator) Assert(irqNum uint32) {
	if err := ioctlIRQLine(a.vm.Fd(), irqNum, 1); err != nil {
		debug.Writef("irq.Assert", "irq=%d err=%v", irqNum, err)
	}
}

// Deassert lowers irq.
func (a *Allocator) Deassert(irqNum uint32) {
	if err := ioctlIRQLine(a.vm.Fd(), irqNum, 0); err != nil {
		debug.Writef("irq.Deassert", "irq=%d err=%v", irqNum, err)
	}
}

// Pulse asserts then immediately deasserts irqNum, the level-triggered
// convention this monitor's devices use to signal "new completion".
func (a *Allocator) Pulse(irqNum uint32) {
	a.Assert(irqNum)
	a.Deassert(irqNum)
}
