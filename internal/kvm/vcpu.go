//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/apritzel/kvmtool/internal/debug"
	"github.com/apritzel/kvmtool/internal/vmerr"
)

// ErrVMHalted is returned from Run when the guest requested shutdown (a
// shutdown system event). A HLT exit does not end Run; the vCPU resumes.
var ErrVMHalted = errors.New("kvm: guest halted")

// ErrGuestRequestedReboot is returned from Run when the guest issued a
// triple fault / reset system event.
var ErrGuestRequestedReboot = errors.New("kvm: guest requested reboot")

// Chipset is the capability the vCPU run loop needs from the platform: port
// and MMIO dispatch. internal/ioregs + internal/monitor supply the concrete
// implementation; this interface exists so internal/kvm has no dependency
// on them.
type Chipset interface {
	HandlePIO(port uint16, data []byte, isWrite bool) error
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// BootState is the initial architectural state a vCPU is reset into: a
// 16-bit real-mode entry point, matching the bzImage/flat-binary boot
// contract (internal/boot).
type BootState struct {
	// CS is the real-mode code segment (selector = CS, base = CS<<4).
	CS uint16
	IP uint16
	SP uint16
}

// VCPU drives one virtual CPU on a dedicated goroutine, which must also be
// a dedicated OS thread (see Run).
type VCPU struct {
	id  int
	fd  int
	vm  *VM
	run []byte

	tid          atomic.Int32
	immediateReq atomic.Bool
}

// ID returns this vCPU's small integer identifier.
func (v *VCPU) ID() int { return v.id }

func (v *VCPU) runData() *runData {
	return (*runData)(unsafe.Pointer(&v.run[0]))
}

// Reset programs the vCPU's architectural state for real-mode entry at
// boot. It must run on the same OS thread that will call Run.
func (v *VCPU) Reset(boot BootState) error {
	var sr sregs
	if _, err := ioctlPtr(v.fd, ioGetSRegs, unsafe.Pointer(&sr)); err != nil {
		return &vmerr.HypervisorFailedError{Op: "KVM_GET_SREGS", Err: err}
	}

	realModeSeg := func(selector uint16) segment {
		return segment{
			Base:     uint64(selector) << 4,
			Limit:    0xffff,
			Selector: selector,
			Type:     3,
			Present:  1,
			DPL:      0,
			DB:       0,
			S:        1,
			L:        0,
			G:        0,
		}
	}
	cs := realModeSeg(boot.CS)
	cs.Type = 0xb // execute/read, accessed
	ds := realModeSeg(0)

	sr.CS = cs
	sr.DS = ds
	sr.ES = ds
	sr.FS = ds
	sr.GS = ds
	sr.SS = ds
	sr.CR0 &^= cr0PG
	sr.CR0 |= cr0NE
	sr.CR4 = 0
	sr.EFER = 0

	if _, err := ioctlPtr(v.fd, ioSetSRegs, unsafe.Pointer(&sr)); err != nil {
		return &vmerr.HypervisorFailedError{Op: "KVM_SET_SREGS", Err: err}
	}

	var r regs
	r.RFLAGS = 0x0000000000000002 // reserved bit 1 always set
	r.RIP = uint64(boot.IP)
	r.RSP = uint64(boot.SP)
	if _, err := ioctlPtr(v.fd, ioSetRegs, unsafe.Pointer(&r)); err != nil {
		return &vmerr.HypervisorFailedError{Op: "KVM_SET_REGS", Err: err}
	}

	debug.Writef("kvm.VCPU.Reset", "id=%d cs=%#x ip=%#x sp=%#x", v.id, boot.CS, boot.IP, boot.SP)
	return nil
}

// SetCPUID installs entries as the vCPU's CPUID table unchanged; it does
// no filtering of its own (ApplyHostCPUID builds a filtered list from the
// host's supported leaves before calling it).
func (v *VCPU) SetCPUID(entries []cpuidEntry2) error {
	type buf struct {
		hdr     cpuid2Header
		entries [256]cpuidEntry2
	}
	if len(entries) > len(buf{}.entries) {
		return fmt.Errorf("kvm: too many cpuid entries: %d", len(entries))
	}
	var b buf
	b.hdr.Nr = uint32(len(entries))
	copy(b.entries[:], entries)
	if _, err := ioctlPtr(v.fd, ioSetCPUID2, unsafe.Pointer(&b)); err != nil {
		return &vmerr.HypervisorFailedError{Op: "KVM_SET_CPUID2", Err: err}
	}
	return nil
}

// RequestImmediateExit asks a running vCPU to return from KVM_RUN as soon
// as possible, by setting immediate_exit and sending SIGUSR1 to the thread
// currently blocked in the ioctl. It is safe to call from any goroutine.
func (v *VCPU) RequestImmediateExit() {
	v.immediateReq.Store(true)
	rd := v.runData()
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&rd.ImmediateExit)), 0)
	rd.ImmediateExit = 1
	if tid := v.tid.Load(); tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1)
	}
}

// Run drives the vCPU's exit loop until the guest halts, reboots, or ctx is
// cancelled. It must be called from a goroutine locked to its OS thread
// (runtime.LockOSThread), since RequestImmediateExit targets this specific
// thread id.
func (v *VCPU) Run(ctx context.Context, cs Chipset) error {
	v.tid.Store(int32(unix.Gettid()))
	stop := context.AfterFunc(ctx, v.RequestImmediateExit)
	defer stop()

	rd := v.runData()
	for {
		rd.ImmediateExit = 0

		// A signal delivered while blocked in KVM_RUN (from
		// RequestImmediateExit), or immediate_exit already set on entry,
		// makes KVM_RUN fail with EINTR. That is handled here like an INTR
		// exit instead of being retried, so a cancelled ctx ends Run.
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), ioRun, 0)
		if errno == unix.EINTR {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if errno != 0 {
			return &vmerr.HypervisorFailedError{Op: "KVM_RUN", Err: errno}
		}

		reason := exitReason(rd.ExitReason)
		switch reason {
		case exitIO:
			if err := v.handleIO(cs); err != nil {
				return err
			}
		case exitMMIO:
			if err := v.handleMMIO(cs); err != nil {
				return err
			}
		case exitDebug:
			dump, err := v.DumpState()
			if err != nil {
				return err
			}
			debug.Writef("kvm.VCPU.Run", "id=%d guest-debug trap: %s", v.id, dump)
			// resume; guest single-stepping is never enabled today so this
			// only fires for an injected debug breakpoint.
		case exitHLT:
			// resume; the in-kernel irqchip wakes the vCPU on the next
			// interrupt.
		case exitShutdown:
			return ErrGuestRequestedReboot
		case exitIntr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// spurious signal-interrupted exit; resume.
		case exitSystemEvent:
			se := (*systemEventData)(unsafe.Pointer(&rd.union[0]))
			switch se.Type {
			case systemEventShutdown:
				return ErrVMHalted
			case systemEventReset:
				return ErrGuestRequestedReboot
			default:
				return fmt.Errorf("kvm: unhandled system event type %d", se.Type)
			}
		case exitInternalError:
			ie := (*internalErrorData)(unsafe.Pointer(&rd.union[0]))
			return fmt.Errorf("kvm: internal error suberror=%d ndata=%d", ie.Suberror, ie.Ndata)
		case exitFailEntry:
			return fmt.Errorf("kvm: fail entry")
		default:
			return fmt.Errorf("kvm: unhandled exit reason %s", reason)
		}
	}
}

func (v *VCPU) handleIO(cs Chipset) error {
	rd := v.runData()
	io := (*ioData)(unsafe.Pointer(&rd.union[0]))
	size := int(io.Size)
	start := io.DataOffset
	isWrite := io.Direction == ioDirectionOut

	for i := uint32(0); i < io.Count; i++ {
		data := v.run[start+uint64(i)*uint64(size) : start+uint64(i+1)*uint64(size)]
		if err := cs.HandlePIO(io.Port, data, isWrite); err != nil {
			debug.Writef("kvm.VCPU.handleIO", "id=%d port=%#x write=%v err=%v", v.id, io.Port, isWrite, err)
			return err
		}
	}
	return nil
}

func (v *VCPU) handleMMIO(cs Chipset) error {
	rd := v.runData()
	m := (*mmioData)(unsafe.Pointer(&rd.union[0]))
	data := m.Data[:m.Len]
	isWrite := m.IsWrite != 0
	if err := cs.HandleMMIO(m.PhysAddr, data, isWrite); err != nil {
		debug.Writef("kvm.VCPU.handleMMIO", "id=%d addr=%#x write=%v err=%v", v.id, m.PhysAddr, isWrite, err)
		return err
	}
	return nil
}

// Close unmaps the run buffer and closes the vCPU fd.
func (v *VCPU) Close() error {
	var firstErr error
	if v.run != nil {
		if err := unix.Munmap(v.run); err != nil {
			firstErr = err
		}
		v.run = nil
	}
	if err := unix.Close(v.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DumpState returns the vCPU's general-purpose registers plus the current
// code segment and page table base (CR3), for the DEBUG control-channel
// command and panic diagnostics.
func (v *VCPU) DumpState() (regsDump string, err error) {
	var r regs
	if _, err := ioctlPtr(v.fd, ioGetRegs, unsafe.Pointer(&r)); err != nil {
		return "", &vmerr.HypervisorFailedError{Op: "KVM_GET_REGS", Err: err}
	}
	var s sregs
	if _, err := ioctlPtr(v.fd, ioGetSRegs, unsafe.Pointer(&s)); err != nil {
		return "", &vmerr.HypervisorFailedError{Op: "KVM_GET_SREGS", Err: err}
	}
	return fmt.Sprintf(
		"vcpu%d: rip=%#016x rsp=%#016x rflags=%#x cs=%#04x:%#016x cr0=%#x cr3=%#016x cr4=%#x",
		v.id, r.RIP, r.RSP, r.RFLAGS, s.CS.Selector, s.CS.Base, s.CR0, s.CR3, s.CR4,
	), nil
}
