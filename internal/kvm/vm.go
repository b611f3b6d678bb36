//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/apritzel/kvmtool/internal/debug"
	"github.com/apritzel/kvmtool/internal/memory"
	"github.com/apritzel/kvmtool/internal/vmerr"
)

// requiredCapabilities are checked at init; missing any is fatal, per the
// hypervisor binding contract.
var requiredCapabilities = []struct {
	cap  int
	name string
}{
	{capUserMemory, "KVM_CAP_USER_MEMORY"},
	{capSetTSSAddr, "KVM_CAP_SET_TSS_ADDR"},
	{capIRQChip, "KVM_CAP_IRQCHIP"},
	{capExtCPUID, "KVM_CAP_EXT_CPUID"},
	{capHLT, "KVM_CAP_HLT"},
	{capNrMemslots, "KVM_CAP_NR_MEMSLOTS"},
}

// VM is an open KVM virtual machine: the system /dev/kvm handle, the
// per-VM fd, and the guest memory backing it.
type VM struct {
	sysFd int
	vmFd  int
	mem   *memory.GuestMemory

	vcpuMmapSize int
}

// Open opens /dev/kvm, validates the API version and required extensions,
// creates a VM, and registers ramSize bytes of guest memory.
func Open(ramSize uint64) (*VM, error) {
	sysFd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &vmerr.HypervisorFailedError{Op: "open /dev/kvm", Err: err}
	}

	version, err := ioctlNoArg(sysFd, ioGetAPIVersion)
	if err != nil {
		unix.Close(sysFd)
		return nil, &vmerr.HypervisorFailedError{Op: "KVM_GET_API_VERSION", Err: err}
	}
	if version != apiVersion {
		unix.Close(sysFd)
		return nil, &vmerr.HypervisorFailedError{Op: "KVM_GET_API_VERSION", Err: fmt.Errorf("got version %d, want %d", version, apiVersion)}
	}

	for _, c := range requiredCapabilities {
		ok, err := ioctlInt(sysFd, ioCheckExtension, c.cap)
		if err != nil || ok == 0 {
			unix.Close(sysFd)
			return nil, &vmerr.HypervisorFailedError{Op: "KVM_CHECK_EXTENSION " + c.name, Err: fmt.Errorf("capability unavailable")}
		}
	}

	mmapSize, err := ioctlNoArg(sysFd, ioGetVCPUMmapSize)
	if err != nil || mmapSize <= 0 {
		unix.Close(sysFd)
		return nil, &vmerr.HypervisorFailedError{Op: "KVM_GET_VCPU_MMAP_SIZE", Err: err}
	}

	vmFd, err := ioctlNoArg(sysFd, ioCreateVM)
	if err != nil {
		unix.Close(sysFd)
		return nil, &vmerr.HypervisorFailedError{Op: "KVM_CREATE_VM", Err: err}
	}

	mem, err := memory.New(ramSize)
	if err != nil {
		unix.Close(vmFd)
		unix.Close(sysFd)
		return nil, fmt.Errorf("kvm: %w", err)
	}

	vm := &VM{sysFd: sysFd, vmFd: vmFd, mem: mem, vcpuMmapSize: mmapSize}

	if err := vm.registerMemorySlots(); err != nil {
		vm.Close()
		return nil, err
	}

	if _, err := ioctlInt(vmFd, ioSetTSSAddr, 0xfffbd000); err != nil {
		vm.Close()
		return nil, &vmerr.HypervisorFailedError{Op: "KVM_SET_TSS_ADDR", Err: err}
	}

	if _, err := ioctlNoArg(vmFd, ioCreateIRQChip); err != nil {
		vm.Close()
		return nil, &vmerr.HypervisorFailedError{Op: "KVM_CREATE_IRQCHIP", Err: err}
	}

	var pitCfg struct {
		Flags uint32
		Pad   [15]uint32
	}
	if _, err := ioctlPtr(vmFd, ioCreatePIT2, unsafe.Pointer(&pitCfg)); err != nil {
		vm.Close()
		return nil, &vmerr.HypervisorFailedError{Op: "KVM_CREATE_PIT2", Err: err}
	}

	debug.Writef("kvm.Open", "ram=%d vcpuMmapSize=%d slots=%d", ramSize, mmapSize, len(mem.Slots))
	return vm, nil
}

func (vm *VM) registerMemorySlots() error {
	for i, slot := range vm.mem.Slots {
		hostPtr, err := vm.mem.HostPointer(slot.GuestPhysAddr, slot.Size)
		if err != nil {
			return fmt.Errorf("kvm: resolve host pointer for slot %d: %w", i, err)
		}
		region := userspaceMemoryRegion{
			Slot:          uint32(i),
			GuestPhysAddr: slot.GuestPhysAddr,
			MemorySize:    slot.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&hostPtr[0]))),
		}
		if _, err := ioctlPtr(vm.vmFd, ioSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
			return &vmerr.HypervisorFailedError{Op: "KVM_SET_USER_MEMORY_REGION", Err: err}
		}
	}
	return nil
}

// Memory returns the guest memory backing this VM.
func (vm *VM) Memory() *memory.GuestMemory { return vm.mem }

// Fd returns the raw VM file descriptor, for IRQ-line and clock ioctls
// issued by the internal/irq package.
func (vm *VM) Fd() int { return vm.vmFd }

// CreateVCPU creates a new vCPU with the given id and maps its kvm_run
// area. It does not program a boot state; callers call Reset for that.
func (vm *VM) CreateVCPU(id int) (*VCPU, error) {
	fd, err := ioctlInt(vm.vmFd, ioCreateVCPU, id)
	if err != nil {
		return nil, &vmerr.HypervisorFailedError{Op: "KVM_CREATE_VCPU", Err: err}
	}

	runMem, err := unix.Mmap(fd, 0, vm.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, &vmerr.HypervisorFailedError{Op: "mmap kvm_run", Err: err}
	}

	v := &VCPU{id: id, fd: fd, vm: vm, run: runMem}
	debug.Writef("kvm.CreateVCPU", "id=%d fd=%d", id, fd)
	return v, nil
}

// Close tears down the VM: vCPUs must already have been closed by the
// caller.
func (vm *VM) Close() error {
	var firstErr error
	if vm.mem != nil {
		if err := vm.mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm.vmFd != 0 {
		if err := unix.Close(vm.vmFd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm.sysFd != 0 {
		if err := unix.Close(vm.sysFd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
