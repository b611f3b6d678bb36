//go:build linux && amd64

package kvm

import (
	"unsafe"

	"github.com/apritzel/kvmtool/internal/vmerr"
)

// hypervisorLeafMin/Max bound the KVM-reserved CPUID leaves (the
// "KVM paravirt" range some hypervisors populate with their own
// signature/feature leaves); this monitor doesn't virtualize any of them,
// so they're dropped from the profile presented to the guest rather than
// passed through from the host's own (possibly nested) hypervisor.
const (
	hypervisorLeafMin = 0x40000000
	hypervisorLeafMax = 0x400000ff

	cpuidLeafFeatures  = 1
	cpuidECXHypervisor = 1 << 31
)

// ApplyHostCPUID queries the host's supported CPUID leaves and programs v
// with all of them except the hypervisor-reserved range, additionally
// clearing the "running under a hypervisor" bit in leaf 1 so a guest that
// checks it behaves as it would on bare metal.
func (vm *VM) ApplyHostCPUID(v *VCPU) error {
	type buf struct {
		hdr     cpuid2Header
		entries [256]cpuidEntry2
	}
	var b buf
	b.hdr.Nr = uint32(len(b.entries))
	if _, err := ioctlPtr(vm.sysFd, ioGetSupportedCPUID, unsafe.Pointer(&b)); err != nil {
		return &vmerr.HypervisorFailedError{Op: "KVM_GET_SUPPORTED_CPUID", Err: err}
	}

	entries := b.entries[:b.hdr.Nr]
	filtered := make([]cpuidEntry2, 0, len(entries))
	for _, e := range entries {
		if e.Function >= hypervisorLeafMin && e.Function <= hypervisorLeafMax {
			continue
		}
		if e.Function == cpuidLeafFeatures {
			e.ECX &^= cpuidECXHypervisor
		}
		filtered = append(filtered, e)
	}
	return v.SetCPUID(filtered)
}
