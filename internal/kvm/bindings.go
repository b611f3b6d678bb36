//go:build linux && amd64

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues request against fd with arg as the third ioctl argument,
// retrying automatically on EINTR.
func ioctl(fd int, request uintptr, arg uintptr) (uintptr, error) {
	for {
		r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return r1, nil
	}
}

func ioctlNoArg(fd int, request uintptr) (int, error) {
	r, err := ioctl(fd, request, 0)
	return int(r), err
}

func ioctlPtr(fd int, request uintptr, p unsafe.Pointer) (int, error) {
	r, err := ioctl(fd, request, uintptr(p))
	return int(r), err
}

// ioctlInt issues request with an integer (not a pointer) as the third
// ioctl argument, e.g. KVM_CREATE_VCPU's vcpu id or KVM_CHECK_EXTENSION's
// capability number.
func ioctlInt(fd int, request uintptr, arg int) (int, error) {
	r, err := ioctl(fd, request, uintptr(arg))
	return int(r), err
}
