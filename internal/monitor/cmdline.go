package monitor

import "strings"

// cmdlinePrefix is the fixed portion of every synthesized command line:
// disable the legacy PIC/ACPI probes this monitor doesn't implement, force
// PCI configuration mechanism #1 (matching internal/pci), route triple
// fault straight to a reboot, and keep the i8042 emulation from probing
// hardware this platform doesn't have.
const cmdlinePrefix = "noapic noacpi pci=conf1 reboot=k panic=1 i8042.direct=1 i8042.dumbkbd=1 i8042.nopnp=1"

// CmdlineOptions parameterizes BuildCmdline; it mirrors the subset of CLI
// flags that feed into the kernel command line rather than device wiring.
type CmdlineOptions struct {
	Console ConsoleTransport
	// ExtraParams is appended verbatim (the --params flag).
	ExtraParams string

	// RootOnNinePTag, when non-empty, selects a virtio-9p root filesystem
	// mounted under this tag instead of a block device root.
	RootOnNinePTag string
	// HasBlockRoot selects a /dev/vda block root when RootOnNinePTag is
	// empty.
	HasBlockRoot bool

	// Init overrides the init program run on a 9p root (defaults to
	// /virt/init when empty).
	Init string
	// NoDHCP suppresses the automatic "ip=dhcp" appended for a 9p root.
	NoDHCP bool
}

// BuildCmdline synthesizes the full kernel command line from the fixed
// platform prefix, the console selection, the user's --params, and the
// root filesystem spec, in that order.
func BuildCmdline(opts CmdlineOptions) string {
	parts := []string{cmdlinePrefix}

	switch opts.Console {
	case ConsoleVirtio:
		parts = append(parts, "console=tty0", "video=vesafb")
	default:
		parts = append(parts, "console=ttyS0", "earlyprintk=serial", "i8042.noaux=1")
	}

	if opts.ExtraParams != "" {
		parts = append(parts, opts.ExtraParams)
	}

	switch {
	case opts.RootOnNinePTag != "":
		parts = append(parts, "root=/dev/root", "rw",
			"rootflags=rw,trans=virtio,version=9p2000.L", "rootfstype=9p")
		init := opts.Init
		if init == "" {
			init = "/virt/init"
		}
		parts = append(parts, "init="+init)
		if !opts.NoDHCP {
			parts = append(parts, "ip=dhcp")
		}
	case opts.HasBlockRoot:
		parts = append(parts, "root=/dev/vda", "rw")
	}

	return strings.Join(parts, " ")
}
