// Package monitor wires the pieces internal/kvm, internal/pci,
// internal/ioregs, internal/virtio, internal/chipset, internal/irq, and
// internal/boot each implement in isolation into one running guest: it owns
// the platform's I/O address space, the PCI bus and the devices hung off
// it, the per-vCPU run loops, and the pause/resume/reboot lifecycle the
// out-of-band control channel drives.
package monitor

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/apritzel/kvmtool/internal/boot"
	"github.com/apritzel/kvmtool/internal/chipset"
	"github.com/apritzel/kvmtool/internal/debug"
	"github.com/apritzel/kvmtool/internal/ioregs"
	"github.com/apritzel/kvmtool/internal/irq"
	"github.com/apritzel/kvmtool/internal/kvm"
	"github.com/apritzel/kvmtool/internal/pci"
	"github.com/apritzel/kvmtool/internal/threadpool"
	"github.com/apritzel/kvmtool/internal/timer"
	"github.com/apritzel/kvmtool/internal/virtio"
	"github.com/apritzel/kvmtool/internal/vmerr"
)

// Legacy platform I/O ports and PCI identifiers this monitor always wires,
// independent of the device set the guest's config selects.
const (
	serialBase = 0x3f8
	serialIRQ  = 4
	cmosIRQ    = 8

	pciIOBase  = 0xa000
	pciIOLimit = 0xf300

	virtioNetID     = 0x1000
	virtioBlkID     = 0x1001
	virtioBalloonID = 0x1002
	virtioConsoleID = 0x1003
	virtioRngID     = 0x1004
	virtioP9ID      = 0x1009

	virtioBARSize = 0x20
)

// PCI class codes (base class, subclass, prog-if) for each virtio device
// type this monitor exposes.
var (
	classNet     = [3]byte{0x02, 0x00, 0x00}
	classBlk     = [3]byte{0x01, 0x80, 0x00}
	classConsole = [3]byte{0x07, 0x80, 0x00}
	classRNG     = [3]byte{0x08, 0x80, 0x00}
	classP9      = [3]byte{0x01, 0x80, 0x00}
	classBalloon = [3]byte{0x05, 0x80, 0x00}
)

// busPortWindow adapts a pci.Bus window (config space or a device BAR) to
// the ioregs.PortHandler contract: ioregs.PortRegistry.Dispatch always
// hands handlers a port offset relative to the registered range, while
// pci.Bus.ReadPort/WritePort expect the absolute port number. base is the
// range's registered start, so offset+base recovers the absolute port.
type busPortWindow struct {
	bus  *pci.Bus
	base uint16
}

func (w busPortWindow) ReadPort(offset uint16, data []byte) error {
	return w.bus.ReadPort(w.base+offset, data)
}

func (w busPortWindow) WritePort(offset uint16, data []byte) error {
	return w.bus.WritePort(w.base+offset, data)
}

// Monitor owns one running guest: its vCPUs, its platform devices, and the
// I/O dispatch that connects them. It implements kvm.Chipset.
type Monitor struct {
	log *slog.Logger

	vm    *kvm.VM
	vcpus []*kvm.VCPU
	boot  *boot.Result

	ports *ioregs.PortRegistry
	mmio  *ioregs.MMIORegistry
	bus   *pci.Bus
	irqs  *irq.Allocator
	pool  *threadpool.Pool
	tick  *timer.Periodic

	serial    *chipset.Serial8250
	i8042     *chipset.I8042
	cmos      *chipset.CMOS
	debugPort *chipset.DebugPort

	consoleTransport ConsoleTransport
	virtioConsole    *virtio.Console
	stdin            *linePump

	net     *virtio.Net
	rng     *virtio.RNG
	balloon *virtio.Balloon
	blks    []*virtio.Blk
	p9s     []*virtio.P9

	traceIO bool

	runMu    sync.Mutex
	cond     *sync.Cond
	cancels  map[int]context.CancelFunc
	paused   bool
	stopping bool

	wg sync.WaitGroup
}

// New brings up a guest per cfg: it opens the VM, loads the boot image,
// wires the I/O address space, and constructs every configured device, but
// does not start any vCPU — call Run for that.
func New(cfg Config) (*Monitor, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Name != "" {
		log = log.With("instance", cfg.Name)
	}
	if cfg.DebugOut == nil {
		cfg.DebugOut = io.Discard
	}

	vm, err := kvm.Open(cfg.MemBytes)
	if err != nil {
		return nil, fmt.Errorf("monitor: open vm: %w", err)
	}

	bootRes, err := boot.Load(vm.Memory(), cfg.Kernel, cfg.KernelSize, cfg.Initrd, cfg.InitrdSize, cfg.Cmdline)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("monitor: load boot image: %w", err)
	}

	m := &Monitor{
		log:              log,
		vm:               vm,
		boot:             bootRes,
		irqs:             irq.NewAllocator(vm),
		bus:              pci.NewBus(pciIOBase, pciIOLimit),
		ports:            ioregs.NewPortRegistry(ioregs.AutoAssignPort, ioregs.AutoAssignPort),
		mmio:             ioregs.NewMMIORegistry(ioregs.AutoAssignMMIO, ioregs.AutoAssignMMIO),
		pool:             threadpool.New(runtime.NumCPU()),
		consoleTransport: cfg.ConsoleTransport,
		traceIO:          cfg.TraceIO,
		cancels:          make(map[int]context.CancelFunc),
	}
	m.cond = sync.NewCond(&m.runMu)
	m.bus.AddHostBridge()

	if err := m.wireChipset(cfg); err != nil {
		m.vm.Close()
		return nil, err
	}
	if err := m.wireConsole(cfg); err != nil {
		m.vm.Close()
		return nil, err
	}
	if err := m.wireDisks(cfg); err != nil {
		m.vm.Close()
		return nil, err
	}
	if err := m.wireNetwork(cfg); err != nil {
		m.vm.Close()
		return nil, err
	}
	if err := m.wireRNG(cfg); err != nil {
		m.vm.Close()
		return nil, err
	}
	if err := m.wireBalloon(cfg); err != nil {
		m.vm.Close()
		return nil, err
	}
	if err := m.wireBusWindows(); err != nil {
		m.vm.Close()
		return nil, err
	}

	if cfg.CPUCount <= 0 {
		cfg.CPUCount = 1
	}
	for i := 0; i < cfg.CPUCount; i++ {
		v, err := vm.CreateVCPU(i)
		if err != nil {
			m.vm.Close()
			return nil, &vmerr.HypervisorFailedError{Op: "create vcpu", Err: err}
		}
		if err := v.Reset(bootRes.Boot); err != nil {
			m.vm.Close()
			return nil, fmt.Errorf("monitor: reset vcpu %d: %w", i, err)
		}
		if err := vm.ApplyHostCPUID(v); err != nil {
			m.vm.Close()
			return nil, fmt.Errorf("monitor: apply cpuid vcpu %d: %w", i, err)
		}
		m.vcpus = append(m.vcpus, v)
	}

	m.cmos.Start()
	m.tick = timer.New(timer.DefaultPeriod, m.onTick)
	m.tick.Start()

	return m, nil
}

// wireChipset constructs the legacy platform devices that are always
// present regardless of CLI configuration, and registers their fixed I/O
// port windows.
func (m *Monitor) wireChipset(cfg Config) error {
	m.i8042 = chipset.NewI8042()
	m.cmos = chipset.NewCMOS(cmosIRQ, m.irqs)
	m.debugPort = chipset.NewDebugPort(cfg.DebugOut)

	var serialOut io.Writer = io.Discard
	if cfg.ConsoleTransport == ConsoleSerial && cfg.ConsoleOut != nil {
		serialOut = cfg.ConsoleOut
	}
	m.serial = chipset.NewSerial8250(serialBase, serialIRQ, m.irqs, serialOut)

	if cfg.ConsoleTransport == ConsoleSerial && cfg.ConsoleIn != nil {
		m.stdin = newLinePump(cfg.ConsoleIn)
	}

	type window struct {
		start, size uint16
		handler     ioregs.PortHandler
	}

	serialStart, serialSize := m.serial.IOPorts()
	i8042Start, i8042Size := m.i8042.IOPorts()
	debugStart, debugSize := m.debugPort.IOPorts()
	cmosPorts := m.cmos.IOPorts()

	registrations := []window{
		{serialStart, serialSize, m.serial},
		{i8042Start, i8042Size, m.i8042},
		{debugStart, debugSize, m.debugPort},
		{cmosPorts[0], cmosPorts[len(cmosPorts)-1] - cmosPorts[0] + 1, m.cmos},
	}

	for _, r := range registrations {
		if _, err := m.ports.Register(r.start, r.size, r.handler); err != nil {
			return fmt.Errorf("monitor: register chipset port window: %w", err)
		}
	}
	return nil
}

// wireConsole constructs the virtio-console device when selected; the
// serial console path is already wired in wireChipset since Serial8250 is
// always created (it also serves as the early-boot/panic log regardless of
// which transport is the interactive console).
func (m *Monitor) wireConsole(cfg Config) error {
	if cfg.ConsoleTransport != ConsoleVirtio {
		return nil
	}
	out := cfg.ConsoleOut
	if out == nil {
		out = io.Discard
	}
	var in io.Reader = nullReader{}
	if cfg.ConsoleIn != nil {
		m.stdin = newLinePump(cfg.ConsoleIn)
		in = m.stdin
	}
	m.virtioConsole = virtio.NewConsole(m.vm.Memory(), out, in, m.pool)
	return m.addVirtioDevice(virtioConsoleID, classConsole, m.virtioConsole)
}

func (m *Monitor) wireDisks(cfg Config) error {
	for _, d := range cfg.Disks {
		if d.IsDir() {
			p9 := virtio.NewP9(m.vm.Memory(), d.Tag)
			m.p9s = append(m.p9s, p9)
			if err := m.addVirtioDevice(virtioP9ID, classP9, p9); err != nil {
				return err
			}
			continue
		}
		blk := virtio.NewBlk(m.vm.Memory(), d.Backend, d.ReadOnly, d.CapacitySectors)
		m.blks = append(m.blks, blk)
		if err := m.addVirtioDevice(virtioBlkID, classBlk, blk); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) wireNetwork(cfg Config) error {
	if cfg.Network == nil {
		return nil
	}
	m.net = virtio.NewNet(m.vm.Memory(), cfg.Network.MAC, cfg.Network.Backend)
	return m.addVirtioDevice(virtioNetID, classNet, m.net)
}

func (m *Monitor) wireRNG(cfg Config) error {
	if !cfg.RNG {
		return nil
	}
	src := cfg.RNGSource
	if src == nil {
		src = crand.Reader
	}
	m.rng = virtio.NewRNG(m.vm.Memory(), src, m.pool)
	return m.addVirtioDevice(virtioRngID, classRNG, m.rng)
}

func (m *Monitor) wireBalloon(cfg Config) error {
	if !cfg.Balloon {
		return nil
	}
	m.balloon = virtio.NewBalloon(m.vm.Memory(), m.pool)
	return m.addVirtioDevice(virtioBalloonID, classBalloon, m.balloon)
}

// virtioBinder is satisfied by every virtio device's Bind method.
type virtioBinder interface {
	Bind(irqNum uint32, irqLine virtio.IRQLine) *virtio.Transport
}

func (m *Monitor) addVirtioDevice(deviceID uint16, class [3]byte, dev virtioBinder) error {
	deviceNum, err := m.irqs.AllocatePCIDeviceID()
	if err != nil {
		return &vmerr.ResourceExhaustedError{What: "pci device slots"}
	}
	irqNum, err := m.irqs.AllocateIRQ()
	if err != nil {
		return &vmerr.ResourceExhaustedError{What: "irq lines"}
	}
	transport := dev.Bind(irqNum, m.irqs)
	if _, _, err := m.bus.AddDevice(uint8(deviceNum), deviceID, class, virtioBARSize, uint8(irqNum), transport); err != nil {
		return &vmerr.HypervisorFailedError{Op: "pci add device", Err: err}
	}
	return nil
}

// wireBusWindows registers the PCI config-space window and every BAR
// window the bus has allocated so far, via the busPortWindow adapter; it
// must run after every device has been added to the bus.
func (m *Monitor) wireBusWindows() error {
	configPorts, barWindows := m.bus.IOPorts()
	cfgBase, cfgEnd := configPorts[0], configPorts[1]+4
	if _, err := m.ports.Register(cfgBase, cfgEnd-cfgBase, busPortWindow{bus: m.bus, base: cfgBase}); err != nil {
		return fmt.Errorf("monitor: register pci config window: %w", err)
	}
	for _, w := range barWindows {
		base, end := w[0], w[1]
		if _, err := m.ports.Register(base, end-base, busPortWindow{bus: m.bus, base: base}); err != nil {
			return fmt.Errorf("monitor: register pci bar window: %w", err)
		}
	}
	return nil
}

// onTick fires on the monitor's 1ms periodic timer: it feeds buffered
// stdin bytes into the legacy serial device (the virtio-console path reads
// directly from the same pump, via Poll below) and polls the virtio-console
// RX ring.
func (m *Monitor) onTick() {
	if m.stdin != nil && m.consoleTransport == ConsoleSerial {
		var b [64]byte
		n, _ := m.stdin.Read(b[:])
		for i := 0; i < n; i++ {
			m.serial.Push(b[i])
		}
	}
	if m.virtioConsole != nil {
		m.virtioConsole.Poll()
	}
}

// HandlePIO implements kvm.Chipset. An access outside every registered
// window is benign: reads return 0xFF, writes are dropped.
func (m *Monitor) HandlePIO(port uint16, data []byte, isWrite bool) error {
	if m.traceIO {
		debug.Writef("monitor.pio", "port=%#x write=%v len=%d", port, isWrite, len(data))
	}
	ok, err := m.ports.Dispatch(port, data, isWrite)
	if err != nil {
		return err
	}
	if !ok && !isWrite {
		fillFF(data)
	}
	return nil
}

// HandleMMIO implements kvm.Chipset. No device in this monitor currently
// registers an MMIO window (the legacy virtio-PCI transport is entirely
// port-based, and interrupt delivery goes through the in-kernel irqchip),
// but the registry and the benign-unhandled-access fallback are wired the
// same way as HandlePIO so the interface is satisfied uniformly and a
// future MMIO device has a home.
func (m *Monitor) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	ok, err := m.mmio.Dispatch(addr, data, isWrite)
	if err != nil {
		return err
	}
	if !ok && !isWrite {
		fillFF(data)
	}
	return nil
}

func fillFF(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}

// Run starts every vCPU and blocks until the guest halts, reboots, or a
// fatal error occurs on any of them, then tears the VM down in dependency
// order. A guest-initiated halt, triple fault, or i8042 fast-reset is
// reported as a nil error; anything else is returned.
func (m *Monitor) Run() error {
	results := make(chan error, len(m.vcpus))
	for _, v := range m.vcpus {
		v := v
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			results <- m.runVCPU(v)
		}()
	}

	var first error
	for range m.vcpus {
		if err := <-results; err != nil {
			if first == nil {
				first = err
			}
			m.Stop()
		}
	}
	m.wg.Wait()
	m.teardown()

	if first == nil {
		return nil
	}
	if errors.Is(first, kvm.ErrVMHalted) || errors.Is(first, kvm.ErrGuestRequestedReboot) || errors.Is(first, chipset.ErrRequestedReboot) {
		return nil
	}
	return first
}

// runVCPU drives one vCPU's Run loop on a locked OS thread, looping across
// pause/resume cycles: a pause cancels this vCPU's context, Run returns
// context.Canceled, and runVCPU blocks in awaitResume until told to either
// re-enter Run (resume) or give up (stop).
func (m *Monitor) runVCPU(v *kvm.VCPU) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		ctx, cancel := context.WithCancel(context.Background())
		m.runMu.Lock()
		if m.stopping {
			m.runMu.Unlock()
			cancel()
			return nil
		}
		m.cancels[v.ID()] = cancel
		m.runMu.Unlock()

		err := v.Run(ctx, m)

		m.runMu.Lock()
		delete(m.cancels, v.ID())
		m.runMu.Unlock()
		cancel()

		if errors.Is(err, context.Canceled) {
			if m.awaitResume() {
				continue
			}
			return nil
		}
		return err
	}
}

func (m *Monitor) awaitResume() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	for m.paused && !m.stopping {
		m.cond.Wait()
	}
	return !m.stopping
}

// Pause implements control.Controllable: every vCPU's context is
// cancelled, so each returns from Run with context.Canceled and blocks in
// awaitResume until Resume or Stop.
func (m *Monitor) Pause() error {
	m.runMu.Lock()
	if m.paused || m.stopping {
		m.runMu.Unlock()
		return nil
	}
	m.paused = true
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, c := range m.cancels {
		cancels = append(cancels, c)
	}
	m.runMu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}

// Resume implements control.Controllable.
func (m *Monitor) Resume() error {
	m.runMu.Lock()
	m.paused = false
	m.runMu.Unlock()
	m.cond.Broadcast()
	return nil
}

// Stop implements control.Controllable: it cancels every running vCPU and
// releases any paused one, so Run's wait loop observes every vCPU
// terminating and proceeds to teardown.
func (m *Monitor) Stop() error {
	m.runMu.Lock()
	if m.stopping {
		m.runMu.Unlock()
		return nil
	}
	m.stopping = true
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, c := range m.cancels {
		cancels = append(cancels, c)
	}
	m.runMu.Unlock()
	for _, c := range cancels {
		c()
	}
	m.cond.Broadcast()
	return nil
}

// DumpDebug implements control.Controllable: it writes every vCPU's
// register dump to w, grounding the out-of-band DEBUG request.
func (m *Monitor) DumpDebug(w io.Writer) error {
	for _, v := range m.vcpus {
		dump, err := v.DumpState()
		if err != nil {
			fmt.Fprintf(w, "vcpu %d: dump failed: %v\n", v.ID(), err)
			continue
		}
		fmt.Fprintf(w, "vcpu %d:\n%s\n", v.ID(), dump)
	}
	return nil
}

// teardown releases device and hypervisor resources in dependency order:
// network device threads first (they call back into the PCI bus to raise
// interrupts), then the threadpool draining queued console/rng jobs, then
// the periodic timers, then each vCPU, and finally the VM itself — closing
// the VM invalidates the fd irq.Allocator and pci.Bus I/O both depend on,
// so it must be last.
func (m *Monitor) teardown() {
	if m.net != nil {
		if err := m.net.Close(); err != nil {
			m.log.Warn("close net device", "err", err)
		}
	}
	m.pool.Close()
	if m.tick != nil {
		m.tick.Stop()
	}
	m.cmos.Stop()

	for _, v := range m.vcpus {
		if err := v.Close(); err != nil {
			m.log.Warn("close vcpu", "id", v.ID(), "err", err)
		}
	}
	if err := m.vm.Close(); err != nil {
		m.log.Warn("close vm", "err", err)
	}
}

type nullReader struct{}

func (nullReader) Read([]byte) (int, error) { return 0, io.EOF }
