// Command kvmtool boots a single Linux guest under KVM from the command
// line, and drives a running guest's out-of-band control channel (pause,
// resume, stop, register dump) from a second invocation. Flag parsing and
// process wiring follow the teacher's cmd/cc/main.go: flag.Value wrapper
// types that remember whether they were set, slog to a CRLF-safe stderr
// writer, and an *exitError carrying the process exit code back out of run.
package main

import (
	"bytes"
	crand "crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/apritzel/kvmtool/internal/control"
	"github.com/apritzel/kvmtool/internal/debug"
	"github.com/apritzel/kvmtool/internal/monitor"
	"github.com/apritzel/kvmtool/internal/netstack"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "kvmtool: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.Code)
		}
		os.Exit(1)
	}
}

// exitError carries a specific process exit code out of run, the way the
// teacher's initx.ExitError carries one out of an initx payload.
type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string { return e.Err.Error() }
func (e *exitError) Unwrap() error { return e.Err }

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kvmtool <run|pause|resume|stop|debug> [flags]")
	}
	switch args[0] {
	case "run":
		return runGuest(args[1:])
	case "pause", "resume", "stop", "debug":
		return controlCommand(args[0], args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// fixCrlf rewrites bare '\n' to "\r\n", matching the teacher's writer of
// the same name: once stdin is in raw mode for the serial console, the
// terminal driver no longer does that translation for us.
type fixCrlf struct{ w io.Writer }

func (f *fixCrlf) Write(p []byte) (int, error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }
func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }
func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

// repeatedFlag collects every occurrence of a repeatable string flag
// (--disk, --network) in the order given.
type repeatedFlag struct{ values []string }

func (f *repeatedFlag) String() string { return strings.Join(f.values, ";") }
func (f *repeatedFlag) Set(s string) error {
	f.values = append(f.values, s)
	return nil
}

const (
	minCPUs = 1
	maxCPUs = 255
	minMemMiB = 64
	maxDisks  = 4
)

func runGuest(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)

	name := fs.String("name", "", "instance name (default guest-<pid>)")
	var cpus intFlag
	fs.Var(&cpus, "cpus", "vCPU count; default = online host CPUs, clamped to [1,255]")
	fs.Var(&cpus, "c", "shorthand for -cpus")
	var mem uint64Flag
	fs.Var(&mem, "mem", "guest RAM in MiB; default derived from CPU count")
	fs.Var(&mem, "m", "shorthand for -mem")
	var kernelPath string
	fs.StringVar(&kernelPath, "kernel", "", "kernel image path")
	fs.StringVar(&kernelPath, "k", "", "shorthand for -kernel")
	initrdPath := fs.String("initrd", "", "optional initrd image, gzip-compressed")
	params := fs.String("params", "", "extra kernel command-line parameters")
	var disks repeatedFlag
	fs.Var(&disks, "disk", "path[,ro]; repeatable up to 4 times")
	var ninePs repeatedFlag
	fs.Var(&ninePs, "9p", "dir[,tag]; share a host directory via virtio-9p")
	var networks repeatedFlag
	fs.Var(&networks, "network", "mode=user[,guest_ip=...,host_ip=...,guest_mac=...]")
	noDHCP := fs.Bool("no-dhcp", false, "suppress automatic ip=dhcp for a 9p root")
	balloon := fs.Bool("balloon", false, "attach a virtio-balloon device")
	rng := fs.Bool("rng", false, "attach a virtio-rng device")
	vnc := fs.Bool("vnc", false, "enable a VNC framebuffer (unimplemented; see DESIGN.md)")
	sdl := fs.Bool("sdl", false, "enable an SDL framebuffer (unimplemented; see DESIGN.md)")
	console := fs.String("console", "serial", "console transport: serial|virtio")
	dbg := fs.Bool("debug", false, "enable debug logging and the trace sink")
	debugSingleStep := fs.Bool("debug-single-step", false, "single-step each vCPU (unimplemented; see DESIGN.md)")
	debugIoport := fs.Bool("debug-ioport", false, "trace every port I/O dispatch to the debug sink")
	debugIodelay := fs.Int("debug-iodelay", 0, "artificial per-ioport delay in microseconds (unimplemented; see DESIGN.md)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *dbg {
		slog.SetDefault(slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, &slog.HandlerOptions{Level: slog.LevelDebug})))
		traceFile := fmt.Sprintf("kvmtool-%d.trace", os.Getpid())
		if err := debug.OpenFile(traceFile); err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer debug.Close()
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}
	if *debugSingleStep {
		slog.Warn("debug-single-step accepted but not implemented; no guest-debug registers are set")
	}
	if *debugIodelay != 0 {
		slog.Warn("debug-iodelay accepted but not implemented; no artificial ioport delay is injected")
	}
	if *vnc || *sdl {
		slog.Warn("no framebuffer backend is implemented; -vnc/-sdl are accepted but have no effect")
	}

	if cpus.set && cpus.v != 0 && (cpus.v < minCPUs || cpus.v > maxCPUs) {
		return &exitError{Code: 1, Err: fmt.Errorf("cpus %d out of [%d;%d] range", cpus.v, minCPUs, maxCPUs)}
	}
	cpuCount := cpus.v
	if !cpus.set || cpuCount == 0 {
		cpuCount = clampInt(runtime.NumCPU(), minCPUs, maxCPUs)
	}

	memMiB, err := resolveMemMiB(mem)
	if err != nil {
		return err
	}

	if kernelPath == "" {
		kernelPath, err = findDefaultKernel()
		if err != nil {
			return err
		}
	}
	kf, err := os.Open(kernelPath)
	if err != nil {
		return &exitError{Code: 22, Err: fmt.Errorf("open kernel %q: %w", kernelPath, err)}
	}
	defer kf.Close()
	kst, err := kf.Stat()
	if err != nil {
		return fmt.Errorf("stat kernel %q: %w", kernelPath, err)
	}

	fmt.Printf("# kvm run -k %s -m %d -c %d\n", kernelPath, memMiB, cpuCount)

	var initrdFile *os.File
	var initrdSize int64
	if *initrdPath != "" {
		initrdFile, err = os.Open(*initrdPath)
		if err != nil {
			return fmt.Errorf("open initrd %q: %w", *initrdPath, err)
		}
		defer initrdFile.Close()
		var magic [2]byte
		if _, err := initrdFile.ReadAt(magic[:], 0); err != nil {
			return fmt.Errorf("read initrd %q header: %w", *initrdPath, err)
		}
		if magic[0] != 0x1F || magic[1] != 0x8B {
			return fmt.Errorf("initrd %q does not start with the gzip magic", *initrdPath)
		}
		ist, err := initrdFile.Stat()
		if err != nil {
			return fmt.Errorf("stat initrd %q: %w", *initrdPath, err)
		}
		initrdSize = ist.Size()
	}

	diskSpecs, closers, err := resolveDisks(disks.values, ninePs.values)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if err != nil {
		return err
	}
	if n := diskCount(diskSpecs); n > maxDisks {
		return fmt.Errorf("at most %d --disk/--9p entries are supported, got %d", maxDisks, n)
	}

	consoleTransport, err := parseConsole(*console)
	if err != nil {
		return err
	}

	netSpec, err := resolveNetwork(networks.values)
	if err != nil {
		return err
	}

	cmdline := monitor.BuildCmdline(monitor.CmdlineOptions{
		Console:        consoleTransport,
		ExtraParams:    *params,
		RootOnNinePTag: rootNinePTag(diskSpecs),
		HasBlockRoot:   hasBlockRoot(diskSpecs),
		NoDHCP:         *noDHCP,
	})

	instanceName := *name
	if instanceName == "" {
		instanceName = fmt.Sprintf("guest-%d", os.Getpid())
	}

	cfg := monitor.Config{
		Name:             instanceName,
		CPUCount:         cpuCount,
		MemBytes:         memMiB * 1024 * 1024,
		Kernel:           kf,
		KernelSize:       kst.Size(),
		Cmdline:          cmdline,
		Disks:            diskSpecs,
		Network:          netSpec,
		RNG:              *rng,
		Balloon:          *balloon,
		ConsoleTransport: consoleTransport,
		ConsoleOut:       os.Stdout,
		DebugOut:         os.Stdout,
		TraceIO:          *debugIoport,
		Logger:           slog.Default(),
	}
	if initrdFile != nil {
		cfg.Initrd = initrdFile
		cfg.InitrdSize = initrdSize
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("set raw terminal mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), old)
	}
	cfg.ConsoleIn = os.Stdin

	m, err := monitor.New(cfg)
	if err != nil {
		return fmt.Errorf("bring up guest: %w", err)
	}

	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("kvmtool-%s.sock", instanceName))
	srv, err := control.NewServer(socketPath, m, slog.Default())
	if err != nil {
		return fmt.Errorf("start control channel: %w", err)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			slog.Warn("control channel stopped", "err", err)
		}
	}()
	defer srv.Close()

	if err := m.Run(); err != nil {
		return fmt.Errorf("guest run: %w", err)
	}

	fmt.Println("# KVM session ended normally.")
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// resolveMemMiB applies the default-memory formula (derived from CPU
// count, capped at 80% of host RAM, minimum 64 MiB) when --mem is absent
// or zero, and validates an explicit value against the 64 MiB floor.
func resolveMemMiB(mem uint64Flag) (uint64, error) {
	if mem.set && mem.v != 0 {
		if mem.v < minMemMiB {
			return 0, fmt.Errorf("not enough memory: %d MiB requested, minimum %d MiB", mem.v, minMemMiB)
		}
		return mem.v, nil
	}

	hostMiB := hostMemMiB()
	cap80 := hostMiB * 8 / 10
	def := uint64(runtime.NumCPU()) * 256
	if def < minMemMiB {
		def = minMemMiB
	}
	if cap80 > 0 && def > cap80 {
		def = cap80
	}
	if def < minMemMiB {
		def = minMemMiB
	}
	return def, nil
}

func hostMemMiB() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit) / (1024 * 1024)
}

// findDefaultKernel searches the canonical kernel image locations; if none
// exist it returns an *exitError{Code:22} listing every path it looked at.
func findDefaultKernel() (string, error) {
	release := unameRelease()
	candidates := []string{
		"./bzImage",
		"../../arch/x86/boot/bzImage",
		"/boot/vmlinuz-" + release,
		"/boot/bzImage-" + release,
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}
	fmt.Fprintln(os.Stderr, "no kernel image found; searched:")
	for _, c := range candidates {
		fmt.Fprintf(os.Stderr, "  %s\n", c)
	}
	return "", &exitError{Code: 22, Err: fmt.Errorf("no kernel image found")}
}

func unameRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	n := bytes.IndexByte(uts.Release[:], 0)
	if n < 0 {
		n = len(uts.Release)
	}
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = byte(uts.Release[i])
	}
	return string(b)
}

type closer interface{ Close() error }

// resolveDisks turns --disk and --9p flag values into monitor.DiskSpec
// entries. A --disk pointing at a directory is treated the same as a bare
// shared-root --9p entry (spec.md §6's "directory (shared root via
// virtio-9p)" case), distinguished from an explicit --9p entry only by its
// tag (the directory's base name rather than a caller-chosen one).
func resolveDisks(diskArgs, ninePArgs []string) ([]monitor.DiskSpec, []closer, error) {
	var specs []monitor.DiskSpec
	var closers []closer

	for _, raw := range diskArgs {
		parts := strings.SplitN(raw, ",", 2)
		path := parts[0]
		readOnly := len(parts) > 1 && parts[1] == "ro"

		st, err := os.Stat(path)
		if err != nil {
			return nil, closers, fmt.Errorf("stat disk %q: %w", path, err)
		}
		if st.IsDir() {
			specs = append(specs, monitor.DiskSpec{Tag: filepath.Base(path)})
			continue
		}

		flags := os.O_RDONLY
		if !readOnly {
			flags = os.O_RDWR
		}
		f, err := os.OpenFile(path, flags, 0)
		if err != nil {
			return nil, closers, fmt.Errorf("open disk %q: %w", path, err)
		}
		closers = append(closers, f)
		specs = append(specs, monitor.DiskSpec{
			Backend:         f,
			CapacitySectors: (uint64(st.Size()) + 511) / 512,
			ReadOnly:        readOnly,
		})
	}

	for _, raw := range ninePArgs {
		parts := strings.SplitN(raw, ",", 2)
		dir := parts[0]
		tag := filepath.Base(dir)
		if len(parts) > 1 && parts[1] != "" {
			tag = parts[1]
		}
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			return nil, closers, fmt.Errorf("9p share %q is not a directory", dir)
		}
		specs = append(specs, monitor.DiskSpec{Tag: tag})
	}

	return specs, closers, nil
}

func diskCount(specs []monitor.DiskSpec) int { return len(specs) }

func rootNinePTag(specs []monitor.DiskSpec) string {
	for _, d := range specs {
		if d.IsDir() {
			return d.Tag
		}
	}
	return ""
}

func hasBlockRoot(specs []monitor.DiskSpec) bool {
	for _, d := range specs {
		if !d.IsDir() {
			return true
		}
	}
	return false
}

func parseConsole(s string) (monitor.ConsoleTransport, error) {
	switch s {
	case "", "serial":
		return monitor.ConsoleSerial, nil
	case "virtio":
		return monitor.ConsoleVirtio, nil
	default:
		return 0, fmt.Errorf("unknown console transport %q (want serial or virtio)", s)
	}
}

// resolveNetwork parses at most one --network entry into a monitor.NetworkSpec.
// Only mode=user is backed by a real NetBackend (internal/netstack.Stack);
// every other mode (such as tap) is rejected with an error. The script=
// and vhost=1 options are accepted but not implemented: each logs a
// warning and the user-mode stack is used as before. See DESIGN.md for why
// tap/vhost are out of scope.
func resolveNetwork(args []string) (*monitor.NetworkSpec, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("only one --network entry is supported, got %d", len(args))
	}

	fields := map[string]string{}
	for _, kv := range strings.Split(args[0], ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --network entry %q", kv)
		}
		fields[parts[0]] = parts[1]
	}

	mode := fields["mode"]
	if mode != "user" {
		return nil, fmt.Errorf("network mode %q not supported (only \"user\" is implemented)", mode)
	}
	if script := fields["script"]; script != "" {
		slog.Warn("network script hook is not implemented, ignoring", "script", script)
	}
	if fields["vhost"] == "1" {
		slog.Warn("vhost=1 is not implemented, falling back to the user-mode stack")
	}

	hostIP := netstack.DefaultHostIPv4
	if v := fields["host_ip"]; v != "" {
		if ip := net.ParseIP(v).To4(); ip != nil {
			hostIP = ip
		}
	}
	guestIP := netstack.DefaultGuestIPv4
	if v := fields["guest_ip"]; v != "" {
		if ip := net.ParseIP(v).To4(); ip != nil {
			guestIP = ip
		}
	}

	stack := netstack.New(slog.Default(), hostIP, guestIP)

	mac := randomLocalMAC()
	if v := fields["guest_mac"]; v != "" {
		if hw, err := net.ParseMAC(v); err == nil && len(hw) == 6 {
			copy(mac[:], hw)
		}
	}

	return &monitor.NetworkSpec{Backend: stack, MAC: mac}, nil
}

func randomLocalMAC() [6]byte {
	var mac [6]byte
	if _, err := crand.Read(mac[:]); err != nil {
		copy(mac[:], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
		return mac
	}
	mac[0] = (mac[0] &^ 0x01) | 0x02 // locally administered, unicast
	return mac
}

// controlCommand dials the named guest's control socket and sends one
// PAUSE/RESUME/STOP/DEBUG message, per spec.md §6's out-of-band protocol.
func controlCommand(verb string, args []string) error {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	name := fs.String("name", "", "instance name whose control socket to contact")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("kvmtool-%s.sock", *name))

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial control socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	var msgType uint32
	switch verb {
	case "pause":
		msgType = control.MsgPause
	case "resume":
		msgType = control.MsgResume
	case "stop":
		msgType = control.MsgStop
	case "debug":
		msgType = control.MsgDebug
	}

	var hdr [8]byte
	putBigEndian32(hdr[0:4], msgType)
	putBigEndian32(hdr[4:8], 0)
	if _, err := conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("send %s request: %w", verb, err)
	}

	var respHdr [8]byte
	if _, err := io.ReadFull(conn, respHdr[:]); err != nil {
		return fmt.Errorf("read %s response: %w", verb, err)
	}
	length := getBigEndian32(respHdr[4:8])
	if length > 0 {
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return fmt.Errorf("read %s response body: %w", verb, err)
		}
		os.Stdout.Write(body)
	}
	return nil
}

func putBigEndian32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getBigEndian32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
