package monitor

import "testing"

func TestBuildCmdlineSerialBlockRoot(t *testing.T) {
	got := BuildCmdline(CmdlineOptions{
		Console:      ConsoleSerial,
		HasBlockRoot: true,
	})
	want := cmdlinePrefix + " console=ttyS0 earlyprintk=serial i8042.noaux=1 root=/dev/vda rw"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestBuildCmdlineVirtioNinePRoot(t *testing.T) {
	got := BuildCmdline(CmdlineOptions{
		Console:        ConsoleVirtio,
		RootOnNinePTag: "rootfs",
	})
	want := cmdlinePrefix + " console=tty0 video=vesafb" +
		" root=/dev/root rw rootflags=rw,trans=virtio,version=9p2000.L rootfstype=9p" +
		" init=/virt/init ip=dhcp"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestBuildCmdlineNinePRootNoDHCPAndCustomInit(t *testing.T) {
	got := BuildCmdline(CmdlineOptions{
		Console:        ConsoleSerial,
		RootOnNinePTag: "rootfs",
		Init:           "/sbin/init",
		NoDHCP:         true,
	})
	want := cmdlinePrefix + " console=ttyS0 earlyprintk=serial i8042.noaux=1" +
		" root=/dev/root rw rootflags=rw,trans=virtio,version=9p2000.L rootfstype=9p" +
		" init=/sbin/init"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestBuildCmdlineExtraParamsOrdering(t *testing.T) {
	got := BuildCmdline(CmdlineOptions{
		Console:      ConsoleSerial,
		ExtraParams:  "foo=bar baz",
		HasBlockRoot: true,
	})
	want := cmdlinePrefix + " console=ttyS0 earlyprintk=serial i8042.noaux=1 foo=bar baz root=/dev/vda rw"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestBuildCmdlineNoRootSpec(t *testing.T) {
	got := BuildCmdline(CmdlineOptions{Console: ConsoleSerial})
	want := cmdlinePrefix + " console=ttyS0 earlyprintk=serial i8042.noaux=1"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

// nullBlockBackend satisfies virtio.BlockBackend without doing any real I/O;
// it only needs to be a non-nil value for this test.
type nullBlockBackend struct{}

func (nullBlockBackend) ReadAt(p []byte, off int64) (int, error)  { return len(p), nil }
func (nullBlockBackend) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (nullBlockBackend) Sync() error                              { return nil }


func TestDiskSpecIsDir(t *testing.T) {
	blk := DiskSpec{Backend: nullBlockBackend{}, CapacitySectors: 2048}
	if blk.IsDir() {
		t.Error("disk spec with a backend should not report IsDir")
	}
	share := DiskSpec{Tag: "rootfs"}
	if !share.IsDir() {
		t.Error("disk spec with no backend should report IsDir")
	}
}
