package virtio

import (
	"encoding/binary"

	"github.com/apritzel/kvmtool/internal/debug"
)

// 9P2000.L message types this device understands. Every other type gets an
// Rlerror reply rather than being silently dropped, so a guest probing for
// 9p support fails cleanly instead of hanging — this device intentionally
// implements only the version handshake; see DESIGN.md for the scope cut.
const (
	p9Tversion = 100
	p9Rversion = 101
	p9Rlerror  = 7

	p9ENOSYS = 38

	p9MountTag = "kvmtool-9p"
)

// P9 is a minimal virtio-9p device exposing one request queue, enough for
// a guest to discover the device and negotiate a protocol version; every
// request beyond Tversion is answered with Rlerror{ENOSYS}.
type P9 struct {
	queue     *Queue
	transport *Transport
	tag       string
}

// NewP9 creates a 9p device advertising tag as its mount_tag config field.
func NewP9(mem GuestMemory, tag string) *P9 {
	if tag == "" {
		tag = p9MountTag
	}
	p := &P9{tag: tag}
	p.queue = NewQueue(mem, 128)
	return p
}

const p9FeatureMountTag = 1 << 0

// Bind attaches the legacy transport.
func (p *P9) Bind(irqNum uint32, irqLine IRQLine) *Transport {
	p.transport = NewTransport(p9FeatureMountTag, []*Queue{p.queue}, irqNum, irqLine, p, func(int) { p.drain() })
	return p.transport
}

// ReadConfig implements ConfigAccessor: a 2-byte tag length followed by the
// tag bytes, per the virtio-9p config layout.
func (p *P9) ReadConfig(offset uint32, data []byte) {
	cfg := make([]byte, 2+len(p.tag))
	binary.LittleEndian.PutUint16(cfg, uint16(len(p.tag)))
	copy(cfg[2:], p.tag)
	for i := range data {
		if int(offset)+i < len(cfg) {
			data[i] = cfg[offset+uint32(i)]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements ConfigAccessor; the mount tag is read-only.
func (p *P9) WriteConfig(offset uint32, data []byte) {}

func (p *P9) drain() {
	for {
		head, ok, err := p.queue.PopAvailable()
		if err != nil {
			debug.Writef("virtio-9p.drain", "pop: %v", err)
			return
		}
		if !ok {
			return
		}
		bufs, err := p.queue.ReadChain(head)
		if err != nil {
			debug.Writef("virtio-9p.drain", "read chain: %v", err)
			return
		}
		out, in := SplitChain(bufs)
		if len(out) == 0 || len(in) == 0 {
			debug.Writef("virtio-9p.drain", "malformed request: out=%d in=%d", len(out), len(in))
			continue
		}

		reply := p.handle(out[0].Data)
		n := copy(in[0].Data, reply)

		shouldInterrupt, err := p.queue.PutUsed(head, uint32(n))
		if err != nil {
			debug.Writef("virtio-9p.drain", "put used: %v", err)
			return
		}
		if shouldInterrupt {
			p.transport.RaiseQueueInterrupt()
		}
	}
}

func (p *P9) handle(req []byte) []byte {
	if len(req) < 7 {
		return p.rlerror(0, p9ENOSYS)
	}
	msgType := req[4]
	tag := binary.LittleEndian.Uint16(req[5:7])

	switch msgType {
	case p9Tversion:
		return p.rversion(tag, req[7:])
	default:
		return p.rlerror(tag, p9ENOSYS)
	}
}

func (p *P9) rversion(tag uint16, body []byte) []byte {
	const version = "9P2000.L"
	msize := uint32(8192)
	if len(body) >= 4 {
		if requested := binary.LittleEndian.Uint32(body[0:4]); requested < msize {
			msize = requested
		}
	}

	payload := make([]byte, 4+2+len(version))
	binary.LittleEndian.PutUint32(payload[0:4], msize)
	binary.LittleEndian.PutUint16(payload[4:6], uint16(len(version)))
	copy(payload[6:], version)

	return p.frame(p9Rversion, tag, payload)
}

func (p *P9) rlerror(tag uint16, ecode uint32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, ecode)
	return p.frame(p9Rlerror, tag, payload)
}

func (p *P9) frame(msgType byte, tag uint16, payload []byte) []byte {
	buf := make([]byte, 7+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	buf[4] = msgType
	binary.LittleEndian.PutUint16(buf[5:7], tag)
	copy(buf[7:], payload)
	return buf
}
