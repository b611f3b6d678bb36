package netstack

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// gvisorHarness drives this package's Stack with a real gVisor network stack
// standing in for the guest, the same role it plays in the teacher's own
// netstack test package: gVisor's protocol-correct TCP/IP implementation
// exercises our hand-rolled host side far more thoroughly than a handful of
// manually-built frames can.
const gvisorNICID tcpip.NICID = 1

type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	ns      *Stack
	gs      *stack.Stack
	ch      *channel.Endpoint
	guestMA net.HardwareAddr

	g2c chan []byte
	c2g chan []byte
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	if ip4 == nil || len(ip4) != 4 {
		panic("expected IPv4")
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:       tb,
		ctx:     ctx,
		cancel:  cancel,
		guestMA: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		g2c:     make(chan []byte, 4096),
		c2g:     make(chan []byte, 4096),
	}

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	h.ns = New(log, DefaultHostIPv4, DefaultGuestIPv4)

	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(h.guestMA)))
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   mustAddrFrom4(DefaultGuestIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     mustAddrFrom4(DefaultHostIPv4),
			NIC:         gvisorNICID,
		},
	})

	// gVisor -> our stack: pull frames off the channel endpoint and hand them
	// to Tx, the same path virtio-net uses for guest-originated frames.
	go func() {
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			b := pkt.ToView().AsSlice()
			out := append([]byte(nil), b...)
			pkt.DecRef()

			select {
			case h.g2c <- out:
			default:
				tb.Fatalf("g2c frame buffer full")
			}
			if err := h.ns.Tx(out); err != nil {
				tb.Logf("ns.Tx: %v", err)
			}
		}
	}()

	// our stack -> gVisor: pull frames off Rx and inject them into gVisor's
	// channel endpoint as if they'd arrived over the wire from the host.
	go func() {
		for {
			frame, err := h.ns.Rx()
			if err != nil {
				return
			}
			out := append([]byte(nil), frame...)
			select {
			case h.c2g <- out:
			default:
				tb.Fatalf("c2g frame buffer full")
			}
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(out),
			})
			h.ch.InjectInbound(0, pkt)
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
		_ = h.ns.Close()
	})
	return h
}

func awaitFrame(tb testing.TB, ch <-chan []byte, timeout time.Duration) []byte {
	tb.Helper()
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case f, ok := <-ch:
		if !ok {
			tb.Fatalf("frame channel closed")
		}
		return f
	case <-time.After(timeout):
		tb.Fatalf("timeout waiting for frame")
		return nil
	}
}

func parseEthernetFrame(frame []byte) (etherType uint16, payload []byte) {
	if len(frame) < ethernetHeaderLen {
		return 0, nil
	}
	return binary.BigEndian.Uint16(frame[12:14]), frame[ethernetHeaderLen:]
}

func gvisorDialTCP(tb testing.TB, gs *stack.Stack, dstIP net.IP, dstPort uint16) net.Conn {
	tb.Helper()
	c, err := gonet.DialTCP(gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(dstIP),
		Port: dstPort,
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor dial tcp: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

func gvisorDialUDP(tb testing.TB, gs *stack.Stack, localPort uint16) (tcpip.Endpoint, *waiter.Queue) {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(DefaultGuestIPv4),
		Port: localPort,
	}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep, &wq
}

func gvisorUDPWriteTo(tb testing.TB, ep tcpip.Endpoint, dstIP net.IP, dstPort uint16, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: mustAddrFrom4(dstIP),
			Port: dstPort,
		},
	})
	if terr != nil {
		tb.Fatalf("gvisor udp write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor udp short write: %d != %d", n, len(payload))
	}
}

func TestGvisorARPRequestReply(t *testing.T) {
	h := newGvisorHarness(t)

	udpEp, _ := gvisorDialUDP(t, h.gs, 55555)
	gvisorUDPWriteTo(t, udpEp, DefaultHostIPv4, 1053, []byte("arp-probe"))

	var sawARPReq bool
	deadline := time.Now().Add(2 * time.Second)
	for !sawARPReq && time.Now().Before(deadline) {
		f := awaitFrame(t, h.g2c, time.Second)
		if et, _ := parseEthernetFrame(f); et == etherTypeARP {
			sawARPReq = true
		}
	}
	if !sawARPReq {
		t.Fatalf("did not observe ARP request from gVisor")
	}

	var sawARPReply bool
	deadline = time.Now().Add(2 * time.Second)
	for !sawARPReply && time.Now().Before(deadline) {
		f := awaitFrame(t, h.c2g, time.Second)
		if et, _ := parseEthernetFrame(f); et == etherTypeARP {
			sawARPReply = true
		}
	}
	if !sawARPReply {
		t.Fatalf("did not observe ARP reply from our stack")
	}
}

func TestGvisorTCPEcho(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer ln.Close()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	h := newGvisorHarness(t)
	conn := gvisorDialTCP(t, h.gs, DefaultHostIPv4, port)

	msg := []byte("hello from gvisor")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}
