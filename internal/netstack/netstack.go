// Package netstack implements a tiny, purpose-built user-mode IP stack that
// sits behind the virtio-net device in place of a tap/bridge interface: ARP,
// a minimal DHCP server, ICMP echo, and NAT-style relaying of UDP/TCP flows
// addressed to the gateway to the same port on the host's loopback
// (127.0.0.1) via net.Dial, scaled down from the teacher's
// internal/netstack/netstack.go to the single-guest, single-subnet case this
// monitor needs (no DNS server, no packet capture, no debug HTTP endpoint —
// those serve the teacher's wider use case, not spec.md's).
//
// Defaults mirror kvmtool original's slirp-derived addressing: the host side
// of the virtual subnet is 192.168.33.1/24, the guest is assigned 192.168.33.15
// by DHCP (or may self-configure statically to the same address).
package netstack

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"
)

const (
	ethernetHeaderLen = 14
	arpPacketLen      = 28
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8
	tcpHeaderLen      = 20

	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	arpOpRequest = 1
	arpOpReply   = 2
	arpHTypeEth  = 1

	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17

	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10

	icmpEchoRequest = 8
	icmpEchoReply   = 0

	dhcpServerPort = 67
	dhcpClientPort = 68
)

// DefaultHostIPv4 and DefaultGuestIPv4 are kvmtool original's slirp-derived
// defaults (192.168.33.0/24, host at .1, guest at .15).
var (
	DefaultHostIPv4  = net.IPv4(192, 168, 33, 1).To4()
	DefaultGuestIPv4 = net.IPv4(192, 168, 33, 15).To4()
	defaultNetmask   = net.IPv4(255, 255, 255, 0).To4()
)

// ErrClosed is returned from Rx once the stack has been closed.
var ErrClosed = errors.New("netstack: closed")

// Stack is a single-guest, single-subnet NAT gateway: it terminates ARP and
// DHCP locally, answers ICMP echo requests addressed to the host address,
// and relays UDP/TCP flows addressed to the host address to
// 127.0.0.1:<dstPort> via net.Dial, translating replies back into frames
// queued for Rx. Traffic addressed anywhere else is dropped. It implements
// internal/virtio.NetBackend directly.
type Stack struct {
	log *slog.Logger

	hostIP    net.IP
	guestIP   net.IP
	netmask   net.IP
	hostMAC   [6]byte
	guestMAC  [6]byte
	haveGuest bool

	mu     sync.Mutex
	closed bool
	rx     chan []byte

	udpMu    sync.Mutex
	udpFlows map[udpFlowKey]*udpFlow

	tcpMu    sync.Mutex
	tcpFlows map[tcpFlowKey]*tcpFlow

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs a Stack for the given host/guest addresses (pass nil for
// either to use the package defaults).
func New(log *slog.Logger, hostIP, guestIP net.IP) *Stack {
	if hostIP == nil {
		hostIP = DefaultHostIPv4
	}
	if guestIP == nil {
		guestIP = DefaultGuestIPv4
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Stack{
		log:      log,
		hostIP:   hostIP.To4(),
		guestIP:  guestIP.To4(),
		netmask:  defaultNetmask,
		rx:       make(chan []byte, 256),
		udpFlows: make(map[udpFlowKey]*udpFlow),
		tcpFlows: make(map[tcpFlowKey]*tcpFlow),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.hostMAC = randomLocalMAC()
	return s
}

// randomLocalMAC returns a locally-administered unicast MAC, mirroring the
// teacher's AttachNetworkInterface host-MAC generation.
func randomLocalMAC() [6]byte {
	var mac [6]byte
	_, _ = cryptorand.Read(mac[:])
	mac[0] = (mac[0] &^ 0x01) | 0x02
	return mac
}

// Tx implements virtio.NetBackend: a frame arrived from the guest.
func (s *Stack) Tx(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		return fmt.Errorf("netstack: short ethernet frame: %d bytes", len(frame))
	}
	var srcMAC [6]byte
	copy(srcMAC[:], frame[6:12])
	s.recordGuestMAC(srcMAC)

	switch binary.BigEndian.Uint16(frame[12:14]) {
	case etherTypeARP:
		return s.handleARP(frame[ethernetHeaderLen:])
	case etherTypeIPv4:
		return s.handleIPv4(frame[ethernetHeaderLen:])
	default:
		return nil
	}
}

// Rx implements virtio.NetBackend: blocks until a frame destined for the
// guest is queued, or the stack is closed.
func (s *Stack) Rx() ([]byte, error) {
	frame, ok := <-s.rx
	if !ok {
		return nil, ErrClosed
	}
	return frame, nil
}

// Close implements virtio.NetBackend.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.rx)
	s.mu.Unlock()

	s.udpMu.Lock()
	for _, f := range s.udpFlows {
		f.conn.Close()
	}
	s.udpFlows = nil
	s.udpMu.Unlock()

	s.tcpMu.Lock()
	for _, f := range s.tcpFlows {
		f.closeLocked()
	}
	s.tcpFlows = nil
	s.tcpMu.Unlock()
	return nil
}

func (s *Stack) recordGuestMAC(mac [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveGuest {
		s.guestMAC = mac
		s.haveGuest = true
		s.log.Debug("netstack: learned guest MAC", "mac", net.HardwareAddr(mac[:]).String())
	}
}

func (s *Stack) guestMACSnapshot() ([6]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guestMAC, s.haveGuest
}

// queueFrame enqueues a complete ethernet frame for delivery to the guest.
// It drops the frame (rather than blocking the caller, which may be a
// per-flow proxy goroutine) if the guest's RX path is badly backed up.
func (s *Stack) queueFrame(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ch := s.rx
	s.mu.Unlock()
	select {
	case ch <- frame:
	default:
		s.log.Warn("netstack: rx queue full, dropping frame")
	}
}

////////////////////////////////////////////////////////////////////////////
// Ethernet/ARP.
////////////////////////////////////////////////////////////////////////////

func buildEthernetHeader(buf []byte, dstMAC, srcMAC [6]byte, etherType uint16) {
	copy(buf[0:6], dstMAC[:])
	copy(buf[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(buf[12:14], etherType)
}

func (s *Stack) handleARP(payload []byte) error {
	if len(payload) < arpPacketLen {
		return fmt.Errorf("netstack: short arp packet: %d bytes", len(payload))
	}
	op := binary.BigEndian.Uint16(payload[6:8])
	if op != arpOpRequest {
		return nil
	}
	var senderMAC [6]byte
	copy(senderMAC[:], payload[8:14])
	senderIP := net.IP(payload[14:18])
	targetIP := net.IP(payload[24:28])

	if !targetIP.Equal(s.hostIP) {
		return nil
	}

	frame := make([]byte, ethernetHeaderLen+arpPacketLen)
	buildEthernetHeader(frame, senderMAC, s.hostMAC, etherTypeARP)
	arp := frame[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(arp[0:2], arpHTypeEth)
	binary.BigEndian.PutUint16(arp[2:4], etherTypeIPv4)
	arp[4] = 6
	arp[5] = 4
	binary.BigEndian.PutUint16(arp[6:8], arpOpReply)
	copy(arp[8:14], s.hostMAC[:])
	copy(arp[14:18], s.hostIP)
	copy(arp[18:24], senderMAC[:])
	copy(arp[24:28], senderIP)

	s.queueFrame(frame)
	return nil
}

////////////////////////////////////////////////////////////////////////////
// IPv4.
////////////////////////////////////////////////////////////////////////////

type ipv4Header struct {
	headerLen int
	protocol  byte
	src, dst  net.IP
	payload   []byte
}

func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("netstack: short ipv4 header: %d bytes", len(data))
	}
	if data[0]>>4 != 4 {
		return ipv4Header{}, fmt.Errorf("netstack: unsupported ip version %d", data[0]>>4)
	}
	headerLen := int(data[0]&0x0f) * 4
	if len(data) < headerLen {
		return ipv4Header{}, fmt.Errorf("netstack: ipv4 header length mismatch: %d", headerLen)
	}
	return ipv4Header{
		headerLen: headerLen,
		protocol:  data[9],
		src:       net.IP(append([]byte(nil), data[12:16]...)),
		dst:       net.IP(append([]byte(nil), data[16:20]...)),
		payload:   data[headerLen:],
	}, nil
}

func ipv4Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

func pseudoHeaderSum(src, dst net.IP, protocol byte, length int) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src.To4()[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src.To4()[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst.To4()[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst.To4()[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func transportChecksum(src, dst net.IP, protocol byte, payload []byte) uint16 {
	sum := pseudoHeaderSum(src, dst, protocol, len(payload))
	for i := 0; i+1 < len(payload); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(payload[i : i+2]))
	}
	if len(payload)%2 == 1 {
		sum += uint32(payload[len(payload)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// buildIPv4Frame writes a complete ethernet+ipv4 frame around payload and
// returns it, addressed to the guest.
func (s *Stack) buildIPv4Frame(dstMAC [6]byte, src, dst net.IP, protocol byte, payload []byte) []byte {
	frame := make([]byte, ethernetHeaderLen+ipv4HeaderLen+len(payload))
	buildEthernetHeader(frame, dstMAC, s.hostMAC, etherTypeIPv4)

	ip := frame[ethernetHeaderLen:]
	totalLen := ipv4HeaderLen + len(payload)
	ip[0] = (4 << 4) | (ipv4HeaderLen / 4)
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(ip[4:6], uint16(s.rng31()))
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = 64
	ip[9] = protocol
	copy(ip[12:16], src.To4())
	copy(ip[16:20], dst.To4())
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip[:ipv4HeaderLen]))
	copy(ip[ipv4HeaderLen:], payload)
	return frame
}

func (s *Stack) rng31() int32 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Int31()
}

func (s *Stack) handleIPv4(data []byte) error {
	h, err := parseIPv4Header(data)
	if err != nil {
		return err
	}
	if !h.dst.Equal(s.hostIP) {
		// Not addressed to the gateway; this stack only terminates traffic
		// aimed at the host side of the virtual subnet.
		return nil
	}
	switch h.protocol {
	case protoICMP:
		return s.handleICMP(h)
	case protoUDP:
		return s.handleUDP(h)
	case protoTCP:
		return s.handleTCP(h)
	default:
		return nil
	}
}

////////////////////////////////////////////////////////////////////////////
// ICMP echo.
////////////////////////////////////////////////////////////////////////////

func (s *Stack) handleICMP(h ipv4Header) error {
	if len(h.payload) < 8 || h.payload[0] != icmpEchoRequest {
		return nil
	}
	guestMAC, ok := s.guestMACSnapshot()
	if !ok {
		return nil
	}

	reply := append([]byte(nil), h.payload...)
	reply[0] = icmpEchoReply
	reply[2], reply[3] = 0, 0
	binary.BigEndian.PutUint16(reply[2:4], icmpChecksum(reply))

	frame := s.buildIPv4Frame(guestMAC, s.hostIP, h.src, protoICMP, reply)
	s.queueFrame(frame)
	return nil
}

func icmpChecksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

////////////////////////////////////////////////////////////////////////////
// UDP: DHCP server plus generic NAT forwarding.
////////////////////////////////////////////////////////////////////////////

type udpFlowKey struct {
	srcPort uint16
	dstPort uint16
}

// udpFlow is an ephemeral outbound UDP NAT mapping: the guest's srcPort maps
// to one real socket dialed toward 127.0.0.1:dstPort, and any reply within
// udpFlowIdleTimeout is translated back to a frame for the guest.
type udpFlow struct {
	conn    net.Conn
	srcIP   net.IP
	srcPort uint16
}

const udpFlowIdleTimeout = 30 * time.Second

func (s *Stack) handleUDP(h ipv4Header) error {
	if len(h.payload) < udpHeaderLen {
		return fmt.Errorf("netstack: short udp packet: %d bytes", len(h.payload))
	}
	srcPort := binary.BigEndian.Uint16(h.payload[0:2])
	dstPort := binary.BigEndian.Uint16(h.payload[2:4])
	length := binary.BigEndian.Uint16(h.payload[4:6])
	if int(length) > len(h.payload) || length < udpHeaderLen {
		return fmt.Errorf("netstack: bad udp length %d", length)
	}
	data := h.payload[8:length]

	if dstPort == dhcpServerPort {
		return s.handleDHCP(srcPort, data)
	}

	return s.forwardUDP(h.src, srcPort, dstPort, data)
}

// forwardUDP relays one guest-originated UDP datagram through a per-flow
// NAT mapping keyed by (guest source port, destination port): spec.md's
// single-guest NAT doesn't need to disambiguate concurrent flows to
// different destinations from the same ephemeral port.
func (s *Stack) forwardUDP(srcIP net.IP, srcPort, dstPort uint16, data []byte) error {
	key := udpFlowKey{srcPort: srcPort, dstPort: dstPort}

	s.udpMu.Lock()
	flow, ok := s.udpFlows[key]
	s.udpMu.Unlock()

	if !ok {
		return s.dialUDP(key, srcIP, srcPort, dstPort, data)
	}
	_, err := flow.conn.Write(data)
	return err
}

func (s *Stack) dialUDP(key udpFlowKey, srcIP net.IP, srcPort, dstPort uint16, firstPayload []byte) error {
	// The real destination address for generic NAT forwarding is resolved by
	// the monitor's configuration (e.g. a default route to the host's own
	// network namespace); since this device only ever sees traffic addressed
	// to the gateway (handleIPv4 enforces that), "forward" here means relay
	// to 127.0.0.1:dstPort, the same loopback-proxy convention kvmtool's
	// slirp default uses for the handful of UDP services a guest dials
	// through its gateway (notably DNS).
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", dstPort))
	if err != nil {
		return fmt.Errorf("netstack: dial udp flow: %w", err)
	}
	flow := &udpFlow{conn: conn, srcIP: srcIP, srcPort: srcPort}

	s.udpMu.Lock()
	if s.udpFlows == nil {
		s.udpMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.udpFlows[key] = flow
	s.udpMu.Unlock()

	go s.pumpUDPReplies(key, dstPort, flow)

	_, err = conn.Write(firstPayload)
	return err
}

func (s *Stack) pumpUDPReplies(key udpFlowKey, dstPort uint16, flow *udpFlow) {
	defer func() {
		flow.conn.Close()
		s.udpMu.Lock()
		if s.udpFlows != nil && s.udpFlows[key] == flow {
			delete(s.udpFlows, key)
		}
		s.udpMu.Unlock()
	}()

	buf := make([]byte, 65507)
	for {
		flow.conn.SetReadDeadline(time.Now().Add(udpFlowIdleTimeout))
		n, err := flow.conn.Read(buf)
		if err != nil {
			return
		}
		guestMAC, ok := s.guestMACSnapshot()
		if !ok {
			continue
		}
		s.sendUDPToGuest(guestMAC, s.hostIP, flow.srcIP, dstPort, flow.srcPort, buf[:n])
	}
}

func (s *Stack) sendUDPToGuest(guestMAC [6]byte, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) {
	udp := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[8:], payload)
	binary.BigEndian.PutUint16(udp[6:8], transportChecksum(srcIP, dstIP, protoUDP, udp))

	frame := s.buildIPv4Frame(guestMAC, srcIP, dstIP, protoUDP, udp)
	s.queueFrame(frame)
}

////////////////////////////////////////////////////////////////////////////
// TCP: SYN-triggered NAT relay to the host's loopback, per dstPort.
////////////////////////////////////////////////////////////////////////////

type tcpFlowKey struct {
	srcPort, dstPort uint16
}

type tcpFlow struct {
	mu       sync.Mutex
	stack    *Stack
	key      tcpFlowKey
	srcIP    net.IP
	guestSeq uint32 // next sequence number expected from the guest
	hostSeq  uint32 // next sequence number this flow will send
	conn     net.Conn
	closed   bool
}

func (s *Stack) handleTCP(h ipv4Header) error {
	if len(h.payload) < tcpHeaderLen {
		return fmt.Errorf("netstack: short tcp segment: %d bytes", len(h.payload))
	}
	srcPort := binary.BigEndian.Uint16(h.payload[0:2])
	dstPort := binary.BigEndian.Uint16(h.payload[2:4])
	seq := binary.BigEndian.Uint32(h.payload[4:8])
	ack := binary.BigEndian.Uint32(h.payload[8:12])
	dataOff := int(h.payload[12]>>4) * 4
	flags := h.payload[13]
	if dataOff > len(h.payload) {
		return fmt.Errorf("netstack: tcp header length mismatch: %d", dataOff)
	}
	payload := h.payload[dataOff:]

	key := tcpFlowKey{srcPort: srcPort, dstPort: dstPort}

	s.tcpMu.Lock()
	flow, ok := s.tcpFlows[key]
	s.tcpMu.Unlock()

	if !ok {
		if flags&tcpFlagSYN == 0 {
			return nil
		}
		return s.openTCPFlow(key, h.src, seq)
	}
	return flow.handleSegment(flags, seq, ack, payload)
}

func (s *Stack) openTCPFlow(key tcpFlowKey, srcIP net.IP, guestSYN uint32) error {
	conn, err := net.DialTimeout("tcp4", fmt.Sprintf("127.0.0.1:%d", key.dstPort), 5*time.Second)
	if err != nil {
		return s.sendTCPSegment(key, srcIP, s.rng31Uint32(), guestSYN+1, tcpFlagRST|tcpFlagACK, nil)
	}

	flow := &tcpFlow{
		stack:    s,
		key:      key,
		srcIP:    srcIP,
		guestSeq: guestSYN + 1,
		hostSeq:  s.rng31Uint32(),
		conn:     conn,
	}

	s.tcpMu.Lock()
	if s.tcpFlows == nil {
		s.tcpMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.tcpFlows[key] = flow
	s.tcpMu.Unlock()

	seq := flow.hostSeq
	flow.hostSeq++
	if err := s.sendTCPSegment(key, srcIP, seq, flow.guestSeq, tcpFlagSYN|tcpFlagACK, nil); err != nil {
		return err
	}

	go flow.pumpHostReads()
	return nil
}

func (s *Stack) rng31Uint32() uint32 {
	return uint32(s.rng31())
}

func (f *tcpFlow) handleSegment(flags byte, seq, ack uint32, payload []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	if flags&tcpFlagRST != 0 {
		f.mu.Unlock()
		f.close()
		return nil
	}
	if len(payload) > 0 {
		if seq != f.guestSeq {
			f.mu.Unlock()
			return nil
		}
		f.guestSeq += uint32(len(payload))
		conn := f.conn
		ackSeq, ackNum := f.hostSeq, f.guestSeq
		f.mu.Unlock()

		if _, err := conn.Write(payload); err != nil {
			f.close()
			return nil
		}
		return f.stack.sendTCPSegment(f.key, f.srcIP, ackSeq, ackNum, tcpFlagACK, nil)
	}
	if flags&tcpFlagFIN != 0 {
		f.guestSeq++
		ackSeq, ackNum := f.hostSeq, f.guestSeq
		f.hostSeq++
		f.mu.Unlock()
		if err := f.stack.sendTCPSegment(f.key, f.srcIP, ackSeq, ackNum, tcpFlagACK, nil); err != nil {
			return err
		}
		err := f.stack.sendTCPSegment(f.key, f.srcIP, ackSeq+1, ackNum, tcpFlagFIN|tcpFlagACK, nil)
		f.close()
		return err
	}
	f.mu.Unlock()
	return nil
}

// pumpHostReads relays bytes arriving on the real socket back to the guest
// as PSH/ACK segments, closing the flow (with a FIN) once the real peer
// closes its side.
func (f *tcpFlow) pumpHostReads() {
	buf := make([]byte, 4096)
	for {
		n, err := f.conn.Read(buf)
		if n > 0 {
			f.mu.Lock()
			if f.closed {
				f.mu.Unlock()
				return
			}
			seq := f.hostSeq
			ack := f.guestSeq
			f.hostSeq += uint32(n)
			f.mu.Unlock()
			if sendErr := f.stack.sendTCPSegment(f.key, f.srcIP, seq, ack, tcpFlagACK|tcpFlagPSH, buf[:n]); sendErr != nil {
				f.close()
				return
			}
		}
		if err != nil {
			f.mu.Lock()
			if f.closed {
				f.mu.Unlock()
				return
			}
			seq, ack := f.hostSeq, f.guestSeq
			f.hostSeq++
			f.mu.Unlock()
			f.stack.sendTCPSegment(f.key, f.srcIP, seq, ack, tcpFlagFIN|tcpFlagACK, nil)
			f.close()
			return
		}
	}
}

func (f *tcpFlow) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.closeLocked()
}

// closeLocked tears down the flow's socket and removes it from the stack's
// table; it may be called with or without the flow's own mu held by the
// caller already having set closed=true (Stack.Close iterates without it).
func (f *tcpFlow) closeLocked() {
	f.conn.Close()
	f.stack.tcpMu.Lock()
	if f.stack.tcpFlows != nil && f.stack.tcpFlows[f.key] == f {
		delete(f.stack.tcpFlows, f.key)
	}
	f.stack.tcpMu.Unlock()
}

func (s *Stack) sendTCPSegment(key tcpFlowKey, dstIP net.IP, seq, ack uint32, flags byte, payload []byte) error {
	guestMAC, ok := s.guestMACSnapshot()
	if !ok {
		return nil
	}

	seg := make([]byte, tcpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], key.dstPort)
	binary.BigEndian.PutUint16(seg[2:4], key.srcPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = byte((tcpHeaderLen / 4) << 4)
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], 65535)
	copy(seg[tcpHeaderLen:], payload)
	binary.BigEndian.PutUint16(seg[16:18], transportChecksum(s.hostIP, dstIP, protoTCP, seg))

	frame := s.buildIPv4Frame(guestMAC, s.hostIP, dstIP, protoTCP, seg)
	s.queueFrame(frame)
	return nil
}

////////////////////////////////////////////////////////////////////////////
// DHCP (DISCOVER/OFFER/REQUEST/ACK only).
////////////////////////////////////////////////////////////////////////////

const (
	dhcpOpRequest = 1
	dhcpOpReply   = 2
	dhcpMagic     = 0x63825363

	dhcpMsgDiscover = 1
	dhcpMsgOffer    = 2
	dhcpMsgRequest  = 3
	dhcpMsgAck      = 5

	optMessageType  = 53
	optServerID     = 54
	optLeaseTime    = 51
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optRequestedIP  = 50
	optEnd          = 255
	dhcpLeaseSecs   = 3600
	dhcpFixedFields = 236 // op..options, excluding the 4-byte magic cookie
)

// handleDHCP answers DISCOVER with OFFER and REQUEST with ACK, always
// leasing the stack's configured guestIP — this monitor serves exactly one
// guest, so there's no address pool to manage.
func (s *Stack) handleDHCP(guestPort uint16, data []byte) error {
	if len(data) < dhcpFixedFields+4 || data[0] != dhcpOpRequest {
		return nil
	}
	xid := data[4:8]
	chaddr := data[28:34]
	opts := data[dhcpFixedFields+4:]

	msgType := findDHCPOption(opts, optMessageType)
	if len(msgType) != 1 {
		return nil
	}

	var replyType byte
	switch msgType[0] {
	case dhcpMsgDiscover:
		replyType = dhcpMsgOffer
	case dhcpMsgRequest:
		replyType = dhcpMsgAck
	default:
		return nil
	}

	var guestMAC [6]byte
	copy(guestMAC[:], chaddr)
	s.recordGuestMAC(guestMAC)

	reply := make([]byte, dhcpFixedFields+4, dhcpFixedFields+4+64)
	reply[0] = dhcpOpReply
	reply[1] = 1 // htype = ethernet
	reply[2] = 6 // hlen
	copy(reply[4:8], xid)
	copy(reply[16:20], s.guestIP.To4())
	copy(reply[20:24], s.hostIP.To4())
	copy(reply[28:34], chaddr)
	binary.BigEndian.PutUint32(reply[dhcpFixedFields:dhcpFixedFields+4], dhcpMagic)

	reply = appendDHCPOption(reply, optMessageType, []byte{replyType})
	reply = appendDHCPOption(reply, optServerID, s.hostIP.To4())
	reply = appendDHCPOption(reply, optLeaseTime, beUint32(dhcpLeaseSecs))
	reply = appendDHCPOption(reply, optSubnetMask, s.netmask)
	reply = appendDHCPOption(reply, optRouter, s.hostIP.To4())
	reply = appendDHCPOption(reply, optDNS, s.hostIP.To4())
	reply = append(reply, optEnd)

	s.sendUDPToGuest(guestMAC, s.hostIP, s.guestIP, dhcpServerPort, dhcpClientPort, reply)
	return nil
}

func findDHCPOption(opts []byte, code byte) []byte {
	for i := 0; i+1 < len(opts); {
		c := opts[i]
		if c == optEnd || c == 0 {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		l := int(opts[i+1])
		if i+2+l > len(opts) {
			break
		}
		if c == code {
			return opts[i+2 : i+2+l]
		}
		i += 2 + l
	}
	return nil
}

func appendDHCPOption(buf []byte, code byte, value []byte) []byte {
	buf = append(buf, code, byte(len(value)))
	return append(buf, value...)
}

func beUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
