package netstack

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	gchecksum "gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/faketime"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	testStackMAC = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testPeerMAC  = MAC{0x0a, 0x42, 0x00, 0x00, 0x00, 0x02}
	testStackIP  = IPv4{10, 0, 0, 1}
	testPeerIP   = IPv4{10, 0, 0, 2}
	// testUnresolvedIP is on the local subnet but absent from the ARP cache.
	testUnresolvedIP = IPv4{10, 0, 0, 3}
)

// recordingNIC captures every transmitted frame.
type recordingNIC struct {
	mu        sync.Mutex
	frames    [][]byte
	returned  int
	failAlloc bool
}

func (n *recordingNIC) AllocateSendBuffer(size int) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAlloc {
		return nil, errors.New("out of buffers")
	}
	buf := make([]byte, size)
	// Buffers are not guaranteed to be zeroed.
	for i := range buf {
		buf[i] = 0xa5
	}
	return buf, nil
}

func (n *recordingNIC) Transmit(buf []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames = append(n.frames, append([]byte(nil), buf...))
	return nil
}

func (n *recordingNIC) ReturnReceiveBuffer([]byte) {
	n.mu.Lock()
	n.returned++
	n.mu.Unlock()
}

// take drains the recorded frames.
func (n *recordingNIC) take() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.frames
	n.frames = nil
	return out
}

type testEnv struct {
	tb    testing.TB
	s     *Stack
	dev   *Device
	nic   *recordingNIC
	clock *faketime.ManualClock
}

// newTestStack builds a stack with one device on 10.0.0.0/24, the peer
// pre-seeded in the ARP cache and a manual clock. Run is not started; tests
// drive processing with deliver and time with advance.
func newTestStack(tb testing.TB, opts Options) *testEnv {
	tb.Helper()

	clock := faketime.NewManualClock()
	if opts.Clock == nil {
		opts.Clock = clock
	}
	if opts.InitialSequence == nil {
		opts.InitialSequence = func() uint32 { return 1000 }
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(logger, opts)

	nic := &recordingNIC{}
	dev, err := s.AddDevice("eth0", testStackMAC, testStackIP, nic)
	if err != nil {
		tb.Fatalf("add device: %v", err)
	}
	if err := s.AddRoute(IPv4{10, 0, 0, 0}, 24, dev); err != nil {
		tb.Fatalf("add route: %v", err)
	}
	s.AddStaticARP(testPeerIP, testPeerMAC)

	tb.Cleanup(func() { _ = s.Close() })
	return &testEnv{tb: tb, s: s, dev: dev, nic: nic, clock: clock}
}

func (e *testEnv) deliver(frames ...[]byte) {
	e.tb.Helper()
	for _, f := range frames {
		e.dev.Deliver(f)
	}
	e.s.ProcessPending()
}

func (e *testEnv) advance(d time.Duration) {
	e.clock.Advance(d)
	e.s.SweepTimeouts()
}

// sentOne returns the single frame transmitted since the last call.
func (e *testEnv) sentOne() []byte {
	e.tb.Helper()
	frames := e.nic.take()
	if len(frames) != 1 {
		e.tb.Fatalf("expected exactly one transmitted frame, got %d", len(frames))
	}
	return frames[0]
}

func (e *testEnv) expectSilence() {
	e.tb.Helper()
	if frames := e.nic.take(); len(frames) != 0 {
		e.tb.Fatalf("expected no transmitted frames, got %d", len(frames))
	}
}

////////////////////////////////////////////////////////////////////////////////
// Frame builders. These use gVisor's header package so that our parsers are
// exercised against an independent encoder.
////////////////////////////////////////////////////////////////////////////////

func linkAddr(m MAC) tcpip.LinkAddress { return tcpip.LinkAddress(string(m[:])) }
func netAddr(ip IPv4) tcpip.Address    { return tcpip.AddrFrom4(ip) }

func buildEthernet(dst, src MAC, t EtherType, payload []byte) []byte {
	frame := make([]byte, header.EthernetMinimumSize+len(payload))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: linkAddr(src),
		DstAddr: linkAddr(dst),
		Type:    tcpip.NetworkProtocolNumber(t),
	})
	copy(frame[header.EthernetMinimumSize:], payload)
	return frame
}

func buildIPv4(src, dst IPv4, proto protocolNumber, payload []byte) []byte {
	pkt := make([]byte, header.IPv4MinimumSize+len(payload))
	ip := header.IPv4(pkt)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(pkt)),
		ID:          7,
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     netAddr(src),
		DstAddr:     netAddr(dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(pkt[header.IPv4MinimumSize:], payload)
	return pkt
}

func buildARP(op header.ARPOp, senderMAC MAC, senderIP IPv4, targetMAC MAC, targetIP IPv4) []byte {
	b := make([]byte, header.ARPSize)
	a := header.ARP(b)
	a.SetIPv4OverEthernet()
	a.SetOp(op)
	copy(a.HardwareAddressSender(), senderMAC[:])
	copy(a.ProtocolAddressSender(), senderIP[:])
	copy(a.HardwareAddressTarget(), targetMAC[:])
	copy(a.ProtocolAddressTarget(), targetIP[:])
	return b
}

// peerARPReply is the peer answering the stack's request for ip.
func peerARPReply(ip IPv4, mac MAC) []byte {
	return buildEthernet(testStackMAC, mac, EtherTypeARP,
		buildARP(header.ARPReply, mac, ip, testStackMAC, testStackIP))
}

func buildUDP(src, dst IPv4, srcPort, dstPort uint16, payload []byte, withChecksum bool) []byte {
	seg := make([]byte, header.UDPMinimumSize+len(payload))
	u := header.UDP(seg)
	u.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(len(seg)),
	})
	copy(seg[header.UDPMinimumSize:], payload)
	if withChecksum {
		xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, netAddr(src), netAddr(dst), uint16(len(seg)))
		xsum = gchecksum.Checksum(payload, xsum)
		u.SetChecksum(^u.CalculateChecksum(xsum))
	}
	return seg
}

// peerUDP is a datagram from the peer to the stack.
func peerUDP(srcPort, dstPort uint16, payload []byte) []byte {
	seg := buildUDP(testPeerIP, testStackIP, srcPort, dstPort, payload, true)
	return buildEthernet(testStackMAC, testPeerMAC, EtherTypeIPv4,
		buildIPv4(testPeerIP, testStackIP, udpProtocolNumber, seg))
}

type tcpSeg struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            header.TCPFlags
	window           uint16
	payload          []byte
}

func buildTCP(src, dst IPv4, s tcpSeg) []byte {
	seg := make([]byte, header.TCPMinimumSize+len(s.payload))
	t := header.TCP(seg)
	window := s.window
	if window == 0 && s.flags&header.TCPFlagRst == 0 {
		window = 0xffff
	}
	t.Encode(&header.TCPFields{
		SrcPort:    s.srcPort,
		DstPort:    s.dstPort,
		SeqNum:     s.seq,
		AckNum:     s.ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      s.flags,
		WindowSize: window,
	})
	copy(seg[header.TCPMinimumSize:], s.payload)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, netAddr(src), netAddr(dst), uint16(len(seg)))
	xsum = gchecksum.Checksum(s.payload, xsum)
	t.SetChecksum(^t.CalculateChecksum(xsum))
	return seg
}

// peerTCP is a segment from the peer to the stack.
func peerTCP(s tcpSeg) []byte {
	return buildEthernet(testStackMAC, testPeerMAC, EtherTypeIPv4,
		buildIPv4(testPeerIP, testStackIP, tcpProtocolNumber, buildTCP(testPeerIP, testStackIP, s)))
}

////////////////////////////////////////////////////////////////////////////////
// Frame decoders for transmitted frames, validating checksums on the way.
////////////////////////////////////////////////////////////////////////////////

type sentIPv4 struct {
	eth     header.Ethernet
	ip      header.IPv4
	src     IPv4
	dst     IPv4
	payload []byte
}

func mustParseSentIPv4(tb testing.TB, frame []byte) sentIPv4 {
	tb.Helper()
	if len(frame) < header.EthernetMinimumSize+header.IPv4MinimumSize {
		tb.Fatalf("frame too short for ipv4: %d", len(frame))
	}
	eth := header.Ethernet(frame)
	if eth.Type() != header.IPv4ProtocolNumber {
		tb.Fatalf("unexpected ethertype %#04x", eth.Type())
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if ip.HeaderLength() != header.IPv4MinimumSize {
		tb.Fatalf("unexpected ipv4 header length %d", ip.HeaderLength())
	}
	if gchecksum.Checksum(ip[:header.IPv4MinimumSize], 0) != 0xffff {
		tb.Fatalf("bad ipv4 header checksum")
	}
	if int(ip.TotalLength()) != len(ip) {
		tb.Fatalf("ipv4 total length %d, frame carries %d", ip.TotalLength(), len(ip))
	}
	return sentIPv4{
		eth:     eth,
		ip:      ip,
		src:     IPv4(ip.SourceAddress().As4()),
		dst:     IPv4(ip.DestinationAddress().As4()),
		payload: ip.Payload(),
	}
}

func transportValid(src, dst IPv4, proto tcpip.TransportProtocolNumber, seg []byte) bool {
	xsum := header.PseudoHeaderChecksum(proto, netAddr(src), netAddr(dst), uint16(len(seg)))
	return gchecksum.Checksum(seg, xsum) == 0xffff
}

func mustParseSentTCP(tb testing.TB, frame []byte) tcpSeg {
	tb.Helper()
	p := mustParseSentIPv4(tb, frame)
	if p.ip.Protocol() != uint8(header.TCPProtocolNumber) {
		tb.Fatalf("expected tcp, got protocol %d", p.ip.Protocol())
	}
	if !transportValid(p.src, p.dst, header.TCPProtocolNumber, p.payload) {
		tb.Fatalf("bad tcp checksum")
	}
	t := header.TCP(p.payload)
	return tcpSeg{
		srcPort: t.SourcePort(),
		dstPort: t.DestinationPort(),
		seq:     t.SequenceNumber(),
		ack:     t.AckNumber(),
		flags:   t.Flags(),
		window:  t.WindowSize(),
		payload: append([]byte(nil), t.Payload()...),
	}
}

type udpDatagramOut struct {
	srcPort, dstPort uint16
	payload          []byte
}

func mustParseSentUDP(tb testing.TB, frame []byte) udpDatagramOut {
	tb.Helper()
	p := mustParseSentIPv4(tb, frame)
	if p.ip.Protocol() != uint8(header.UDPProtocolNumber) {
		tb.Fatalf("expected udp, got protocol %d", p.ip.Protocol())
	}
	u := header.UDP(p.payload)
	if u.Checksum() == 0 || !transportValid(p.src, p.dst, header.UDPProtocolNumber, p.payload) {
		tb.Fatalf("bad udp checksum %#04x", u.Checksum())
	}
	return udpDatagramOut{
		srcPort: u.SourcePort(),
		dstPort: u.DestinationPort(),
		payload: append([]byte(nil), u.Payload()...),
	}
}

func flagsOf(s tcpSeg) string { return tcpFlagsString(uint8(s.flags)) }
