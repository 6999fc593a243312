// Package test runs the stack against gVisor's netstack over an in-memory
// Ethernet link.
package test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/tinyrange/knet/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	gvisorNICID tcpip.NICID = 1
)

var (
	kernelIPv4 = netstack.IPv4{10, 42, 0, 1}
	peerIPv4   = netstack.IPv4{10, 42, 0, 2}

	kernelMAC = netstack.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// gvisorHarness wires one Stack device to a gVisor NIC. Every frame crossing
// the link is also copied to an observation channel.
type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	// stack under test
	ns  *netstack.Stack
	dev *netstack.Device

	// gVisor peer
	gs *stack.Stack
	ch *channel.Endpoint

	g2k chan []byte // gVisor -> stack
	k2g chan []byte // stack -> gVisor
}

// linkNIC is the stack's side of the link.
type linkNIC struct {
	h *gvisorHarness
}

func (n *linkNIC) AllocateSendBuffer(size int) ([]byte, error) { return make([]byte, size), nil }
func (n *linkNIC) ReturnReceiveBuffer([]byte)                  {}

func (n *linkNIC) Transmit(frame []byte) error {
	out := append([]byte(nil), frame...)
	select {
	case n.h.k2g <- out:
	default:
		n.h.t.Errorf("k2g frame buffer full")
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(out),
	})
	// The ethernet endpoint parses the link header itself.
	n.h.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

func addrFrom(ip netstack.IPv4) tcpip.Address {
	return tcpip.AddrFrom4(ip)
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:      tb,
		ctx:    ctx,
		cancel: cancel,
		g2k:    make(chan []byte, 4096),
		k2g:    make(chan []byte, 4096),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	h.ns = netstack.New(logger, netstack.Options{})
	dev, err := h.ns.AddDevice("eth0", kernelMAC, kernelIPv4, &linkNIC{h: h})
	if err != nil {
		tb.Fatalf("add device: %v", err)
	}
	h.dev = dev
	if err := h.ns.AddRoute(netstack.IPv4{10, 42, 0, 0}, 24, dev); err != nil {
		tb.Fatalf("add route: %v", err)
	}

	// channel.Endpoint's MTU is the L2 MTU as far as ethernet.Endpoint is
	// concerned; it subtracts the header to get a 1500 byte L3 MTU.
	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(peerMAC)))
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ethernet.New(h.ch)); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   addrFrom(peerIPv4),
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
			Gateway:     addrFrom(kernelIPv4),
			NIC:         gvisorNICID,
		},
	})

	// gVisor -> stack
	go func() {
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			out := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()

			select {
			case h.g2k <- out:
			default:
				tb.Errorf("g2k frame buffer full")
			}
			h.dev.Deliver(out)
		}
	}()

	go h.ns.Run(ctx)

	tb.Cleanup(func() {
		h.cancel()
		_ = h.ns.Close()
		h.ch.Close()
		h.gs.Close()
	})
	return h
}

func awaitFrame(tb testing.TB, ch <-chan []byte, timeout time.Duration) []byte {
	tb.Helper()
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case f := <-ch:
		return f
	case <-time.After(timeout):
		tb.Fatalf("timeout waiting for frame")
		return nil
	}
}

func parseEthernet(frame []byte) (etherType uint16, payload []byte) {
	if len(frame) < header.EthernetMinimumSize {
		return 0, nil
	}
	return binary.BigEndian.Uint16(frame[12:14]), frame[header.EthernetMinimumSize:]
}

// awaitTCPPayload returns the first non-empty TCP payload seen on frames.
func awaitTCPPayload(tb testing.TB, frames <-chan []byte, timeout time.Duration) []byte {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		et, payload := parseEthernet(awaitFrame(tb, frames, time.Until(deadline)))
		if et != uint16(header.IPv4ProtocolNumber) || !header.IPv4(payload).IsValid(len(payload)) {
			continue
		}
		ip := header.IPv4(payload)
		if ip.TransportProtocol() != header.TCPProtocolNumber {
			continue
		}
		seg := header.TCP(ip.Payload())
		if len(seg) < header.TCPMinimumSize || int(seg.DataOffset()) > len(seg) {
			continue
		}
		if data := seg.Payload(); len(data) > 0 {
			return append([]byte(nil), data...)
		}
	}
	tb.Fatalf("timeout waiting for tcp payload frame")
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// gVisor side helpers.
////////////////////////////////////////////////////////////////////////////////

func gvisorDialTCP(tb testing.TB, gs *stack.Stack, dst netstack.IPv4, port uint16) net.Conn {
	tb.Helper()
	c, err := gvisorTryDialTCP(gs, dst, port)
	if err != nil {
		tb.Fatalf("gvisor dial tcp: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

func gvisorTryDialTCP(gs *stack.Stack, dst netstack.IPv4, port uint16) (net.Conn, error) {
	return gvisorDialTimeout(gs, dst, port, 5*time.Second)
}

func gvisorDialTimeout(gs *stack.Stack, dst netstack.IPv4, port uint16, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return gonet.DialContextTCP(ctx, gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: addrFrom(dst),
		Port: port,
	}, ipv4.ProtocolNumber)
}

func gvisorListenTCP(tb testing.TB, gs *stack.Stack, port uint16) net.Listener {
	tb.Helper()
	ln, err := gonet.ListenTCP(gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: addrFrom(peerIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor listen tcp: %v", err)
	}
	tb.Cleanup(func() { _ = ln.Close() })
	return ln
}

func gvisorNewEndpoint(tb testing.TB, gs *stack.Stack, proto tcpip.TransportProtocolNumber) tcpip.Endpoint {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(proto, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new endpoint: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep
}

func gvisorDialUDP(tb testing.TB, gs *stack.Stack, localPort uint16) tcpip.Endpoint {
	tb.Helper()
	ep := gvisorNewEndpoint(tb, gs, udp.ProtocolNumber)
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: addrFrom(peerIPv4),
		Port: localPort,
	}); terr != nil {
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	return ep
}

func gvisorWriteTo(tb testing.TB, ep tcpip.Endpoint, dst netstack.IPv4, port uint16, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: addrFrom(dst),
			Port: port,
		},
	})
	if terr != nil {
		tb.Fatalf("gvisor write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor short write: %d != %d", n, len(payload))
	}
}

func gvisorRead(tb testing.TB, ep tcpip.Endpoint, timeout time.Duration) (data []byte, from tcpip.FullAddress) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		buf := make([]byte, 64*1024)
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return buf[:rr.Count], rr.RemoteAddr
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); !ok {
			tb.Fatalf("gvisor read: %v", terr)
		}
		if time.Now().After(deadline) {
			tb.Fatalf("timeout waiting for gvisor read")
		}
		time.Sleep(time.Millisecond)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Stack side helpers. Blocking socket calls run in a goroutine so a stuck
// exchange fails the test instead of hanging it.
////////////////////////////////////////////////////////////////////////////////

func within[T any](tb testing.TB, timeout time.Duration, what string, f func() (T, error)) T {
	tb.Helper()
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := f()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			tb.Fatalf("%s: %v", what, r.err)
		}
		return r.v
	case <-time.After(timeout):
		tb.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

func bindTCP(tb testing.TB, s *netstack.Stack, port uint16) *netstack.TCPBind {
	tb.Helper()
	b, err := s.BindTCP(nil, netstack.IPv4Any, port)
	if err != nil {
		tb.Fatalf("bind tcp: %v", err)
	}
	tb.Cleanup(func() { _ = b.Close() })
	return b
}

// acceptAsync starts a blocking Accept. Our stack only answers a SYN once it
// is accepted, so this must run while the peer dials.
func acceptAsync(b *netstack.TCPBind) <-chan *netstack.TCPSocket {
	ch := make(chan *netstack.TCPSocket, 1)
	go func() {
		sock, err := b.Accept(0)
		if err != nil {
			close(ch)
			return
		}
		ch <- sock
	}()
	return ch
}

func awaitAccept(tb testing.TB, ch <-chan *netstack.TCPSocket) *netstack.TCPSocket {
	tb.Helper()
	select {
	case sock, ok := <-ch:
		if !ok {
			tb.Fatalf("accept failed")
		}
		tb.Cleanup(func() { _ = sock.Close() })
		return sock
	case <-time.After(3 * time.Second):
		tb.Fatalf("timeout waiting for accept")
		return nil
	}
}

// readFull reads exactly n bytes from sock.
func readFull(tb testing.TB, sock *netstack.TCPSocket, n int) []byte {
	tb.Helper()
	return within(tb, 10*time.Second, "socket read", func() ([]byte, error) {
		out := make([]byte, 0, n)
		buf := make([]byte, 2048)
		for len(out) < n {
			m, err := sock.Read(buf[:min(len(buf), n-len(out))], 0)
			if err != nil {
				return out, err
			}
			out = append(out, buf[:m]...)
		}
		return out, nil
	})
}

// waitState polls until the socket's connection reaches want.
func waitState(tb testing.TB, sock *netstack.TCPSocket, want netstack.TCPState) netstack.SocketInfo {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		info := sock.Info()
		if info.State == want {
			return info
		}
		if time.Now().After(deadline) {
			tb.Fatalf("socket state %s, want %s", info.State, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func writeAll(tb testing.TB, sock *netstack.TCPSocket, p []byte) {
	tb.Helper()
	within(tb, 5*time.Second, "socket write", func() (int, error) {
		return sock.Write(p, 0)
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
