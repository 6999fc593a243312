package netstack

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestUDPInboundAndOutbound(t *testing.T) {
	env := newTestStack(t, Options{})

	sock, err := env.s.OpenUDP(testPeerIP, 7000, 1053)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}

	env.deliver(peerUDP(40000, 1053, []byte("ping")))

	buf := make([]byte, 64)
	n, err := sock.Read(buf, ReadNonBlocking)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("read = %q, %v", buf[:n], err)
	}
	if n, err := sock.Read(buf, ReadNonBlocking); n != 0 || err != nil {
		t.Fatalf("empty non-blocking read = %d, %v", n, err)
	}

	if _, err := sock.Write([]byte("pong"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	d := mustParseSentUDP(t, env.sentOne())
	if diff := cmp.Diff(udpDatagramOut{srcPort: 1053, dstPort: 7000, payload: []byte("pong")}, d,
		cmp.AllowUnexported(udpDatagramOut{})); diff != "" {
		t.Fatalf("datagram mismatch (-want +got):\n%s", diff)
	}
}

func TestUDPChecksumOptional(t *testing.T) {
	env := newTestStack(t, Options{})
	sock, err := env.s.OpenUDP(IPv4Any, 0, 1053)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}

	noSum := buildUDP(testPeerIP, testStackIP, 40000, 1053, []byte("a"), false)
	env.deliver(buildEthernet(testStackMAC, testPeerMAC, EtherTypeIPv4,
		buildIPv4(testPeerIP, testStackIP, udpProtocolNumber, noSum)))

	bad := buildUDP(testPeerIP, testStackIP, 40000, 1053, []byte("b"), true)
	header.UDP(bad).SetChecksum(header.UDP(bad).Checksum() ^ 0x0101)
	env.deliver(buildEthernet(testStackMAC, testPeerMAC, EtherTypeIPv4,
		buildIPv4(testPeerIP, testStackIP, udpProtocolNumber, bad)))

	buf := make([]byte, 8)
	n, err := sock.Read(buf, ReadNonBlocking)
	if err != nil || string(buf[:n]) != "a" {
		t.Fatalf("read = %q, %v", buf[:n], err)
	}
	if n, _ := sock.Read(buf, ReadNonBlocking); n != 0 {
		t.Fatalf("datagram with bad checksum was delivered")
	}
}

func TestUDPReadBufferTooSmall(t *testing.T) {
	env := newTestStack(t, Options{})
	sock, err := env.s.OpenUDP(IPv4Any, 0, 1053)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}
	env.deliver(peerUDP(40000, 1053, []byte("0123456789")))

	if _, err := sock.Read(make([]byte, 4), ReadNonBlocking); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}

	args := make([]uint64, 2)
	n, err := sock.Ioctl(IoctlGetPendingDatagramInfo, args)
	if err != nil || n != 10 {
		t.Fatalf("pending info = %d, %v", n, err)
	}
	if IPv4FromUint32(uint32(args[0])) != testPeerIP || args[1] != 40000 {
		t.Fatalf("pending source %v", args)
	}

	buf := make([]byte, 10)
	if n, err := sock.Read(buf, ReadNonBlocking); err != nil || n != 10 {
		t.Fatalf("retry read = %d, %v", n, err)
	}
	if _, err := sock.Ioctl(IoctlGetPendingDatagramInfo, args); !errors.Is(err, ErrNoPendingDatagram) {
		t.Fatalf("expected ErrNoPendingDatagram, got %v", err)
	}
}

func TestUDPPortAllocation(t *testing.T) {
	env := newTestStack(t, Options{EphemeralFirst: 50000, EphemeralLast: 50001})

	a, err := env.s.OpenUDP(testPeerIP, 1, 0)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := env.s.OpenUDP(testPeerIP, 1, 0)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	if a.LocalPort() != 50000 || b.LocalPort() != 50001 {
		t.Fatalf("ports %d, %d", a.LocalPort(), b.LocalPort())
	}
	if _, err := env.s.OpenUDP(testPeerIP, 1, 0); !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
	if _, err := env.s.OpenUDP(testPeerIP, 1, 50000); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c, err := env.s.OpenUDP(testPeerIP, 1, 0)
	if err != nil || c.LocalPort() != 50000 {
		t.Fatalf("reuse after close: %v", err)
	}
}

func TestUDPQueueLimit(t *testing.T) {
	env := newTestStack(t, Options{UDPQueueLimit: 2})
	sock, err := env.s.OpenUDP(IPv4Any, 0, 1053)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}
	env.deliver(peerUDP(1, 1053, []byte("1")), peerUDP(1, 1053, []byte("2")), peerUDP(1, 1053, []byte("3")))

	var got []string
	buf := make([]byte, 8)
	for {
		n, err := sock.Read(buf, ReadNonBlocking)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n == 0 {
			break
		}
		got = append(got, string(buf[:n]))
	}
	if diff := cmp.Diff([]string{"1", "2"}, got); diff != "" {
		t.Fatalf("queued datagrams (-want +got):\n%s", diff)
	}
}

func TestUDPUnmatchedPortDropped(t *testing.T) {
	env := newTestStack(t, Options{})
	env.deliver(peerUDP(40000, 9999, []byte("nobody")))
	env.expectSilence()
}

func TestUDPIoctls(t *testing.T) {
	env := newTestStack(t, Options{})
	sock, err := env.s.OpenUDP(IPv4Any, 0, 1053)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}

	if _, err := sock.Write([]byte("x"), 0); !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("write without destination: %v", err)
	}
	if _, err := sock.Ioctl(IoctlSetDestination, []uint64{uint64(testPeerIP.Uint32()), 7}); err != nil {
		t.Fatalf("set destination: %v", err)
	}
	info := make([]uint64, socketInfoArgs)
	if _, err := sock.Ioctl(IoctlGetSocketInfo, info); err != nil {
		t.Fatalf("socket info: %v", err)
	}
	want := []uint64{uint64(testStackIP.Uint32()), 1053, uint64(testPeerIP.Uint32()), 7, 0}
	if diff := cmp.Diff(want[:4], info[:4]); diff != "" {
		t.Fatalf("socket info (-want +got):\n%s", diff)
	}

	if _, err := sock.Write([]byte("x"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if d := mustParseSentUDP(t, env.sentOne()); d.dstPort != 7 {
		t.Fatalf("sent to port %d", d.dstPort)
	}

	if _, err := sock.Ioctl(12345, nil); !errors.Is(err, ErrUnknownIoctl) {
		t.Fatalf("expected ErrUnknownIoctl, got %v", err)
	}
	if _, err := sock.Ioctl(IoctlSetDestination, []uint64{1}); !errors.Is(err, ErrBadIoctlArgs) {
		t.Fatalf("expected ErrBadIoctlArgs, got %v", err)
	}

	if err := sock.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := sock.Read(make([]byte, 1), ReadNonBlocking); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("read after close: %v", err)
	}
}

func TestUDPPayloadTooLarge(t *testing.T) {
	env := newTestStack(t, Options{})
	sock, err := env.s.OpenUDP(testPeerIP, 7, 0)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}
	if _, err := sock.Write(make([]byte, maxIPv4Payload), 0); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	env.expectSilence()
}

func TestUDPBlockingRead(t *testing.T) {
	env := newTestStack(t, Options{})
	sock, err := env.s.OpenUDP(IPv4Any, 0, 1053)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}

	type result struct {
		data string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := sock.Read(buf, 0)
		done <- result{string(buf[:n]), err}
	}()

	select {
	case r := <-done:
		t.Fatalf("blocking read returned early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	env.deliver(peerUDP(40000, 1053, []byte("wake")))
	select {
	case r := <-done:
		if r.err != nil || r.data != "wake" {
			t.Fatalf("blocking read = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked reader was not woken")
	}
}

func TestUDPBlockingReadDisabled(t *testing.T) {
	env := newTestStack(t, Options{DisableBlockingReads: true})
	sock, err := env.s.OpenUDP(IPv4Any, 0, 1053)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}
	if _, err := sock.Read(make([]byte, 4), 0); !errors.Is(err, ErrBlockingUnsupported) {
		t.Fatalf("expected ErrBlockingUnsupported, got %v", err)
	}
}

func TestUDPPacketConn(t *testing.T) {
	env := newTestStack(t, Options{})
	sock, err := env.s.OpenUDP(IPv4Any, 0, 1053)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}
	pc := sock.PacketConn()

	if err := pc.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if _, _, err := pc.ReadFrom(make([]byte, 4)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if err := pc.SetReadDeadline(time.Time{}); err != nil {
		t.Fatalf("clear deadline: %v", err)
	}

	// Oversized datagrams are truncated like a kernel socket would.
	env.deliver(peerUDP(40000, 1053, []byte("truncated")))
	buf := make([]byte, 5)
	n, addr, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from: %v", err)
	}
	if string(buf[:n]) != "trunc" {
		t.Fatalf("read %q", buf[:n])
	}
	if ua := addr.(*net.UDPAddr); !ua.IP.Equal(testPeerIP.NetIP()) || ua.Port != 40000 {
		t.Fatalf("source %s", addr)
	}

	if _, err := pc.WriteTo([]byte("reply"), &net.UDPAddr{IP: testPeerIP.NetIP(), Port: 40000}); err != nil {
		t.Fatalf("write to: %v", err)
	}
	if d := mustParseSentUDP(t, env.sentOne()); string(d.payload) != "reply" || d.dstPort != 40000 {
		t.Fatalf("sent %+v", d)
	}

	if err := pc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := pc.ReadFrom(buf); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed, got %v", err)
	}
}
