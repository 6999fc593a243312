package netstack

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gvisor.dev/gvisor/pkg/waiter"
)

type udpDatagram struct {
	src     IPv4
	srcPort uint16
	data    []byte
}

// UDPSocket is a datagram socket bound to a local port. Writes go to the
// configured destination; reads return whole datagrams in arrival order.
type UDPSocket struct {
	stack   *Stack
	srcPort uint16
	queue   waiter.Queue

	// guarded by stack.mu
	destIP       IPv4
	destPort     uint16
	inbound      []udpDatagram
	closed       bool
	readDeadline time.Time
}

// OpenUDP creates a UDP socket. A zero srcPort picks the first free
// ephemeral port; an explicit port that is already bound is rejected.
func (s *Stack) OpenUDP(destIP IPv4, destPort, srcPort uint16) (*UDPSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if srcPort == 0 {
		port, ok := s.pickEphemeralPort(func(p uint16) bool {
			_, used := s.udpSockets[p]
			return !used
		})
		if !ok {
			return nil, fmt.Errorf("udp: %w", ErrPortsExhausted)
		}
		srcPort = port
	} else if _, used := s.udpSockets[srcPort]; used {
		return nil, fmt.Errorf("udp: %w: %d", ErrPortInUse, srcPort)
	}

	sock := &UDPSocket{
		stack:    s,
		srcPort:  srcPort,
		destIP:   destIP,
		destPort: destPort,
	}
	s.udpSockets[srcPort] = sock
	return sock, nil
}

// pickEphemeralPort scans the ephemeral range linearly for a port free
// reports as usable. This is O(range) under exhaustion.
func (s *Stack) pickEphemeralPort(free func(uint16) bool) (uint16, bool) {
	for p := uint32(s.opts.EphemeralFirst); p <= uint32(s.opts.EphemeralLast); p++ {
		if free(uint16(p)) {
			return uint16(p), true
		}
	}
	return 0, false
}

// LocalPort returns the bound source port.
func (u *UDPSocket) LocalPort() uint16 { return u.srcPort }

// enqueue appends an inbound datagram and wakes a blocked reader. Called with
// the stack locked.
func (u *UDPSocket) enqueue(d udpDatagram) {
	if u.closed {
		return
	}
	if len(u.inbound) >= u.stack.opts.UDPQueueLimit {
		u.stack.logDrop("udp: socket queue full", "port", u.srcPort)
		return
	}
	u.inbound = append(u.inbound, d)
	u.queue.Notify(waiter.ReadableEvents)
}

// Read pops the oldest datagram into p. A p shorter than the datagram fails
// with ErrBufferTooSmall and leaves it queued.
func (u *UDPSocket) Read(p []byte, flags ReadFlags) (int, error) {
	n, _, err := u.recv(p, recvOptions{nonBlocking: flags&ReadNonBlocking != 0})
	return n, err
}

type recvOptions struct {
	nonBlocking bool
	// truncate copies a prefix of an oversized datagram and drops the rest,
	// as net.PacketConn readers expect.
	truncate bool
	// alwaysBlock ignores Options.DisableBlockingReads.
	alwaysBlock bool
}

func (u *UDPSocket) recv(p []byte, o recvOptions) (int, udpDatagram, error) {
	s := u.stack
	for {
		s.mu.Lock()
		if u.closed {
			s.mu.Unlock()
			return 0, udpDatagram{}, ErrSocketClosed
		}
		if len(u.inbound) > 0 {
			d := u.inbound[0]
			if len(p) < len(d.data) && !o.truncate {
				s.mu.Unlock()
				return 0, udpDatagram{}, fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(p), len(d.data))
			}
			u.inbound[0] = udpDatagram{}
			u.inbound = u.inbound[1:]
			s.mu.Unlock()
			return copy(p, d.data), d, nil
		}
		if o.nonBlocking {
			s.mu.Unlock()
			return 0, udpDatagram{}, nil
		}
		if s.opts.DisableBlockingReads && !o.alwaysBlock {
			s.mu.Unlock()
			return 0, udpDatagram{}, ErrBlockingUnsupported
		}
		deadline := u.readDeadline
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			s.mu.Unlock()
			return 0, udpDatagram{}, os.ErrDeadlineExceeded
		}

		entry, ch := waiter.NewChannelEntry(waiter.ReadableEvents | waiter.EventHUp)
		u.queue.EventRegister(&entry)
		s.mu.Unlock()
		err := s.block(ch, deadline)
		u.queue.EventUnregister(&entry)
		if err != nil {
			return 0, udpDatagram{}, err
		}
	}
}

// Write sends p to the configured destination.
func (u *UDPSocket) Write(p []byte, _ WriteFlags) (int, error) {
	s := u.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.closed {
		return 0, ErrSocketClosed
	}
	if u.destPort == 0 {
		return 0, fmt.Errorf("udp: %w: no destination configured", ErrInvalidPort)
	}
	if err := s.sendUDP(u.destIP, u.destPort, u.srcPort, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (u *UDPSocket) sendTo(p []byte, ip IPv4, port uint16) (int, error) {
	s := u.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.closed {
		return 0, ErrSocketClosed
	}
	if err := s.sendUDP(ip, port, u.srcPort, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Info reports the socket's endpoints. The local address is that of the
// device routing to the destination, if any.
func (u *UDPSocket) Info() SocketInfo {
	s := u.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	return u.infoLocked()
}

func (u *UDPSocket) infoLocked() SocketInfo {
	info := SocketInfo{
		LocalPort:  u.srcPort,
		RemoteIP:   u.destIP,
		RemotePort: u.destPort,
	}
	if dev, _, ok := u.stack.routes.lookup(u.destIP); ok && u.destPort != 0 {
		info.LocalIP = dev.ipv4
	}
	return info
}

func (u *UDPSocket) Ioctl(code uint64, args []uint64) (int64, error) {
	s := u.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.closed {
		return -1, ErrSocketClosed
	}

	switch code {
	case IoctlGetSocketInfo:
		if err := u.infoLocked().putArgs(args); err != nil {
			return -1, err
		}
		return 0, nil
	case IoctlGetPendingDatagramInfo:
		if len(args) < 2 {
			return -1, fmt.Errorf("%w: pending datagram info needs 2 slots", ErrBadIoctlArgs)
		}
		if len(u.inbound) == 0 {
			return -1, ErrNoPendingDatagram
		}
		d := u.inbound[0]
		args[0] = uint64(d.src.Uint32())
		args[1] = uint64(d.srcPort)
		return int64(len(d.data)), nil
	case IoctlSetDestination:
		if len(args) != 2 || args[1] > 0xffff {
			return -1, fmt.Errorf("%w: set destination takes [ip, port]", ErrBadIoctlArgs)
		}
		u.destIP = IPv4FromUint32(uint32(args[0]))
		u.destPort = uint16(args[1])
		return 0, nil
	}
	return -1, fmt.Errorf("%w: %d on udp socket", ErrUnknownIoctl, code)
}

// Close unbinds the port and discards queued datagrams.
func (u *UDPSocket) Close() error {
	s := u.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.inbound = nil
	if s.udpSockets[u.srcPort] == u {
		delete(s.udpSockets, u.srcPort)
	}
	u.queue.Notify(waiter.EventHUp)
	return nil
}

func (u *UDPSocket) setReadDeadline(t time.Time) {
	s := u.stack
	s.mu.Lock()
	u.readDeadline = t
	s.mu.Unlock()
	// Blocked readers re-evaluate the new deadline.
	u.queue.Notify(waiter.ReadableEvents)
}

// block waits for ch, the deadline or stack shutdown.
func (s *Stack) block(ch <-chan struct{}, deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ch:
		return nil
	case <-s.done:
		return ErrStackClosed
	case <-timeout:
		return os.ErrDeadlineExceeded
	}
}

////////////////////////////////////////////////////////////////////////////////
// net.PacketConn adapter.
////////////////////////////////////////////////////////////////////////////////

// PacketConn exposes the socket as a net.PacketConn. ReadFrom blocks unless
// a read deadline passes; WriteTo ignores the configured destination.
func (u *UDPSocket) PacketConn() net.PacketConn {
	return &udpPacketConn{sock: u}
}

type udpPacketConn struct {
	sock *UDPSocket
}

var _ net.PacketConn = (*udpPacketConn)(nil)

func (c *udpPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, d, err := c.sock.recv(b, recvOptions{truncate: true, alwaysBlock: true})
	if err != nil {
		if errors.Is(err, ErrSocketClosed) || errors.Is(err, ErrStackClosed) {
			return 0, nil, net.ErrClosed
		}
		return 0, nil, err
	}
	return n, &net.UDPAddr{IP: d.src.NetIP(), Port: int(d.srcPort)}, nil
}

func (c *udpPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("udp: unsupported address type %T", addr)
	}
	ip4 := ua.IP.To4()
	if ip4 == nil || ua.Port <= 0 || ua.Port > 0xffff {
		return 0, fmt.Errorf("udp: invalid destination %s", ua)
	}
	n, err := c.sock.sendTo(b, IPv4(ip4), uint16(ua.Port))
	if errors.Is(err, ErrSocketClosed) {
		return 0, net.ErrClosed
	}
	return n, err
}

func (c *udpPacketConn) Close() error {
	return c.sock.Close()
}

func (c *udpPacketConn) LocalAddr() net.Addr {
	info := c.sock.Info()
	return &net.UDPAddr{IP: info.LocalIP.NetIP(), Port: int(info.LocalPort)}
}

func (c *udpPacketConn) SetDeadline(t time.Time) error {
	c.sock.setReadDeadline(t)
	return nil
}

func (c *udpPacketConn) SetReadDeadline(t time.Time) error {
	c.sock.setReadDeadline(t)
	return nil
}

// Writes never block.
func (c *udpPacketConn) SetWriteDeadline(time.Time) error { return nil }
