package netstack

import (
	"fmt"
	"io"
	"time"

	"gvisor.dev/gvisor/pkg/waiter"
)

// TCPSocket is the byte-stream face of a connection. It owns the receive ring;
// the connection owns the send ring.
//
// shouldClose is set once the peer finished sending, the connection went away
// or the application closed the socket. After that, writes are rejected and
// reads drain the ring before reporting io.EOF.
type TCPSocket struct {
	stack *Stack
	queue waiter.Queue

	// guarded by stack.mu
	conn        *tcpConn
	recv        *byteRing
	shouldClose bool
	closed      bool
	local       tcpFourTuple
}

func newTCPSocket(c *tcpConn) *TCPSocket {
	sock := &TCPSocket{
		stack: c.stack,
		conn:  c,
		recv:  newByteRing(c.stack.opts.SocketBufferSize),
		local: c.key,
	}
	c.socket = sock
	return sock
}

// DialTCP opens a connection to dst:dstPort. A zero srcPort picks the first
// ephemeral port that yields an unused four-tuple. The SYN is sent before
// DialTCP returns; the handshake completes asynchronously.
func (s *Stack) DialTCP(dst IPv4, dstPort, srcPort uint16) (*TCPSocket, error) {
	if dstPort == 0 {
		return nil, fmt.Errorf("tcp: %w: destination port is zero", ErrInvalidPort)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dev, _, ok := s.routes.lookup(dst)
	if !ok {
		return nil, fmt.Errorf("tcp: %w: %s", ErrNoRoute, dst)
	}
	key := tcpFourTuple{
		localIP:    dev.ipv4,
		localPort:  srcPort,
		remoteIP:   dst,
		remotePort: dstPort,
	}
	free := func(p uint16) bool {
		k := key
		k.localPort = p
		if _, used := s.lookupConn(k); used {
			return false
		}
		_, listening := s.findListener(k.localIP, p)
		return !listening
	}
	if srcPort == 0 {
		port, ok := s.pickEphemeralPort(free)
		if !ok {
			return nil, fmt.Errorf("tcp: %w", ErrPortsExhausted)
		}
		key.localPort = port
	} else if !free(srcPort) {
		return nil, fmt.Errorf("tcp: %w: %s", ErrConnectionExists, key)
	}

	c := s.newConn(key, TCPStateSynSent)
	c.activated = true
	sock := newTCPSocket(c)
	c.sendSyn()
	return sock, nil
}

// deliver appends received payload. It fails without partial writes when the
// ring lacks room. Called with the stack locked.
func (t *TCPSocket) deliver(p []byte) bool {
	if t.closed || t.recv.Space() < len(p) {
		return false
	}
	t.recv.Write(p)
	t.queue.Notify(waiter.ReadableEvents)
	return true
}

// peerClosed marks end of stream after the peer's FIN. The socket keeps its
// connection reference so a later Close still drives the LAST_ACK exchange.
func (t *TCPSocket) peerClosed() {
	t.shouldClose = true
	t.queue.Notify(waiter.ReadableEvents | waiter.EventHUp)
}

// connectionGone is called when the connection is torn down underneath the
// socket.
func (t *TCPSocket) connectionGone() {
	t.shouldClose = true
	t.conn = nil
	t.queue.Notify(waiter.ReadableEvents | waiter.WritableEvents | waiter.EventHUp)
}

// Read returns buffered bytes. With nothing buffered it returns io.EOF once
// the stream ended, (0, nil) for a non-blocking read, and otherwise waits.
func (t *TCPSocket) Read(p []byte, flags ReadFlags) (int, error) {
	s := t.stack
	for {
		s.mu.Lock()
		if t.closed {
			s.mu.Unlock()
			return 0, ErrSocketClosed
		}
		if t.recv.Len() > 0 {
			before := t.recv.Space()
			n := t.recv.Read(p)
			// Reopen a window the peer may be stalled on.
			if c := t.conn; c != nil && c.socket == t && before < tcpMSS && c.state == TCPStateEstablished {
				c.sendAck()
			}
			s.mu.Unlock()
			return n, nil
		}
		if t.shouldClose {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if flags&ReadNonBlocking != 0 {
			s.mu.Unlock()
			return 0, nil
		}
		if s.opts.DisableBlockingReads {
			s.mu.Unlock()
			return 0, ErrBlockingUnsupported
		}

		entry, ch := waiter.NewChannelEntry(waiter.ReadableEvents | waiter.EventHUp)
		t.queue.EventRegister(&entry)
		s.mu.Unlock()
		err := s.block(ch, time.Time{})
		t.queue.EventUnregister(&entry)
		if err != nil {
			return 0, err
		}
	}
}

// Write queues p on the connection's send buffer and attempts to send. A
// blocking write waits for buffer space until all of p is queued.
func (t *TCPSocket) Write(p []byte, flags WriteFlags) (int, error) {
	s := t.stack
	total := 0
	for {
		s.mu.Lock()
		if t.closed || t.shouldClose || t.conn == nil {
			s.mu.Unlock()
			return total, ErrSocketClosed
		}
		total += t.conn.queueData(p[total:])
		if total == len(p) || flags&WriteNonBlocking != 0 || s.opts.DisableBlockingReads {
			s.mu.Unlock()
			return total, nil
		}

		entry, ch := waiter.NewChannelEntry(waiter.WritableEvents | waiter.EventHUp)
		t.queue.EventRegister(&entry)
		s.mu.Unlock()
		err := s.block(ch, time.Time{})
		t.queue.EventUnregister(&entry)
		if err != nil {
			return total, err
		}
	}
}

// Info reports the endpoints and connection state.
func (t *TCPSocket) Info() SocketInfo {
	s := t.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.infoLocked()
}

func (t *TCPSocket) infoLocked() SocketInfo {
	info := SocketInfo{
		LocalIP:    t.local.localIP,
		LocalPort:  t.local.localPort,
		RemoteIP:   t.local.remoteIP,
		RemotePort: t.local.remotePort,
		State:      TCPStateClosed,
	}
	if t.conn != nil && !t.conn.removed {
		info.State = t.conn.state
	}
	return info
}

func (t *TCPSocket) Ioctl(code uint64, args []uint64) (int64, error) {
	s := t.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	switch code {
	case IoctlGetSocketInfo:
		if err := t.infoLocked().putArgs(args); err != nil {
			return -1, err
		}
		return 0, nil
	}
	return -1, fmt.Errorf("%w: %d on tcp socket", ErrUnknownIoctl, code)
}

// Close marks the socket closed and, if a connection is still attached,
// starts the FIN exchange. The connection outlives the socket until the
// exchange finishes.
func (t *TCPSocket) Close() error {
	s := t.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *TCPSocket) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	t.shouldClose = true
	if c := t.conn; c != nil {
		t.conn = nil
		if !c.removed {
			c.closeFromSocket()
		}
	}
	t.recv.Release()
	t.queue.Notify(waiter.ReadableEvents | waiter.WritableEvents | waiter.EventHUp)
}
