package netstack

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"
)

////////////////////////////////////////////////////////////////////////////////
// TCP connection state machine.
////////////////////////////////////////////////////////////////////////////////

// tcpConn is one connection, keyed by its four-tuple in Stack.tcpConns.
//
// Send-side bookkeeping: sendBuf holds every byte from seqIndex (oldest
// unacknowledged) onwards. sentIndex is the next byte to transmit and sentMax
// the highest byte ever transmitted; bytes leave sendBuf only when the peer's
// cumulative ACK covers them.
//
// Closing an ESTABLISHED socket goes through FIN_WAIT_1, and a FIN+ACK that
// covers our FIN there moves straight to TIME_WAIT, so the FIN_WAIT states
// are reachable.
type tcpConn struct {
	stack *Stack
	key   tcpFourTuple
	state TCPState

	// activated is false for connections spawned by a listener until the
	// application accepts them; only then is the SYN+ACK sent.
	activated bool

	seqIndex   uint32
	sentIndex  uint32
	sentMax    uint32
	ackIndex   uint32
	sendWindow uint32

	// finQueued is set once the application closed; the FIN goes out at
	// finSeq after every buffered byte was sent. finSent records that it
	// went out at least once.
	finQueued bool
	finSent   bool
	finSeq    uint32

	sendBuf *byteRing

	timeoutExpire    tcpip.MonotonicTime
	forceCloseArmed  bool
	forceCloseExpire tcpip.MonotonicTime

	// socket is a weak back-reference; nil once either side let go.
	socket *TCPSocket
	// removed is set once the connection left the table.
	removed bool
}

// newConn creates a connection and inserts it into the table. The caller
// guarantees the tuple is free.
func (s *Stack) newConn(key tcpFourTuple, state TCPState) *tcpConn {
	isn := s.opts.InitialSequence()
	c := &tcpConn{
		stack:     s,
		key:       key,
		state:     state,
		seqIndex:  isn,
		sentIndex: isn,
		sentMax:   isn,
		sendBuf:   newByteRing(s.opts.SocketBufferSize),
	}
	c.resetTimeout()
	if _, dup := s.tcpConns.ReplaceOrInsert(c); dup {
		panic(fmt.Sprintf("tcp: connection table already holds %s", key))
	}
	if DEBUG {
		s.log.Debug("tcp: new connection", "tuple", key, "state", state, "isn", isn)
	}
	return c
}

func (s *Stack) lookupConn(key tcpFourTuple) (*tcpConn, bool) {
	return s.tcpConns.Get(&tcpConn{key: key})
}

func (c *tcpConn) setState(next TCPState) {
	if DEBUG {
		c.stack.log.Debug("tcp: state", "tuple", c.key, "from", c.state, "to", next)
	}
	c.state = next
	if next.closing() && !c.forceCloseArmed {
		c.forceCloseArmed = true
		c.forceCloseExpire = c.stack.now().Add(c.stack.opts.TCPCloseTimeout)
	}
}

func (c *tcpConn) resetTimeout() {
	c.timeoutExpire = c.stack.now().Add(c.stack.opts.TCPTimeout)
}

// sndNxt is the sequence number carried by control segments.
func (c *tcpConn) sndNxt() uint32 {
	switch {
	case c.state == TCPStateSynSent || c.state == TCPStateSynReceived:
		return c.seqIndex + 1
	case c.finSent:
		return c.finSeq + 1
	}
	return c.sentIndex
}

// advertisedWindow is the free space of the socket's receive ring.
func (c *tcpConn) advertisedWindow() uint16 {
	space := c.stack.opts.SocketBufferSize
	if c.socket != nil {
		space = c.socket.recv.Space()
	}
	return uint16(min(max(space, 0), 0xffff))
}

func (c *tcpConn) sendPacket(flags uint8, seq uint32, payload []byte) {
	seg := make([]byte, tcpHeaderLen+len(payload))
	h := tcpHeader{
		srcPort: c.key.localPort,
		dstPort: c.key.remotePort,
		seq:     seq,
		flags:   flags,
		window:  c.advertisedWindow(),
	}
	if flags&tcpFlagACK != 0 {
		h.ack = c.ackIndex
	}
	h.encode(seg)
	copy(seg[tcpHeaderLen:], payload)
	binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], partialChecksum(seg))

	if err := c.stack.sendIPv4(c.key.remoteIP, tcpProtocolNumber, seg); err != nil {
		c.stack.log.Debug("tcp: send segment", "tuple", c.key, "flags", tcpFlagsString(flags), "err", err)
	}
}

func (c *tcpConn) sendSyn()    { c.sendPacket(tcpFlagSYN, c.seqIndex, nil) }
func (c *tcpConn) sendSynAck() { c.sendPacket(tcpFlagSYN|tcpFlagACK, c.seqIndex, nil) }
func (c *tcpConn) sendAck()    { c.sendPacket(tcpFlagACK, c.sndNxt(), nil) }
func (c *tcpConn) sendFin()    { c.sendPacket(tcpFlagFIN|tcpFlagACK, c.finSeq, nil) }

// transmitRange sends buffered bytes in [from, to) as ACK+PSH segments of at
// most tcpMSS bytes.
func (c *tcpConn) transmitRange(from, to uint32) {
	for seq := from; seqLT(seq, to); {
		n := min(seqDiff(to, seq), tcpMSS)
		buf := make([]byte, n)
		got := c.sendBuf.Peek(buf, int(seqDiff(seq, c.seqIndex)))
		if got == 0 {
			return
		}
		c.sendPacket(tcpFlagACK|tcpFlagPSH, seq, buf[:got])
		seq += uint32(got)
		if seqGT(seq, c.sentMax) {
			c.sentMax = seq
		}
	}
}

// sendSegment transmits whatever the peer's window allows past sentIndex:
// min(buffered, window_right - sent_index) with window_right = seq_index +
// send_window. Bytes are peeked, not consumed. A queued FIN follows once
// sentIndex reaches finSeq.
func (c *tcpConn) sendSegment() {
	switch c.state {
	case TCPStateEstablished, TCPStateCloseWait, TCPStateFinWait1, TCPStateClosing, TCPStateLastAck:
	default:
		return
	}
	windowRight := c.seqIndex + c.sendWindow
	end := c.seqIndex + uint32(c.sendBuf.Len())
	if seqLT(windowRight, end) {
		end = windowRight
	}
	if seqLT(c.sentIndex, end) {
		c.transmitRange(c.sentIndex, end)
		c.sentIndex = end
		c.resetTimeout()
	}
	if c.finQueued && !c.finSent && c.sentIndex == c.finSeq {
		c.finSent = true
		c.sendFin()
		c.resetTimeout()
	}
}

// queueData appends application bytes to the send buffer and tries to send.
// It returns how many bytes fit.
func (c *tcpConn) queueData(p []byte) int {
	n := c.sendBuf.Write(p)
	c.sendSegment()
	return n
}

// processAck drains acknowledged bytes from the send buffer. ACKs that do not
// advance seqIndex, or that cover bytes never sent, are ignored.
func (c *tcpConn) processAck(ack uint32) {
	if c.finSent && ack == c.finSeq+1 {
		ack = c.finSeq
	}
	acked := seqDiff(ack, c.seqIndex)
	if acked == 0 || acked > seqDiff(c.sentMax, c.seqIndex) {
		return
	}
	c.seqIndex = ack
	c.sendBuf.Discard(int(acked))
	if seqLT(c.sentIndex, c.seqIndex) {
		c.sentIndex = c.seqIndex
	}
	if c.socket != nil {
		c.socket.queue.Notify(waiter.WritableEvents)
	}
}

// receive delivers in-order payload to the socket. inOrder reports whether
// the segment starts at ackIndex; stored whether its payload was accepted.
// Payload that does not fit the socket's ring is left for the peer to resend.
func (c *tcpConn) receive(h tcpHeader) (inOrder, stored bool) {
	if h.seq != c.ackIndex {
		return false, false
	}
	if len(h.payload) == 0 {
		return true, false
	}
	if c.socket == nil || !c.socket.deliver(h.payload) {
		return true, false
	}
	c.ackIndex += uint32(len(h.payload))
	return true, true
}

func (c *tcpConn) establish(window uint16) {
	c.seqIndex++
	c.sentIndex = c.seqIndex
	c.sentMax = c.seqIndex
	c.sendWindow = uint32(window)
	c.setState(TCPStateEstablished)
	if c.socket != nil {
		c.socket.queue.Notify(waiter.WritableEvents)
	}
}

func (c *tcpConn) handleSegment(h tcpHeader) {
	switch c.state {
	case TCPStateSynSent:
		c.handleSynSent(h)
	case TCPStateSynReceived:
		c.handleSynReceived(h)
	case TCPStateEstablished:
		c.handleEstablished(h)
	case TCPStateFinWait1:
		c.handleFinWait1(h)
	case TCPStateFinWait2:
		if h.has(tcpFlagFIN | tcpFlagACK) {
			c.ackIndex = h.seq + uint32(len(h.payload)) + 1
			c.setState(TCPStateTimeWait)
			c.sendAck()
		}
	case TCPStateClosing:
		if !c.finSent {
			// Our FIN is still waiting for window.
			if h.has(tcpFlagACK) {
				c.sendWindow = uint32(h.window)
				c.processAck(h.ack)
			}
			c.sendSegment()
			return
		}
		if h.has(tcpFlagACK) {
			c.setState(TCPStateTimeWait)
		}
	case TCPStateCloseWait:
		if h.has(tcpFlagACK) {
			c.sendWindow = uint32(h.window)
			c.processAck(h.ack)
		}
		if h.has(tcpFlagFIN) {
			c.ackIndex = h.seq + 1
			c.sendAck()
		}
		c.sendSegment()
	case TCPStateLastAck:
		if c.finSent && h.has(tcpFlagACK) && h.ack == c.finSeq+1 {
			c.setState(TCPStateClosed)
			return
		}
		if h.has(tcpFlagACK) {
			c.sendWindow = uint32(h.window)
			c.processAck(h.ack)
		}
		if c.finSent {
			c.sendFin()
		} else {
			c.sendSegment()
		}
	case TCPStateTimeWait:
		// Ignored until the timeout reaps the connection.
	}
}

func (c *tcpConn) handleSynSent(h tcpHeader) {
	if h.has(tcpFlagSYN | tcpFlagACK) {
		if h.ack != c.seqIndex+1 {
			return
		}
		c.ackIndex = h.seq + 1
		c.establish(h.window)
		c.sendAck()
		c.sendSegment()
		return
	}
	if h.has(tcpFlagSYN) {
		// Simultaneous open.
		c.ackIndex = h.seq + 1
		c.activated = true
		c.setState(TCPStateSynReceived)
		c.sendAck()
	}
}

func (c *tcpConn) handleSynReceived(h tcpHeader) {
	if !c.activated {
		return
	}
	if h.has(tcpFlagACK) && h.ack == c.seqIndex+1 {
		c.establish(h.window)
		if len(h.payload) > 0 || h.has(tcpFlagFIN) {
			c.handleEstablished(h)
			return
		}
		c.sendSegment()
		return
	}
	if h.has(tcpFlagSYN) {
		c.ackIndex = h.seq + 1
		c.sendSynAck()
	}
}

func (c *tcpConn) handleEstablished(h tcpHeader) {
	c.sendWindow = uint32(h.window)
	if h.has(tcpFlagACK) {
		c.processAck(h.ack)
	}

	inOrder, stored := c.receive(h)
	if h.has(tcpFlagFIN|tcpFlagACK) && inOrder && (len(h.payload) == 0 || stored) {
		c.ackIndex++
		c.setState(TCPStateCloseWait)
		c.sendAck()
		if sock := c.socket; sock != nil {
			c.socket = nil
			sock.peerClosed()
		}
		c.sendSegment()
		return
	}

	if len(h.payload) > 0 || (h.has(tcpFlagFIN) && !inOrder) {
		c.sendAck()
	}
	c.sendSegment()
}

func (c *tcpConn) handleFinWait1(h tcpHeader) {
	if h.has(tcpFlagACK) {
		c.sendWindow = uint32(h.window)
		c.processAck(h.ack)
	}
	finAcked := c.finSent && h.has(tcpFlagACK) && h.ack == c.finSeq+1
	if h.has(tcpFlagFIN | tcpFlagACK) {
		c.ackIndex = h.seq + uint32(len(h.payload)) + 1
		if finAcked {
			c.setState(TCPStateTimeWait)
		} else {
			c.setState(TCPStateClosing)
		}
		c.sendAck()
		if !finAcked {
			c.sendSegment()
		}
		return
	}
	if finAcked {
		c.setState(TCPStateFinWait2)
		return
	}
	c.sendSegment()
}

// startFin queues a FIN behind the buffered bytes and moves to next. Data
// and FIN leave as the peer's window allows.
func (c *tcpConn) startFin(next TCPState) {
	c.finSeq = c.seqIndex + uint32(c.sendBuf.Len())
	c.finQueued = true
	c.setState(next)
	c.sendSegment()
	c.resetTimeout()
}

// closeFromSocket runs when the application closes its socket. The socket
// reference is dropped first.
func (c *tcpConn) closeFromSocket() {
	c.socket = nil
	switch c.state {
	case TCPStateEstablished:
		c.startFin(TCPStateFinWait1)
	case TCPStateCloseWait:
		c.startFin(TCPStateLastAck)
	case TCPStateSynSent:
		c.cleanup("closed before established")
	case TCPStateSynReceived:
		if c.activated {
			c.sendPacket(tcpFlagRST|tcpFlagACK, c.sndNxt(), nil)
		}
		c.cleanup("closed before established")
	}
}

// cleanup removes the connection from the table, releases its send buffer
// and tells the socket, if still attached, that the connection is gone.
func (c *tcpConn) cleanup(reason string) {
	if c.removed {
		return
	}
	c.removed = true
	c.state = TCPStateClosed
	if _, ok := c.stack.tcpConns.Delete(c); !ok {
		panic(fmt.Sprintf("tcp: cleanup of %s not in connection table", c.key))
	}
	c.sendBuf.Release()
	if sock := c.socket; sock != nil {
		c.socket = nil
		sock.connectionGone()
	}
	c.stack.log.Debug("tcp: connection removed", "tuple", c.key, "reason", reason)
}

////////////////////////////////////////////////////////////////////////////////
// Inbound demux.
////////////////////////////////////////////////////////////////////////////////

func (s *Stack) handleTCP(dev *Device, ip ipv4Header) {
	h, err := parseTCPHeader(ip.payload)
	if err != nil {
		if DEBUG {
			s.log.Debug("tcp: drop", "err", err)
		}
		return
	}
	if !transportChecksumValid(ip.payload, ip.src, ip.dst, tcpProtocolNumber) {
		if DEBUG {
			s.log.Debug("tcp: bad checksum", "src", ip.src, "port", h.srcPort)
		}
		return
	}

	key := tcpFourTuple{
		localIP:    ip.dst,
		localPort:  h.dstPort,
		remoteIP:   ip.src,
		remotePort: h.srcPort,
	}
	if DEBUG {
		s.log.Debug("tcp: segment", "tuple", key, "flags", tcpFlagsString(h.flags),
			"seq", h.seq, "ack", h.ack, "len", len(h.payload))
	}

	if c, ok := s.lookupConn(key); ok {
		if h.has(tcpFlagRST) {
			c.cleanup("reset by peer")
			return
		}
		c.resetTimeout()
		c.handleSegment(h)
		if c.state == TCPStateClosed {
			c.cleanup("closed")
		}
		return
	}

	if h.flags&(tcpFlagSYN|tcpFlagACK|tcpFlagRST) == tcpFlagSYN {
		if l, ok := s.findListener(ip.dst, h.dstPort); ok {
			l.bind.spawn(key, h)
			return
		}
	}
	s.logDrop("tcp: no connection or listener", "tuple", key, "flags", tcpFlagsString(h.flags), "device", dev.name)
}
