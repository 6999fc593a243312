package netstack

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/waiter"
)

////////////////////////////////////////////////////////////////////////////////
// Listeners and bind descriptors.
////////////////////////////////////////////////////////////////////////////////

// tcpListener is keyed like a connection with a zero remote half.
type tcpListener struct {
	key  tcpFourTuple
	bind *TCPBind
}

// TCPBind is the descriptor returned by a bind request. Inbound SYNs on its
// address spawn dormant connections that wait on the pending list until the
// owner accepts them.
type TCPBind struct {
	stack    *Stack
	files    *FileTable
	listener *tcpListener
	queue    waiter.Queue

	// guarded by stack.mu
	pending []*TCPSocket
	closed  bool
}

// BindTCP registers a listener on ip:port. Accepted sockets are installed on
// files. Binding to IPv4Any matches every local address.
func (s *Stack) BindTCP(files *FileTable, ip IPv4, port uint16) (*TCPBind, error) {
	if port == 0 {
		return nil, fmt.Errorf("tcp: %w: bind port is zero", ErrInvalidPort)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tcpFourTuple{localIP: ip, localPort: port}
	if _, exists := s.listeners.Get(&tcpListener{key: key}); exists {
		return nil, fmt.Errorf("tcp: %w: %s:%d", ErrListenerExists, ip, port)
	}
	b := &TCPBind{stack: s, files: files}
	b.listener = &tcpListener{key: key, bind: b}
	s.listeners.ReplaceOrInsert(b.listener)
	s.log.Debug("tcp: listening", "ip", ip, "port", port)
	return b, nil
}

// findListener prefers an exact address match over a wildcard one.
func (s *Stack) findListener(ip IPv4, port uint16) (*tcpListener, bool) {
	if l, ok := s.listeners.Get(&tcpListener{key: tcpFourTuple{localIP: ip, localPort: port}}); ok {
		return l, true
	}
	return s.listeners.Get(&tcpListener{key: tcpFourTuple{localIP: IPv4Any, localPort: port}})
}

// spawn creates a SYN_RECEIVED connection for an inbound SYN and parks its
// socket on the pending list. No SYN+ACK is sent until activation.
func (b *TCPBind) spawn(key tcpFourTuple, h tcpHeader) {
	s := b.stack
	if len(b.pending) >= s.opts.ListenBacklog {
		s.logDrop("tcp: listen backlog full", "tuple", key)
		return
	}
	c := s.newConn(key, TCPStateSynReceived)
	c.ackIndex = h.seq + 1
	c.sendWindow = uint32(h.window)
	sock := newTCPSocket(c)
	b.pending = append(b.pending, sock)
	b.queue.Notify(waiter.ReadableEvents)
}

// activate is the application's acceptance of a pending connection: the
// SYN+ACK goes out now.
func (c *tcpConn) activate() error {
	if c.state != TCPStateSynReceived {
		return fmt.Errorf("tcp: activate %s in state %s", c.key, c.state)
	}
	c.activated = true
	c.resetTimeout()
	c.sendSynAck()
	return nil
}

// acceptLocked pops the oldest pending socket whose connection is still
// alive and activates it.
func (b *TCPBind) acceptLocked() (*TCPSocket, error) {
	for len(b.pending) > 0 {
		sock := b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		if sock.conn == nil {
			sock.closeLocked()
			continue
		}
		if err := sock.conn.activate(); err != nil {
			sock.closeLocked()
			continue
		}
		return sock, nil
	}
	return nil, ErrNoPendingConnection
}

// Accept returns the oldest pending connection, activating it. Unless flags
// is ReadNonBlocking it waits for one to arrive.
func (b *TCPBind) Accept(flags ReadFlags) (*TCPSocket, error) {
	s := b.stack
	for {
		s.mu.Lock()
		if b.closed {
			s.mu.Unlock()
			return nil, ErrSocketClosed
		}
		sock, err := b.acceptLocked()
		if err == nil || flags&ReadNonBlocking != 0 || s.opts.DisableBlockingReads {
			s.mu.Unlock()
			return sock, err
		}

		entry, ch := waiter.NewChannelEntry(waiter.ReadableEvents | waiter.EventHUp)
		b.queue.EventRegister(&entry)
		s.mu.Unlock()
		err = s.block(ch, time.Time{})
		b.queue.EventUnregister(&entry)
		if err != nil {
			return nil, err
		}
	}
}

// Pending reports how many connections wait to be accepted.
func (b *TCPBind) Pending() int {
	b.stack.mu.Lock()
	defer b.stack.mu.Unlock()
	return len(b.pending)
}

func (b *TCPBind) Read([]byte, ReadFlags) (int, error)   { return 0, ErrNotSupported }
func (b *TCPBind) Write([]byte, WriteFlags) (int, error) { return 0, ErrNotSupported }

// Ioctl supports IoctlGetIncoming: it accepts without blocking, installs the
// socket on the owner's descriptor table and returns the descriptor.
func (b *TCPBind) Ioctl(code uint64, args []uint64) (int64, error) {
	switch code {
	case IoctlGetIncoming:
		if b.files == nil {
			return -1, fmt.Errorf("%w: bind has no descriptor table", ErrNotSupported)
		}
		sock, err := b.Accept(ReadNonBlocking)
		if err != nil {
			return -1, err
		}
		return int64(b.files.Install(sock)), nil
	case IoctlGetSocketInfo:
		b.stack.mu.Lock()
		defer b.stack.mu.Unlock()
		info := SocketInfo{
			LocalIP:   b.listener.key.localIP,
			LocalPort: b.listener.key.localPort,
			State:     TCPStateListen,
		}
		if err := info.putArgs(args); err != nil {
			return -1, err
		}
		return 0, nil
	}
	return -1, fmt.Errorf("%w: %d on bind", ErrUnknownIoctl, code)
}

// Close unregisters the listener and closes every pending socket.
func (b *TCPBind) Close() error {
	s := b.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if _, ok := s.listeners.Delete(b.listener); !ok {
		panic(fmt.Sprintf("tcp: listener %s missing from table", b.listener.key))
	}
	for _, sock := range b.pending {
		sock.closeLocked()
	}
	b.pending = nil
	b.queue.Notify(waiter.EventHUp)
	return nil
}
