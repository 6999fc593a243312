// Package netstack implements a small kernel-style L2-L4 network stack.
//
// Frames delivered by devices are queued on a single inbound FIFO that one
// processing task drains in order, decoding Ethernet, ARP, IPv4, ICMP, UDP
// and TCP. Sockets are exposed through a descriptor-like File interface
// (read/write/ioctl/close) and created through Socket/Bind requests.
//
// Notes and limitations:
//   - No IPv6, no IP fragmentation/reassembly, no IP or TCP options.
//   - No TCP congestion control; the per-connection timeout sweep is the only
//     retransmission mechanism and it never backs off.
//   - The ARP cache never expires entries and unanswered requests are only
//     repeated when a new send to the same address happens.
//   - Routing is first-match in insertion order, not longest-prefix.
package netstack

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// Debug toggle. When true, emits verbose logs from the packet paths.
const DEBUG = false

////////////////////////////////////////////////////////////////////////////////
// Options.
////////////////////////////////////////////////////////////////////////////////

const (
	defaultTCPTimeout       = 100 * time.Millisecond
	defaultTCPCloseTimeout  = 60 * time.Second
	defaultSweepInterval    = 10 * time.Millisecond
	defaultEphemeralFirst   = 32768
	defaultEphemeralLast    = 65535
	defaultSocketBufferSize = 4096
	defaultARPPendingLimit  = 256
	defaultUDPQueueLimit    = 256
	defaultListenBacklog    = 128
)

// Options tunes a Stack. The zero value selects the defaults.
type Options struct {
	// Clock drives TCP deadlines and the periodic timeout sweep.
	Clock tcpip.Clock

	// TCPTimeout is the per-connection idle/retransmission timeout.
	TCPTimeout time.Duration
	// TCPCloseTimeout bounds the lifetime of connections in the FIN/CLOSE
	// family of states.
	TCPCloseTimeout time.Duration
	// SweepInterval is the period of the timeout sweep.
	SweepInterval time.Duration

	// EphemeralFirst and EphemeralLast delimit the port range scanned for
	// sockets that do not request a specific source port.
	EphemeralFirst uint16
	EphemeralLast  uint16

	// SocketBufferSize sizes the TCP send and receive rings.
	SocketBufferSize int
	ARPPendingLimit  int
	UDPQueueLimit    int
	ListenBacklog    int

	// DisableBlockingReads makes a blocking read on an empty socket fail with
	// ErrBlockingUnsupported instead of suspending the caller.
	DisableBlockingReads bool

	// InitialSequence picks the ISN for new connections.
	InitialSequence func() uint32
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = tcpip.NewStdClock()
	}
	if o.TCPTimeout <= 0 {
		o.TCPTimeout = defaultTCPTimeout
	}
	if o.TCPCloseTimeout <= 0 {
		o.TCPCloseTimeout = defaultTCPCloseTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.EphemeralFirst == 0 {
		o.EphemeralFirst = defaultEphemeralFirst
	}
	if o.EphemeralLast == 0 || o.EphemeralLast < o.EphemeralFirst {
		o.EphemeralLast = defaultEphemeralLast
	}
	if o.SocketBufferSize <= 0 {
		o.SocketBufferSize = defaultSocketBufferSize
	}
	if o.ARPPendingLimit <= 0 {
		o.ARPPendingLimit = defaultARPPendingLimit
	}
	if o.UDPQueueLimit <= 0 {
		o.UDPQueueLimit = defaultUDPQueueLimit
	}
	if o.ListenBacklog <= 0 {
		o.ListenBacklog = defaultListenBacklog
	}
	if o.InitialSequence == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		o.InitialSequence = func() uint32 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Uint32()
		}
	}
	return o
}

////////////////////////////////////////////////////////////////////////////////
// Stack.
////////////////////////////////////////////////////////////////////////////////

type inboundFrame struct {
	dev   *Device
	frame []byte
}

// Stack is the network stack instance.
//
// All protocol state lives behind mu. Every entry point (frame processing, the
// timeout sweep, socket operations) holds it for the duration of one step, so
// no step ever observes another half-done; nothing blocks while holding it.
type Stack struct {
	log   *slog.Logger
	opts  Options
	clock tcpip.Clock

	mu         sync.Mutex
	devices    []*Device
	etherTypes map[EtherType]EtherHandler
	arp        arpTable
	routes     routeTable
	ipID       uint16
	udpSockets map[uint16]*UDPSocket
	tcpConns   *btree.BTreeG[*tcpConn]
	listeners  *btree.BTreeG[*tcpListener]
	capture    *packetCapture
	dnsServer  *dnsServer

	inMu    sync.Mutex
	inbound []inboundFrame
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	dropLog rate.Sometimes
}

// New creates an empty stack with the ARP and IPv4 handlers registered.
func New(l *slog.Logger, opts Options) *Stack {
	if l == nil {
		l = slog.Default()
	}
	opts = opts.withDefaults()
	s := &Stack{
		log:        l,
		opts:       opts,
		clock:      opts.Clock,
		etherTypes: make(map[EtherType]EtherHandler),
		arp:        newARPTable(),
		udpSockets: make(map[uint16]*UDPSocket),
		tcpConns:   btree.NewG(8, func(a, b *tcpConn) bool { return a.key.less(b.key) }),
		listeners:  btree.NewG(8, func(a, b *tcpListener) bool { return a.key.less(b.key) }),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		dropLog:    rate.Sometimes{Interval: time.Second},
	}
	s.mustRegister(EtherTypeARP, s.handleARP)
	s.mustRegister(EtherTypeIPv4, s.handleIPv4)
	return s
}

func (s *Stack) mustRegister(t EtherType, h EtherHandler) {
	if err := s.RegisterEtherType(t, h); err != nil {
		panic(err)
	}
}

// Options returns the effective options, defaults applied.
func (s *Stack) Options() Options { return s.opts }

// Close stops the processing and sweep tasks, wakes every blocked reader and
// shuts down the DNS responder and packet capture.
func (s *Stack) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.StopDNSServer()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.capture != nil {
			err = s.capture.close()
			s.capture = nil
		}
	})
	return err
}

// AddDevice registers a network device backed by nic.
func (s *Stack) AddDevice(name string, mac MAC, ip IPv4, nic NIC) (*Device, error) {
	if nic == nil {
		return nil, fmt.Errorf("add device %q: nil nic", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.name == name {
			return nil, fmt.Errorf("add device %q: already registered", name)
		}
	}
	dev := &Device{stack: s, name: name, mac: mac, ipv4: ip, nic: nic}
	s.devices = append(s.devices, dev)
	s.log.Info("net: device registered", "device", name, "mac", mac, "ip", ip)
	return dev, nil
}

// Device returns the registered device with the given name.
func (s *Stack) Device(name string) (*Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.name == name {
			return d, true
		}
	}
	return nil, false
}

// now returns the stack's monotonic time.
func (s *Stack) now() tcpip.MonotonicTime {
	return s.clock.NowMonotonic()
}

////////////////////////////////////////////////////////////////////////////////
// Inbound FIFO and the processing/sweep tasks.
////////////////////////////////////////////////////////////////////////////////

func (s *Stack) enqueueInbound(dev *Device, frame []byte) {
	if s.closed.Load() {
		dev.nic.ReturnReceiveBuffer(frame)
		return
	}
	s.inMu.Lock()
	s.inbound = append(s.inbound, inboundFrame{dev: dev, frame: frame})
	s.inMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ProcessPending drains the inbound FIFO, including frames queued while
// draining, and returns the number of frames handled.
func (s *Stack) ProcessPending() int {
	handled := 0
	for {
		s.inMu.Lock()
		batch := s.inbound
		s.inbound = nil
		s.inMu.Unlock()
		if len(batch) == 0 {
			return handled
		}

		for _, in := range batch {
			s.mu.Lock()
			s.handleFrame(in.dev, in.frame)
			s.mu.Unlock()
			in.dev.nic.ReturnReceiveBuffer(in.frame)
		}
		handled += len(batch)
	}
}

// Run runs the processing task and the timeout sweep task until ctx is
// cancelled or the stack is closed.
func (s *Stack) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runProcessing(ctx) })
	g.Go(func() error { return s.runTimeouts(ctx) })
	return g.Wait()
}

func (s *Stack) runProcessing(ctx context.Context) error {
	for {
		s.ProcessPending()
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-s.wake:
		}
	}
}

func (s *Stack) runTimeouts(ctx context.Context) error {
	tick := make(chan struct{}, 1)
	arm := func() tcpip.Timer {
		return s.clock.AfterFunc(s.opts.SweepInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	timer := arm()
	defer func() { timer.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-tick:
			s.SweepTimeouts()
			timer = arm()
		}
	}
}

// logDrop reports a dropped packet at warn level, at most once per second.
func (s *Stack) logDrop(msg string, args ...any) {
	s.dropLog.Do(func() {
		s.log.Warn(msg, args...)
	})
}
