//go:build linux

package tap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/knet/internal/netstack"
)

// pollInterval bounds how long the read loop waits before re-checking ctx.
const pollInterval = 100 // ms

// Device is a Linux TAP interface driving a netstack device. Frames are
// exchanged without the packet-information prefix.
type Device struct {
	log  *slog.Logger
	name string
	fd   int

	bufs sync.Pool

	mu     sync.Mutex
	closed bool
}

// Open attaches to (or creates) the TAP interface name. The interface must
// be brought up separately.
func Open(logger *slog.Logger, name string) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF %q: %w", name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: set nonblocking: %w", err)
	}

	d := &Device{
		log:  logger,
		name: ifr.Name(),
		fd:   fd,
	}
	d.bufs.New = func() any {
		b := make([]byte, netstack.MTU)
		return &b
	}
	logger.Info("tap: attached", "interface", d.name)
	return d, nil
}

func (d *Device) Name() string { return d.name }

// ConfigureHost brings the host side of the interface up and, when host is
// valid, assigns it that address. Without CAP_NET_ADMIN the link is left
// alone and a warning is logged.
func (d *Device) ConfigureHost(host netip.Prefix) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("tap: find link %s: %w", d.name, err)
	}
	if host.IsValid() {
		addr, err := netlink.ParseAddr(host.String())
		if err != nil {
			return fmt.Errorf("tap: host address %s: %w", host, err)
		}
		if err := netlink.AddrReplace(link, addr); err != nil {
			if errors.Is(err, unix.EPERM) {
				d.log.Warn("tap: not permitted to configure host side", "interface", d.name)
				return nil
			}
			return fmt.Errorf("tap: assign %s to %s: %w", host, d.name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		if errors.Is(err, unix.EPERM) {
			d.log.Warn("tap: not permitted to bring link up", "interface", d.name)
			return nil
		}
		return fmt.Errorf("tap: link up %s: %w", d.name, err)
	}
	d.log.Info("tap: host side configured", "interface", d.name, "address", host)
	return nil
}

func (d *Device) getBuf() []byte {
	return *d.bufs.Get().(*[]byte)
}

func (d *Device) putBuf(b []byte) {
	if cap(b) < netstack.MTU {
		return
	}
	b = b[:netstack.MTU]
	d.bufs.Put(&b)
}

// AllocateSendBuffer hands out a pooled frame buffer.
func (d *Device) AllocateSendBuffer(size int) ([]byte, error) {
	if size > netstack.MTU {
		return nil, fmt.Errorf("tap: frame of %d bytes exceeds %d", size, netstack.MTU)
	}
	return d.getBuf()[:size], nil
}

// Transmit writes one frame and recycles its buffer.
func (d *Device) Transmit(buf []byte) error {
	defer d.putBuf(buf)
	for {
		_, err := unix.Write(d.fd, buf)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := d.wait(unix.POLLOUT, pollInterval); err != nil {
				return err
			}
		default:
			return fmt.Errorf("tap: write %s: %w", d.name, err)
		}
	}
}

func (d *Device) ReturnReceiveBuffer(buf []byte) { d.putBuf(buf) }

func (d *Device) wait(events int16, timeoutMs int) error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: events}}
	_, err := unix.Poll(fds, timeoutMs)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("tap: poll %s: %w", d.name, err)
	}
	return nil
}

// Serve reads frames and hands them to dev until ctx is done or the device
// is closed.
func (d *Device) Serve(ctx context.Context, dev *netstack.Device) error {
	for {
		if ctx.Err() != nil || d.isClosed() {
			return nil
		}
		if err := d.wait(unix.POLLIN, pollInterval); err != nil {
			if d.isClosed() {
				return nil
			}
			return err
		}

		buf := d.getBuf()
		n, err := unix.Read(d.fd, buf)
		switch {
		case err == nil:
			if n == 0 {
				d.putBuf(buf)
				continue
			}
			dev.Deliver(buf[:n])
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			d.putBuf(buf)
		default:
			d.putBuf(buf)
			if d.isClosed() {
				return nil
			}
			return fmt.Errorf("tap: read %s: %w", d.name, err)
		}
	}
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}
