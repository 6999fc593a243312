package netstack

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// IPv4 is an IPv4 address in network byte order.
type IPv4 [4]byte

// IPv4Any is the unspecified address. Listeners bound to it accept
// connections addressed to any local device.
var IPv4Any IPv4

// IPv4FromUint32 converts a host-order integer (as carried by ioctl
// arguments) into an address.
func IPv4FromUint32(v uint32) IPv4 {
	var ip IPv4
	binary.BigEndian.PutUint32(ip[:], v)
	return ip
}

// ParseIPv4 parses dotted-quad notation.
func ParseIPv4(s string) (IPv4, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return IPv4{}, fmt.Errorf("parse ipv4 %q: %w", s, err)
	}
	if !addr.Is4() {
		return IPv4{}, fmt.Errorf("parse ipv4 %q: not an IPv4 address", s)
	}
	return IPv4(addr.As4()), nil
}

func (ip IPv4) Uint32() uint32 { return binary.BigEndian.Uint32(ip[:]) }
func (ip IPv4) IsZero() bool   { return ip == IPv4{} }
func (ip IPv4) String() string { return netip.AddrFrom4(ip).String() }

// NetIP converts the address for use with the net package.
func (ip IPv4) NetIP() net.IP { return net.IPv4(ip[0], ip[1], ip[2], ip[3]).To4() }

// MAC is a 48-bit Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is the all-ones Ethernet address.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses a colon separated hardware address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, fmt.Errorf("parse mac %q: %w", s, err)
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("parse mac %q: expected 6 bytes, got %d", s, len(hw))
	}
	return MAC(hw), nil
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

////////////////////////////////////////////////////////////////////////////////
// Network devices.
////////////////////////////////////////////////////////////////////////////////

// NIC is the driver-side capability object of a network device.
//
// Buffers returned by AllocateSendBuffer are not assumed to be zeroed. Once a
// buffer is passed to Transmit the stack never touches it again. Inbound
// buffers handed to Device.Deliver are given back via ReturnReceiveBuffer
// after processing.
type NIC interface {
	AllocateSendBuffer(size int) ([]byte, error)
	Transmit(buf []byte) error
	ReturnReceiveBuffer(buf []byte)
}

// Device is a network interface registered with a Stack. Devices are created
// once at driver init and live as long as the stack.
type Device struct {
	stack *Stack
	name  string
	mac   MAC
	nic   NIC

	// guarded by stack.mu
	ipv4 IPv4
}

func (d *Device) Name() string { return d.name }
func (d *Device) MAC() MAC     { return d.mac }

// IPv4 returns the address currently assigned to the device.
func (d *Device) IPv4() IPv4 {
	d.stack.mu.Lock()
	defer d.stack.mu.Unlock()
	return d.ipv4
}

// SetIPv4 assigns a new address to the device.
func (d *Device) SetIPv4(ip IPv4) {
	d.stack.mu.Lock()
	defer d.stack.mu.Unlock()
	d.ipv4 = ip
	d.stack.log.Debug("net: set device address", "device", d.name, "ip", ip)
}

// Deliver queues a received frame for the processing task. It is safe to call
// from any goroutine, including from inside NIC.Transmit.
func (d *Device) Deliver(frame []byte) {
	d.stack.enqueueInbound(d, frame)
}

// allocateFrame obtains a transmit buffer of exactly size bytes.
func (d *Device) allocateFrame(size int) ([]byte, error) {
	buf, err := d.nic.AllocateSendBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoBufferSpace, d.name, err)
	}
	if len(buf) < size {
		if cap(buf) < size {
			return nil, fmt.Errorf("%w: %s: got %d bytes, need %d", ErrNoBufferSpace, d.name, cap(buf), size)
		}
		buf = buf[:size]
	}
	return buf[:size], nil
}
