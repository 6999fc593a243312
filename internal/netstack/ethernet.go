package netstack

import (
	"encoding/binary"
	"fmt"
)

// Header sizes (bytes).
const (
	ethernetHeaderLen = 14
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8
	tcpHeaderLen      = 20
	arpPacketLen      = 28

	// MTU is the largest Ethernet II frame the stack builds, header included.
	MTU = 1514
)

// EtherType identifies the payload protocol of an Ethernet II frame.
type EtherType uint16

// EtherTypes we care about.
const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

func (e EtherType) String() string {
	switch e {
	case EtherTypeIPv4:
		return "ipv4"
	case EtherTypeARP:
		return "arp"
	}
	return fmt.Sprintf("unknown ether type 0x%04x", uint16(e))
}

// EtherHandler processes the payload of a frame addressed to dev. Handlers run
// on the processing task with the stack locked; they must not call exported
// Stack methods.
type EtherHandler func(dev *Device, hdr EthernetHeader, payload []byte)

// EthernetHeader is the 14-byte Ethernet II header (no VLAN tags).
type EthernetHeader struct {
	Dst       MAC
	Src       MAC
	EtherType EtherType
}

// ParseEthernetHeader splits a raw frame into its header and payload.
func ParseEthernetHeader(frame []byte) (EthernetHeader, []byte, error) {
	if len(frame) < ethernetHeaderLen {
		return EthernetHeader{}, nil, fmt.Errorf("ethernet frame too short: %d", len(frame))
	}
	var h EthernetHeader
	copy(h.Dst[:], frame[0:6])
	copy(h.Src[:], frame[6:12])
	h.EtherType = EtherType(binary.BigEndian.Uint16(frame[12:14]))
	return h, frame[ethernetHeaderLen:], nil
}

// Encode writes the header into the first 14 bytes of buf.
func (h EthernetHeader) Encode(buf []byte) {
	if len(buf) < ethernetHeaderLen {
		panic("EthernetHeader.Encode: buffer too small")
	}
	copy(buf[0:6], h.Dst[:])
	copy(buf[6:12], h.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.EtherType))
}

// RegisterEtherType installs the handler for an ethertype. Each ethertype can
// be registered once.
func (s *Stack) RegisterEtherType(t EtherType, h EtherHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.etherTypes[t]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, t)
	}
	s.etherTypes[t] = h
	return nil
}

func (s *Stack) handleFrame(dev *Device, frame []byte) {
	s.capturePacket(frame)

	hdr, payload, err := ParseEthernetHeader(frame)
	if err != nil {
		if DEBUG {
			s.log.Debug("eth: drop", "device", dev.name, "err", err)
		}
		return
	}
	if hdr.Dst != dev.mac && hdr.Dst != BroadcastMAC {
		if DEBUG {
			s.log.Debug("eth: not for us", "device", dev.name, "dst", hdr.Dst)
		}
		return
	}
	handler, ok := s.etherTypes[hdr.EtherType]
	if !ok {
		if DEBUG {
			s.log.Debug("eth: unhandled ether type", "type", hdr.EtherType)
		}
		return
	}
	handler(dev, hdr, payload)
}

// sendEthernet copies payload into a fresh device buffer behind an Ethernet
// header and transmits it.
func (s *Stack) sendEthernet(dev *Device, dst MAC, t EtherType, payload []byte) error {
	frame, err := dev.allocateFrame(ethernetHeaderLen + len(payload))
	if err != nil {
		return err
	}
	EthernetHeader{Dst: dst, Src: dev.mac, EtherType: t}.Encode(frame)
	copy(frame[ethernetHeaderLen:], payload)
	return s.transmit(dev, frame)
}

// transmit hands a complete frame to the device.
func (s *Stack) transmit(dev *Device, frame []byte) error {
	s.capturePacket(frame)
	if err := dev.nic.Transmit(frame); err != nil {
		return fmt.Errorf("eth: transmit on %s: %w", dev.name, err)
	}
	return nil
}
