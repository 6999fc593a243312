package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// IPv4: header parsing/building, send path and ICMP/UDP/TCP demux.
////////////////////////////////////////////////////////////////////////////////

type protocolNumber uint8

// Protocol numbers for IPv4's Protocol field.
const (
	icmpProtocolNumber protocolNumber = 1
	tcpProtocolNumber  protocolNumber = 6
	udpProtocolNumber  protocolNumber = 17
)

func (p protocolNumber) String() string {
	switch p {
	case tcpProtocolNumber:
		return "tcp"
	case udpProtocolNumber:
		return "udp"
	case icmpProtocolNumber:
		return "icmp"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

const (
	// maxIPv4Payload is the exclusive upper bound on what one packet carries;
	// there is no fragmentation.
	maxIPv4Payload = 1400
	defaultTTL     = 128
)

// ipv4Header is the fixed 20-byte header.
//
// BUG: Fragmentation is not supported. Flags/fragment offset are carried
// through as-is and ignored.
type ipv4Header struct {
	version  uint8
	ihl      uint8
	tos      uint8
	length   uint16
	id       uint16
	flags    uint16 // flags and fragment offset
	ttl      uint8
	protocol protocolNumber
	checksum uint16
	src      IPv4
	dst      IPv4
	payload  []byte
}

// parseIPv4Header decodes the fixed header.
//
// BUG: Options are not interpreted. With IHL > 5 they are skipped and the
// payload starts after them.
func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	verIHL := data[0]
	version := verIHL >> 4
	ihl := verIHL & 0x0f
	if version != 4 {
		return ipv4Header{}, fmt.Errorf("unsupported ipv4 version: %d", version)
	}
	headerLen := int(ihl) * 4
	if headerLen < ipv4HeaderLen || len(data) < headerLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header length mismatch: %d", headerLen)
	}

	h := ipv4Header{
		version:  version,
		ihl:      ihl,
		tos:      data[1],
		length:   binary.BigEndian.Uint16(data[2:4]),
		id:       binary.BigEndian.Uint16(data[4:6]),
		flags:    binary.BigEndian.Uint16(data[6:8]),
		ttl:      data[8],
		protocol: protocolNumber(data[9]),
		checksum: binary.BigEndian.Uint16(data[10:12]),
	}
	copy(h.src[:], data[12:16])
	copy(h.dst[:], data[16:20])

	end := len(data)
	// Trailing Ethernet padding is not part of the packet.
	if int(h.length) >= headerLen && int(h.length) < end {
		end = int(h.length)
	}
	h.payload = data[headerLen:end]
	return h, nil
}

// encode writes a 20-byte header (IHL 5) including its checksum. The length
// field is taken from h.length.
func (h ipv4Header) encode(b []byte) {
	if len(b) < ipv4HeaderLen {
		panic("ipv4Header.encode: buffer too small")
	}
	b[0] = byte((4 << 4) | (ipv4HeaderLen / 4))
	b[1] = h.tos
	binary.BigEndian.PutUint16(b[2:4], h.length)
	binary.BigEndian.PutUint16(b[4:6], h.id)
	binary.BigEndian.PutUint16(b[6:8], h.flags)
	b[8] = h.ttl
	b[9] = byte(h.protocol)
	b[10], b[11] = 0, 0
	copy(b[12:16], h.src[:])
	copy(b[16:20], h.dst[:])
	binary.BigEndian.PutUint16(b[10:12], checksum(b[:ipv4HeaderLen]))
}

// sendIPv4 routes payload to dst. When the next hop is not in the ARP cache a
// request is broadcast and the finished frame is parked on the ARP pending
// queue; it is transmitted when the reply arrives.
//
// UDP and TCP payloads must carry the partial checksum produced by
// partialChecksum; the pseudo-header is folded in here.
func (s *Stack) sendIPv4(dst IPv4, protocol protocolNumber, payload []byte) error {
	if len(payload) >= maxIPv4Payload {
		return fmt.Errorf("%w: ipv4 payload %d bytes", ErrPayloadTooLarge, len(payload))
	}
	dev, nextHop, ok := s.routes.lookup(dst)
	if !ok {
		s.logDrop("ipv4: no route", "dst", dst)
		return fmt.Errorf("%w: %s", ErrNoRoute, dst)
	}

	frame, err := dev.allocateFrame(ethernetHeaderLen + ipv4HeaderLen + len(payload))
	if err != nil {
		return err
	}
	packet := frame[ethernetHeaderLen:]
	s.ipID++
	h := ipv4Header{
		length:   uint16(ipv4HeaderLen + len(payload)),
		id:       s.ipID,
		ttl:      defaultTTL,
		protocol: protocol,
		src:      dev.ipv4,
		dst:      dst,
	}
	h.encode(packet)
	segment := packet[ipv4HeaderLen:]
	copy(segment, payload)

	switch protocol {
	case udpProtocolNumber:
		finishTransportChecksum(segment, udpChecksumOffset, h.src, h.dst, protocol)
	case tcpProtocolNumber:
		finishTransportChecksum(segment, tcpChecksumOffset, h.src, h.dst, protocol)
	}

	mac, ok := s.arpResolve(dev, nextHop)
	if !ok {
		s.arpEnqueue(dev, nextHop, EtherTypeIPv4, frame)
		return nil
	}
	EthernetHeader{Dst: mac, Src: dev.mac, EtherType: EtherTypeIPv4}.Encode(frame)
	return s.transmit(dev, frame)
}

func (s *Stack) handleIPv4(dev *Device, _ EthernetHeader, payload []byte) {
	h, err := parseIPv4Header(payload)
	if err != nil {
		if DEBUG {
			s.log.Debug("ipv4: drop", "err", err)
		}
		return
	}
	if checksum(payload[:int(h.ihl)*4]) != 0 {
		if DEBUG {
			s.log.Debug("ipv4: bad header checksum", "src", h.src)
		}
		return
	}
	if h.dst != dev.ipv4 {
		return
	}

	switch h.protocol {
	case icmpProtocolNumber:
		s.handleICMP(dev, h)
	case udpProtocolNumber:
		s.handleUDP(dev, h)
	case tcpProtocolNumber:
		s.handleTCP(dev, h)
	default:
		if DEBUG {
			s.log.Debug("ipv4: unhandled protocol", "proto", h.protocol)
		}
	}
}
