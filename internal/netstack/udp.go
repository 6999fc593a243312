package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// UDP: header codec, send path and demux to sockets.
////////////////////////////////////////////////////////////////////////////////

const udpChecksumOffset = 6

type udpHeader struct {
	srcPort  uint16
	dstPort  uint16
	length   uint16
	checksum uint16
}

func parseUDPHeader(data []byte) (udpHeader, []byte, error) {
	if len(data) < udpHeaderLen {
		return udpHeader{}, nil, fmt.Errorf("udp header too short: %d", len(data))
	}
	h := udpHeader{
		srcPort:  binary.BigEndian.Uint16(data[0:2]),
		dstPort:  binary.BigEndian.Uint16(data[2:4]),
		length:   binary.BigEndian.Uint16(data[4:6]),
		checksum: binary.BigEndian.Uint16(data[6:8]),
	}
	if int(h.length) < udpHeaderLen || int(h.length) > len(data) {
		return udpHeader{}, nil, fmt.Errorf("udp length mismatch: %d (have %d)", h.length, len(data))
	}
	return h, data[udpHeaderLen:h.length], nil
}

func (h udpHeader) encode(b []byte) {
	if len(b) < udpHeaderLen {
		panic("udpHeader.encode: buffer too small")
	}
	binary.BigEndian.PutUint16(b[0:2], h.srcPort)
	binary.BigEndian.PutUint16(b[2:4], h.dstPort)
	binary.BigEndian.PutUint16(b[4:6], h.length)
	binary.BigEndian.PutUint16(b[6:8], h.checksum)
}

// sendUDP builds a datagram carrying the partial checksum and hands it to
// IPv4, which completes the checksum with the pseudo-header.
func (s *Stack) sendUDP(dst IPv4, dstPort, srcPort uint16, payload []byte) error {
	if udpHeaderLen+len(payload) >= maxIPv4Payload {
		return fmt.Errorf("%w: udp payload %d bytes", ErrPayloadTooLarge, len(payload))
	}
	seg := make([]byte, udpHeaderLen+len(payload))
	udpHeader{
		srcPort: srcPort,
		dstPort: dstPort,
		length:  uint16(len(seg)),
	}.encode(seg)
	copy(seg[udpHeaderLen:], payload)
	binary.BigEndian.PutUint16(seg[udpChecksumOffset:], partialChecksum(seg))
	return s.sendIPv4(dst, udpProtocolNumber, seg)
}

func (s *Stack) handleUDP(dev *Device, ip ipv4Header) {
	h, payload, err := parseUDPHeader(ip.payload)
	if err != nil {
		if DEBUG {
			s.log.Debug("udp: drop", "err", err)
		}
		return
	}
	if h.checksum != 0 && !transportChecksumValid(ip.payload[:h.length], ip.src, ip.dst, udpProtocolNumber) {
		if DEBUG {
			s.log.Debug("udp: bad checksum", "src", ip.src, "port", h.srcPort)
		}
		return
	}

	sock, ok := s.udpSockets[h.dstPort]
	if !ok {
		s.logDrop("udp: no socket for port", "port", h.dstPort, "src", ip.src, "device", dev.name)
		return
	}
	sock.enqueue(udpDatagram{
		src:     ip.src,
		srcPort: h.srcPort,
		data:    append([]byte(nil), payload...),
	})
}
