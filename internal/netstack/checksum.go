package netstack

import "encoding/binary"

// onesSum adds data to initial as big-endian 16-bit words. An odd trailing
// byte is the high byte of a zero-padded word. The result is not folded.
func onesSum(data []byte, initial uint32) uint32 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func foldSum(sum uint32) uint16 {
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// checksum is the internet checksum of data.
func checksum(data []byte) uint16 {
	return ^foldSum(onesSum(data, 0))
}

// pseudoHeaderSum is the unfolded sum of the IPv4 pseudo-header.
func pseudoHeaderSum(src, dst IPv4, protocol protocolNumber, length int) uint32 {
	sum := uint32(0)
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// partialChecksum is what the transport layers leave in their checksum field:
// the folded, uncomplemented sum of the segment with the field zeroed. The
// IPv4 layer completes it with finishTransportChecksum once the addresses are
// known.
func partialChecksum(segment []byte) uint16 {
	return foldSum(onesSum(segment, 0))
}

// finishTransportChecksum folds the pseudo-header into the partial sum stored
// at segment[off:off+2] and writes the final checksum. A zero result is sent
// as 0xffff.
func finishTransportChecksum(segment []byte, off int, src, dst IPv4, protocol protocolNumber) {
	partial := uint32(binary.BigEndian.Uint16(segment[off : off+2]))
	sum := partial + pseudoHeaderSum(src, dst, protocol, len(segment))
	c := ^foldSum(sum)
	if c == 0 {
		c = 0xffff
	}
	binary.BigEndian.PutUint16(segment[off:off+2], c)
}

// transportChecksumValid verifies a received UDP or TCP segment.
func transportChecksumValid(segment []byte, src, dst IPv4, protocol protocolNumber) bool {
	sum := onesSum(segment, pseudoHeaderSum(src, dst, protocol, len(segment)))
	return foldSum(sum) == 0xffff
}
