package netstack

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// TCP: header codec, states, four-tuples and sequence arithmetic.
////////////////////////////////////////////////////////////////////////////////

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
)

const (
	tcpChecksumOffset = 16

	// tcpMSS caps the payload of every data segment we emit.
	tcpMSS = 1000
)

type tcpHeader struct {
	srcPort  uint16
	dstPort  uint16
	seq      uint32
	ack      uint32
	dataOff  uint8 // header length in 32-bit words
	flags    uint8
	window   uint16
	checksum uint16
	urgent   uint16
	payload  []byte
}

// parseTCPHeader decodes the fixed header. Options, when present, are skipped.
func parseTCPHeader(data []byte) (tcpHeader, error) {
	if len(data) < tcpHeaderLen {
		return tcpHeader{}, fmt.Errorf("tcp header too short: %d", len(data))
	}
	dataOff := data[12] >> 4
	hdrLen := int(dataOff) * 4
	if hdrLen < tcpHeaderLen || len(data) < hdrLen {
		return tcpHeader{}, fmt.Errorf("tcp header length mismatch: %d", hdrLen)
	}
	return tcpHeader{
		srcPort:  binary.BigEndian.Uint16(data[0:2]),
		dstPort:  binary.BigEndian.Uint16(data[2:4]),
		seq:      binary.BigEndian.Uint32(data[4:8]),
		ack:      binary.BigEndian.Uint32(data[8:12]),
		dataOff:  dataOff,
		flags:    data[13],
		window:   binary.BigEndian.Uint16(data[14:16]),
		checksum: binary.BigEndian.Uint16(data[16:18]),
		urgent:   binary.BigEndian.Uint16(data[18:20]),
		payload:  data[hdrLen:],
	}, nil
}

// encode writes a 20-byte header (no options) into b.
func (h tcpHeader) encode(b []byte) {
	if len(b) < tcpHeaderLen {
		panic("tcpHeader.encode: buffer too small")
	}
	binary.BigEndian.PutUint16(b[0:2], h.srcPort)
	binary.BigEndian.PutUint16(b[2:4], h.dstPort)
	binary.BigEndian.PutUint32(b[4:8], h.seq)
	binary.BigEndian.PutUint32(b[8:12], h.ack)
	b[12] = (tcpHeaderLen / 4) << 4
	b[13] = h.flags
	binary.BigEndian.PutUint16(b[14:16], h.window)
	binary.BigEndian.PutUint16(b[16:18], h.checksum)
	binary.BigEndian.PutUint16(b[18:20], h.urgent)
}

func (h tcpHeader) has(flags uint8) bool { return h.flags&flags == flags }

func tcpFlagsString(f uint8) string {
	var b bytes.Buffer
	for _, x := range []struct {
		bit  uint8
		name byte
	}{{tcpFlagSYN, 'S'}, {tcpFlagACK, 'A'}, {tcpFlagFIN, 'F'}, {tcpFlagRST, 'R'}, {tcpFlagPSH, 'P'}} {
		if f&x.bit != 0 {
			b.WriteByte(x.name)
		}
	}
	return b.String()
}

// TCPState is the state of a connection.
type TCPState int

const (
	TCPStateListen TCPState = iota
	TCPStateSynSent
	TCPStateSynReceived
	TCPStateEstablished
	TCPStateFinWait1
	TCPStateFinWait2
	TCPStateCloseWait
	TCPStateClosing
	TCPStateLastAck
	TCPStateTimeWait
	TCPStateClosed
)

func (s TCPState) String() string {
	switch s {
	case TCPStateListen:
		return "LISTEN"
	case TCPStateSynSent:
		return "SYN_SENT"
	case TCPStateSynReceived:
		return "SYN_RECEIVED"
	case TCPStateEstablished:
		return "ESTABLISHED"
	case TCPStateFinWait1:
		return "FIN_WAIT_1"
	case TCPStateFinWait2:
		return "FIN_WAIT_2"
	case TCPStateCloseWait:
		return "CLOSE_WAIT"
	case TCPStateClosing:
		return "CLOSING"
	case TCPStateLastAck:
		return "LAST_ACK"
	case TCPStateTimeWait:
		return "TIME_WAIT"
	case TCPStateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("TCPState(%d)", int(s))
}

// closing reports whether s belongs to the FIN/CLOSE family that the
// force-close deadline applies to.
func (s TCPState) closing() bool {
	switch s {
	case TCPStateFinWait1, TCPStateFinWait2, TCPStateCloseWait,
		TCPStateClosing, TCPStateLastAck, TCPStateTimeWait:
		return true
	}
	return false
}

// tcpFourTuple uniquely identifies a connection. Listeners use it with a zero
// remote half.
type tcpFourTuple struct {
	localIP    IPv4
	localPort  uint16
	remoteIP   IPv4
	remotePort uint16
}

func (t tcpFourTuple) less(o tcpFourTuple) bool {
	if c := bytes.Compare(t.localIP[:], o.localIP[:]); c != 0 {
		return c < 0
	}
	if t.localPort != o.localPort {
		return t.localPort < o.localPort
	}
	if c := bytes.Compare(t.remoteIP[:], o.remoteIP[:]); c != 0 {
		return c < 0
	}
	return t.remotePort < o.remotePort
}

func (t tcpFourTuple) String() string {
	return fmt.Sprintf("%s:%d<->%s:%d", t.localIP, t.localPort, t.remoteIP, t.remotePort)
}

// seqDiff is the distance from a forward to b modulo 2^32. Sequence numbers
// are never compared directly.
func seqDiff(b, a uint32) uint32 {
	return b - a
}

func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLTE(a, b uint32) bool {
	return int32(a-b) <= 0
}

func seqGT(a, b uint32) bool {
	return int32(a-b) > 0
}

func seqGTE(a, b uint32) bool {
	return int32(a-b) >= 0
}
