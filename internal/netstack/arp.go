package netstack

import (
	"encoding/binary"
	"errors"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// ARP (Address Resolution Protocol), Ethernet + IPv4 only.
////////////////////////////////////////////////////////////////////////////////

const (
	arpHardwareEthernet = 1
	arpProtoIPv4        = 0x0800

	arpOpRequest uint16 = 1
	arpOpReply   uint16 = 2
)

var errUnsupportedARP = errors.New("arp: unsupported hardware/protocol combination")

// ARPPacket is the 28-byte Ethernet/IPv4 ARP payload.
type ARPPacket struct {
	Op        uint16
	SenderMAC MAC
	SenderIP  IPv4
	TargetMAC MAC
	TargetIP  IPv4
}

// ParseARPPacket decodes an ARP payload. Anything other than the
// Ethernet/IPv4 variant is rejected.
func ParseARPPacket(b []byte) (ARPPacket, error) {
	if len(b) < arpPacketLen {
		return ARPPacket{}, fmt.Errorf("arp packet too short: %d", len(b))
	}
	if binary.BigEndian.Uint16(b[0:2]) != arpHardwareEthernet ||
		binary.BigEndian.Uint16(b[2:4]) != arpProtoIPv4 ||
		b[4] != 6 || b[5] != 4 {
		return ARPPacket{}, errUnsupportedARP
	}
	var p ARPPacket
	p.Op = binary.BigEndian.Uint16(b[6:8])
	copy(p.SenderMAC[:], b[8:14])
	copy(p.SenderIP[:], b[14:18])
	copy(p.TargetMAC[:], b[18:24])
	copy(p.TargetIP[:], b[24:28])
	return p, nil
}

// Encode writes the packet into the first 28 bytes of b.
func (p ARPPacket) Encode(b []byte) {
	if len(b) < arpPacketLen {
		panic("ARPPacket.Encode: buffer too small")
	}
	binary.BigEndian.PutUint16(b[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(b[2:4], arpProtoIPv4)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], p.Op)
	copy(b[8:14], p.SenderMAC[:])
	copy(b[14:18], p.SenderIP[:])
	copy(b[18:24], p.TargetMAC[:])
	copy(b[24:28], p.TargetIP[:])
}

// arpPending is a fully built outbound frame waiting for the hardware address
// of ip. Only the Ethernet header is stamped on release.
type arpPending struct {
	dev       *Device
	ip        IPv4
	etherType EtherType
	frame     []byte
}

// arpTable holds the IPv4 to MAC cache and the pending queue.
//
// BUG: Entries never expire and misses are not retried on a timer; a lost
// request is only repeated when another send to the same address happens.
type arpTable struct {
	entries map[IPv4]MAC
	pending []arpPending
}

func newARPTable() arpTable {
	return arpTable{entries: make(map[IPv4]MAC)}
}

// arpResolve returns the cached MAC for ip. On a miss it broadcasts a request
// and reports false; the caller decides whether to queue its frame.
func (s *Stack) arpResolve(dev *Device, ip IPv4) (MAC, bool) {
	if mac, ok := s.arp.entries[ip]; ok {
		return mac, true
	}
	if err := s.sendARPRequest(dev, ip); err != nil {
		s.log.Warn("arp: send request", "device", dev.name, "ip", ip, "err", err)
	}
	return MAC{}, false
}

// arpEnqueue parks a frame until ip resolves. The oldest entry is dropped once
// the queue is full.
func (s *Stack) arpEnqueue(dev *Device, ip IPv4, t EtherType, frame []byte) {
	if len(s.arp.pending) >= s.opts.ARPPendingLimit {
		dropped := s.arp.pending[0]
		s.arp.pending = s.arp.pending[1:]
		s.logDrop("arp: pending queue full, dropping oldest frame", "ip", dropped.ip)
	}
	s.arp.pending = append(s.arp.pending, arpPending{dev: dev, ip: ip, etherType: t, frame: frame})
}

func (s *Stack) sendARPRequest(dev *Device, target IPv4) error {
	var payload [arpPacketLen]byte
	ARPPacket{
		Op:        arpOpRequest,
		SenderMAC: dev.mac,
		SenderIP:  dev.ipv4,
		TargetMAC: BroadcastMAC,
		TargetIP:  target,
	}.Encode(payload[:])
	if DEBUG {
		s.log.Debug("arp: who-has", "ip", target, "device", dev.name)
	}
	return s.sendEthernet(dev, BroadcastMAC, EtherTypeARP, payload[:])
}

// sendARPReply answers a request for our address with a unicast reply.
func (s *Stack) sendARPReply(dev *Device, req ARPPacket) error {
	var payload [arpPacketLen]byte
	ARPPacket{
		Op:        arpOpReply,
		SenderMAC: dev.mac,
		SenderIP:  dev.ipv4,
		TargetMAC: req.SenderMAC,
		TargetIP:  req.SenderIP,
	}.Encode(payload[:])
	return s.sendEthernet(dev, req.SenderMAC, EtherTypeARP, payload[:])
}

func (s *Stack) handleARP(dev *Device, _ EthernetHeader, payload []byte) {
	pkt, err := ParseARPPacket(payload)
	if err != nil {
		if DEBUG {
			s.log.Debug("arp: drop", "err", err)
		}
		return
	}

	switch pkt.Op {
	case arpOpRequest:
		if pkt.TargetIP != dev.ipv4 || dev.ipv4.IsZero() {
			return
		}
		if err := s.sendARPReply(dev, pkt); err != nil {
			s.log.Warn("arp: send reply", "device", dev.name, "err", err)
		}
	case arpOpReply:
		if pkt.TargetMAC != dev.mac {
			return
		}
		s.arp.entries[pkt.SenderIP] = pkt.SenderMAC
		s.flushARPPending(pkt.SenderIP, pkt.SenderMAC)
	}
}

// flushARPPending transmits every queued frame waiting for ip.
func (s *Stack) flushARPPending(ip IPv4, mac MAC) {
	kept := s.arp.pending[:0]
	var ready []arpPending
	for _, p := range s.arp.pending {
		if p.ip == ip {
			ready = append(ready, p)
		} else {
			kept = append(kept, p)
		}
	}
	clear(s.arp.pending[len(kept):])
	s.arp.pending = kept

	for _, p := range ready {
		EthernetHeader{Dst: mac, Src: p.dev.mac, EtherType: p.etherType}.Encode(p.frame)
		if err := s.transmit(p.dev, p.frame); err != nil {
			s.log.Warn("arp: flush pending frame", "ip", ip, "err", err)
		}
	}
}

// ARPEntries returns a copy of the cache.
func (s *Stack) ARPEntries() map[IPv4]MAC {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[IPv4]MAC, len(s.arp.entries))
	for ip, mac := range s.arp.entries {
		out[ip] = mac
	}
	return out
}

// AddStaticARP seeds the cache, as a reply would.
func (s *Stack) AddStaticARP(ip IPv4, mac MAC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arp.entries[ip] = mac
	s.flushARPPending(ip, mac)
}
