package netstack

import (
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

////////////////////////////////////////////////////////////////////////////////
// ICMP echo.
////////////////////////////////////////////////////////////////////////////////

// handleICMP answers echo requests addressed to dev. Echo replies are only
// logged; there is no ping client to correlate them with.
func (s *Stack) handleICMP(dev *Device, h ipv4Header) {
	if checksum(h.payload) != 0 {
		if DEBUG {
			s.log.Debug("icmp: bad checksum", "src", h.src)
		}
		return
	}
	msg, err := icmp.ParseMessage(int(icmpProtocolNumber), h.payload)
	if err != nil {
		if DEBUG {
			s.log.Debug("icmp: drop", "err", err)
		}
		return
	}

	switch msg.Type {
	case ipv4.ICMPTypeEcho:
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			return
		}
		reply := icmp.Message{
			Type: ipv4.ICMPTypeEchoReply,
			Code: 0,
			Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: echo.Data},
		}
		b, err := reply.Marshal(nil)
		if err != nil {
			s.log.Warn("icmp: marshal echo reply", "err", err)
			return
		}
		if err := s.sendIPv4(h.src, icmpProtocolNumber, b); err != nil {
			s.log.Warn("icmp: send echo reply", "dst", h.src, "err", err)
		}
	case ipv4.ICMPTypeEchoReply:
		if echo, ok := msg.Body.(*icmp.Echo); ok {
			s.log.Info("icmp: echo reply", "src", h.src, "id", echo.ID, "seq", echo.Seq, "device", dev.name)
		}
	}
}
