package netstack

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestARPPacketRoundTrip(t *testing.T) {
	want := ARPPacket{
		Op:        arpOpReply,
		SenderMAC: testStackMAC,
		SenderIP:  testStackIP,
		TargetMAC: testPeerMAC,
		TargetIP:  testPeerIP,
	}
	buf := make([]byte, arpPacketLen)
	want.Encode(buf)

	if !header.ARP(buf).IsValid() {
		t.Fatalf("encoded packet rejected by independent decoder")
	}
	got, err := ParseARPPacket(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("packet mismatch (-want +got):\n%s", diff)
	}

	buf[1] = 6 // hardware type 6 (IEEE 802)
	if _, err := ParseARPPacket(buf); err == nil {
		t.Fatalf("expected non-ethernet ARP to be rejected")
	}
}

func TestARPReply(t *testing.T) {
	env := newTestStack(t, Options{})

	req := buildEthernet(BroadcastMAC, testPeerMAC, EtherTypeARP,
		buildARP(header.ARPRequest, testPeerMAC, testPeerIP, MAC{}, testStackIP))
	env.deliver(req)

	frame := env.sentOne()
	eth := header.Ethernet(frame)
	if eth.DestinationAddress() != linkAddr(testPeerMAC) {
		t.Fatalf("reply not unicast to requester: %s", eth.DestinationAddress())
	}
	if eth.SourceAddress() != linkAddr(testStackMAC) {
		t.Fatalf("unexpected src mac %s", eth.SourceAddress())
	}
	a := header.ARP(frame[header.EthernetMinimumSize:])
	if !a.IsValid() || a.Op() != header.ARPReply {
		t.Fatalf("expected valid ARP reply, got op %d", a.Op())
	}
	if !bytes.Equal(a.ProtocolAddressSender(), testStackIP[:]) || !bytes.Equal(a.HardwareAddressSender(), testStackMAC[:]) {
		t.Fatalf("reply carries wrong sender %x/%x", a.HardwareAddressSender(), a.ProtocolAddressSender())
	}
	if !bytes.Equal(a.ProtocolAddressTarget(), testPeerIP[:]) {
		t.Fatalf("reply carries wrong target %x", a.ProtocolAddressTarget())
	}

	// Requests for someone else are ignored, and requests do not teach the
	// cache anything.
	other := IPv4{10, 0, 0, 77}
	env.deliver(buildEthernet(BroadcastMAC, testPeerMAC, EtherTypeARP,
		buildARP(header.ARPRequest, testPeerMAC, other, MAC{}, IPv4{10, 0, 0, 99})))
	env.expectSilence()
	if _, ok := env.s.ARPEntries()[other]; ok {
		t.Fatalf("cache learned from a request")
	}
}

func TestARPPendingQueue(t *testing.T) {
	env := newTestStack(t, Options{})

	sock, err := env.s.OpenUDP(testUnresolvedIP, 9000, 0)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}
	if _, err := sock.Write([]byte("first"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Exactly one broadcast request and nothing else.
	frame := env.sentOne()
	eth := header.Ethernet(frame)
	if eth.DestinationAddress() != linkAddr(BroadcastMAC) || eth.Type() != header.ARPProtocolNumber {
		t.Fatalf("expected broadcast ARP request, got dst=%s type=%#04x", eth.DestinationAddress(), eth.Type())
	}
	a := header.ARP(frame[header.EthernetMinimumSize:])
	if a.Op() != header.ARPRequest || !bytes.Equal(a.ProtocolAddressTarget(), testUnresolvedIP[:]) {
		t.Fatalf("unexpected ARP request op=%d target=%x", a.Op(), a.ProtocolAddressTarget())
	}

	// A frame for a different unresolved host stays queued across the reply.
	otherSock, err := env.s.OpenUDP(IPv4{10, 0, 0, 4}, 9000, 0)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}
	if _, err := otherSock.Write([]byte("other"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	env.nic.take()

	resolved := MAC{0x0a, 0x42, 0x00, 0x00, 0x00, 0x03}
	env.deliver(peerARPReply(testUnresolvedIP, resolved))

	out := env.sentOne()
	if got := header.Ethernet(out).DestinationAddress(); got != linkAddr(resolved) {
		t.Fatalf("flushed frame sent to %s", got)
	}
	d := mustParseSentUDP(t, out)
	if string(d.payload) != "first" || d.dstPort != 9000 {
		t.Fatalf("unexpected flushed datagram %+v", d)
	}
	if got := env.s.ARPEntries()[testUnresolvedIP]; got != resolved {
		t.Fatalf("cache holds %s", got)
	}
	if snap := env.s.Snapshot(); snap.ARPPending != 1 {
		t.Fatalf("expected the other frame to stay pending, got %d", snap.ARPPending)
	}

	// Later sends go straight out.
	if _, err := sock.Write([]byte("second"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if d := mustParseSentUDP(t, env.sentOne()); string(d.payload) != "second" {
		t.Fatalf("unexpected datagram %q", d.payload)
	}
}

func TestARPReplyForOtherMACIgnored(t *testing.T) {
	env := newTestStack(t, Options{})

	reply := buildEthernet(testStackMAC, testPeerMAC, EtherTypeARP,
		buildARP(header.ARPReply, testPeerMAC, testUnresolvedIP, MAC{0x02, 1, 1, 1, 1, 1}, testStackIP))
	env.deliver(reply)
	if _, ok := env.s.ARPEntries()[testUnresolvedIP]; ok {
		t.Fatalf("cache updated from a reply addressed to another MAC")
	}
}

func TestARPPendingLimitDropsOldest(t *testing.T) {
	env := newTestStack(t, Options{ARPPendingLimit: 2})

	sock, err := env.s.OpenUDP(testUnresolvedIP, 9000, 0)
	if err != nil {
		t.Fatalf("open udp: %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if _, err := sock.Write([]byte(p), 0); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	// One request per miss.
	if n := len(env.nic.take()); n != 3 {
		t.Fatalf("expected 3 ARP requests, got %d", n)
	}

	env.deliver(peerARPReply(testUnresolvedIP, testPeerMAC))
	frames := env.nic.take()
	if len(frames) != 2 {
		t.Fatalf("expected 2 flushed frames, got %d", len(frames))
	}
	var got []string
	for _, f := range frames {
		got = append(got, string(mustParseSentUDP(t, f).payload))
	}
	if diff := cmp.Diff([]string{"b", "c"}, got); diff != "" {
		t.Fatalf("flushed payloads (-want +got):\n%s", diff)
	}
}
