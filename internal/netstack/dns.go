package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const dnsPort = 53

// HostLookup resolves a fully-qualified, lower-case name for the DNS
// responder.
type HostLookup func(name string) (IPv4, bool)

// StaticHosts serves a fixed name table. Names may be given with or without
// the trailing dot.
func StaticHosts(hosts map[string]IPv4) HostLookup {
	table := make(map[string]IPv4, len(hosts))
	for name, ip := range hosts {
		table[dns.CanonicalName(name)] = ip
	}
	return func(name string) (IPv4, bool) {
		ip, ok := table[name]
		return ip, ok
	}
}

type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
	lookup HostLookup
}

func newDNSServer(logger *slog.Logger, lookup HostLookup, packetConn net.PacketConn) *dnsServer {
	srv := &dnsServer{
		log:    logger,
		lookup: lookup,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
	return srv
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

// StartDNSServer answers A queries on UDP port 53 of every local address,
// resolving names through lookup. Unknown names get NXDOMAIN.
func (s *Stack) StartDNSServer(lookup HostLookup) error {
	if lookup == nil {
		return fmt.Errorf("dns: nil lookup")
	}
	s.mu.Lock()
	running := s.dnsServer != nil
	s.mu.Unlock()
	if running {
		return fmt.Errorf("dns: %w", ErrPortInUse)
	}

	sock, err := s.OpenUDP(IPv4Any, 0, dnsPort)
	if err != nil {
		return fmt.Errorf("dns: open socket: %w", err)
	}
	srv := newDNSServer(s.log, lookup, sock.PacketConn())

	s.mu.Lock()
	s.dnsServer = srv
	s.mu.Unlock()

	srv.start()
	s.log.Info("dns: responder started", "port", dnsPort)
	return nil
}

// StopDNSServer shuts the responder down and releases its port.
func (s *Stack) StopDNSServer() {
	s.mu.Lock()
	srv := s.dnsServer
	s.dnsServer = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = srv.server.ShutdownContext(ctx)
	if srv.server.PacketConn != nil {
		_ = srv.server.PacketConn.Close()
	}
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.Authoritative = true

	for _, q := range r.Question {
		name := strings.ToLower(q.Name)
		ip, ok := s.lookup(name)
		if !ok {
			s.log.Debug("dns: unknown name", "name", q.Name)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		if q.Qtype != dns.TypeA {
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip))
		if err != nil {
			s.log.Debug("dns: create rr", "err", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	if err := w.WriteMsg(m); err != nil {
		s.log.Debug("dns: write reply", "err", err)
	}
}
