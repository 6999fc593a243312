package netstack

import (
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// Snapshot is a point-in-time view of the stack's tables.
type Snapshot struct {
	Devices     []DeviceStatus     `json:"devices"`
	Routes      []RouteStatus      `json:"routes"`
	ARP         []ARPStatus        `json:"arp"`
	UDPSockets  []UDPStatus        `json:"udp_sockets"`
	Connections []ConnectionStatus `json:"tcp_connections"`
	Listeners   []ListenerStatus   `json:"tcp_listeners"`
	ARPPending  int                `json:"arp_pending"`
	Inbound     int                `json:"inbound_queued"`
}

type DeviceStatus struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
	IPv4 string `json:"ipv4"`
}

type RouteStatus struct {
	Network string `json:"network"`
	Prefix  int    `json:"prefix"`
	Gateway string `json:"gateway,omitempty"`
	Device  string `json:"device"`
	Default bool   `json:"default,omitempty"`
}

type ARPStatus struct {
	IPv4 string `json:"ipv4"`
	MAC  string `json:"mac"`
}

type UDPStatus struct {
	LocalPort  uint16 `json:"local_port"`
	RemoteIP   string `json:"remote_ip,omitempty"`
	RemotePort uint16 `json:"remote_port,omitempty"`
	Queued     int    `json:"queued"`
}

type ConnectionStatus struct {
	Local      string `json:"local"`
	Remote     string `json:"remote"`
	State      string `json:"state"`
	Activated  bool   `json:"activated"`
	Unacked    uint32 `json:"unacked"`
	Buffered   int    `json:"buffered"`
	SendWindow uint32 `json:"send_window"`
	Attached   bool   `json:"attached"`
}

type ListenerStatus struct {
	Local   string `json:"local"`
	Pending int    `json:"pending"`
}

// Snapshot collects the current tables. Connections and listeners come out in
// four-tuple order; UDP sockets and ARP entries are sorted too.
func (s *Stack) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	for _, d := range s.devices {
		snap.Devices = append(snap.Devices, DeviceStatus{Name: d.name, MAC: d.mac.String(), IPv4: d.ipv4.String()})
	}
	for _, r := range s.routes.entries {
		snap.Routes = append(snap.Routes, RouteStatus{
			Network: r.Network.String(),
			Prefix:  r.Prefix,
			Device:  r.Device.name,
		})
	}
	if def := s.routes.def; def != nil {
		snap.Routes = append(snap.Routes, RouteStatus{
			Network: IPv4Any.String(),
			Prefix:  def.Prefix,
			Gateway: def.Gateway.String(),
			Device:  def.Device.name,
			Default: true,
		})
	}

	for ip, mac := range s.arp.entries {
		snap.ARP = append(snap.ARP, ARPStatus{IPv4: ip.String(), MAC: mac.String()})
	}
	slices.SortFunc(snap.ARP, func(a, b ARPStatus) int { return strings.Compare(a.IPv4, b.IPv4) })
	snap.ARPPending = len(s.arp.pending)

	for port, u := range s.udpSockets {
		st := UDPStatus{LocalPort: port, Queued: len(u.inbound)}
		if u.destPort != 0 {
			st.RemoteIP = u.destIP.String()
			st.RemotePort = u.destPort
		}
		snap.UDPSockets = append(snap.UDPSockets, st)
	}
	slices.SortFunc(snap.UDPSockets, func(a, b UDPStatus) int { return int(a.LocalPort) - int(b.LocalPort) })

	s.tcpConns.Ascend(func(c *tcpConn) bool {
		snap.Connections = append(snap.Connections, ConnectionStatus{
			Local:      endpointString(c.key.localIP, c.key.localPort),
			Remote:     endpointString(c.key.remoteIP, c.key.remotePort),
			State:      c.state.String(),
			Activated:  c.activated,
			Unacked:    seqDiff(c.sentMax, c.seqIndex),
			Buffered:   c.sendBuf.Len(),
			SendWindow: c.sendWindow,
			Attached:   c.socket != nil,
		})
		return true
	})
	s.listeners.Ascend(func(l *tcpListener) bool {
		snap.Listeners = append(snap.Listeners, ListenerStatus{
			Local:   endpointString(l.key.localIP, l.key.localPort),
			Pending: len(l.bind.pending),
		})
		return true
	})

	s.inMu.Lock()
	snap.Inbound = len(s.inbound)
	s.inMu.Unlock()
	return snap
}

func endpointString(ip IPv4, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}

// StatusHandler serves the snapshot as JSON.
func (s *Stack) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.Snapshot()); err != nil {
			s.log.Debug("status: encode", "err", err)
		}
	})
}
