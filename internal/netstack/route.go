package netstack

import "fmt"

////////////////////////////////////////////////////////////////////////////////
// Routing.
////////////////////////////////////////////////////////////////////////////////

// Route is one subnet entry of the route table.
type Route struct {
	Network IPv4
	Prefix  int
	Device  *Device
}

// DefaultRoute forwards everything that matched no subnet entry to Gateway.
type DefaultRoute struct {
	Gateway IPv4
	Prefix  int
	Device  *Device
}

// routeTable is append-only. Entries are matched in insertion order.
//
// BUG: There is no longest-prefix tie-break; with overlapping subnets the one
// registered first wins.
type routeTable struct {
	entries []Route
	def     *DefaultRoute
}

// prefixMask builds ~((1<<(32-prefix))-1) as an address.
func prefixMask(prefix int) IPv4 {
	host := uint64(1)<<(32-prefix) - 1
	return IPv4FromUint32(uint32(^host))
}

func maskMatches(dst, network IPv4, prefix int) bool {
	mask := prefixMask(prefix)
	for i := range mask {
		if dst[i]&mask[i] != network[i]&mask[i] {
			return false
		}
	}
	return true
}

// lookup returns the outbound device and the next hop whose hardware address
// must be resolved: the destination itself for a subnet match, the gateway for
// the default route.
func (rt *routeTable) lookup(dst IPv4) (*Device, IPv4, bool) {
	for _, r := range rt.entries {
		if maskMatches(dst, r.Network, r.Prefix) {
			return r.Device, dst, true
		}
	}
	if rt.def != nil {
		return rt.def.Device, rt.def.Gateway, true
	}
	return nil, IPv4{}, false
}

func validPrefix(prefix int) error {
	if prefix < 0 || prefix > 32 {
		return fmt.Errorf("route: invalid prefix length %d", prefix)
	}
	return nil
}

// AddRoute appends a subnet entry. Duplicates are not detected.
func (s *Stack) AddRoute(network IPv4, prefix int, dev *Device) error {
	if err := validPrefix(prefix); err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("route: nil device")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addRouteLocked(network, prefix, dev)
	return nil
}

func (s *Stack) addRouteLocked(network IPv4, prefix int, dev *Device) {
	s.routes.entries = append(s.routes.entries, Route{Network: network, Prefix: prefix, Device: dev})
	s.log.Debug("route: add", "network", network, "prefix", prefix, "device", dev.name)
}

// SetDefaultRoute replaces the default route.
func (s *Stack) SetDefaultRoute(gateway IPv4, prefix int, dev *Device) error {
	if err := validPrefix(prefix); err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("route: nil device")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setDefaultRouteLocked(gateway, prefix, dev)
	return nil
}

func (s *Stack) setDefaultRouteLocked(gateway IPv4, prefix int, dev *Device) {
	s.routes.def = &DefaultRoute{Gateway: gateway, Prefix: prefix, Device: dev}
	s.log.Debug("route: set default", "gateway", gateway, "device", dev.name)
}

// Lookup resolves dst to an outbound device and next hop.
func (s *Stack) Lookup(dst IPv4) (*Device, IPv4, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes.lookup(dst)
}

// Routes returns a copy of the subnet entries and the default route.
func (s *Stack) Routes() ([]Route, *DefaultRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]Route(nil), s.routes.entries...)
	var def *DefaultRoute
	if s.routes.def != nil {
		d := *s.routes.def
		def = &d
	}
	return entries, def
}
