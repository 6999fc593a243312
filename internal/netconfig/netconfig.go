package netconfig

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/tinyrange/knet/internal/netstack"
	"gopkg.in/yaml.v3"
)

const DefaultFilename = "knet.yaml"

// Service kinds understood by the daemon.
const (
	ServiceUDPEcho = "udp-echo"
	ServiceTCPEcho = "tcp-echo"
)

// Config describes a knetd instance: its devices, routing, tunables and the
// services it runs on top of the stack.
type Config struct {
	Version int `yaml:"version"`

	Devices      []Device      `yaml:"devices"`
	Routes       []Route       `yaml:"routes,omitempty"`
	DefaultRoute *DefaultRoute `yaml:"defaultRoute,omitempty"`
	StaticARP    []ARPEntry    `yaml:"staticARP,omitempty"`

	TCP TCPConfig `yaml:"tcp,omitempty"`
	UDP UDPConfig `yaml:"udp,omitempty"`

	// ARPPendingLimit bounds frames parked on unresolved next hops.
	ARPPendingLimit int `yaml:"arpPendingLimit,omitempty"`
	// DisableBlockingReads makes blocking socket reads fail instead of wait.
	DisableBlockingReads bool `yaml:"disableBlockingReads,omitempty"`

	DNS DNSConfig `yaml:"dns,omitempty"`

	// Capture is a pcap file receiving every frame. Empty disables capture.
	Capture string `yaml:"capture,omitempty"`
	// Status is the listen address of the HTTP status endpoint.
	Status string `yaml:"status,omitempty"`

	Services []Service `yaml:"services,omitempty"`
}

type Device struct {
	Name string `yaml:"name"`
	// TAP is the host interface name. Defaults to the device name.
	TAP  string `yaml:"tap,omitempty"`
	MAC  string `yaml:"mac,omitempty"`
	IPv4 string `yaml:"ipv4"`
	// HostAddress, a CIDR such as 10.42.0.1/24, is assigned to the host side
	// of the TAP interface. When empty the link is left as found.
	HostAddress string `yaml:"hostAddress,omitempty"`

	mac  netstack.MAC
	ip   netstack.IPv4
	host netip.Prefix
}

// HardwareAddr returns the parsed MAC of a validated config.
func (d Device) HardwareAddr() netstack.MAC { return d.mac }

// Addr returns the parsed address of a validated config.
func (d Device) Addr() netstack.IPv4 { return d.ip }

// Host returns the parsed host-side address, if any.
func (d Device) Host() (netip.Prefix, bool) { return d.host, d.host.IsValid() }

type Route struct {
	Network string `yaml:"network"` // CIDR
	Device  string `yaml:"device"`

	prefix netip.Prefix
}

type DefaultRoute struct {
	Gateway string `yaml:"gateway"`
	Prefix  int    `yaml:"prefix,omitempty"`
	Device  string `yaml:"device"`

	gateway netstack.IPv4
}

type ARPEntry struct {
	IPv4 string `yaml:"ipv4"`
	MAC  string `yaml:"mac"`

	ip  netstack.IPv4
	mac netstack.MAC
}

type TCPConfig struct {
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	CloseTimeout  time.Duration `yaml:"closeTimeout,omitempty"`
	SweepInterval time.Duration `yaml:"sweepInterval,omitempty"`
	BufferSize    int           `yaml:"bufferSize,omitempty"`
	ListenBacklog int           `yaml:"listenBacklog,omitempty"`
}

type UDPConfig struct {
	QueueLimit int `yaml:"queueLimit,omitempty"`
	// EphemeralPorts is "first-last". The range is shared with TCP.
	EphemeralPorts string `yaml:"ephemeralPorts,omitempty"`

	first, last uint16
}

type DNSConfig struct {
	Enabled bool              `yaml:"enabled,omitempty"`
	Hosts   map[string]string `yaml:"hosts,omitempty"`

	hosts map[string]netstack.IPv4
}

// Service is a small protocol service run on the stack itself.
type Service struct {
	Kind string `yaml:"kind"`
	Port uint16 `yaml:"port"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.TAP == "" {
			d.TAP = d.Name
		}
		if d.MAC == "" {
			// Locally administered, unicast.
			d.MAC = fmt.Sprintf("02:6b:6e:00:00:%02x", i+1)
		}
	}
	if c.DefaultRoute != nil && c.DefaultRoute.Prefix == 0 {
		c.DefaultRoute.Prefix = 32
	}
	for i := range c.Services {
		c.Services[i].Kind = strings.ToLower(strings.TrimSpace(c.Services[i].Kind))
	}
}

// validate checks every field and caches the parsed addresses. All problems
// are reported together.
func (c *Config) validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Version != 1 {
		fail("unsupported version %d", c.Version)
	}
	if len(c.Devices) == 0 {
		fail("no devices configured")
	}
	names := make(map[string]bool)
	taps := make(map[string]bool)
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			fail("devices[%d]: missing name", i)
		} else if names[d.Name] {
			fail("devices[%d]: duplicate name %q", i, d.Name)
		}
		names[d.Name] = true
		if taps[d.TAP] {
			fail("devices[%d]: tap %q used twice", i, d.TAP)
		}
		taps[d.TAP] = true

		var err error
		if d.mac, err = netstack.ParseMAC(d.MAC); err != nil {
			fail("devices[%d]: %w", i, err)
		} else if d.mac[0]&1 != 0 {
			fail("devices[%d]: mac %s is multicast", i, d.MAC)
		}
		if d.ip, err = netstack.ParseIPv4(d.IPv4); err != nil {
			fail("devices[%d]: %w", i, err)
		}
		if d.HostAddress != "" {
			p, err := netip.ParsePrefix(d.HostAddress)
			switch {
			case err != nil || !p.Addr().Is4():
				fail("devices[%d]: invalid hostAddress %q", i, d.HostAddress)
			case netstack.IPv4(p.Addr().As4()) == d.ip:
				fail("devices[%d]: hostAddress %s collides with the stack address", i, p.Addr())
			default:
				d.host = p
			}
		}
	}

	for i := range c.Routes {
		r := &c.Routes[i]
		p, err := netip.ParsePrefix(r.Network)
		if err != nil || !p.Addr().Is4() {
			fail("routes[%d]: invalid network %q", i, r.Network)
		}
		r.prefix = p.Masked()
		if !names[r.Device] {
			fail("routes[%d]: unknown device %q", i, r.Device)
		}
	}

	if dr := c.DefaultRoute; dr != nil {
		var err error
		if dr.gateway, err = netstack.ParseIPv4(dr.Gateway); err != nil {
			fail("defaultRoute: %w", err)
		}
		if dr.Prefix < 0 || dr.Prefix > 32 {
			fail("defaultRoute: invalid prefix %d", dr.Prefix)
		}
		if !names[dr.Device] {
			fail("defaultRoute: unknown device %q", dr.Device)
		}
	}

	for i := range c.StaticARP {
		e := &c.StaticARP[i]
		var err error
		if e.ip, err = netstack.ParseIPv4(e.IPv4); err != nil {
			fail("staticARP[%d]: %w", i, err)
		}
		if e.mac, err = netstack.ParseMAC(e.MAC); err != nil {
			fail("staticARP[%d]: %w", i, err)
		}
	}

	for name, d := range map[string]time.Duration{
		"tcp.timeout":       c.TCP.Timeout,
		"tcp.closeTimeout":  c.TCP.CloseTimeout,
		"tcp.sweepInterval": c.TCP.SweepInterval,
	} {
		if d < 0 {
			fail("%s: negative duration %s", name, d)
		}
	}
	if c.TCP.BufferSize < 0 || c.TCP.BufferSize > 0xffff {
		fail("tcp.bufferSize: %d out of range", c.TCP.BufferSize)
	}
	if c.TCP.ListenBacklog < 0 || c.UDP.QueueLimit < 0 || c.ARPPendingLimit < 0 {
		fail("queue limits must not be negative")
	}
	if c.UDP.EphemeralPorts != "" {
		first, last, err := parsePortRange(c.UDP.EphemeralPorts)
		if err != nil {
			fail("udp.ephemeralPorts: %w", err)
		}
		c.UDP.first, c.UDP.last = first, last
	}

	c.DNS.hosts = make(map[string]netstack.IPv4, len(c.DNS.Hosts))
	for name, addr := range c.DNS.Hosts {
		ip, err := netstack.ParseIPv4(addr)
		if err != nil {
			fail("dns.hosts[%s]: %w", name, err)
			continue
		}
		c.DNS.hosts[name] = ip
	}

	type svcKey struct {
		proto string
		port  uint16
	}
	seen := make(map[svcKey]bool)
	for i, s := range c.Services {
		var proto string
		switch s.Kind {
		case ServiceUDPEcho:
			proto = "udp"
		case ServiceTCPEcho:
			proto = "tcp"
		default:
			fail("services[%d]: unknown kind %q", i, s.Kind)
			continue
		}
		if s.Port == 0 {
			fail("services[%d]: missing port", i)
		}
		k := svcKey{proto, s.Port}
		if seen[k] {
			fail("services[%d]: %s port %d used twice", i, proto, s.Port)
		}
		seen[k] = true
	}
	if c.DNS.Enabled && seen[svcKey{"udp", 53}] {
		fail("services: udp port 53 is taken by the dns responder")
	}

	return errors.Join(errs...)
}

func parsePortRange(s string) (uint16, uint16, error) {
	var first, last uint16
	if _, err := fmt.Sscanf(s, "%d-%d", &first, &last); err != nil {
		return 0, 0, fmt.Errorf("parse %q: %w", s, err)
	}
	if first == 0 || first > last {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	return first, last, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Options converts the tunables into stack options. Unset fields keep the
// stack defaults.
func (c Config) Options() netstack.Options {
	return netstack.Options{
		TCPTimeout:           c.TCP.Timeout,
		TCPCloseTimeout:      c.TCP.CloseTimeout,
		SweepInterval:        c.TCP.SweepInterval,
		EphemeralFirst:       c.UDP.first,
		EphemeralLast:        c.UDP.last,
		SocketBufferSize:     c.TCP.BufferSize,
		ARPPendingLimit:      c.ARPPendingLimit,
		UDPQueueLimit:        c.UDP.QueueLimit,
		ListenBacklog:        c.TCP.ListenBacklog,
		DisableBlockingReads: c.DisableBlockingReads,
	}
}

// Hosts returns the DNS host table.
func (c Config) Hosts() map[string]netstack.IPv4 {
	return c.DNS.hosts
}

// Apply registers the configured devices on s, using nics[name] as each
// device's driver, then installs routes and static ARP entries.
func (c Config) Apply(s *netstack.Stack, nics map[string]netstack.NIC) ([]*netstack.Device, error) {
	devs := make(map[string]*netstack.Device, len(c.Devices))
	var out []*netstack.Device
	for _, d := range c.Devices {
		nic, ok := nics[d.Name]
		if !ok {
			return nil, fmt.Errorf("apply: no driver for device %q", d.Name)
		}
		dev, err := s.AddDevice(d.Name, d.mac, d.ip, nic)
		if err != nil {
			return nil, fmt.Errorf("apply: %w", err)
		}
		devs[d.Name] = dev
		out = append(out, dev)
	}
	for _, r := range c.Routes {
		if err := s.AddRoute(netstack.IPv4(r.prefix.Addr().As4()), r.prefix.Bits(), devs[r.Device]); err != nil {
			return nil, fmt.Errorf("apply: %w", err)
		}
	}
	if dr := c.DefaultRoute; dr != nil {
		if err := s.SetDefaultRoute(dr.gateway, dr.Prefix, devs[dr.Device]); err != nil {
			return nil, fmt.Errorf("apply: %w", err)
		}
	}
	for _, e := range c.StaticARP {
		s.AddStaticARP(e.ip, e.mac)
	}
	return out, nil
}

// WriteTemplate writes an annotated starting config to path.
func WriteTemplate(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
