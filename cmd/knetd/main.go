// Command knetd runs the network stack on Linux TAP interfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/knet/internal/netconfig"
	"github.com/tinyrange/knet/internal/netstack"
	"github.com/tinyrange/knet/internal/tap"
)

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func run() error {
	configPath := flag.String("config", netconfig.DefaultFilename, "path to the YAML configuration")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	pcapPath := flag.String("pcap", "", "write a packet capture to this file (overrides config)")
	statusAddr := flag.String("status", "", "serve the status endpoint on this address (overrides config)")
	writeTemplate := flag.Bool("init", false, "write a starting configuration to -config and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `knetd - userspace IPv4 network stack on TAP interfaces

USAGE:
  knetd [flags]

FLAGS:
  -config PATH     Configuration file (default: %s)
  -log-level LVL   debug, info, warn or error (default: info)
  -pcap PATH       Capture every frame to a pcap file
  -status ADDR     Serve JSON status on ADDR (e.g. 127.0.0.1:8053)
  -init            Write a starting configuration and exit

The TAP interfaces named in the configuration must exist or be creatable by
the current user. Devices with a hostAddress are configured and brought up
on the host side; others are left as found.
`, netconfig.DefaultFilename)
	}
	flag.Parse()

	if *writeTemplate {
		return netconfig.WriteTemplate(*configPath, templateConfig())
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := netconfig.Load(*configPath)
	if err != nil {
		return err
	}
	if *pcapPath != "" {
		cfg.Capture = *pcapPath
	}
	if *statusAddr != "" {
		cfg.Status = *statusAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, logger, cfg)
}

func templateConfig() netconfig.Config {
	return netconfig.Config{
		Devices: []netconfig.Device{{Name: "eth0", TAP: "knet0", IPv4: "10.42.0.2", HostAddress: "10.42.0.1/24"}},
		Routes:  []netconfig.Route{{Network: "10.42.0.0/24", Device: "eth0"}},
		DefaultRoute: &netconfig.DefaultRoute{
			Gateway: "10.42.0.1",
			Prefix:  24,
			Device:  "eth0",
		},
		DNS: netconfig.DNSConfig{
			Enabled: true,
			Hosts:   map[string]string{"knet.internal": "10.42.0.2"},
		},
		Status: "127.0.0.1:8053",
		Services: []netconfig.Service{
			{Kind: netconfig.ServiceUDPEcho, Port: 7},
			{Kind: netconfig.ServiceTCPEcho, Port: 7},
		},
	}
}

// serve opens the TAP devices, builds the stack from cfg and runs everything
// until ctx is cancelled.
func serve(ctx context.Context, logger *slog.Logger, cfg netconfig.Config) error {
	s := netstack.New(logger, cfg.Options())
	defer s.Close()

	taps := make(map[string]*tap.Device)
	nics := make(map[string]netstack.NIC)
	defer func() {
		for _, t := range taps {
			_ = t.Close()
		}
	}()
	for _, d := range cfg.Devices {
		t, err := tap.Open(logger, d.TAP)
		if err != nil {
			return err
		}
		taps[d.Name] = t
		nics[d.Name] = t
		if host, ok := d.Host(); ok {
			if err := t.ConfigureHost(host); err != nil {
				return err
			}
		}
	}
	devs, err := cfg.Apply(s, nics)
	if err != nil {
		return err
	}

	if cfg.Capture != "" {
		f, err := os.Create(cfg.Capture)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		// The capture closes f when the stack shuts down.
		if err := s.OpenPacketCapture(f); err != nil {
			f.Close()
			return err
		}
		logger.Info("capture: writing frames", "path", cfg.Capture)
	}

	if cfg.DNS.Enabled {
		if err := s.StartDNSServer(netstack.StaticHosts(cfg.Hosts())); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(ctx) })
	for _, dev := range devs {
		t := taps[dev.Name()]
		g.Go(func() error { return t.Serve(ctx, dev) })
	}
	for _, svc := range cfg.Services {
		switch svc.Kind {
		case netconfig.ServiceUDPEcho:
			g.Go(func() error { return runUDPEcho(ctx, logger, s, svc.Port) })
		case netconfig.ServiceTCPEcho:
			g.Go(func() error { return runTCPEcho(ctx, logger, s, svc.Port) })
		}
	}
	if cfg.Status != "" {
		g.Go(func() error { return runStatusServer(ctx, logger, cfg.Status, s) })
	}

	// Closing the stack wakes every blocked socket call.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("knetd: shutting down")
		return s.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "knetd: %v\n", err)
		os.Exit(1)
	}
}
