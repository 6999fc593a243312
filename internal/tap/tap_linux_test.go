//go:build linux

package tap

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/tinyrange/knet/internal/netstack"
)

func openTestTAP(t *testing.T) *Device {
	t.Helper()
	d, err := Open(slog.New(slog.NewTextHandler(io.Discard, nil)), "knettest%d")
	if err != nil {
		t.Skipf("tap unavailable: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestBuffers(t *testing.T) {
	d := openTestTAP(t)

	if _, err := d.AllocateSendBuffer(netstack.MTU + 1); err == nil {
		t.Fatalf("expected oversized allocation to fail")
	}
	buf, err := d.AllocateSendBuffer(60)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(buf) != 60 || cap(buf) < netstack.MTU {
		t.Fatalf("buffer len=%d cap=%d", len(buf), cap(buf))
	}
	d.ReturnReceiveBuffer(buf)
}

func TestConfigureHost(t *testing.T) {
	d := openTestTAP(t)
	if err := d.ConfigureHost(netip.MustParsePrefix("10.99.0.1/24")); err != nil {
		t.Fatalf("configure: %v", err)
	}
	// Reassigning the same address is not an error.
	if err := d.ConfigureHost(netip.MustParsePrefix("10.99.0.1/24")); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	d := openTestTAP(t)
	s := netstack.New(slog.New(slog.NewTextHandler(io.Discard, nil)), netstack.Options{})
	defer s.Close()
	dev, err := s.AddDevice("eth0", netstack.MAC{2, 0, 0, 0, 0, 1}, netstack.IPv4{10, 9, 0, 1}, d)
	if err != nil {
		t.Fatalf("add device: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, dev) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
