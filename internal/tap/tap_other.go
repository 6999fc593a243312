//go:build !linux

package tap

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/tinyrange/knet/internal/netstack"
)

var ErrUnsupported = errors.New("tap: TAP devices are only supported on linux")

type Device struct{}

func Open(*slog.Logger, string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Name() string                                  { return "" }
func (d *Device) ConfigureHost(netip.Prefix) error              { return ErrUnsupported }
func (d *Device) AllocateSendBuffer(int) ([]byte, error)        { return nil, ErrUnsupported }
func (d *Device) Transmit([]byte) error                         { return ErrUnsupported }
func (d *Device) ReturnReceiveBuffer([]byte)                    {}
func (d *Device) Serve(context.Context, *netstack.Device) error { return ErrUnsupported }
func (d *Device) Close() error                                  { return nil }
