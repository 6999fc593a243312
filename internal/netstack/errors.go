package netstack

import "errors"

var (
	ErrNoRoute             = errors.New("netstack: no route to host")
	ErrNoBufferSpace       = errors.New("netstack: no buffer space available")
	ErrPayloadTooLarge     = errors.New("netstack: payload too large")
	ErrHandlerRegistered   = errors.New("netstack: ethertype handler already registered")
	ErrPortInUse           = errors.New("netstack: port already in use")
	ErrPortsExhausted      = errors.New("netstack: ephemeral port range exhausted")
	ErrInvalidPort         = errors.New("netstack: invalid port")
	ErrListenerExists      = errors.New("netstack: listener already bound")
	ErrConnectionExists    = errors.New("netstack: connection already exists")
	ErrBufferTooSmall      = errors.New("netstack: buffer too small for datagram")
	ErrSocketClosed        = errors.New("netstack: socket closed")
	ErrStackClosed         = errors.New("netstack: stack closed")
	ErrBlockingUnsupported = errors.New("netstack: blocking reads are disabled")
	ErrNoPendingConnection = errors.New("netstack: no pending connection")
	ErrNoPendingDatagram   = errors.New("netstack: no pending datagram")
	ErrNotSupported        = errors.New("netstack: operation not supported")
	ErrUnknownIoctl        = errors.New("netstack: unknown ioctl")
	ErrBadIoctlArgs        = errors.New("netstack: bad ioctl arguments")
	ErrBadDescriptor       = errors.New("netstack: bad descriptor")
	ErrUnknownDevice       = errors.New("netstack: unknown device")
	ErrUnknownSocketType   = errors.New("netstack: unknown socket type")
)
