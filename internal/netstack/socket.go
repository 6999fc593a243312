package netstack

import (
	"errors"
	"fmt"
	"sync"
)

////////////////////////////////////////////////////////////////////////////////
// Descriptor surface: files, flags, ioctl codes and the descriptor table.
////////////////////////////////////////////////////////////////////////////////

// ReadFlags modify a single Read call.
type ReadFlags uint64

// WriteFlags modify a single Write call.
type WriteFlags uint64

const (
	// ReadNonBlocking returns immediately with zero bytes when nothing is
	// buffered.
	ReadNonBlocking ReadFlags = 1
	// WriteNonBlocking returns after queueing whatever fits.
	WriteNonBlocking WriteFlags = 1
)

// Ioctl codes.
const (
	// Device descriptors.
	IoctlSetIP           uint64 = 64 // args: [ip]
	IoctlGetIP           uint64 = 65 // result: ip
	IoctlSetRoute        uint64 = 66 // args: [network, prefix]
	IoctlSetDefaultRoute uint64 = 67 // args: [gateway, prefix]

	// Bind descriptors. Result: new descriptor.
	IoctlGetIncoming uint64 = 64

	// Socket descriptors.
	IoctlGetSocketInfo          uint64 = 96 // args out: [localIP, localPort, remoteIP, remotePort, state]
	IoctlGetPendingDatagramInfo uint64 = 97 // result: length; args out: [srcIP, srcPort]
	IoctlSetDestination         uint64 = 98 // args: [ip, port]
)

// socketInfoArgs is the number of slots IoctlGetSocketInfo fills.
const socketInfoArgs = 5

// File is the descriptor-level interface of sockets, binds and devices.
type File interface {
	Read(p []byte, flags ReadFlags) (int, error)
	Write(p []byte, flags WriteFlags) (int, error)
	Ioctl(code uint64, args []uint64) (int64, error)
	Close() error
}

// SocketInfo describes the endpoints of a socket.
type SocketInfo struct {
	LocalIP    IPv4
	LocalPort  uint16
	RemoteIP   IPv4
	RemotePort uint16
	State      TCPState
}

func (i SocketInfo) putArgs(args []uint64) error {
	if len(args) < socketInfoArgs {
		return fmt.Errorf("%w: socket info needs %d slots, got %d", ErrBadIoctlArgs, socketInfoArgs, len(args))
	}
	args[0] = uint64(i.LocalIP.Uint32())
	args[1] = uint64(i.LocalPort)
	args[2] = uint64(i.RemoteIP.Uint32())
	args[3] = uint64(i.RemotePort)
	args[4] = uint64(i.State)
	return nil
}

// FileTable is a per-caller descriptor table. Accepted connections are
// installed onto the table of whoever owns the bind descriptor.
type FileTable struct {
	mu    sync.Mutex
	files map[int]File
}

func NewFileTable() *FileTable {
	return &FileTable{files: make(map[int]File)}
}

// Install places f on the lowest free descriptor.
func (t *FileTable) Install(f File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := 0
	for {
		if _, ok := t.files[fd]; !ok {
			break
		}
		fd++
	}
	t.files[fd] = f
	return fd
}

func (t *FileTable) Get(fd int) (File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadDescriptor, fd)
	}
	return f, nil
}

// Close removes fd from the table and closes the file.
func (t *FileTable) Close(fd int) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	delete(t.files, fd)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadDescriptor, fd)
	}
	return f.Close()
}

// CloseAll closes every descriptor.
func (t *FileTable) CloseAll() error {
	t.mu.Lock()
	files := t.files
	t.files = make(map[int]File)
	t.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *FileTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

////////////////////////////////////////////////////////////////////////////////
// Creation requests.
////////////////////////////////////////////////////////////////////////////////

// SocketType selects the protocol of a socket-open request.
type SocketType int

const (
	SocketUDP4 SocketType = 1
	SocketTCP4 SocketType = 2
)

// SocketRequest opens a UDP socket or an outbound TCP connection.
type SocketRequest struct {
	Type       SocketType
	DestIP     IPv4
	DestPort   uint16
	SourcePort uint16 // zero picks an ephemeral port
}

// BindType selects the protocol of a bind request.
type BindType int

const (
	BindTCP4 BindType = 1
)

// BindRequest creates a listener on a local address.
type BindRequest struct {
	Type BindType
	IP   IPv4
	Port uint16
}

// OpenSocket creates the socket described by req without installing it.
func (s *Stack) OpenSocket(req SocketRequest) (File, error) {
	switch req.Type {
	case SocketUDP4:
		sock, err := s.OpenUDP(req.DestIP, req.DestPort, req.SourcePort)
		if err != nil {
			return nil, err
		}
		return sock, nil
	case SocketTCP4:
		sock, err := s.DialTCP(req.DestIP, req.DestPort, req.SourcePort)
		if err != nil {
			return nil, err
		}
		return sock, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownSocketType, req.Type)
}

// Socket handles a socket-open request and installs the result onto files.
func (s *Stack) Socket(files *FileTable, req SocketRequest) (int, error) {
	f, err := s.OpenSocket(req)
	if err != nil {
		return -1, err
	}
	return files.Install(f), nil
}

// Bind handles a bind request and installs the bind descriptor onto files.
// Connections later accepted through it are installed onto the same table.
func (s *Stack) Bind(files *FileTable, req BindRequest) (int, error) {
	if req.Type != BindTCP4 {
		return -1, fmt.Errorf("%w: bind type %d", ErrUnknownSocketType, req.Type)
	}
	b, err := s.BindTCP(files, req.IP, req.Port)
	if err != nil {
		return -1, err
	}
	return files.Install(b), nil
}

////////////////////////////////////////////////////////////////////////////////
// Device descriptors.
////////////////////////////////////////////////////////////////////////////////

type deviceFile struct {
	dev *Device
}

// OpenDevice returns a descriptor for a network device that supports the
// address and route ioctls.
func (s *Stack) OpenDevice(name string) (File, error) {
	dev, ok := s.Device(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return &deviceFile{dev: dev}, nil
}

func (f *deviceFile) Read([]byte, ReadFlags) (int, error)   { return 0, ErrNotSupported }
func (f *deviceFile) Write([]byte, WriteFlags) (int, error) { return 0, ErrNotSupported }
func (f *deviceFile) Close() error                          { return nil }

func (f *deviceFile) Ioctl(code uint64, args []uint64) (int64, error) {
	s := f.dev.stack
	switch code {
	case IoctlSetIP:
		if len(args) != 1 {
			return -1, fmt.Errorf("%w: set ip takes 1 argument", ErrBadIoctlArgs)
		}
		f.dev.SetIPv4(IPv4FromUint32(uint32(args[0])))
		return 0, nil
	case IoctlGetIP:
		if len(args) != 0 {
			return -1, fmt.Errorf("%w: get ip takes no arguments", ErrBadIoctlArgs)
		}
		return int64(f.dev.IPv4().Uint32()), nil
	case IoctlSetRoute:
		if len(args) != 2 {
			return -1, fmt.Errorf("%w: set route takes 2 arguments", ErrBadIoctlArgs)
		}
		if err := s.AddRoute(IPv4FromUint32(uint32(args[0])), int(args[1]), f.dev); err != nil {
			return -1, err
		}
		return 0, nil
	case IoctlSetDefaultRoute:
		if len(args) != 2 {
			return -1, fmt.Errorf("%w: set default route takes 2 arguments", ErrBadIoctlArgs)
		}
		if err := s.SetDefaultRoute(IPv4FromUint32(uint32(args[0])), int(args[1]), f.dev); err != nil {
			return -1, err
		}
		return 0, nil
	}
	return -1, fmt.Errorf("%w: %d on device", ErrUnknownIoctl, code)
}
