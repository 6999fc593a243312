// Package pcap reads and writes classic libpcap capture streams of Ethernet
// frames.
package pcap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT value for Ethernet captures.
const LinkTypeEthernet uint32 = 1

const (
	magicMicros = 0xa1b2c3d4
	magicNanos  = 0xa1b23c4d

	fileHeaderLen   = 24
	recordHeaderLen = 16

	// DefaultSnapLen keeps whole frames.
	DefaultSnapLen = 65535
)

var (
	ErrClosed      = errors.New("pcap: writer closed")
	ErrBadMagic    = errors.New("pcap: unrecognised magic number")
	ErrSnapTooLong = errors.New("pcap: record exceeds snap length")
)

// Record is one captured frame. Length is the size on the wire; Data may be
// shorter when the frame was truncated to the snap length.
type Record struct {
	Timestamp time.Time
	Length    int
	Data      []byte
}

// Writer emits a pcap stream. It is safe for concurrent use; records are
// buffered until Flush or Close.
type Writer struct {
	mu      sync.Mutex
	out     io.Writer
	buf     *bufio.Writer
	snapLen uint32
	nanos   bool
	packets uint64
	closed  bool
}

// WriterOptions selects the snap length and timestamp resolution.
type WriterOptions struct {
	SnapLen     uint32
	Nanoseconds bool
}

// NewWriter writes the global header to out and returns a writer ready for
// frames.
func NewWriter(out io.Writer, opts WriterOptions) (*Writer, error) {
	if opts.SnapLen == 0 {
		opts.SnapLen = DefaultSnapLen
	}
	w := &Writer{
		out:     out,
		buf:     bufio.NewWriter(out),
		snapLen: opts.SnapLen,
		nanos:   opts.Nanoseconds,
	}

	var hdr [fileHeaderLen]byte
	magic := uint32(magicMicros)
	if w.nanos {
		magic = magicNanos
	}
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor
	binary.LittleEndian.PutUint32(hdr[16:20], w.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := w.buf.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return w, nil
}

// WriteFrame records frame at ts, truncated to the snap length.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame length %d overflows uint32", len(frame))
	}

	capLen := min(uint32(len(frame)), w.snapLen)
	sec := ts.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return fmt.Errorf("pcap: timestamp %v out of range", ts)
	}
	frac := uint32(ts.Nanosecond())
	if !w.nanos {
		frac /= 1_000
	}

	var rec [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
	binary.LittleEndian.PutUint32(rec[4:8], frac)
	binary.LittleEndian.PutUint32(rec[8:12], capLen)
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))
	if _, err := w.buf.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := w.buf.Write(frame[:capLen]); err != nil {
		return fmt.Errorf("pcap: write record data: %w", err)
	}
	w.packets++
	return nil
}

// Packets reports how many records were written.
func (w *Writer) Packets() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.buf.Flush()
}

// Close flushes buffered records and closes the destination if it is an
// io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.buf.Flush()
	if c, ok := w.out.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Reader decodes a pcap stream written by Writer or by libpcap in either
// timestamp resolution. Only little-endian streams are accepted.
type Reader struct {
	r        *bufio.Reader
	SnapLen  uint32
	LinkType uint32
	nanos    bool
}

func NewReader(in io.Reader) (*Reader, error) {
	r := &Reader{r: bufio.NewReader(in)}
	var hdr [fileHeaderLen]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}
	switch binary.LittleEndian.Uint32(hdr[0:4]) {
	case magicMicros:
	case magicNanos:
		r.nanos = true
	default:
		return nil, ErrBadMagic
	}
	r.SnapLen = binary.LittleEndian.Uint32(hdr[16:20])
	r.LinkType = binary.LittleEndian.Uint32(hdr[20:24])
	return r, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec [recordHeaderLen]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("pcap: truncated record header: %w", err)
		}
		return Record{}, err
	}
	sec := binary.LittleEndian.Uint32(rec[0:4])
	frac := binary.LittleEndian.Uint32(rec[4:8])
	capLen := binary.LittleEndian.Uint32(rec[8:12])
	origLen := binary.LittleEndian.Uint32(rec[12:16])
	if r.SnapLen != 0 && capLen > r.SnapLen {
		return Record{}, fmt.Errorf("%w: %d > %d", ErrSnapTooLong, capLen, r.SnapLen)
	}

	data := make([]byte, capLen)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Record{}, fmt.Errorf("pcap: truncated record data: %w", err)
	}
	nsec := int64(frac)
	if !r.nanos {
		nsec *= 1_000
	}
	return Record{
		Timestamp: time.Unix(int64(sec), nsec),
		Length:    int(origLen),
		Data:      data,
	}, nil
}
