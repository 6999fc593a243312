package netstack

import (
	"fmt"
	"io"

	"github.com/tinyrange/knet/internal/pcap"
)

// packetCapture tees every received and transmitted frame into a pcap
// stream.
type packetCapture struct {
	w *pcap.Writer
}

// OpenPacketCapture starts recording every frame the stack receives or
// transmits to w. Any previous capture is closed first.
func (s *Stack) OpenPacketCapture(w io.Writer) error {
	pw, err := pcap.NewWriter(w, pcap.WriterOptions{SnapLen: MTU})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	s.mu.Lock()
	prev := s.capture
	s.capture = &packetCapture{w: pw}
	s.mu.Unlock()

	if prev != nil {
		return prev.close()
	}
	return nil
}

// ClosePacketCapture stops recording and flushes the stream.
func (s *Stack) ClosePacketCapture() error {
	s.mu.Lock()
	prev := s.capture
	s.capture = nil
	s.mu.Unlock()
	if prev == nil {
		return nil
	}
	return prev.close()
}

// capturePacket is called with the stack locked.
func (s *Stack) capturePacket(frame []byte) {
	if s.capture == nil {
		return
	}
	if err := s.capture.w.WriteFrame(s.clock.Now(), frame); err != nil {
		s.log.Warn("capture: write failed, disabling", "err", err)
		_ = s.capture.close()
		s.capture = nil
	}
}

func (c *packetCapture) close() error {
	if err := c.w.Close(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}
