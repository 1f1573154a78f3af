package pipe

import (
	"fmt"
	"io"
	"sync"

	"github.com/smnsjas/go-mctr/packet"
)

// Writer frames events onto an event stream.
// It is safe for concurrent use; each packet is written atomically.
type Writer struct {
	w  io.Writer
	mu sync.Mutex // Protects w
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes ev and writes it as one packet.
func (w *Writer) Write(ev packet.Event) error {
	raw, err := packet.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s packet: %w", ev.Method(), err)
	}
	return w.WriteRaw(raw)
}

// WriteRaw writes raw bytes unchanged. It is meant for tests that need to
// inject malformed packets.
func (w *Writer) WriteRaw(raw string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := io.WriteString(w.w, raw)
	return err
}

// Close closes the underlying stream if it is an io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
