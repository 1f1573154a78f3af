// Package pipe implements the framing of the Main Controller's event pipe.
//
// The controller writes packets back to back with no delimiter. Each packet
// begins with a 6-byte header; status packets end there, error and
// notification packets carry the payload length in the header. See package
// packet for the header layout.
//
// A Reader pulls packets off the stream on a background goroutine and queues
// them, so consumers can block for the next packet with Next or check for an
// already buffered one with TryNext:
//
//	r := pipe.NewReader(events)
//	defer r.Close()
//
//	raw, err := r.Next()           // blocks
//	for more, ok := r.TryNext(); ok; more, ok = r.TryNext() {
//	    // drain what is already buffered
//	}
//
// A Writer frames events for the other direction. The simulator uses it to
// play the controller's side of the pipe.
package pipe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/smnsjas/go-mctr/packet"
)

var (
	// ErrClosed is returned by a Reader after Close.
	ErrClosed = errors.New("pipe reader closed")
	// ErrBadHeader is returned when a packet header cannot be parsed. The
	// stream cannot be resynchronized after a bad header.
	ErrBadHeader = errors.New("bad packet header")
)

// Reader reads framed packets from an event stream.
type Reader struct {
	src    io.Reader
	reader *bufio.Reader
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []string
	closed  bool
	readErr error
	done    chan struct{}
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithLogger sets the logger used for packet tracing.
func WithLogger(l *zap.Logger) ReaderOption {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReader creates a Reader and starts its background read loop.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	r := &Reader{
		src:     src,
		reader:  bufio.NewReader(src),
		logger:  zap.NewNop(),
		pending: make([]string, 0, 16),
		done:    make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}

	go r.readLoop()

	return r
}

// readLoop reads packets from the stream and queues them.
func (r *Reader) readLoop() {
	defer close(r.done)

	for {
		raw, err := r.readPacket()
		if err != nil {
			r.mu.Lock()
			r.readErr = err
			r.cond.Broadcast()
			r.mu.Unlock()
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("event pipe read failed", zap.Error(err))
			}
			return
		}

		r.logger.Debug("packet received", zap.String("packet", truncate(raw, 200)))

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.pending = append(r.pending, raw)
		r.cond.Signal()
		r.mu.Unlock()
	}
}

// readPacket reads one complete packet from the stream.
func (r *Reader) readPacket() (string, error) {
	header := make([]byte, packet.HeaderLen)
	if _, err := io.ReadFull(r.reader, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", fmt.Errorf("%w: truncated header %q", ErrBadHeader, header)
		}
		return "", err
	}

	_, n, err := packet.ParseHeader(header)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if n == 0 {
		return string(header), nil
	}

	buf := make([]byte, packet.HeaderLen+n)
	copy(buf, header)
	if _, err := io.ReadFull(r.reader, buf[packet.HeaderLen:]); err != nil {
		return "", fmt.Errorf("read payload of %d bytes: %w", n, err)
	}
	return string(buf), nil
}

// Next returns the next packet, blocking until one is available, the stream
// fails, or the Reader is closed. Packets queued before a stream failure are
// returned before the error.
func (r *Reader) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.pending) == 0 && !r.closed && r.readErr == nil {
		r.cond.Wait()
	}

	if r.closed {
		return "", ErrClosed
	}
	if len(r.pending) > 0 {
		return r.pop(), nil
	}
	return "", r.readErr
}

// TryNext returns the next packet if one is already queued.
func (r *Reader) TryNext() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || len(r.pending) == 0 {
		return "", false
	}
	return r.pop(), true
}

// Readable reports whether a packet is queued.
func (r *Reader) Readable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && len(r.pending) > 0
}

// Err returns the error that ended the read loop, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readErr
}

// Done returns a channel that is closed when the read loop exits.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Close discards queued packets and wakes blocked readers. If the underlying
// stream is an io.Closer it is closed as well, which ends the read loop.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.pending = nil
	r.cond.Broadcast()
	r.mu.Unlock()

	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// pop removes the first queued packet. Caller must hold r.mu.
func (r *Reader) pop() string {
	raw := r.pending[0]
	r.pending[0] = ""
	r.pending = r.pending[1:]
	return raw
}

// truncate shortens a string for log messages.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
