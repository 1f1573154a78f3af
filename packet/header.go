package packet

import (
	"fmt"
)

// HeaderLen is the size of a packet header in bytes.
const HeaderLen = 6

// MaxPayload is the largest payload the 5-digit length field can describe.
const MaxPayload = 99999

// Method identifies the kind of a packet by its first byte.
type Method byte

const (
	// MethodStatus marks a status change packet.
	MethodStatus Method = 'S'
	// MethodError marks an error packet.
	MethodError Method = 'E'
	// MethodNotify marks a notification packet.
	MethodNotify Method = 'N'
)

// String returns a string representation of the method.
func (m Method) String() string {
	switch m {
	case MethodStatus:
		return "status"
	case MethodError:
		return "error"
	case MethodNotify:
		return "notification"
	default:
		return fmt.Sprintf("Unknown(%q)", byte(m))
	}
}

// ParseHeader parses a 6-byte packet header and returns the method and the
// payload length that follows it. Status headers have no payload.
func ParseHeader(h []byte) (Method, int, error) {
	if len(h) < HeaderLen {
		return 0, 0, ErrShortPacket
	}
	m := Method(h[0])
	if m == MethodStatus {
		return m, 0, nil
	}

	n := 0
	for _, c := range h[1:HeaderLen] {
		if !isDigit(c) {
			return m, 0, fmt.Errorf("invalid length field %q", h[1:HeaderLen])
		}
		n = n*10 + int(c-'0')
	}
	return m, n, nil
}

// FormatHeader returns the header for a payload of n bytes.
func FormatHeader(m Method, n int) (string, error) {
	if n < 0 || n > MaxPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	return fmt.Sprintf("%c%05d", byte(m), n), nil
}
