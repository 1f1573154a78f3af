// Package packet decodes and encodes the packets the Main Controller writes
// to its event pipe.
//
// # Packet Structure
//
// Every packet starts with a 6-byte header: a method character followed by a
// 5-digit zero-padded decimal payload length.
//
//	┌────────┬──────────────────────┬─────────────────────────────┐
//	│ Method │ Length (5 digits)    │ Payload (Length bytes)      │
//	└────────┴──────────────────────┴─────────────────────────────┘
//
// Status packets are the exception: they carry the two-digit state index in
// place of the length and have no payload.
//
//	S05000                                    status, state index 5
//	E00014 1|no such host                     error, severity 1
//	N00075 1401991983|667374|MTC@ubuntu|20|Test case HelloW2 finished. Verdict: inconc
//
// (The spaces after the headers are shown for readability only.)
//
// # Fields
//
// Error and notification payloads are '|'-separated field lists. A backslash
// escapes the following character, so "\|" is a literal pipe and "\\" a
// literal backslash. Error packets carry severity and message. Notification
// packets carry seconds, microseconds, source, severity and message.
//
// # Leniency
//
// Numeric fields are parsed leniently: a malformed severity decodes as 0 and a
// malformed timestamp decodes as the current time. Only a wrong field count or
// an invalid state index fails a decode.
package packet

import (
	"errors"
	"fmt"
	"strconv"

	mctr "github.com/smnsjas/go-mctr"
)

var (
	// ErrShortPacket is returned when a packet is shorter than its header.
	ErrShortPacket = errors.New("packet shorter than header")
	// ErrUnknownMethod is returned for a packet with an unknown method character.
	ErrUnknownMethod = errors.New("unknown packet method")
	// ErrMalformedStatus is returned when a status packet has an invalid state index.
	ErrMalformedStatus = errors.New("malformed status packet")
	// ErrFieldCount is returned when a packet has the wrong number of fields.
	ErrFieldCount = errors.New("field count mismatch")
	// ErrPayloadTooLarge is returned when a payload does not fit the length field.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// FieldCountError reports a packet with the wrong number of fields.
// It matches ErrFieldCount.
type FieldCountError struct {
	Method Method
	Want   int
	Got    int
}

func (e *FieldCountError) Error() string {
	return fmt.Sprintf("%s packet: expected %d fields, got %d", e.Method, e.Want, e.Got)
}

// Is reports whether target is ErrFieldCount.
func (e *FieldCountError) Is(target error) bool {
	return target == ErrFieldCount
}

// Event is a decoded packet.
type Event interface {
	// Method returns the packet method the event is carried by.
	Method() Method
}

// StatusChange reports that the controller entered a new state.
type StatusChange struct {
	State mctr.State
}

// Error is an error reported by the controller.
type Error struct {
	Severity int
	Message  string
}

// Notification is a log line reported by the controller.
type Notification struct {
	Time     mctr.Timeval
	Source   string
	Severity int
	Message  string
}

func (StatusChange) Method() Method { return MethodStatus }
func (Error) Method() Method { return MethodError }
func (Notification) Method() Method { return MethodNotify }

// now supplies the fallback timestamp for malformed notifications.
var now = mctr.Now

// Decode parses one raw packet.
func Decode(raw string) (Event, error) {
	if raw == "" {
		return nil, ErrShortPacket
	}

	switch Method(raw[0]) {
	case MethodStatus:
		state, err := decodeStatus(raw)
		if err != nil {
			return nil, err
		}
		return StatusChange{State: state}, nil

	case MethodError:
		fields, err := payloadFields(raw, MethodError, 2)
		if err != nil {
			return nil, err
		}
		return Error{
			Severity: atoiOrZero(fields[0]),
			Message:  fields[1],
		}, nil

	case MethodNotify:
		fields, err := payloadFields(raw, MethodNotify, 5)
		if err != nil {
			return nil, err
		}
		return Notification{
			Time:     parseTimeval(fields[0], fields[1]),
			Source:   fields[2],
			Severity: atoiOrZero(fields[3]),
			Message:  fields[4],
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, raw[0])
	}
}

func decodeStatus(raw string) (mctr.State, error) {
	if len(raw) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedStatus, raw)
	}
	hi, lo := raw[1], raw[2]
	if !isDigit(hi) || !isDigit(lo) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedStatus, raw)
	}
	state := mctr.State(int(hi-'0')*10 + int(lo-'0'))
	if !state.Valid() {
		return 0, fmt.Errorf("%w: state index %d out of range", ErrMalformedStatus, int(state))
	}
	return state, nil
}

func payloadFields(raw string, m Method, want int) ([]string, error) {
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("%w: %q", ErrShortPacket, raw)
	}
	fields := Split(raw[HeaderLen:])
	if len(fields) != want {
		return nil, &FieldCountError{Method: m, Want: want, Got: len(fields)}
	}
	return fields, nil
}

func parseTimeval(sec, usec string) mctr.Timeval {
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return now()
	}
	u, err := strconv.ParseInt(usec, 10, 64)
	if err != nil {
		return now()
	}
	return mctr.Timeval{Sec: s, Usec: u}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
