package packet

import (
	"fmt"
	"strconv"
)

// Encode serializes ev into its wire form.
func Encode(ev Event) (string, error) {
	switch ev := ev.(type) {
	case StatusChange:
		return EncodeStatus(ev)
	case Error:
		return EncodeError(ev)
	case Notification:
		return EncodeNotification(ev)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownMethod, ev)
	}
}

// EncodeStatus returns the status packet for ev.State.
func EncodeStatus(ev StatusChange) (string, error) {
	if !ev.State.Valid() {
		return "", fmt.Errorf("%w: state index %d out of range", ErrMalformedStatus, int(ev.State))
	}
	return fmt.Sprintf("%c%02d000", byte(MethodStatus), int(ev.State)), nil
}

// EncodeError returns the error packet for ev.
func EncodeError(ev Error) (string, error) {
	return withHeader(MethodError, Join(strconv.Itoa(ev.Severity), ev.Message))
}

// EncodeNotification returns the notification packet for ev.
func EncodeNotification(ev Notification) (string, error) {
	return withHeader(MethodNotify, Join(
		strconv.FormatInt(ev.Time.Sec, 10),
		strconv.FormatInt(ev.Time.Usec, 10),
		ev.Source,
		strconv.Itoa(ev.Severity),
		ev.Message,
	))
}

func withHeader(m Method, payload string) (string, error) {
	h, err := FormatHeader(m, len(payload))
	if err != nil {
		return "", err
	}
	return h + payload, nil
}
