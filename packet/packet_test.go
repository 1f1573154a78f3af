package packet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mctr "github.com/smnsjas/go-mctr"
)

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    mctr.State
		wantErr error
	}{
		{name: "inactive", raw: "S00000", want: mctr.StateInactive},
		{name: "active", raw: "S05000", want: mctr.StateActive},
		{name: "paused", raw: "S13000", want: mctr.StatePaused},
		{name: "suffix ignored", raw: "S08", want: mctr.StateReady},
		{name: "index out of range", raw: "S14000", wantErr: ErrMalformedStatus},
		{name: "non digit index", raw: "Sx1000", wantErr: ErrMalformedStatus},
		{name: "too short", raw: "S1", wantErr: ErrMalformedStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusChange{State: tt.want}, ev)
		})
	}
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Error
	}{
		{
			name: "plain",
			raw:  "E00014" + "1|no such host",
			want: Error{Severity: 1, Message: "no such host"},
		},
		{
			name: "escaped separator and backslash",
			raw:  "E00010" + `3|a\|b\\c`,
			want: Error{Severity: 3, Message: `a|b\c`},
		},
		{
			name: "malformed severity falls back to zero",
			raw:  "E00005" + "x|msg",
			want: Error{Severity: 0, Message: "msg"},
		},
		{
			name: "empty message",
			raw:  "E00002" + "2|",
			want: Error{Severity: 2, Message: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestDecodeNotification(t *testing.T) {
	raw := "N00075" + "1401991983|667374|MTC@ubuntu|20|Test case HelloW2 finished. Verdict: inconc"

	ev, err := Decode(raw)
	require.NoError(t, err)

	n, ok := ev.(Notification)
	require.True(t, ok, "expected Notification, got %T", ev)
	assert.Equal(t, mctr.Timeval{Sec: 1401991983, Usec: 667374}, n.Time)
	assert.Equal(t, "MTC@ubuntu", n.Source)
	assert.Equal(t, 20, n.Severity)
	assert.Equal(t, "Test case HelloW2 finished. Verdict: inconc", n.Message)
}

func TestDecodeNotificationFallbacks(t *testing.T) {
	fixed := mctr.Timeval{Sec: 42, Usec: 7}
	orig := now
	now = func() mctr.Timeval { return fixed }
	t.Cleanup(func() { now = orig })

	tests := []struct {
		name    string
		payload string
		want    Notification
	}{
		{
			name:    "malformed seconds",
			payload: "abc|1|src|1|m",
			want:    Notification{Time: fixed, Source: "src", Severity: 1, Message: "m"},
		},
		{
			name:    "malformed microseconds",
			payload: "1|abc|src|1|m",
			want:    Notification{Time: fixed, Source: "src", Severity: 1, Message: "m"},
		},
		{
			name:    "malformed severity",
			payload: "1|2|src|high|m",
			want:    Notification{Time: mctr.Timeval{Sec: 1, Usec: 2}, Source: "src", Severity: 0, Message: "m"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode("N00000" + tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestDecodeFieldCount(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want FieldCountError
	}{
		{name: "error with one field", raw: "E00003abc", want: FieldCountError{Method: MethodError, Want: 2, Got: 1}},
		{name: "error with three fields", raw: "E00005a|b|c", want: FieldCountError{Method: MethodError, Want: 2, Got: 3}},
		{name: "notification with four fields", raw: "N00007a|b|c|d", want: FieldCountError{Method: MethodNotify, Want: 5, Got: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			require.ErrorIs(t, err, ErrFieldCount)

			var fce *FieldCountError
			require.True(t, errors.As(err, &fce))
			assert.Equal(t, tt.want, *fce)
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "empty", raw: "", wantErr: ErrShortPacket},
		{name: "unknown method", raw: "X00000", wantErr: ErrUnknownMethod},
		{name: "short error", raw: "E001", wantErr: ErrShortPacket},
		{name: "short notification", raw: "N", wantErr: ErrShortPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		payload string
		want    []string
	}{
		{payload: "", want: []string{""}},
		{payload: "a|b", want: []string{"a", "b"}},
		{payload: "|", want: []string{"", ""}},
		{payload: `a\|b`, want: []string{"a|b"}},
		{payload: `a\\|b`, want: []string{`a\`, "b"}},
		{payload: `a\\\|b`, want: []string{`a\|b`}},
		{payload: `a\`, want: []string{`a\`}},
		{payload: `\x`, want: []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.payload))
		})
	}
}

func TestStuff(t *testing.T) {
	assert.Equal(t, "plain", Stuff("plain"))
	assert.Equal(t, `a\|b`, Stuff("a|b"))
	assert.Equal(t, `a\\b`, Stuff(`a\b`))
	assert.Equal(t, `\\\|`, Stuff(`\|`))
}

func TestParseHeader(t *testing.T) {
	m, n, err := ParseHeader([]byte("N00075"))
	require.NoError(t, err)
	assert.Equal(t, MethodNotify, m)
	assert.Equal(t, 75, n)

	m, n, err = ParseHeader([]byte("S05000"))
	require.NoError(t, err)
	assert.Equal(t, MethodStatus, m)
	assert.Zero(t, n)

	_, _, err = ParseHeader([]byte("E0a001"))
	assert.Error(t, err)

	_, _, err = ParseHeader([]byte("E00"))
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestFormatHeader(t *testing.T) {
	h, err := FormatHeader(MethodError, 14)
	require.NoError(t, err)
	assert.Equal(t, "E00014", h)

	_, err = FormatHeader(MethodNotify, MaxPayload+1)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestEncode(t *testing.T) {
	raw, err := Encode(StatusChange{State: mctr.StatePaused})
	require.NoError(t, err)
	assert.Equal(t, "S13000", raw)

	raw, err = Encode(Error{Severity: 1, Message: "no such host"})
	require.NoError(t, err)
	assert.Equal(t, "E00014"+"1|no such host", raw)

	raw, err = Encode(Notification{
		Time:     mctr.Timeval{Sec: 1401991983, Usec: 667374},
		Source:   "MTC@ubuntu",
		Severity: 20,
		Message:  "Test case HelloW2 finished. Verdict: inconc",
	})
	require.NoError(t, err)
	assert.Equal(t, "N00075"+"1401991983|667374|MTC@ubuntu|20|Test case HelloW2 finished. Verdict: inconc", raw)

	_, err = Encode(StatusChange{State: mctr.State(14)})
	assert.ErrorIs(t, err, ErrMalformedStatus)
}

func TestEncodeDecodeEscaped(t *testing.T) {
	in := Notification{
		Time:     mctr.Timeval{Sec: 1, Usec: 2},
		Source:   `host|a\b`,
		Severity: 3,
		Message:  `pipe | and backslash \ and both \|`,
	}
	raw, err := Encode(in)
	require.NoError(t, err)

	m, n, err := ParseHeader([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, MethodNotify, m)
	assert.Equal(t, len(raw)-HeaderLen, n)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
