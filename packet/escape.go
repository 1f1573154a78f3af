package packet

import "strings"

const (
	fieldSep = '|'
	escape   = '\\'
)

// Stuff escapes the field separator and the escape character in s.
func Stuff(s string) string {
	if !strings.ContainsAny(s, "|\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == fieldSep || c == escape {
			b.WriteByte(escape)
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Join stuffs each field and joins them with the separator.
func Join(fields ...string) string {
	stuffed := make([]string, len(fields))
	for i, f := range fields {
		stuffed[i] = Stuff(f)
	}
	return strings.Join(stuffed, string(fieldSep))
}

// Split splits payload on unescaped separators and unescapes each field
// exactly once. A trailing lone escape character is kept literally.
// The result always has at least one field.
func Split(payload string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		switch {
		case c == escape && i+1 < len(payload):
			i++
			cur.WriteByte(payload[i])
		case c == fieldSep:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}
