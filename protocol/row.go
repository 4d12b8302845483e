package protocol

import (
	"strconv"
	"strings"
)

// Row is one result row as raw field values. A nil field is SQL NULL.
// Values are not decoded; interpreting them is up to the caller.
type Row [][]byte

// Column describes one result column.
type Column struct {
	Table  string
	Name   string
	Type   string
	Length int
}

// Quoted reports whether values of this column are sent as quoted strings
// in text rows.
func (c Column) Quoted() bool {
	switch strings.ToLower(c.Type) {
	case "char", "varchar", "clob", "text", "str", "json", "url", "uuid", "inet":
		return true
	default:
		return false
	}
}

// ParseTextRow parses a tuple line of the form `[ 1,\t"abc",\tNULL\t]`.
func ParseTextRow(line string, columns int) (Row, error) {
	if !strings.HasPrefix(line, "[ ") || !strings.HasSuffix(line, "\t]") || len(line) < 4 {
		return nil, &MalformedError{Message: "invalid tuple line", Data: line}
	}
	s := line[2 : len(line)-2]
	if columns < 0 {
		return nil, &MalformedError{Message: "negative column count", Data: line}
	}

	// fields are separated by two bytes, so the line bounds their number
	row := make(Row, 0, min(columns, len(s)/2+1))
	i := 0
	for {
		if i < len(s) && s[i] == '"' {
			val, n, err := unquote(s[i:])
			if err != nil {
				return nil, err
			}
			row = append(row, val)
			i += n
		} else {
			j := strings.Index(s[i:], ",\t")
			var raw string
			if j < 0 {
				raw = s[i:]
				i = len(s)
			} else {
				raw = s[i : i+j]
				i += j
			}
			if raw == "NULL" {
				row = append(row, nil)
			} else {
				row = append(row, []byte(raw))
			}
		}

		if i >= len(s) {
			break
		}
		if !strings.HasPrefix(s[i:], ",\t") {
			return nil, &MalformedError{Message: "expected field separator", Data: line}
		}
		i += 2
	}

	if len(row) != columns {
		return nil, &MalformedError{
			Message: "tuple has " + strconv.Itoa(len(row)) + " fields, expected " + strconv.Itoa(columns),
			Data:    line,
		}
	}
	return row, nil
}

// unquote decodes a quoted string at the start of s and returns the value
// and the number of bytes consumed.
func unquote(s string) ([]byte, int, error) {
	out := make([]byte, 0, len(s))
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			return out, i + 1, nil
		case '\\':
			i++
			if i >= len(s) {
				return nil, 0, &MalformedError{Message: "unterminated escape", Data: s}
			}
			switch e := s[i]; e {
			case 'n':
				out = append(out, '\n')
			case 't':
				out = append(out, '\t')
			case 'r':
				out = append(out, '\r')
			case 'f':
				out = append(out, '\f')
			case '\\', '"', '\'':
				out = append(out, e)
			case '0', '1', '2', '3':
				if i+2 >= len(s) || !isOctal(s[i+1]) || !isOctal(s[i+2]) {
					return nil, 0, &MalformedError{Message: "invalid octal escape", Data: s}
				}
				out = append(out, (e-'0')<<6|(s[i+1]-'0')<<3|(s[i+2]-'0'))
				i += 2
			default:
				return nil, 0, &MalformedError{Message: "unknown escape \\" + string(e), Data: s}
			}
		default:
			out = append(out, c)
		}
	}
	return nil, 0, &MalformedError{Message: "unterminated string", Data: s}
}

func isOctal(b byte) bool {
	return b >= '0' && b <= '7'
}

// FormatTextRow renders a row as a tuple line, quoting string columns.
func FormatTextRow(row Row, columns []Column) string {
	var b strings.Builder
	b.WriteString("[ ")
	for i, field := range row {
		if i > 0 {
			b.WriteString(",\t")
		}
		switch {
		case field == nil:
			b.WriteString("NULL")
		case i < len(columns) && columns[i].Quoted():
			quote(&b, field)
		default:
			b.Write(field)
		}
	}
	b.WriteString("\t]")
	return b.String()
}

func quote(b *strings.Builder, field []byte) {
	b.WriteByte('"')
	for _, c := range field {
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				b.WriteByte('\\')
				b.WriteByte('0' + c>>6)
				b.WriteByte('0' + (c>>3)&7)
				b.WriteByte('0' + c&7)
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
}
