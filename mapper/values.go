// Package mapper turns raw result fields into Go values.
//
// Rows travel through the client undecoded; the database/sql driver runs
// every field through a Decoder chosen by the caller.
package mapper

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dan-strohschein/mapidb-go/protocol"
)

// Decoder converts one field of a result column. field is nil for NULL.
type Decoder interface {
	Decode(col protocol.Column, field []byte) (driver.Value, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(col protocol.Column, field []byte) (driver.Value, error)

// Decode calls f.
func (f DecoderFunc) Decode(col protocol.Column, field []byte) (driver.Value, error) {
	return f(col, field)
}

// Raw leaves every non-NULL field as a string.
var Raw Decoder = DecoderFunc(func(_ protocol.Column, field []byte) (driver.Value, error) {
	if field == nil {
		return nil, nil
	}
	return string(field), nil
})

var timestampFormats = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

var timestampTZFormats = []string{
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05-07:00",
	time.RFC3339Nano,
}

// TypeMapper decodes fields by the server type name of their column.
// Types it does not know are returned as strings.
type TypeMapper struct {
	// Location is used for timestamps without a zone. Default: UTC.
	Location *time.Location
}

// NewTypeMapper returns a TypeMapper using UTC.
func NewTypeMapper() *TypeMapper {
	return &TypeMapper{Location: time.UTC}
}

// Decode implements Decoder.
func (m *TypeMapper) Decode(col protocol.Column, field []byte) (driver.Value, error) {
	if field == nil {
		return nil, nil
	}
	s := string(field)

	switch strings.ToLower(col.Type) {
	case "tinyint", "smallint", "int", "bigint", "oid", "serial":
		return m.ToInt(col, s)
	case "hugeint":
		// values beyond int64 stay textual
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		return s, nil
	case "real", "double", "float":
		return m.ToFloat(col, s)
	case "boolean":
		return m.ToBool(col, s)
	case "date":
		return m.ToDateTime(col, s, []string{"2006-01-02"})
	case "timestamp":
		return m.ToDateTime(col, s, timestampFormats)
	case "timestamptz":
		return m.ToDateTime(col, s, timestampTZFormats)
	case "blob":
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, decodeError(col, s, err)
		}
		return b, nil
	default:
		// decimal keeps its exact textual form
		return s, nil
	}
}

// ToInt parses an integer field.
func (m *TypeMapper) ToInt(col protocol.Column, s string) (int64, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, decodeError(col, s, err)
	}
	return i, nil
}

// ToFloat parses a floating point field.
func (m *TypeMapper) ToFloat(col protocol.Column, s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, decodeError(col, s, err)
	}
	return f, nil
}

// ToBool parses a boolean field.
func (m *TypeMapper) ToBool(col protocol.Column, s string) (bool, error) {
	switch s {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, decodeError(col, s, fmt.Errorf("not a boolean"))
	}
}

// ToDateTime parses a temporal field with the first layout that fits.
func (m *TypeMapper) ToDateTime(col protocol.Column, s string, layouts []string) (time.Time, error) {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, decodeError(col, s, fmt.Errorf("unknown layout"))
}

// DecodeRow decodes row with d. The row must have one field per column.
func DecodeRow(d Decoder, cols []protocol.Column, row protocol.Row, dest []driver.Value) error {
	if len(row) != len(cols) || len(dest) != len(cols) {
		return fmt.Errorf("row has %d fields for %d columns", len(row), len(cols))
	}
	for i, col := range cols {
		v, err := d.Decode(col, row[i])
		if err != nil {
			return err
		}
		dest[i] = v
	}
	return nil
}

func decodeError(col protocol.Column, value string, err error) error {
	return fmt.Errorf("cannot decode %q as %s for column %s: %w", value, col.Type, col.Name, err)
}
