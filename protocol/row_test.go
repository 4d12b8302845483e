package protocol

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTextRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		columns int
		want    Row
		wantErr bool
	}{
		{name: "single int", line: "[ 42\t]", columns: 1, want: Row{[]byte("42")}},
		{name: "null", line: "[ NULL\t]", columns: 1, want: Row{nil}},
		{
			name:    "mixed",
			line:    "[ 1,\t\"abc\",\tNULL,\t2.5\t]",
			columns: 4,
			want:    Row{[]byte("1"), []byte("abc"), nil, []byte("2.5")},
		},
		{name: "quoted null is a string", line: "[ \"NULL\"\t]", columns: 1, want: Row{[]byte("NULL")}},
		{name: "empty string", line: "[ \"\"\t]", columns: 1, want: Row{[]byte{}}},
		{
			name:    "escapes",
			line:    `[ "a\tb\nc\\d\"e\'f\001"` + "\t]",
			columns: 1,
			want:    Row{[]byte("a\tb\nc\\d\"e'f\x01")},
		},
		{name: "separator inside quotes", line: "[ \"x,\ty\",\t3\t]", columns: 2, want: Row{[]byte("x,\ty"), []byte("3")}},
		{name: "missing brackets", line: "42", columns: 1, wantErr: true},
		{name: "too many fields", line: "[ 1,\t2\t]", columns: 1, wantErr: true},
		{name: "unterminated string", line: "[ \"abc\t]", columns: 1, wantErr: true},
		{name: "bad escape", line: `[ "\q"` + "\t]", columns: 1, wantErr: true},
		{name: "bad octal", line: `[ "\09"` + "\t]", columns: 1, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTextRow(tt.line, tt.columns)
			if tt.wantErr {
				var me *MalformedError
				assert.ErrorAs(t, err, &me)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatTextRowParses(t *testing.T) {
	t.Parallel()

	columns := []Column{{Type: "int"}, {Type: "varchar"}, {Type: "clob"}}
	row := Row{[]byte("-7"), []byte("tab\there \"q\" back\\slash\x7f"), nil}

	line := FormatTextRow(row, columns)
	got, err := ParseTextRow(line, len(columns))
	require.NoError(t, err)
	assert.Equal(t, row, got)
}

func TestColumnQuoted(t *testing.T) {
	t.Parallel()

	assert.True(t, Column{Type: "varchar"}.Quoted())
	assert.True(t, Column{Type: "CLOB"}.Quoted())
	assert.False(t, Column{Type: "int"}.Quoted())
	assert.False(t, Column{Type: "decimal"}.Quoted())
}

func TestDecodeBinaryColumnsTrailingBytes(t *testing.T) {
	t.Parallel()

	payload := AppendBinaryColumns(nil, []Row{{[]byte("a")}}, 1)
	_, err := DecodeBinaryColumns(append(payload, 0), 1, 1)
	var me *MalformedError
	assert.ErrorAs(t, err, &me)

	rows, err := DecodeBinaryColumns(payload, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []Row{{[]byte("a")}}, rows)
}

func TestDecodeBinaryColumnsHostileShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
		columns int
		rows    int
	}{
		{name: "length near MaxInt64", payload: binary.AppendVarint(nil, math.MaxInt64), columns: 1, rows: 1},
		{name: "length past the end", payload: binary.AppendVarint(nil, 2), columns: 1, rows: 1},
		{name: "negative length", payload: binary.AppendVarint(nil, -7), columns: 1, rows: 1},
		{name: "negative rows", payload: nil, columns: 1, rows: -1},
		{name: "negative columns", payload: []byte{0}, columns: -1, rows: 1},
		{name: "more values than bytes", payload: []byte{0, 0}, columns: 2, rows: 1 << 40},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var err error
			require.NotPanics(t, func() { _, err = DecodeBinaryColumns(tt.payload, tt.columns, tt.rows) })
			var me *MalformedError
			require.ErrorAs(t, err, &me)
		})
	}
}

func TestParseTextRowHugeColumnCount(t *testing.T) {
	t.Parallel()

	var err error
	require.NotPanics(t, func() { _, err = ParseTextRow("[ 1,\t2\t]", math.MaxInt64) })
	var me *MalformedError
	require.ErrorAs(t, err, &me)
}
