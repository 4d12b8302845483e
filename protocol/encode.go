package protocol

import (
	"strconv"
	"strings"
)

// The functions in this file build server responses. They are used by the
// in-process test server and by tools that replay captured sessions.

// EncodeTable renders the first reply of a result: the &1 header, the column
// headers and the first rows.
func EncodeTable(id, rowCount int, columns []Column, rows []Row) []byte {
	var b strings.Builder
	b.WriteString("&1 ")
	writeInts(&b, id, rowCount, len(columns), len(rows))
	b.WriteByte('\n')

	writeColumnHeader(&b, columns, "table_name", func(c Column) string { return c.Table })
	writeColumnHeader(&b, columns, "name", func(c Column) string { return c.Name })
	writeColumnHeader(&b, columns, "type", func(c Column) string { return c.Type })
	writeColumnHeader(&b, columns, "length", func(c Column) string { return strconv.Itoa(c.Length) })

	for _, row := range rows {
		b.WriteString(FormatTextRow(row, columns))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// EncodeBlock renders a text continuation block (&6) of rows starting at offset.
func EncodeBlock(id, offset int, columns []Column, rows []Row) []byte {
	var b strings.Builder
	b.WriteString("&6 ")
	writeInts(&b, id, len(columns), len(rows), offset)
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(FormatTextRow(row, columns))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// EncodeBinaryBlock renders a binary continuation block (&7).
func EncodeBinaryBlock(id, offset, columns int, rows []Row) []byte {
	var b strings.Builder
	b.WriteString("&7 ")
	writeInts(&b, id, columns, len(rows), offset)
	b.WriteByte('\n')
	return AppendBinaryColumns([]byte(b.String()), rows, columns)
}

// EncodeUpdate renders an &2 reply.
func EncodeUpdate(affected, lastID int64) []byte {
	return []byte("&2 " + strconv.FormatInt(affected, 10) + " " + strconv.FormatInt(lastID, 10) + "\n")
}

// EncodeSchema renders an &3 reply.
func EncodeSchema() []byte {
	return []byte("&3\n")
}

// EncodeTransaction renders an &4 reply.
func EncodeTransaction(autoCommit bool) []byte {
	if autoCommit {
		return []byte("&4 t\n")
	}
	return []byte("&4 f\n")
}

// EncodeError renders a "!" error line.
func EncodeError(sqlState, message string) []byte {
	if sqlState == "" {
		return []byte("!" + message + "\n")
	}
	return []byte("!" + sqlState + "!" + message + "\n")
}

func writeInts(b *strings.Builder, nums ...int) {
	for i, n := range nums {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(n))
	}
}

func writeColumnHeader(b *strings.Builder, columns []Column, kind string, value func(Column) string) {
	if len(columns) == 0 {
		return
	}
	b.WriteString("% ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(",\t")
		}
		b.WriteString(value(c))
	}
	b.WriteString(" # ")
	b.WriteString(kind)
	b.WriteByte('\n')
}
