package protocol

import (
	"encoding/binary"
	"fmt"
)

// nullLength marks a NULL value in a binary block.
const nullLength = -1

// AppendBinaryColumns appends the columnar payload of a binary block: for
// every column, for every row, a zig-zag varint length followed by the value
// bytes. NULL is encoded as length -1 without bytes.
func AppendBinaryColumns(dst []byte, rows []Row, columns int) []byte {
	for c := 0; c < columns; c++ {
		for _, row := range rows {
			field := row[c]
			if field == nil {
				dst = binary.AppendVarint(dst, nullLength)
				continue
			}
			dst = binary.AppendVarint(dst, int64(len(field)))
			dst = append(dst, field...)
		}
	}
	return dst
}

// DecodeBinaryColumns turns a columnar payload back into rows.
func DecodeBinaryColumns(payload []byte, columns, rows int) ([]Row, error) {
	if columns < 0 || rows < 0 {
		return nil, &MalformedError{Message: fmt.Sprintf("negative binary block shape %dx%d", columns, rows)}
	}
	// every value carries at least a one byte length
	if rows > 0 && (columns == 0 || rows > len(payload)/columns) {
		return nil, &MalformedError{Message: fmt.Sprintf("%d columns of %d rows do not fit in %d bytes", columns, rows, len(payload))}
	}

	out := make([]Row, rows)
	for r := range out {
		out[r] = make(Row, columns)
	}

	pos := 0
	for c := 0; c < columns; c++ {
		for r := 0; r < rows; r++ {
			n, k := binary.Varint(payload[pos:])
			if k <= 0 {
				return nil, &MalformedError{Message: fmt.Sprintf("bad length at column %d row %d", c, r)}
			}
			pos += k
			if n == nullLength {
				continue
			}
			if n < 0 || n > int64(len(payload)-pos) {
				return nil, &MalformedError{Message: fmt.Sprintf("value overruns block at column %d row %d", c, r)}
			}
			field := make([]byte, n)
			copy(field, payload[pos:pos+int(n)])
			out[r][c] = field
			pos += int(n)
		}
	}

	if pos != len(payload) {
		return nil, &MalformedError{Message: fmt.Sprintf("%d trailing bytes in binary block", len(payload)-pos)}
	}
	return out, nil
}
