package protocol

import (
	"fmt"
	"strings"
)

// QueryCommand wraps a SQL statement for the sql language. The statement is
// terminated with a newline and ';' so an unterminated statement still runs.
func QueryCommand(sql string) []byte {
	return []byte("s" + sql + "\n;")
}

// ReplySizeCommand sets the number of rows the server sends in the first
// reply of a result. -1 means all rows.
func ReplySizeCommand(n int) []byte {
	return []byte(fmt.Sprintf("Xreply_size %d", n))
}

// AutoCommitCommand switches auto-commit on or off.
func AutoCommitCommand(on bool) []byte {
	if on {
		return []byte("Xauto_commit 1")
	}
	return []byte("Xauto_commit 0")
}

// SizeHeaderCommand enables or disables the column length header.
func SizeHeaderCommand(on bool) []byte {
	if on {
		return []byte("Xsizeheader 1")
	}
	return []byte("Xsizeheader 0")
}

// ExportCommand asks for count rows of result id starting at row start,
// in text form.
func ExportCommand(id, start, count int) []byte {
	return []byte(fmt.Sprintf("Xexport %d %d %d", id, start, count))
}

// ExportBinaryCommand is ExportCommand for the binary columnar encoding.
func ExportBinaryCommand(id, start, count int) []byte {
	return []byte(fmt.Sprintf("Xexportbin %d %d %d", id, start, count))
}

// CloseCommand releases result id on the server.
func CloseCommand(id int) []byte {
	return []byte(fmt.Sprintf("Xclose %d", id))
}

// TimeZoneQuery sets the session time zone as an offset in seconds east of UTC.
func TimeZoneQuery(offsetSeconds int) string {
	sign := '+'
	if offsetSeconds < 0 {
		sign = '-'
		offsetSeconds = -offsetSeconds
	}
	h := offsetSeconds / 3600
	m := (offsetSeconds % 3600) / 60
	return fmt.Sprintf("SET TIME ZONE INTERVAL '%c%02d:%02d' HOUR TO MINUTE", sign, h, m)
}

// ParseCommand splits a control command such as "Xexport 3 100 50" into its
// name and integer arguments. Servers use it to dispatch client commands.
func ParseCommand(msg []byte) (name string, args []int, err error) {
	s := string(msg)
	if !strings.HasPrefix(s, "X") {
		return "", nil, &MalformedError{Message: "not a control command", Data: s}
	}
	fields := strings.Fields(s[1:])
	if len(fields) == 0 {
		return "", nil, &MalformedError{Message: "empty control command", Data: s}
	}
	args = make([]int, 0, len(fields)-1)
	for _, f := range fields[1:] {
		var v int
		if _, err := fmt.Sscanf(f, "%d", &v); err != nil {
			return "", nil, &MalformedError{Message: "non-numeric command argument", Data: s}
		}
		args = append(args, v)
	}
	return fields[0], args, nil
}
