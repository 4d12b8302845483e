package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

// Kind identifies the type of a server response.
type Kind int

const (
	// KindOK is an empty prompt acknowledging a command.
	KindOK Kind = iota
	// KindTable is the first part of a query result (&1).
	KindTable
	// KindUpdate reports affected rows (&2).
	KindUpdate
	// KindSchema acknowledges a schema change or SET statement (&3).
	KindSchema
	// KindTransaction reports the auto-commit state (&4).
	KindTransaction
	// KindBlock is a further slice of rows of an open result (&6 text, &7 binary).
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTable:
		return "table"
	case KindUpdate:
		return "update"
	case KindSchema:
		return "schema"
	case KindTransaction:
		return "transaction"
	case KindBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ResultHeader carries the numbers from a &1, &6 or &7 line.
type ResultHeader struct {
	ID          int
	RowCount    int
	ColumnCount int
	RowsInReply int
	Offset      int
}

// Response is a parsed server message.
type Response struct {
	Kind         Kind
	Header       ResultHeader
	Columns      []Column
	Rows         []Row
	Binary       bool
	AffectedRows int64
	LastRowID    int64
	AutoCommit   bool
	Info         []string
}

// ParseResponse parses one complete server message.
func ParseResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return &Response{Kind: KindOK}, nil
	}

	// binary blocks carry a text header line followed by raw bytes
	if bytes.HasPrefix(data, []byte("&7 ")) {
		return parseBinaryBlock(data)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	resp := &Response{Kind: KindOK}

	var errs []string
	i := 0
scan:
	for ; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "!"):
			errs = append(errs, line[1:])
		case strings.HasPrefix(line, "#"):
			resp.Info = append(resp.Info, strings.TrimSpace(line[1:]))
		case line == "":
		default:
			break scan
		}
	}
	if len(errs) > 0 {
		return nil, newServerError(errs)
	}
	if i == len(lines) {
		return resp, nil
	}

	line := lines[i]
	rest := lines[i+1:]
	switch {
	case strings.HasPrefix(line, "&1 "):
		return parseTable(resp, line, rest)
	case strings.HasPrefix(line, "&6 "):
		return parseTextBlock(resp, line, rest)
	case strings.HasPrefix(line, "&2 "):
		nums, err := headerInts(line, 2)
		if err != nil {
			return nil, err
		}
		resp.Kind = KindUpdate
		resp.AffectedRows = int64(nums[0])
		resp.LastRowID = int64(nums[1])
		return resp, nil
	case strings.HasPrefix(line, "&3"):
		resp.Kind = KindSchema
		return resp, nil
	case strings.HasPrefix(line, "&4 "):
		resp.Kind = KindTransaction
		switch strings.TrimSpace(line[3:]) {
		case "t":
			resp.AutoCommit = true
		case "f":
			resp.AutoCommit = false
		default:
			return nil, &MalformedError{Message: "invalid transaction flag", Data: line}
		}
		return resp, nil
	case strings.HasPrefix(line, "^"):
		return nil, &MalformedError{Message: "redirects are not supported", Data: line}
	default:
		return nil, &MalformedError{Message: "unexpected response line", Data: line}
	}
}

func newServerError(lines []string) *ServerError {
	first := lines[0]
	se := &ServerError{}
	if len(first) > 6 && first[5] == '!' {
		se.SQLState = first[:5]
		lines[0] = first[6:]
	}
	for i, l := range lines {
		if i > 0 && len(l) > 6 && l[5] == '!' {
			lines[i] = l[6:]
		}
	}
	se.Message = strings.Join(lines, "\n")
	return se
}

// headerInts parses the n integers following the &N marker of line.
func headerInts(line string, n int) ([]int, error) {
	fields := strings.Fields(line)
	if len(fields) < n+1 {
		return nil, &MalformedError{Message: "short header", Data: line}
	}
	nums := make([]int, n)
	for i := range nums {
		v, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return nil, &MalformedError{Message: "non-numeric header field", Data: line}
		}
		nums[i] = v
	}
	return nums, nil
}

func parseTable(resp *Response, line string, rest []string) (*Response, error) {
	nums, err := headerInts(line, 4)
	if err != nil {
		return nil, err
	}
	resp.Kind = KindTable
	resp.Header = ResultHeader{
		ID:          nums[0],
		RowCount:    nums[1],
		ColumnCount: nums[2],
		RowsInReply: nums[3],
	}
	if resp.Header.RowCount < 0 || resp.Header.RowsInReply < 0 || resp.Header.RowsInReply > resp.Header.RowCount {
		return nil, &MalformedError{Message: "inconsistent row counts", Data: line}
	}
	if err := checkTextCounts(resp.Header, line, rest, true); err != nil {
		return nil, err
	}

	resp.Columns = make([]Column, resp.Header.ColumnCount)
	for len(rest) > 0 && strings.HasPrefix(rest[0], "%") {
		if err := parseColumnHeader(resp.Columns, rest[0]); err != nil {
			return nil, err
		}
		rest = rest[1:]
	}

	rows, err := parseTextRows(rest, resp.Header.ColumnCount, resp.Header.RowsInReply)
	if err != nil {
		return nil, err
	}
	resp.Rows = rows
	return resp, nil
}

func parseTextBlock(resp *Response, line string, rest []string) (*Response, error) {
	nums, err := headerInts(line, 4)
	if err != nil {
		return nil, err
	}
	resp.Kind = KindBlock
	resp.Header = ResultHeader{
		ID:          nums[0],
		ColumnCount: nums[1],
		RowsInReply: nums[2],
		Offset:      nums[3],
	}
	if err := checkBlockHeader(resp.Header, line); err != nil {
		return nil, err
	}
	if err := checkTextCounts(resp.Header, line, rest, false); err != nil {
		return nil, err
	}
	rows, err := parseTextRows(rest, resp.Header.ColumnCount, resp.Header.RowsInReply)
	if err != nil {
		return nil, err
	}
	resp.Rows = rows
	return resp, nil
}

func parseBinaryBlock(data []byte) (*Response, error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, &MalformedError{Message: "binary block without header terminator"}
	}
	line := string(data[:nl])
	nums, err := headerInts(line, 4)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Kind:   KindBlock,
		Binary: true,
		Header: ResultHeader{
			ID:          nums[0],
			ColumnCount: nums[1],
			RowsInReply: nums[2],
			Offset:      nums[3],
		},
	}
	if err := checkBlockHeader(resp.Header, line); err != nil {
		return nil, err
	}
	rows, err := DecodeBinaryColumns(data[nl+1:], resp.Header.ColumnCount, resp.Header.RowsInReply)
	if err != nil {
		return nil, err
	}
	resp.Rows = rows
	return resp, nil
}

// checkBlockHeader rejects the negative counts of a &6 or &7 header.
func checkBlockHeader(h ResultHeader, line string) error {
	if h.ColumnCount < 0 || h.RowsInReply < 0 || h.Offset < 0 {
		return &MalformedError{Message: "negative block header field", Data: line}
	}
	return nil
}

// checkTextCounts rejects counts a text reply cannot back up: a row needs
// a tuple line and a column needs at least one byte of the reply.
func checkTextCounts(h ResultHeader, line string, rest []string, headers bool) error {
	if h.ColumnCount < 0 {
		return &MalformedError{Message: "negative column count", Data: line}
	}
	if h.ColumnCount == 0 && h.RowsInReply > 0 {
		return &MalformedError{Message: "rows without columns", Data: line}
	}
	if h.RowsInReply > len(rest) {
		return &MalformedError{
			Message: "header announced " + strconv.Itoa(h.RowsInReply) + " rows in " + strconv.Itoa(len(rest)) + " lines",
			Data:    line,
		}
	}
	if headers {
		size := 0
		for _, l := range rest {
			size += len(l) + 1
		}
		if h.ColumnCount > size {
			return &MalformedError{Message: "column count exceeds reply size", Data: line}
		}
	}
	return nil
}

func parseTextRows(lines []string, columns, expected int) ([]Row, error) {
	rows := make([]Row, 0, min(expected, len(lines)))
	for _, l := range lines {
		if l == "" {
			continue
		}
		row, err := ParseTextRow(l, columns)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) != expected {
		return nil, &MalformedError{
			Message: "received " + strconv.Itoa(len(rows)) + " rows, header announced " + strconv.Itoa(expected),
		}
	}
	return rows, nil
}

// parseColumnHeader fills one attribute of the columns from a line such as
// `% sys.t,\tsys.t # table_name`.
func parseColumnHeader(columns []Column, line string) error {
	idx := strings.LastIndex(line, " # ")
	if idx < 0 {
		return &MalformedError{Message: "column header without name", Data: line}
	}
	kind := strings.TrimSpace(line[idx+3:])
	values := strings.Split(strings.TrimSpace(line[1:idx]), ",\t")
	if len(values) != len(columns) {
		return &MalformedError{Message: "column header width mismatch", Data: line}
	}

	for i, v := range values {
		v = strings.TrimSpace(v)
		switch kind {
		case "table_name":
			columns[i].Table = v
		case "name":
			columns[i].Name = v
		case "type":
			columns[i].Type = v
		case "length":
			n, err := strconv.Atoi(v)
			if err != nil {
				return &MalformedError{Message: "non-numeric column length", Data: line}
			}
			columns[i].Length = n
		}
	}
	return nil
}
