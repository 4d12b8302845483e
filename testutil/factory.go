package testutil

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/dan-strohschein/mapidb-go/protocol"
)

// Table is a result set served by the fake server.
type Table struct {
	Columns []protocol.Column
	Rows    []protocol.Row
}

// Column returns the values of column i as strings; NULL becomes "NULL".
func (t *Table) Column(i int) []string {
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		if row[i] == nil {
			out[r] = "NULL"
			continue
		}
		out[r] = string(row[i])
	}
	return out
}

// NumbersTable returns a single int column "value" holding 0..n-1, like
// sys.generate_series(0, n).
func NumbersTable(n int) *Table {
	t := &Table{
		Columns: []protocol.Column{{Table: "sys.%1", Name: "value", Type: "int", Length: len(strconv.Itoa(n))}},
		Rows:    make([]protocol.Row, n),
	}
	for i := range t.Rows {
		t.Rows[i] = protocol.Row{[]byte(strconv.Itoa(i))}
	}
	return t
}

// PeopleTable returns n rows of generated people. The same seed yields the
// same rows. Every seventh email is NULL.
func PeopleTable(n int, seed int64) *Table {
	faker := gofakeit.New(seed)
	t := &Table{
		Columns: []protocol.Column{
			{Table: "sys.people", Name: "id", Type: "int", Length: 10},
			{Table: "sys.people", Name: "name", Type: "varchar", Length: 64},
			{Table: "sys.people", Name: "email", Type: "varchar", Length: 128},
			{Table: "sys.people", Name: "city", Type: "varchar", Length: 64},
			{Table: "sys.people", Name: "age", Type: "smallint", Length: 3},
			{Table: "sys.people", Name: "active", Type: "boolean", Length: 5},
		},
		Rows: make([]protocol.Row, n),
	}
	for i := range t.Rows {
		var email []byte
		if i%7 != 6 {
			email = []byte(faker.Email())
		}
		t.Rows[i] = protocol.Row{
			[]byte(strconv.Itoa(i + 1)),
			[]byte(faker.Name()),
			email,
			[]byte(faker.City()),
			[]byte(strconv.Itoa(faker.Number(18, 90))),
			[]byte(strconv.FormatBool(faker.Bool())),
		}
	}
	return t
}

var querySequence uint64

// SequenceQuery returns a distinct SELECT statement for registering tables.
func SequenceQuery(prefix string) string {
	n := atomic.AddUint64(&querySequence, 1)
	return fmt.Sprintf("SELECT * FROM %s_%d", prefix, n)
}
