package mapidb

import (
	"context"
	"database/sql/driver"
	"strings"

	"github.com/dan-strohschein/mapidb-go/client"
	"github.com/dan-strohschein/mapidb-go/mapper"
	"github.com/dan-strohschein/mapidb-go/protocol"
)

// Rows reads a query result row by row through a cursor.
type Rows struct {
	cursor  *client.Cursor
	columns []protocol.Column
	decoder mapper.Decoder
	ctx     context.Context
}

// Columns returns the names of the columns.
func (r *Rows) Columns() []string {
	names := make([]string, len(r.columns))
	for i, col := range r.columns {
		names[i] = col.Name
	}
	return names
}

// ColumnTypeDatabaseTypeName returns the server type name of column i.
func (r *Rows) ColumnTypeDatabaseTypeName(i int) string {
	return strings.ToUpper(r.columns[i].Type)
}

// ColumnTypeLength returns the display width the server reported.
func (r *Rows) ColumnTypeLength(i int) (int64, bool) {
	return int64(r.columns[i].Length), r.columns[i].Length > 0
}

// Close releases the cursor and, if rows were left unread, the result on
// the server.
func (r *Rows) Close() error {
	return r.cursor.Close(context.Background())
}

// Next decodes the next row into dest. It returns io.EOF after the last row.
func (r *Rows) Next(dest []driver.Value) error {
	row, err := r.cursor.FetchOne(r.ctx)
	if err != nil {
		return err
	}
	return mapper.DecodeRow(r.decoder, r.columns, row, dest)
}

// Stats reports the fetch activity of the underlying cursor.
func (r *Rows) Stats() client.CursorStats {
	return r.cursor.Stats()
}

var (
	_ driver.Rows                           = (*Rows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*Rows)(nil)
	_ driver.RowsColumnTypeLength           = (*Rows)(nil)
)
