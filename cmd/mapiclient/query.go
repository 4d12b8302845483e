package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/mapidb-go/client"
	"github.com/dan-strohschein/mapidb-go/protocol"
)

type queryFlags struct {
	batch     int
	limit     int
	skip      int
	stats     bool
	debugInfo bool
}

func newQueryCmd(rf *rootFlags) *cobra.Command {
	qf := &queryFlags{}

	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a statement and print its rows",
		Example: `  mapiclient query -d demo "SELECT * FROM sys.tables"
  mapiclient query --dsn mapi:monetdb://monetdb:monetdb@db:50000/demo --batch 500 --stats "SELECT ..."`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := rf.options(cmd)
			if err != nil {
				return err
			}
			return runQuery(cmd.Context(), cmd.OutOrStdout(), opts, args[0], qf)
		},
	}

	f := cmd.Flags()
	f.IntVar(&qf.batch, "batch", 0, "rows per FetchMany call, 0 reads row by row")
	f.IntVar(&qf.limit, "limit", 0, "stop after this many rows, 0 for all")
	f.IntVar(&qf.skip, "skip", 0, "scroll past this many rows before reading")
	f.BoolVar(&qf.stats, "stats", false, "print fetch statistics")
	f.BoolVar(&qf.debugInfo, "debug-info", false, "print client debug information as JSON")
	return cmd
}

func runQuery(ctx context.Context, out io.Writer, opts client.ClientOptions, sql string, qf *queryFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c := client.NewClient(&opts)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %s", c.FormatError(err))
	}
	defer c.Disconnect(context.Background())

	cur, err := c.Cursor()
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	start := time.Now()
	if err := cur.Execute(ctx, sql); err != nil {
		return fmt.Errorf("query: %s", c.FormatError(err))
	}

	cols := cur.Description()
	if len(cols) == 0 {
		printSuccess(out, fmt.Sprintf("%d rows affected", cur.RowCount()))
		return nil
	}

	if qf.skip > 0 {
		if err := cur.Scroll(qf.skip, client.ScrollAbsolute); err != nil {
			return fmt.Errorf("scroll: %s", c.FormatError(err))
		}
	}

	rows, err := readRows(ctx, cur, qf)
	if err != nil {
		return fmt.Errorf("fetch: %s", c.FormatError(err))
	}
	elapsed := time.Since(start)

	headers := make([]string, len(cols))
	for i, col := range cols {
		headers[i] = col.Name
	}
	printTable(out, headers, formatRows(rows))
	fmt.Fprintln(out, colorDim(fmt.Sprintf("%d of %d rows in %s", len(rows), cur.RowCount(), elapsed.Round(time.Millisecond))))

	if qf.stats {
		printStats(out, cur.Stats())
	}
	if qf.debugInfo {
		printHeader(out, "Debug Info")
		fmt.Fprintln(out, c.DumpDebugInfoJSON())
	}
	return nil
}

func readRows(ctx context.Context, cur *client.Cursor, qf *queryFlags) ([]protocol.Row, error) {
	var rows []protocol.Row
	for qf.limit <= 0 || len(rows) < qf.limit {
		if qf.batch <= 0 {
			row, err := cur.FetchOne(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
			continue
		}

		n := qf.batch
		if qf.limit > 0 && qf.limit-len(rows) < n {
			n = qf.limit - len(rows)
		}
		batch, err := cur.FetchMany(ctx, n)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}

func formatRows(rows []protocol.Row) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, field := range row {
			if field == nil {
				cells[j] = "NULL"
				continue
			}
			cells[j] = strings.ReplaceAll(string(field), "\n", `\n`)
		}
		out[i] = cells
	}
	return out
}

func printStats(out io.Writer, s client.CursorStats) {
	printHeader(out, "Fetch Statistics")
	encoding := "text"
	if s.Binary {
		encoding = "binary"
	}
	printTable(out, []string{"rows", "position", "window", "fetches", "encoding"}, [][]string{{
		fmt.Sprint(s.RowCount),
		fmt.Sprint(s.Position),
		fmt.Sprintf("[%d, %d)", s.WindowStart, s.WindowEnd),
		fmt.Sprint(s.Fetches),
		encoding,
	}})
}
