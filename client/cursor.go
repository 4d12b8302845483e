package client

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"

	"github.com/dan-strohschein/mapidb-go/mapi"
	"github.com/dan-strohschein/mapidb-go/metrics"
	"github.com/dan-strohschein/mapidb-go/policy"
	"github.com/dan-strohschein/mapidb-go/protocol"
)

// Cursor executes statements and reads their results. A cursor is not safe
// for concurrent use.
type Cursor struct {
	id      string
	client  *Client
	session *mapi.Session
	policy  *policy.BatchPolicy
	logger  Logger

	rs          *resultSet
	description []protocol.Column
	rowCount    int
	lastRowID   int64
	closed      bool
}

// CursorStats describes the fetch activity of the current result.
type CursorStats struct {
	RowCount    int
	Position    int
	WindowStart int
	WindowEnd   int
	Fetches     int
	Binary      bool
}

func newCursor(c *Client, sess *mapi.Session, p *policy.BatchPolicy) *Cursor {
	id := uuid.NewString()
	metrics.OpenCursors.Inc()
	return &Cursor{
		id:        id,
		client:    c,
		session:   sess,
		policy:    p,
		logger:    c.logger.WithFields(String("cursorID", id)),
		rowCount:  -1,
		lastRowID: -1,
	}
}

// ID returns the cursor ID used in log lines.
func (cur *Cursor) ID() string {
	return cur.id
}

// Execute runs sql and makes its result the current one. The previous
// result, if any, is closed first.
func (cur *Cursor) Execute(ctx context.Context, sql string) error {
	if cur.closed {
		return ErrCursorClosed("Execute")
	}
	sess, err := cur.client.activeSession("Execute")
	if err != nil {
		return err
	}
	if sess != cur.session {
		return &StateError{
			Code:       "STALE_CURSOR",
			Type:       "STATE_ERROR",
			Message:    "cursor belongs to a connection that was closed",
			StackTrace: captureStackTrace(),
		}
	}
	if err := cur.closeResult(ctx); err != nil {
		return err
	}

	replySize := cur.policy.NewQuery()
	binary := cur.policy.UseBinary()
	fingerprint := strconv.FormatUint(xxhash.Sum64([]byte(sql)), 16)

	ctx, cancel := cur.client.withTimeout(ctx)
	defer cancel()

	traceID := uuid.NewString()
	cur.logger.Debug("executing query",
		String("traceID", traceID),
		String("fingerprint", fingerprint),
		Int("replySize", replySize))

	start := time.Now()
	resp, err := cur.session.RunQuery(WithTraceID(ctx, traceID), sql, replySize)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error", metrics.Status(err)).Inc()
		err = wrapError(err, sql)
		cur.client.noteError(err)
		cur.logger.Debug("query failed", String("traceID", traceID), Error("error", err))
		return err
	}
	kind := resp.Kind.String()
	metrics.QueriesTotal.WithLabelValues(kind, "ok").Inc()
	metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	cur.description = nil
	cur.rowCount = -1
	cur.lastRowID = -1
	switch resp.Kind {
	case protocol.KindTable:
		cur.description = resp.Columns
		cur.rowCount = resp.Header.RowCount
		rs := newResultSet(cur.session, cur.policy, cur.logger.WithFields(String("fingerprint", fingerprint)))
		cur.rs = rs
		if err := rs.open(resp.Header.ID, resp.Header.RowCount, replySize, resp.Rows, binary); err != nil {
			// a failed result is never closed later, so release it now
			if resp.Header.RowCount > len(resp.Rows) {
				if cerr := cur.session.CloseResult(ctx, resp.Header.ID); cerr != nil {
					cerr = wrapError(cerr, "")
					cur.client.noteError(cerr)
					cur.logger.Warn("releasing rejected result failed",
						Int("resultID", resp.Header.ID), Error("error", cerr))
				}
			}
			return err
		}
	case protocol.KindUpdate:
		cur.rowCount = int(resp.AffectedRows)
		cur.lastRowID = resp.LastRowID
	}

	cur.logger.Debug("query executed",
		String("traceID", traceID),
		String("kind", kind),
		Int("rowCount", cur.rowCount),
		Duration("duration", time.Since(start)))
	return nil
}

func (cur *Cursor) result(op string) (*resultSet, error) {
	if cur.closed {
		return nil, ErrCursorClosed(op)
	}
	if cur.rs == nil {
		return nil, ErrNoResultSet(op)
	}
	return cur.rs, nil
}

func (cur *Cursor) readError(err error) error {
	if err != nil && !errors.Is(err, io.EOF) {
		cur.client.noteError(err)
	}
	return err
}

// FetchOne returns the next row, or io.EOF when the result is exhausted.
func (cur *Cursor) FetchOne(ctx context.Context) (protocol.Row, error) {
	rs, err := cur.result("FetchOne")
	if err != nil {
		return nil, err
	}
	ctx, cancel := cur.client.withTimeout(ctx)
	defer cancel()

	row, err := rs.fetchOne(ctx)
	return row, cur.readError(err)
}

// FetchMany returns up to n rows. A non-positive n uses the array size.
// An exhausted result yields an empty slice.
func (cur *Cursor) FetchMany(ctx context.Context, n int) ([]protocol.Row, error) {
	rs, err := cur.result("FetchMany")
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = cur.policy.ArraySize()
	}
	ctx, cancel := cur.client.withTimeout(ctx)
	defer cancel()

	rows, err := rs.fetchMany(ctx, n)
	return rows, cur.readError(err)
}

// FetchAll returns the remaining rows.
func (cur *Cursor) FetchAll(ctx context.Context) ([]protocol.Row, error) {
	rs, err := cur.result("FetchAll")
	if err != nil {
		return nil, err
	}
	ctx, cancel := cur.client.withTimeout(ctx)
	defer cancel()

	rows, err := rs.fetchAll(ctx)
	return rows, cur.readError(err)
}

// Scroll moves the read position. It never fetches; a later read outside
// the cached rows does.
func (cur *Cursor) Scroll(offset int, mode ScrollMode) error {
	rs, err := cur.result("Scroll")
	if err != nil {
		return err
	}
	return rs.scroll(offset, mode)
}

// Position returns the index of the next row to be read.
func (cur *Cursor) Position() int {
	if cur.rs == nil {
		return 0
	}
	return cur.rs.position
}

// RowCount returns the number of rows of the current result, the affected
// rows of the last update, or -1.
func (cur *Cursor) RowCount() int {
	return cur.rowCount
}

// Description returns the columns of the current result.
func (cur *Cursor) Description() []protocol.Column {
	return cur.description
}

// LastRowID returns the row id generated by the last insert, or -1.
func (cur *Cursor) LastRowID() int64 {
	return cur.lastRowID
}

// UsesBinary reports whether supplemental fetches of the current result
// use binary blocks.
func (cur *Cursor) UsesBinary() bool {
	return cur.rs != nil && cur.rs.binary
}

// ArraySize returns the default FetchMany size.
func (cur *Cursor) ArraySize() int {
	return cur.policy.ArraySize()
}

// SetArraySize changes the default FetchMany size.
func (cur *Cursor) SetArraySize(n int) error {
	if err := cur.policy.SetArraySize(n); err != nil {
		return ErrInvalidSetting("arraysize", n, err)
	}
	return nil
}

// SetReplySize changes the reply size for queries executed afterwards on
// this cursor only.
func (cur *Cursor) SetReplySize(n int) error {
	if err := policy.ValidateReplySize(n); err != nil {
		return ErrInvalidSetting("replysize", n, err)
	}
	cur.policy.ReplySize = n
	return nil
}

// SetMaxPrefetch changes the prefetch budget of this cursor.
func (cur *Cursor) SetMaxPrefetch(n int) error {
	if err := policy.ValidateMaxPrefetch(n); err != nil {
		return ErrInvalidSetting("maxprefetch", n, err)
	}
	cur.policy.MaxPrefetch = n
	return nil
}

// Stats reports the fetch activity of the current result.
func (cur *Cursor) Stats() CursorStats {
	if cur.rs == nil {
		return CursorStats{RowCount: cur.rowCount}
	}
	start, end := cur.rs.window()
	return CursorStats{
		RowCount:    cur.rs.rowCount,
		Position:    cur.rs.position,
		WindowStart: start,
		WindowEnd:   end,
		Fetches:     cur.rs.fetches,
		Binary:      cur.rs.binary,
	}
}

func (cur *Cursor) closeResult(ctx context.Context) error {
	if cur.rs == nil {
		return nil
	}
	ctx, cancel := cur.client.withTimeout(ctx)
	defer cancel()

	err := cur.rs.close(ctx)
	cur.rs = nil
	if err != nil {
		cur.client.noteError(err)
	}
	return err
}

// Close releases the current result. Closing twice is a no-op.
func (cur *Cursor) Close(ctx context.Context) error {
	if cur.closed {
		return nil
	}
	err := cur.closeResult(ctx)
	cur.closed = true
	metrics.OpenCursors.Dec()
	return err
}
