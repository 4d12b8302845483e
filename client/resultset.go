package client

import (
	"context"
	"fmt"
	"io"

	"github.com/dan-strohschein/mapidb-go/metrics"
	"github.com/dan-strohschein/mapidb-go/policy"
	"github.com/dan-strohschein/mapidb-go/protocol"
)

// rowFetcher retrieves rows of an open server-side result.
type rowFetcher interface {
	FetchRange(ctx context.Context, id, start, count int, binary bool) ([]protocol.Row, error)
	CloseResult(ctx context.Context, id int) error
}

type resultState int

const (
	resultUnopened resultState = iota
	resultActive
	resultClosed
	resultFailed
)

func (s resultState) String() string {
	switch s {
	case resultUnopened:
		return "unopened"
	case resultActive:
		return "active"
	case resultClosed:
		return "closed"
	case resultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ScrollMode selects how Scroll interprets its offset.
type ScrollMode int

const (
	// ScrollRelative moves the position by the offset.
	ScrollRelative ScrollMode = iota
	// ScrollAbsolute moves the position to the offset.
	ScrollAbsolute
)

// resultSet consumes one server-side result through a sliding window of
// cached rows. Rows before the window were delivered or discarded; rows
// after it have not been fetched yet.
//
// Invariant: 0 <= start <= end <= rowCount and 0 <= position <= rowCount,
// where end = start + len(rows).
type resultSet struct {
	fetcher rowFetcher
	policy  *policy.BatchPolicy
	logger  Logger

	id       int
	rowCount int
	position int
	start    int
	rows     []protocol.Row
	binary   bool

	// serverOpen is set while the server holds rows the client never fetched.
	serverOpen bool
	fetchedTo  int

	state resultState
	err   error

	fetches int
}

func newResultSet(f rowFetcher, p *policy.BatchPolicy, logger Logger) *resultSet {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &resultSet{fetcher: f, policy: p, logger: logger}
}

// open seeds the window with the first batch of a query result. The batch
// must hold exactly initialReplySize rows, or all of them when the reply
// size is unlimited or larger than the result.
func (r *resultSet) open(id, rowCount, initialReplySize int, firstBatch []protocol.Row, binary bool) error {
	expected := rowCount
	if initialReplySize > 0 && initialReplySize < rowCount {
		expected = initialReplySize
	}

	r.id = id
	r.rowCount = rowCount
	r.position = 0
	r.start = 0
	r.binary = binary
	r.fetches = 0

	if len(firstBatch) != expected {
		r.rows = nil
		r.fail(&protocol.MalformedError{
			Message: fmt.Sprintf("first batch of result %d has %d rows, expected %d", id, len(firstBatch), expected),
		})
		return r.err
	}

	r.rows = firstBatch
	r.fetchedTo = len(firstBatch)
	r.serverOpen = len(firstBatch) < rowCount
	r.state = resultActive

	metrics.RowsFetched.WithLabelValues(metrics.Encoding(false)).Add(float64(len(firstBatch)))
	r.logger.Debug("result opened",
		Int("resultID", id),
		Int("rowCount", rowCount),
		Int("initialReplySize", initialReplySize),
		Bool("binary", binary))
	return nil
}

// window returns the half-open range of cached rows.
func (r *resultSet) window() (int, int) {
	return r.start, r.start + len(r.rows)
}

func (r *resultSet) readable(op string) error {
	switch r.state {
	case resultActive:
		return nil
	case resultFailed:
		return errResultFailed(op, r.err)
	case resultClosed:
		return ErrCursorClosed(op)
	default:
		return ErrNoResultSet(op)
	}
}

// fetchOne returns the row at the current position, or io.EOF once every
// row has been delivered.
func (r *resultSet) fetchOne(ctx context.Context) (protocol.Row, error) {
	if err := r.readable("FetchOne"); err != nil {
		return nil, err
	}
	if r.position >= r.rowCount {
		return nil, io.EOF
	}

	if start, end := r.window(); r.position < start || r.position >= end {
		if err := r.missFill(ctx, 0, r.position+1); err != nil {
			return nil, err
		}
	}

	row := r.rows[r.position-r.start]
	r.position++
	return row, nil
}

// fetchMany returns up to n rows from the current position. Fewer rows are
// returned only at the end of the result. A failed fetch delivers nothing
// and leaves the position where the call found it.
func (r *resultSet) fetchMany(ctx context.Context, n int) ([]protocol.Row, error) {
	if err := r.readable("FetchMany"); err != nil {
		return nil, err
	}

	requestedEnd := r.position + n
	if n < 0 || requestedEnd > r.rowCount {
		requestedEnd = r.rowCount
	}
	if requestedEnd <= r.position {
		return []protocol.Row{}, nil
	}

	startPos := r.position
	out := make([]protocol.Row, 0, requestedEnd-r.position)
	for r.position < requestedEnd {
		start, end := r.window()
		if r.position >= start && r.position < end {
			take := end
			if take > requestedEnd {
				take = requestedEnd
			}
			out = append(out, r.rows[r.position-start:take-start]...)
			r.position = take
			continue
		}
		if err := r.missFill(ctx, len(out), requestedEnd); err != nil {
			r.position = startPos
			return nil, err
		}
	}
	return out, nil
}

// fetchAll returns every row from the current position to the end.
func (r *resultSet) fetchAll(ctx context.Context) ([]protocol.Row, error) {
	if err := r.readable("FetchAll"); err != nil {
		return nil, err
	}
	return r.fetchMany(ctx, r.rowCount-r.position)
}

// scroll moves the position without fetching. The window is kept, so a
// later read inside it is served from the cache.
func (r *resultSet) scroll(offset int, mode ScrollMode) error {
	if err := r.readable("Scroll"); err != nil {
		return err
	}

	target := offset
	if mode == ScrollRelative {
		target = r.position + offset
	}
	if target < 0 || target > r.rowCount {
		return ErrScrollOutOfRange(target, r.rowCount)
	}
	r.position = target
	return nil
}

// missFill replaces the window with rows fetched from the current position
// far enough to reach requestedEnd. existing is the number of rows of the
// current read already taken from the old window.
func (r *resultSet) missFill(ctx context.Context, existing, requestedEnd int) error {
	size := r.policy.BatchSize(existing, r.position, requestedEnd, r.rowCount)
	encoding := metrics.Encoding(r.binary)

	rows, err := r.fetcher.FetchRange(ctx, r.id, r.position, size, r.binary)
	metrics.FetchesTotal.WithLabelValues(encoding, metrics.Status(err)).Inc()
	if err != nil {
		r.logger.Warn("supplemental fetch failed",
			Int("resultID", r.id),
			Int("start", r.position),
			Int("count", size),
			Error("error", err))
		r.fail(err)
		return r.err
	}

	r.start = r.position
	r.rows = rows
	r.fetches++
	if end := r.start + len(rows); end > r.fetchedTo {
		r.fetchedTo = end
	}

	metrics.BatchSize.Observe(float64(size))
	metrics.RowsFetched.WithLabelValues(encoding).Add(float64(len(rows)))
	r.logger.Debug("supplemental fetch",
		Int("resultID", r.id),
		Int("start", r.start),
		Int("end", r.start+len(rows)),
		Int("stride", existing+requestedEnd-r.start),
		String("encoding", encoding))
	return nil
}

func (r *resultSet) fail(err error) {
	r.state = resultFailed
	r.err = wrapError(err, "")
}

// close releases the window and, when the server still holds rows the
// client never fetched, the server-side result.
func (r *resultSet) close(ctx context.Context) error {
	if r.state == resultClosed || r.state == resultUnopened {
		r.state = resultClosed
		return nil
	}

	var err error
	if r.state == resultActive && r.serverOpen && r.fetchedTo < r.rowCount {
		if err = r.fetcher.CloseResult(ctx, r.id); err != nil {
			err = wrapError(err, "")
		}
	}
	r.rows = nil
	r.state = resultClosed
	return err
}
