package client

import (
	"context"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/mapidb-go/metrics"
)

// Not parallel: the collectors are global and the deltas must be exact.
func TestFetchMetrics(t *testing.T) {
	textFetches := metrics.FetchesTotal.WithLabelValues("text", "ok")
	textRows := metrics.RowsFetched.WithLabelValues("text")
	tables := metrics.QueriesTotal.WithLabelValues("table", "ok")
	failed := metrics.QueriesTotal.WithLabelValues("error", "error")

	fetchesBefore := promtest.ToFloat64(textFetches)
	rowsBefore := promtest.ToFloat64(textRows)
	tablesBefore := promtest.ToFloat64(tables)
	failedBefore := promtest.ToFloat64(failed)
	openBefore := promtest.ToFloat64(metrics.OpenCursors)

	srv := numbersServer(1000)
	c := connect(t, srv, func(o *ClientOptions) { o.Binary = false })
	cur := execute(t, c, numbersSQL)
	assert.Equal(t, openBefore+1, promtest.ToFloat64(metrics.OpenCursors))

	rows, err := cur.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 900)

	assert.Equal(t, tablesBefore+1, promtest.ToFloat64(tables))
	assert.Equal(t, fetchesBefore+1, promtest.ToFloat64(textFetches))
	assert.Equal(t, rowsBefore+1000, promtest.ToFloat64(textRows))

	assert.Error(t, cur.Execute(context.Background(), "SELECT * FROM missing"))
	assert.Equal(t, failedBefore+1, promtest.ToFloat64(failed))

	require.NoError(t, cur.Close(context.Background()))
	assert.Equal(t, openBefore, promtest.ToFloat64(metrics.OpenCursors))
}

func TestMetricLabels(t *testing.T) {
	assert.Equal(t, "binary", metrics.Encoding(true))
	assert.Equal(t, "text", metrics.Encoding(false))
	assert.Equal(t, "ok", metrics.Status(nil))
	assert.Equal(t, "error", metrics.Status(assert.AnError))
}
