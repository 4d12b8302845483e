package testutil_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/mapidb-go/mapi"
	"github.com/dan-strohschein/mapidb-go/protocol"
	"github.com/dan-strohschein/mapidb-go/testutil"
	"github.com/dan-strohschein/mapidb-go/transport/tcp"
)

func TestPeopleTableIsDeterministic(t *testing.T) {
	t.Parallel()

	a := testutil.PeopleTable(20, 42)
	b := testutil.PeopleTable(20, 42)
	assert.Equal(t, a.Rows, b.Rows)
	assert.Len(t, a.Columns, 6)
	assert.Nil(t, a.Rows[6][2], "every seventh email is NULL")
	assert.Equal(t, "NULL", a.Column(2)[6])
}

func TestNumbersTable(t *testing.T) {
	t.Parallel()

	tbl := testutil.NumbersTable(5)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, tbl.Column(0))
}

func TestServerQueryAndExport(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions()).
		AddTable("SELECT * FROM numbers", testutil.NumbersTable(250))
	conn := srv.NewConn()

	login, err := mapi.LoginResponse(mustChallenge(t, srv), "monetdb", "monetdb", "sql", "demo", nil)
	require.NoError(t, err)
	reply, err := conn.Handle(login)
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, 1, srv.Logins())

	reply, err = conn.Handle(protocol.QueryCommand("SELECT * FROM numbers"))
	require.NoError(t, err)
	resp, err := protocol.ParseResponse(reply)
	require.NoError(t, err)
	assert.Equal(t, 250, resp.Header.RowCount)
	assert.Len(t, resp.Rows, 100)
	assert.Equal(t, 1, conn.OpenResults())

	reply, err = conn.Handle(protocol.ExportBinaryCommand(resp.Header.ID, 100, 200))
	require.NoError(t, err)
	block, err := protocol.ParseResponse(reply)
	require.NoError(t, err)
	assert.True(t, block.Binary)
	assert.Len(t, block.Rows, 150, "export is clamped to the end of the result")
	assert.Equal(t, "100", string(block.Rows[0][0]))

	_, err = conn.Handle(protocol.CloseCommand(resp.Header.ID))
	require.NoError(t, err)
	assert.Zero(t, conn.OpenResults())

	assert.Equal(t, []testutil.Export{{ID: 0, Start: 100, Count: 200, Binary: true}}, srv.Exports())
	assert.Equal(t, [][2]int{{100, 300}}, testutil.Windows(srv.Exports()))
	assert.Equal(t, 1, srv.CountPrefix("Xexportbin"))
}

func TestServerRejectsBadPassword(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions())
	login, err := mapi.LoginResponse(mustChallenge(t, srv), "monetdb", "wrong", "sql", "demo", nil)
	require.NoError(t, err)

	reply, err := srv.NewConn().Handle(login)
	require.NoError(t, err)
	assert.Contains(t, string(reply), "InvalidCredentialsException")
	assert.Zero(t, srv.Logins())
}

func TestServerOverrides(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions())
	conn := srv.NewConn()
	login, err := mapi.LoginResponse(mustChallenge(t, srv), "monetdb", "monetdb", "sql", "demo", nil)
	require.NoError(t, err)
	_, err = conn.Handle(login)
	require.NoError(t, err)

	srv.FailNext("Xexport")
	srv.ReplaceNext("sSELECT", []byte("&3\n"))

	_, err = conn.Handle(protocol.ExportCommand(0, 0, 1))
	assert.ErrorIs(t, err, testutil.ErrInjected)

	reply, err := conn.Handle(protocol.QueryCommand("SELECT 1"))
	require.NoError(t, err)
	assert.Equal(t, "&3\n", string(reply))

	// overrides fire once
	reply, err = conn.Handle(protocol.QueryCommand("SELECT 1"))
	require.NoError(t, err)
	assert.Contains(t, string(reply), "42S02")
}

func TestServerOverTransport(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions()).
		AddUpdate("DELETE FROM t", 3)

	sess, err := mapi.Login(context.Background(), srv.Transport(), mapi.LoginConfig{
		Username: "monetdb",
		Password: "monetdb",
		Database: "demo",
	}, nil)
	require.NoError(t, err)

	resp, err := sess.RunQuery(context.Background(), "DELETE FROM t", 100)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindUpdate, resp.Kind)
	assert.Equal(t, int64(3), resp.AffectedRows)
}

func TestServerListeners(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions()).
		AddUpdate("DELETE FROM t", 3)

	listeners := []struct {
		name    string
		network string
		address string
	}{
		{name: "tcp", network: "tcp", address: srv.Listen(t)},
		{name: "unix", network: "unix", address: srv.ListenUnix(t)},
	}

	for _, l := range listeners {
		ctx, _ := testutil.WithTimeout(t, 5*time.Second)
		tr, err := tcp.Dial(ctx, tcp.TCPTransportOptions{Network: l.network, Address: l.address})
		require.NoError(t, err, l.name)

		sess, err := mapi.Login(ctx, tr, mapi.LoginConfig{
			Username: "monetdb",
			Password: "monetdb",
			Database: "demo",
		}, nil)
		require.NoError(t, err, l.name)
		assert.Equal(t, 1, srv.Active(), l.name)

		resp, err := sess.RunQuery(ctx, "DELETE FROM t", 100)
		require.NoError(t, err, l.name)
		assert.Equal(t, int64(3), resp.AffectedRows, l.name)

		require.NoError(t, sess.Close())
		testutil.WaitFor(t, 2*time.Second, 10*time.Millisecond, func() bool {
			return srv.Active() == 0
		})
	}
	assert.Equal(t, 2, srv.Logins())
}

func mustChallenge(t *testing.T, srv *testutil.Server) *mapi.Challenge {
	t.Helper()
	c, err := mapi.ParseChallenge(srv.Challenge())
	require.NoError(t, err)
	return c
}
