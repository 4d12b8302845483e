package mapi_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/mapidb-go/mapi"
	"github.com/dan-strohschein/mapidb-go/protocol"
	"github.com/dan-strohschein/mapidb-go/testutil"
	"github.com/dan-strohschein/mapidb-go/transport/mock"
)

func loginConfig(settings mapi.SessionSettings) mapi.LoginConfig {
	return mapi.LoginConfig{
		Username: "monetdb",
		Password: "monetdb",
		Database: "demo",
		Options: func(int) []mapi.HandshakeOption {
			return mapi.HandshakeOptions(settings)
		},
	}
}

func TestLoginInlineOptions(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions())
	sess, err := mapi.Login(context.Background(), srv.Transport(),
		loginConfig(mapi.SessionSettings{AutoCommit: false, ReplySize: 250, SizeHeader: true, TimeZoneSeconds: 7200}), nil)
	require.NoError(t, err)

	// level 5 is below sql=6, so nothing is sent after login
	assert.Empty(t, srv.Commands())
	assert.Equal(t, 250, sess.ReplySize())
	assert.False(t, sess.AutoCommit())
	assert.True(t, sess.SizeHeader())
	assert.Equal(t, 7200, sess.TimeZone())
	assert.True(t, sess.SupportsBinary())
	assert.Equal(t, "mserver", sess.ServerType())
}

func TestLoginDeferredOptions(t *testing.T) {
	t.Parallel()

	opts := testutil.DefaultServerOptions()
	opts.OptionLevel = 3
	srv := testutil.NewServer(opts)

	sess, err := mapi.Login(context.Background(), srv.Transport(),
		loginConfig(mapi.SessionSettings{AutoCommit: true, ReplySize: 40, SizeHeader: true}), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Xsizeheader 1",
		"sSET TIME ZONE INTERVAL '+00:00' HOUR TO MINUTE\n;",
	}, srv.Commands())
	assert.Equal(t, 40, sess.ReplySize())
}

func TestLoginPassesBinaryLevelToOptions(t *testing.T) {
	t.Parallel()

	opts := testutil.DefaultServerOptions()
	opts.BinaryLevel = 0
	srv := testutil.NewServer(opts)

	seen := -1
	cfg := loginConfig(mapi.SessionSettings{})
	cfg.Options = func(level int) []mapi.HandshakeOption {
		seen = level
		return nil
	}
	sess, err := mapi.Login(context.Background(), srv.Transport(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, seen)
	assert.False(t, sess.SupportsBinary())
}

func TestLoginFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*mapi.LoginConfig)
		code   protocol.ErrorCode
	}{
		{name: "bad password", mutate: func(c *mapi.LoginConfig) { c.Password = "nope" }, code: protocol.ErrorCodeAuthFailed},
		{name: "unknown database", mutate: func(c *mapi.LoginConfig) { c.Database = "other" }, code: protocol.ErrorCodeAuthFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := testutil.NewServer(testutil.DefaultServerOptions())
			cfg := loginConfig(mapi.SessionSettings{})
			tt.mutate(&cfg)

			_, err := mapi.Login(context.Background(), srv.Transport(), cfg, nil)
			var te *protocol.TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.code, te.Code)
		})
	}
}

func TestLoginProxyRedirect(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions())
	conn := srv.NewConn()

	redirected := false
	tr := mock.NewMockTransport().WithResponses(srv.Challenge()).WithHandler(func(msg []byte) ([]byte, error) {
		if !redirected {
			redirected = true
			return []byte("^mapi:merovingian://proxy?database=demo\n"), nil
		}
		return conn.Handle(msg)
	})

	_, err := mapi.Login(context.Background(), &proxyTransport{MockTransport: tr, challenge: srv.Challenge()},
		loginConfig(mapi.SessionSettings{}), nil)
	require.NoError(t, err)
	assert.True(t, redirected)
	assert.Equal(t, 1, srv.Logins())
}

func TestLoginForeignRedirect(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions())
	tr := mock.NewMockTransport().WithResponses(srv.Challenge()).WithHandler(func([]byte) ([]byte, error) {
		return []byte("^mapi:monetdb://elsewhere:50000/demo\n"), nil
	})

	_, err := mapi.Login(context.Background(), tr, loginConfig(mapi.SessionSettings{}), nil)
	assert.Error(t, err)
}

func TestRunQuerySendsReplySizeWhenChanged(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions()).
		AddTable("SELECT * FROM n", testutil.NumbersTable(50))
	sess, err := mapi.Login(context.Background(), srv.Transport(),
		loginConfig(mapi.SessionSettings{ReplySize: 100}), nil)
	require.NoError(t, err)

	ctx := context.Background()
	resp, err := sess.RunQuery(ctx, "SELECT * FROM n", 100)
	require.NoError(t, err)
	assert.Len(t, resp.Rows, 50)

	resp, err = sess.RunQuery(ctx, "SELECT * FROM n", 10)
	require.NoError(t, err)
	assert.Len(t, resp.Rows, 10)

	assert.Equal(t, []string{
		"sSELECT * FROM n\n;",
		"Xreply_size 10",
		"sSELECT * FROM n\n;",
	}, srv.Commands())
	assert.Equal(t, 10, sess.ReplySize())
}

func TestFetchRange(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions()).
		AddTable("SELECT * FROM n", testutil.NumbersTable(300))
	sess, err := mapi.Login(context.Background(), srv.Transport(),
		loginConfig(mapi.SessionSettings{ReplySize: 100}), nil)
	require.NoError(t, err)

	ctx := context.Background()
	resp, err := sess.RunQuery(ctx, "SELECT * FROM n", 100)
	require.NoError(t, err)
	id := resp.Header.ID

	rows, err := sess.FetchRange(ctx, id, 100, 50, false)
	require.NoError(t, err)
	require.Len(t, rows, 50)
	assert.Equal(t, "100", string(rows[0][0]))

	rows, err = sess.FetchRange(ctx, id, 150, 150, true)
	require.NoError(t, err)
	require.Len(t, rows, 150)
	assert.Equal(t, "299", string(rows[149][0]))

	// asking past the end returns fewer rows than requested
	_, err = sess.FetchRange(ctx, id, 290, 20, false)
	var me *protocol.MalformedError
	assert.ErrorAs(t, err, &me)

	require.NoError(t, sess.CloseResult(ctx, id))
	_, err = sess.FetchRange(ctx, id, 0, 1, false)
	var se *protocol.ServerError
	assert.ErrorAs(t, err, &se)
}

func TestFetchRangeRejectsWrongBlock(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions()).
		AddTable("SELECT * FROM n", testutil.NumbersTable(300))
	sess, err := mapi.Login(context.Background(), srv.Transport(), loginConfig(mapi.SessionSettings{ReplySize: 100}), nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = sess.RunQuery(ctx, "SELECT * FROM n", 100)
	require.NoError(t, err)

	tbl := testutil.NumbersTable(300)
	srv.ReplaceNext("Xexport", protocol.EncodeBlock(0, 120, tbl.Columns, tbl.Rows[120:130]))
	_, err = sess.FetchRange(ctx, 0, 100, 10, false)
	var me *protocol.MalformedError
	assert.ErrorAs(t, err, &me)

	srv.ReplaceNext("Xexport", protocol.EncodeUpdate(1, 1))
	_, err = sess.FetchRange(ctx, 0, 100, 10, false)
	assert.ErrorAs(t, err, &me)
}

func TestSessionSetters(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions())
	sess, err := mapi.Login(context.Background(), srv.Transport(), loginConfig(mapi.SessionSettings{ReplySize: 100, AutoCommit: true}), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sess.SetAutoCommit(ctx, false))
	require.NoError(t, sess.SetReplySize(ctx, -1))
	require.NoError(t, sess.SetSizeHeader(ctx, false))
	require.NoError(t, sess.SetTimeZone(ctx, 3600))

	assert.False(t, sess.AutoCommit())
	assert.Equal(t, -1, sess.ReplySize())
	assert.False(t, sess.SizeHeader())
	assert.Equal(t, 3600, sess.TimeZone())
	assert.Equal(t, []string{
		"Xauto_commit 0",
		"Xreply_size -1",
		"Xsizeheader 0",
		"sSET TIME ZONE INTERVAL '+01:00' HOUR TO MINUTE\n;",
	}, srv.Commands())

	require.NoError(t, sess.Close())
	assert.False(t, sess.Healthy())
}

func TestCommandTransportFailure(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(testutil.DefaultServerOptions())
	sess, err := mapi.Login(context.Background(), srv.Transport(), loginConfig(mapi.SessionSettings{}), nil)
	require.NoError(t, err)

	srv.FailNext("Xreply_size")
	err = sess.SetReplySize(context.Background(), 5)
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.NotEqual(t, 5, sess.ReplySize())
}

// proxyTransport re-sends the challenge after a proxy redirect, the way a
// proxy hands the connection to the real server.
type proxyTransport struct {
	*mock.MockTransport
	challenge []byte
	sent      int
}

func (p *proxyTransport) Send(ctx context.Context, msg []byte) error {
	p.sent++
	if err := p.MockTransport.Send(ctx, msg); err != nil {
		return err
	}
	if p.sent == 1 {
		p.MockTransport.WithResponses(p.challenge)
	}
	return nil
}
