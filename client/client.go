package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/dan-strohschein/mapidb-go/mapi"
	"github.com/dan-strohschein/mapidb-go/policy"
	"github.com/dan-strohschein/mapidb-go/protocol"
	"github.com/dan-strohschein/mapidb-go/transport"
	"github.com/dan-strohschein/mapidb-go/transport/tcp"
)

// Client is one MAPI connection. Commands from the client and from its
// cursors are serialised on the underlying session; a client can be shared
// between goroutines, a cursor cannot.
type Client struct {
	opts      ClientOptions
	stateMgr  *StateManager
	logger    Logger
	debugMode atomic.Bool
	timeout   atomic.Int64
	factory   transport.Factory

	mu      sync.Mutex
	session *mapi.Session
	policy  *policy.BatchPolicy
	tx      *Transaction
}

// NewClient creates a new client with the given options.
// If opts is nil, default options are used.
func NewClient(opts *ClientOptions) *Client {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(opts.LogLevel, nil)
	}

	p := policy.New()
	p.ReplySize = opts.ReplySize
	p.MaxPrefetch = opts.MaxPrefetch
	p.BinaryEnabled = opts.Binary

	c := &Client{
		opts:     *opts,
		stateMgr: NewStateManager(),
		logger:   logger,
		policy:   p,
		factory:  opts.Transport,
	}
	c.debugMode.Store(opts.DebugMode)

	c.timeout.Store(int64(opts.timeout()))

	if c.factory == nil {
		network, addr := opts.address()
		skipVerify, skipHost, verify := tlsVerification(*opts)
		c.factory = tcp.NewFactory(tcp.TCPTransportOptions{
			Network:        network,
			Address:        addr,
			Timeout:        opts.timeout(),
			UseTLS:         opts.TLSEnabled,
			CAPath:         opts.TLSCAFile,
			CertPath:       opts.TLSCertFile,
			KeyPath:        opts.TLSKeyFile,
			KeyPassword:    opts.TLSKeyPassword,
			SkipVerify:     skipVerify,
			SkipHostVerify: skipHost,
			VerifyPeer:     verify,
			KeepAlive:      opts.KeepAlive,
		})
	}

	if opts.OnConnected != nil || opts.OnDisconnected != nil {
		c.stateMgr.OnStateChange(func(transition StateTransition) {
			switch transition.To {
			case CONNECTED:
				if opts.OnConnected != nil {
					opts.OnConnected(transition)
				}
			case DISCONNECTED:
				if transition.From != CONNECTING && opts.OnDisconnected != nil {
					opts.OnDisconnected(transition)
				}
			}
		})
	}

	return c
}

// Connect dials the server and logs in. Failed attempts are retried with
// exponential backoff, except for authentication failures.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.opts.Validate(); err != nil {
		return err
	}

	c.logger.Info("connecting to database",
		String("address", c.remoteAddr()),
		String("database", c.opts.Database),
		String("user", c.opts.Username))

	if err := c.stateMgr.TransitionTo(CONNECTING, nil, map[string]interface{}{
		"reason":  "user_initiated",
		"attempt": 1,
	}); err != nil {
		return err
	}

	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= c.opts.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		c.logger.Debug("attempting connection", Int("attempt", attempt))
		sess, err := c.login(ctx)
		if err == nil {
			c.mu.Lock()
			c.session = sess
			c.tx = nil
			c.mu.Unlock()

			c.logger.Info("connection established",
				String("server", sess.ServerType()),
				Bool("binary", c.policy.UseBinary()),
				Int("attempt", attempt))
			return c.stateMgr.TransitionTo(CONNECTED, nil, map[string]interface{}{
				"reason":     "user_initiated",
				"attempt":    attempt,
				"remoteAddr": c.remoteAddr(),
			})
		}

		lastErr = err
		c.logger.Warn("connection attempt failed", Int("attempt", attempt), Error("error", err))

		var te *protocol.TransportError
		if errors.As(err, &te) && te.Code == protocol.ErrorCodeAuthFailed {
			break
		}
		if describeTLSError(err) != nil {
			break
		}
		if attempt <= c.opts.MaxRetries {
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	c.logger.Error("all connection attempts failed", Error("error", lastErr))
	wrapped := describeTLSError(lastErr)
	if wrapped == nil {
		wrapped = wrapError(lastErr, "")
	}
	c.stateMgr.TransitionTo(DISCONNECTED, wrapped, map[string]interface{}{
		"reason": "error",
	})
	return wrapped
}

func (c *Client) login(ctx context.Context) (*mapi.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	t, err := c.factory(ctx)
	if err != nil {
		return nil, err
	}

	cfg := mapi.LoginConfig{
		Username: c.opts.Username,
		Password: c.opts.Password,
		Database: c.opts.Database,
		Language: c.opts.Language,
		Options:  c.handshakeOptions,
	}
	sess, err := mapi.Login(ctx, t, cfg, zapOf(c.logger))
	if err != nil {
		t.Close()
		return nil, err
	}
	return sess, nil
}

// handshakeOptions records the server's binary level in the policy and
// builds the option table advertised at login.
func (c *Client) handshakeOptions(binaryLevel int) []mapi.HandshakeOption {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.policy.SetServerBinaryExportLevel(binaryLevel)
	return mapi.HandshakeOptions(mapi.SessionSettings{
		AutoCommit:      c.opts.AutoCommit,
		ReplySize:       c.policy.HandshakeReplySize(),
		SizeHeader:      c.opts.SizeHeader,
		TimeZoneSeconds: c.opts.TimeZoneSeconds,
	})
}

// Disconnect closes the session. Work not committed is rolled back first
// when auto-commit is off.
func (c *Client) Disconnect(ctx context.Context) error {
	c.logger.Info("disconnecting from database")

	if c.stateMgr.GetState() != CONNECTED {
		return ErrInvalidState("Disconnect", CONNECTED, c.stateMgr.GetState())
	}
	if err := c.stateMgr.TransitionTo(DISCONNECTING, nil, map[string]interface{}{
		"reason": "user_initiated",
	}); err != nil {
		return err
	}

	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.tx = nil
	c.mu.Unlock()

	var err error
	if sess != nil {
		if !sess.AutoCommit() {
			rctx, cancel := c.withTimeout(ctx)
			_, rerr := sess.Command(rctx, protocol.QueryCommand("ROLLBACK"))
			cancel()
			if rerr != nil {
				err = multierr.Append(err, wrapError(rerr, "ROLLBACK"))
			}
		}
		if cerr := sess.Close(); cerr != nil {
			err = multierr.Append(err, wrapError(cerr, ""))
		}
	}

	if err != nil {
		c.logger.Error("error during disconnect", Error("error", err))
	} else {
		c.logger.Info("disconnected successfully")
	}

	c.stateMgr.TransitionTo(DISCONNECTED, err, map[string]interface{}{
		"reason": "user_initiated",
	})
	return err
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	return c.stateMgr.GetState()
}

// GetLastTransition returns the most recent state transition.
func (c *Client) GetLastTransition() StateTransition {
	return c.stateMgr.GetLastTransition()
}

// OnStateChange registers a handler to be called on state transitions.
func (c *Client) OnStateChange(handler StateChangeHandler) {
	c.stateMgr.OnStateChange(handler)
}

// GetVersion returns the build version of the client.
func (c *Client) GetVersion() string {
	return Version
}

// Logger returns the client's logger.
func (c *Client) Logger() Logger {
	return c.logger
}

// activeSession returns the session, or a StateError naming op.
func (c *Client) activeSession(op string) (*mapi.Session, error) {
	if state := c.stateMgr.GetState(); state != CONNECTED {
		return nil, ErrInvalidState(op, CONNECTED, state)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrInvalidState(op, CONNECTED, DISCONNECTED)
	}
	return c.session, nil
}

// noteError drops the session after a transport failure. The connection
// cannot be reused and has to be recreated with Connect.
func (c *Client) noteError(err error) {
	if !IsConnectionError(err) {
		return
	}

	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.tx = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}

	sess.Close()
	c.logger.Error("connection lost", Error("error", err))
	c.stateMgr.TransitionTo(DISCONNECTED, err, map[string]interface{}{
		"reason": "connection_lost",
	})
}

func (c *Client) remoteAddr() string {
	_, addr := c.opts.address()
	return addr
}

// SetTimeout changes the bound applied to round trips without a deadline
// of their own. It takes effect on the next round trip; zero or less
// removes the bound.
func (c *Client) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.timeout.Store(int64(d))
}

// Timeout returns the bound set by DefaultTimeoutMs or SetTimeout.
func (c *Client) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// withTimeout applies the client timeout to ctx when it has no deadline.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	d := c.Timeout()
	if _, ok := ctx.Deadline(); ok || d == 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// command runs one statement on the session outside of any cursor.
func (c *Client) command(ctx context.Context, op, sql string) (*protocol.Response, error) {
	sess, err := c.activeSession(op)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	traceID := uuid.NewString()
	c.logger.Debug("sending command", String("traceID", traceID), String("operation", op))
	resp, err := sess.Command(WithTraceID(ctx, traceID), protocol.QueryCommand(sql))
	if err != nil {
		err = wrapError(err, sql)
		c.noteError(err)
		return nil, err
	}
	return resp, nil
}

// ReplySize returns the connection-wide reply size.
func (c *Client) ReplySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.ReplySize
}

// SetReplySize changes the reply size for cursors created afterwards. The
// server is told lazily, before the next query that needs a different size.
func (c *Client) SetReplySize(n int) error {
	if err := policy.ValidateReplySize(n); err != nil {
		return ErrInvalidSetting("replysize", n, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.ReplySize = n
	return nil
}

// MaxPrefetch returns the connection-wide prefetch budget.
func (c *Client) MaxPrefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.MaxPrefetch
}

// SetMaxPrefetch changes the prefetch budget for cursors created afterwards.
func (c *Client) SetMaxPrefetch(n int) error {
	if err := policy.ValidateMaxPrefetch(n); err != nil {
		return ErrInvalidSetting("maxprefetch", n, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.MaxPrefetch = n
	return nil
}

// Binary reports whether binary result blocks are enabled on the client side.
func (c *Client) Binary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.BinaryEnabled
}

// SetBinary enables or disables binary result blocks for cursors created
// afterwards. They are used only when the server supports them too.
func (c *Client) SetBinary(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.BinaryEnabled = on
}

// SupportsBinary reports whether the server announced binary exports.
func (c *Client) SupportsBinary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.ServerSupportsBinary
}

// AutoCommit reports the session's auto-commit mode.
func (c *Client) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return c.opts.AutoCommit
	}
	return c.session.AutoCommit()
}

// SetAutoCommit switches auto-commit on the server immediately.
func (c *Client) SetAutoCommit(ctx context.Context, on bool) error {
	return c.sessionSetting(ctx, "SetAutoCommit", func(ctx context.Context, s *mapi.Session) error {
		return s.SetAutoCommit(ctx, on)
	})
}

// SetSizeHeader switches column length headers on the server.
func (c *Client) SetSizeHeader(ctx context.Context, on bool) error {
	return c.sessionSetting(ctx, "SetSizeHeader", func(ctx context.Context, s *mapi.Session) error {
		return s.SetSizeHeader(ctx, on)
	})
}

// SetTimeZone sets the session time zone in seconds east of UTC.
func (c *Client) SetTimeZone(ctx context.Context, offsetSeconds int) error {
	return c.sessionSetting(ctx, "SetTimeZone", func(ctx context.Context, s *mapi.Session) error {
		return s.SetTimeZone(ctx, offsetSeconds)
	})
}

func (c *Client) sessionSetting(ctx context.Context, op string, apply func(context.Context, *mapi.Session) error) error {
	sess, err := c.activeSession(op)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := apply(ctx, sess); err != nil {
		err = wrapError(err, "")
		c.noteError(err)
		return err
	}
	return nil
}

// Commit commits the current transaction.
func (c *Client) Commit(ctx context.Context) error {
	_, err := c.command(ctx, "Commit", "COMMIT")
	return err
}

// Rollback rolls back the current transaction.
func (c *Client) Rollback(ctx context.Context) error {
	_, err := c.command(ctx, "Rollback", "ROLLBACK")
	return err
}

// Cursor creates a cursor on the connection. It takes a copy of the
// connection's batch policy; later changes to the client settings do not
// affect it.
func (c *Client) Cursor() (*Cursor, error) {
	sess, err := c.activeSession("Cursor")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	p := c.policy.Clone()
	c.mu.Unlock()

	return newCursor(c, sess, p), nil
}

// ServerType returns the server name announced at login.
func (c *Client) ServerType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ServerType()
}

// TransportMetrics returns the metrics of the current connection.
func (c *Client) TransportMetrics() transport.TransportMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return transport.TransportMetrics{}
	}
	return c.session.Metrics()
}
