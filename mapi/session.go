// Package mapi implements a MAPI session on top of a transport: the login
// handshake and the command round trips used to run queries and page
// through their results.
package mapi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dan-strohschein/mapidb-go/protocol"
	"github.com/dan-strohschein/mapidb-go/transport"
)

// maxRedirects bounds the number of proxy re-authentications during login.
const maxRedirects = 10

// LoginConfig holds the credentials and the session settings for Login.
type LoginConfig struct {
	Username string
	Password string
	Database string
	Language string

	// Options is called with the server's binary export level once the
	// challenge has been read and returns the ordered option table.
	Options func(binaryLevel int) []HandshakeOption
}

// Session is an authenticated MAPI session. All round trips are serialised;
// a session has at most one command in flight.
type Session struct {
	mu        sync.Mutex
	transport transport.Transport
	logger    *zap.Logger

	serverType  string
	binaryLevel int
	replySize   int
	autoCommit  bool
	sizeHeader  bool
	timeZone    int
}

// Login authenticates on t and applies the handshake options.
func Login(ctx context.Context, t transport.Transport, cfg LoginConfig, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Language == "" {
		cfg.Language = "sql"
	}

	s := &Session{
		transport: t,
		logger:    logger,
		// server defaults before any option is applied
		replySize:  100,
		autoCommit: true,
	}

	var deferred []HandshakeOption
	for attempt := 0; ; attempt++ {
		if attempt >= maxRedirects {
			return nil, protocol.AuthError("too many login redirects", nil)
		}

		data, err := t.Receive(ctx)
		if err != nil {
			return nil, err
		}
		challenge, err := ParseChallenge(data)
		if err != nil {
			return nil, err
		}
		s.serverType = challenge.ServerType
		s.binaryLevel = challenge.BinaryLevel

		var opts []HandshakeOption
		if cfg.Options != nil {
			opts = cfg.Options(challenge.BinaryLevel)
		}
		var inline []HandshakeOption
		inline, deferred = splitOptions(opts, challenge.OptionLevel)

		resp, err := LoginResponse(challenge, cfg.Username, cfg.Password, cfg.Language, cfg.Database, inline)
		if err != nil {
			return nil, err
		}
		if err := t.Send(ctx, resp); err != nil {
			return nil, err
		}

		reply, err := t.Receive(ctx)
		if err != nil {
			return nil, err
		}

		redirect, err := s.loginReply(reply)
		if err != nil {
			return nil, err
		}
		if redirect == "" {
			for _, o := range inline {
				s.record(o)
			}
			break
		}
		if !strings.HasPrefix(redirect, "mapi:merovingian://proxy") {
			return nil, protocol.ConnectionError("redirect to another server is not supported", map[string]interface{}{
				"redirect": redirect,
			})
		}
		logger.Debug("re-authenticating through proxy", zap.Int("attempt", attempt+1))
	}

	for _, o := range deferred {
		if _, err := s.command(ctx, o.Command); err != nil {
			return nil, fmt.Errorf("applying %s: %w", o.Name, err)
		}
		s.record(o)
	}

	logger.Debug("session established",
		zap.String("server", s.serverType),
		zap.Int("binaryLevel", s.binaryLevel),
		zap.Int("replySize", s.replySize),
		zap.Int("deferredOptions", len(deferred)))
	return s, nil
}

// loginReply interprets the answer to a login response. It returns the
// redirect target, if any.
func (s *Session) loginReply(reply []byte) (string, error) {
	if len(reply) == 0 {
		return "", nil
	}
	var redirect string
	var errs []string
	for _, line := range strings.Split(strings.TrimRight(string(reply), "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "!"):
			errs = append(errs, line[1:])
		case strings.HasPrefix(line, "^"):
			if redirect == "" {
				redirect = line[1:]
			}
		case strings.HasPrefix(line, "#"):
			s.logger.Info("server message", zap.String("message", strings.TrimSpace(line[1:])))
		}
	}
	if len(errs) > 0 {
		return "", protocol.AuthError(strings.Join(errs, "\n"), nil)
	}
	return redirect, nil
}

func (s *Session) record(o HandshakeOption) {
	switch o.Name {
	case "auto_commit":
		s.autoCommit = o.Value != 0
	case "reply_size":
		s.replySize = o.Value
	case "size_header":
		s.sizeHeader = o.Value != 0
	case "time_zone":
		s.timeZone = o.Value
	}
}

// Command sends one message and parses the reply.
func (s *Session) Command(ctx context.Context, msg []byte) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.command(ctx, msg)
}

func (s *Session) command(ctx context.Context, msg []byte) (*protocol.Response, error) {
	if err := s.transport.Send(ctx, msg); err != nil {
		return nil, err
	}
	data, err := s.transport.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.ParseResponse(data)
}

// RunQuery executes sql, first adjusting the server's reply size if it
// differs from replySize.
func (s *Session) RunQuery(ctx context.Context, sql string, replySize int) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replySize != s.replySize {
		if _, err := s.command(ctx, protocol.ReplySizeCommand(replySize)); err != nil {
			return nil, err
		}
		s.replySize = replySize
	}
	return s.command(ctx, protocol.QueryCommand(sql))
}

// FetchRange retrieves rows [start, start+count) of result id. Anything
// other than exactly those rows is a protocol violation.
func (s *Session) FetchRange(ctx context.Context, id, start, count int, binary bool) ([]protocol.Row, error) {
	cmd := protocol.ExportCommand(id, start, count)
	if binary {
		cmd = protocol.ExportBinaryCommand(id, start, count)
	}

	resp, err := s.Command(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if resp.Kind != protocol.KindBlock {
		return nil, &protocol.MalformedError{Message: "expected a result block, got " + resp.Kind.String()}
	}
	if resp.Binary != binary {
		return nil, &protocol.MalformedError{Message: "result block has the wrong encoding"}
	}
	if resp.Header.ID != id || resp.Header.Offset != start {
		return nil, &protocol.MalformedError{
			Message: fmt.Sprintf("expected block of result %d at %d, got result %d at %d",
				id, start, resp.Header.ID, resp.Header.Offset),
		}
	}
	if len(resp.Rows) != count {
		return nil, &protocol.MalformedError{
			Message: fmt.Sprintf("asked for %d rows, received %d", count, len(resp.Rows)),
		}
	}
	return resp.Rows, nil
}

// CloseResult releases result id on the server.
func (s *Session) CloseResult(ctx context.Context, id int) error {
	_, err := s.Command(ctx, protocol.CloseCommand(id))
	return err
}

// SetReplySize changes the server-side reply size.
func (s *Session) SetReplySize(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.command(ctx, protocol.ReplySizeCommand(n)); err != nil {
		return err
	}
	s.replySize = n
	return nil
}

// SetAutoCommit switches auto-commit on the server.
func (s *Session) SetAutoCommit(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.command(ctx, protocol.AutoCommitCommand(on)); err != nil {
		return err
	}
	s.autoCommit = on
	return nil
}

// SetSizeHeader switches the column length header.
func (s *Session) SetSizeHeader(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.command(ctx, protocol.SizeHeaderCommand(on)); err != nil {
		return err
	}
	s.sizeHeader = on
	return nil
}

// SetTimeZone sets the session time zone, in seconds east of UTC.
func (s *Session) SetTimeZone(ctx context.Context, offsetSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.command(ctx, protocol.QueryCommand(protocol.TimeZoneQuery(offsetSeconds))); err != nil {
		return err
	}
	s.timeZone = offsetSeconds
	return nil
}

// ReplySize is the reply size currently in effect on the server.
func (s *Session) ReplySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replySize
}

// AutoCommit reports the server's auto-commit mode as last set.
func (s *Session) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommit
}

// SizeHeader reports whether the length header is enabled.
func (s *Session) SizeHeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeHeader
}

// TimeZone returns the session time zone in seconds east of UTC.
func (s *Session) TimeZone() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeZone
}

// BinaryLevel is the binary export level announced by the server.
func (s *Session) BinaryLevel() int {
	return s.binaryLevel
}

// SupportsBinary reports whether the server can export binary blocks.
func (s *Session) SupportsBinary() bool {
	return s.binaryLevel > 0
}

// ServerType is the server name from the login challenge.
func (s *Session) ServerType() string {
	return s.serverType
}

// Healthy reports whether the underlying transport is usable.
func (s *Session) Healthy() bool {
	return s.transport.IsHealthy()
}

// Metrics returns the transport metrics.
func (s *Session) Metrics() transport.TransportMetrics {
	return s.transport.GetMetrics()
}

// Close closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Close()
}
