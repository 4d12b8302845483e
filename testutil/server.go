package testutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/dan-strohschein/mapidb-go/mapi"
	"github.com/dan-strohschein/mapidb-go/protocol"
	"github.com/dan-strohschein/mapidb-go/transport/mock"
)

// ErrInjected is returned for messages matched by Server.FailNext.
var ErrInjected = errors.New("injected connection failure")

// ServerOptions configures a fake server.
type ServerOptions struct {
	User     string
	Password string
	Database string
	Salt     string

	// OptionLevel is announced as sql=N; handshake options below it are
	// accepted inside the login response.
	OptionLevel int

	// BinaryLevel is announced as BINARY=N; 0 disables Xexportbin.
	BinaryLevel int
}

// DefaultServerOptions returns options accepting monetdb/monetdb on "demo".
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		User:        "monetdb",
		Password:    "monetdb",
		Database:    "demo",
		Salt:        "s4lt",
		OptionLevel: 6,
		BinaryLevel: 1,
	}
}

// Export is one Xexport or Xexportbin request seen by the server.
type Export struct {
	ID     int
	Start  int
	Count  int
	Binary bool
}

type override struct {
	prefix string
	reply  []byte
	err    error
}

// Server is an in-process stand-in for a database server. It answers
// queries registered with AddTable and AddUpdate, pages through open
// results and records every command it receives.
type Server struct {
	mu        sync.Mutex
	opts      ServerOptions
	tables    map[string]*Table
	updates   map[string]int64
	errs      map[string]string
	overrides []override
	log       []string
	exports   []Export
	logins    int
	active    int
}

// NewServer creates a server with opts.
func NewServer(opts ServerOptions) *Server {
	return &Server{
		opts:    opts,
		tables:  make(map[string]*Table),
		updates: make(map[string]int64),
		errs:    make(map[string]string),
	}
}

// AddTable makes sql return t.
func (s *Server) AddTable(sql string, t *Table) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[normalizeSQL(sql)] = t
	return s
}

// AddUpdate makes sql report affected rows.
func (s *Server) AddUpdate(sql string, affected int64) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[normalizeSQL(sql)] = affected
	return s
}

// AddError makes sql fail with message.
func (s *Server) AddError(sql, message string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[normalizeSQL(sql)] = message
	return s
}

// FailNext makes the next message starting with prefix fail as if the
// connection dropped.
func (s *Server) FailNext(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = append(s.overrides, override{prefix: prefix, err: ErrInjected})
}

// ReplaceNext answers the next message starting with prefix with reply.
func (s *Server) ReplaceNext(prefix string, reply []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = append(s.overrides, override{prefix: prefix, reply: reply})
}

// Commands returns every message received after login.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

// CountPrefix counts received messages starting with prefix.
func (s *Server) CountPrefix(prefix string) int {
	n := 0
	for _, c := range s.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Exports returns the supplemental fetches received so far.
func (s *Server) Exports() []Export {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Export, len(s.exports))
	copy(out, s.exports)
	return out
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Challenge is the greeting sent on every new connection.
func (s *Server) Challenge() []byte {
	return []byte(fmt.Sprintf("%s:mserver:%d:SHA512,SHA256,SHA1:LIT:SHA512:sql=%d:BINARY=%d:",
		s.opts.Salt, protocol.PROTOCOL_VERSION, s.opts.OptionLevel, s.opts.BinaryLevel))
}

// Transport returns a mock transport connected to a fresh session on s.
func (s *Server) Transport() *mock.MockTransport {
	c := s.NewConn()
	return mock.NewMockTransport().WithResponses(s.Challenge()).WithHandler(c.Handle)
}

// Listen serves s on a loopback TCP port until the test ends and returns
// the address.
func (s *Server) Listen(t testing.TB) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.accept(t, ln, false)
	return ln.Addr().String()
}

// ListenUnix serves s on a unix domain socket in a temporary directory
// until the test ends and returns the socket path.
func (s *Server) ListenUnix(t testing.TB) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".s.monetdb.50000")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.accept(t, ln, true)
	return path
}

// Active returns the number of connections being served.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) accept(t testing.TB, ln net.Listener, unix bool) {
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, unix)
		}
	}()
}

func (s *Server) serve(nc net.Conn, unix bool) {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		nc.Close()
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if unix {
		// clients announce a plain session with a single '0'
		var hello [1]byte
		if _, err := io.ReadFull(nc, hello[:]); err != nil || hello[0] != '0' {
			return
		}
	}

	codec := protocol.NewCodec()
	if _, err := nc.Write(codec.Encode(s.Challenge())); err != nil {
		return
	}

	c := s.NewConn()
	r := bufio.NewReader(nc)
	for {
		msg, err := codec.Decode(r)
		if err != nil {
			return
		}
		reply, err := c.Handle(msg)
		if err != nil {
			return
		}
		if _, err := nc.Write(codec.Encode(reply)); err != nil {
			return
		}
	}
}

// Conn is the per-connection state of a Server.
type Conn struct {
	srv        *Server
	loggedIn   bool
	replySize  int
	autoCommit bool
	sizeHeader bool
	timeZone   string
	nextID     int
	results    map[int]*Table
}

// NewConn starts a new session on s.
func (s *Server) NewConn() *Conn {
	return &Conn{
		srv:        s,
		replySize:  100,
		autoCommit: true,
		results:    make(map[int]*Table),
	}
}

// ReplySize returns the reply size in effect for the connection.
func (c *Conn) ReplySize() int { return c.replySize }

// AutoCommit returns the auto-commit mode of the connection.
func (c *Conn) AutoCommit() bool { return c.autoCommit }

// TimeZone returns the last SET TIME ZONE interval.
func (c *Conn) TimeZone() string { return c.timeZone }

// OpenResults returns the number of results still open on the server.
func (c *Conn) OpenResults() int { return len(c.results) }

// Handle answers one client message.
func (c *Conn) Handle(msg []byte) ([]byte, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if !c.loggedIn {
		return c.login(msg), nil
	}

	text := string(msg)
	s.log = append(s.log, text)

	for i, o := range s.overrides {
		if strings.HasPrefix(text, o.prefix) {
			s.overrides = append(s.overrides[:i], s.overrides[i+1:]...)
			if o.err != nil {
				return nil, o.err
			}
			return o.reply, nil
		}
	}

	switch {
	case strings.HasPrefix(text, "s"):
		return c.query(text[1:]), nil
	case strings.HasPrefix(text, "X"):
		return c.control(msg), nil
	default:
		return protocol.EncodeError("", "unknown language prefix"), nil
	}
}

func (c *Conn) login(msg []byte) []byte {
	s := c.srv
	fields, options, err := mapi.ParseLoginResponse(msg)
	if err != nil {
		return protocol.EncodeError("", err.Error())
	}
	if fields[1] != s.opts.User || !mapi.CheckPassword(fields[2], s.opts.Password, s.opts.Salt, "SHA512") {
		return protocol.EncodeError("", fmt.Sprintf("InvalidCredentialsException:checkCredentials:invalid credentials for user '%s'", fields[1]))
	}
	if fields[4] != s.opts.Database {
		return protocol.EncodeError("", fmt.Sprintf("no such database '%s'", fields[4]))
	}

	for name, v := range options {
		switch name {
		case "auto_commit":
			c.autoCommit = v != 0
		case "reply_size":
			c.replySize = v
		case "size_header":
			c.sizeHeader = v != 0
		case "time_zone":
			c.timeZone = strconv.Itoa(v)
		}
	}
	c.loggedIn = true
	s.logins++
	return nil
}

func (c *Conn) query(sql string) []byte {
	s := c.srv
	sql = normalizeSQL(sql)
	upper := strings.ToUpper(sql)

	switch {
	case strings.HasPrefix(upper, "SET TIME ZONE"):
		c.timeZone = strings.TrimPrefix(sql, "SET TIME ZONE ")
		return protocol.EncodeSchema()
	case upper == "START TRANSACTION":
		return protocol.EncodeTransaction(false)
	case upper == "COMMIT", upper == "ROLLBACK":
		return protocol.EncodeTransaction(c.autoCommit)
	}

	if msg, ok := s.errs[sql]; ok {
		return protocol.EncodeError("42000", msg)
	}
	if n, ok := s.updates[sql]; ok {
		return protocol.EncodeUpdate(n, -1)
	}
	t, ok := s.tables[sql]
	if !ok {
		return protocol.EncodeError("42S02", "SELECT: no such table or statement '"+sql+"'")
	}

	rowCount := len(t.Rows)
	first := rowCount
	if c.replySize >= 0 && c.replySize < rowCount {
		first = c.replySize
	}

	id := c.nextID
	c.nextID++
	if first < rowCount {
		c.results[id] = t
	}
	return protocol.EncodeTable(id, rowCount, t.Columns, t.Rows[:first])
}

func (c *Conn) control(msg []byte) []byte {
	s := c.srv
	name, args, err := protocol.ParseCommand(msg)
	if err != nil {
		return protocol.EncodeError("", err.Error())
	}

	arg := func(i int) int {
		if i < len(args) {
			return args[i]
		}
		return 0
	}

	switch name {
	case "reply_size":
		c.replySize = arg(0)
		return nil
	case "auto_commit":
		c.autoCommit = arg(0) != 0
		return nil
	case "sizeheader":
		c.sizeHeader = arg(0) != 0
		return nil
	case "close":
		delete(c.results, arg(0))
		return nil
	case "export", "exportbin":
		binary := name == "exportbin"
		id, start, count := arg(0), arg(1), arg(2)
		s.exports = append(s.exports, Export{ID: id, Start: start, Count: count, Binary: binary})

		if binary && s.opts.BinaryLevel == 0 {
			return protocol.EncodeError("", "binary export not supported")
		}
		t, ok := c.results[id]
		if !ok {
			return protocol.EncodeError("", fmt.Sprintf("no such result %d", id))
		}
		if start < 0 || start > len(t.Rows) || count < 0 {
			return protocol.EncodeError("", "export range out of bounds")
		}
		end := start + count
		if end > len(t.Rows) {
			end = len(t.Rows)
		}
		if binary {
			return protocol.EncodeBinaryBlock(id, start, len(t.Columns), t.Rows[start:end])
		}
		return protocol.EncodeBlock(id, start, t.Columns, t.Rows[start:end])
	default:
		return protocol.EncodeError("", "unknown command X"+name)
	}
}

func normalizeSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}
