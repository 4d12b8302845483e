package client

import (
	"net"
	"strconv"
	"time"

	"github.com/dan-strohschein/mapidb-go/policy"
	"github.com/dan-strohschein/mapidb-go/transport"
)

// DefaultPort is the port the server listens on unless configured otherwise.
const DefaultPort = 50000

// ClientOptions configures a Client.
type ClientOptions struct {
	// Host and Port locate the server.
	// Default: localhost:50000
	Host string
	Port int

	// UnixSocket is the path of a unix domain socket. When set it is used
	// instead of Host and Port.
	UnixSocket string

	// Database, Username and Password are sent in the login response.
	Database string
	Username string
	Password string

	// Language is the query language of the session.
	// Default: "sql"
	Language string

	// DefaultTimeoutMs bounds every round trip that has no deadline of its own.
	// Default: 10000 (10 seconds)
	DefaultTimeoutMs int

	// DebugMode enables verbose error serialization with full cause chains.
	// Default: false
	DebugMode bool

	// MaxRetries is the maximum number of connection attempts after the first.
	// Uses exponential backoff: 100ms, 200ms, 400ms, etc.
	// Default: 3
	MaxRetries int

	// ReplySize is the number of rows requested per round trip. -1 asks for
	// the whole result at once, or for a small textual first batch followed
	// by a single binary fetch when binary results are available.
	// Default: 100
	ReplySize int

	// MaxPrefetch bounds the rows fetched beyond what a read needs. -1
	// removes the bound.
	// Default: 2500
	MaxPrefetch int

	// Binary enables binary result blocks when the server supports them.
	// Default: true
	Binary bool

	// AutoCommit is the transaction mode applied at login.
	// Default: true
	AutoCommit bool

	// SizeHeader asks the server for column length headers.
	// Default: true
	SizeHeader bool

	// TimeZoneSeconds is the session time zone, seconds east of UTC.
	// Default: the local zone at the time DefaultOptions is called
	TimeZoneSeconds int

	// TLSEnabled wraps the connection in TLS.
	// Default: false
	TLSEnabled bool

	// TLSInsecureSkipVerify skips certificate validation (for development only).
	// Default: false
	TLSInsecureSkipVerify bool

	// TLSCAFile is the path to a custom CA certificate file.
	TLSCAFile string

	// TLSCertFile is the path to the client certificate file.
	TLSCertFile string

	// TLSKeyFile is the path to the client private key file.
	TLSKeyFile string

	// TLSKeyPassword decrypts a PEM encrypted TLSKeyFile.
	TLSKeyPassword string

	// TLSServerFingerprint pins the server certificate by digest, written
	// as hex with an optional {sha1} or {sha256} prefix. A pinned
	// certificate is not otherwise verified.
	TLSServerFingerprint string

	// TLSNoCheck disables parts of certificate verification: "host",
	// "cert" or "host,cert".
	TLSNoCheck string

	// KeepAlive is the TCP keep-alive period. Zero uses the system default.
	KeepAlive time.Duration

	// Logger is the logger implementation to use.
	// If nil, one is built from LogLevel.
	Logger Logger

	// LogLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR).
	// Default: "INFO"
	LogLevel string

	// Transport overrides how connections are opened. When nil the client
	// dials Host:Port over TCP.
	Transport transport.Factory

	// OnConnected is called when a session is established.
	OnConnected func(StateTransition)

	// OnDisconnected is called when the session ends or the connection is lost.
	OnDisconnected func(StateTransition)
}

// DefaultOptions returns ClientOptions with default values.
func DefaultOptions() ClientOptions {
	_, offset := time.Now().Zone()
	return ClientOptions{
		Host:             "localhost",
		Port:             DefaultPort,
		Language:         "sql",
		DefaultTimeoutMs: 10000,
		MaxRetries:       3,
		ReplySize:        policy.DefaultReplySize,
		MaxPrefetch:      policy.DefaultMaxPrefetch,
		Binary:           true,
		AutoCommit:       true,
		SizeHeader:       true,
		TimeZoneSeconds:  offset,
		LogLevel:         "INFO",
	}
}

// Validate checks the settings that have a restricted range.
func (o ClientOptions) Validate() error {
	if err := policy.ValidateReplySize(o.ReplySize); err != nil {
		return ErrInvalidSetting("replysize", o.ReplySize, err)
	}
	if err := policy.ValidateMaxPrefetch(o.MaxPrefetch); err != nil {
		return ErrInvalidSetting("maxprefetch", o.MaxPrefetch, err)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return ErrInvalidSetting("port", o.Port, nil)
	}
	if o.MaxRetries < 0 {
		return ErrInvalidSetting("maxretries", o.MaxRetries, nil)
	}
	return validateTLSOptions(o)
}

// address returns the network and address to dial.
func (o ClientOptions) address() (network, addr string) {
	if o.UnixSocket != "" {
		return "unix", o.UnixSocket
	}
	return "tcp", net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o ClientOptions) timeout() time.Duration {
	if o.DefaultTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.DefaultTimeoutMs) * time.Millisecond
}
