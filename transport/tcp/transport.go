// Package tcp implements the MAPI transport over a TCP, TLS or unix domain
// socket
package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/mapidb-go/protocol"
	"github.com/dan-strohschein/mapidb-go/transport"
)

// TCPTransportOptions configures the TCP transport
type TCPTransportOptions struct {
	// Network is "tcp" (the default) or "unix"
	Network string

	// Address is the server address (host:port), or the socket path for
	// the unix network
	Address string

	// Timeout for dialing and, when the context has no deadline, for each
	// Send and Receive
	Timeout time.Duration

	// TLS configuration
	UseTLS     bool
	CAPath     string
	CertPath   string
	KeyPath    string
	SkipVerify bool

	// KeyPassword decrypts a PEM encrypted client key
	KeyPassword string

	// SkipHostVerify checks the certificate chain but not the server name
	SkipHostVerify bool

	// VerifyPeer replaces chain and name verification when set, see
	// tls.Config.VerifyPeerCertificate
	VerifyPeer func(rawCerts [][]byte, chains [][]*x509.Certificate) error

	// KeepAlive period for the socket; zero uses the net package default
	KeepAlive time.Duration
}

// TCPTransport implements transport.Transport over one socket.
// A MAPI session is bound to its connection, so there is no pooling here.
type TCPTransport struct {
	opts    TCPTransportOptions
	codec   protocol.Codec
	conn    net.Conn
	reader  *bufio.Reader
	metrics transportMetrics
	alive   atomic.Bool
	closeMu sync.Mutex
}

// transportMetrics tracks transport performance
type transportMetrics struct {
	totalRequests  atomic.Int64
	totalResponses atomic.Int64
	totalErrors    atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	latencySum     atomic.Int64 // nanoseconds
	lastError      error
	lastErrorTime  time.Time
	mu             sync.RWMutex
}

// Dial connects to the server and returns a ready transport
func Dial(ctx context.Context, opts TCPTransportOptions) (*TCPTransport, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	network := opts.Network
	if network == "" {
		network = "tcp"
	}
	if network == "unix" && opts.UseTLS {
		return nil, fmt.Errorf("TLS is not supported over a unix socket")
	}

	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: opts.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, opts.Address)
	if err != nil {
		te := protocol.ConnectionError(fmt.Sprintf("failed to connect to %s", opts.Address), map[string]interface{}{
			"address": opts.Address,
			"timeout": opts.Timeout.String(),
		})
		te.Cause = err
		return nil, te
	}

	if network == "unix" {
		// the server expects one byte announcing a plain MAPI session
		if _, err := conn.Write([]byte{'0'}); err != nil {
			conn.Close()
			return nil, protocol.ConnectionLostError("unix socket greeting failed", err)
		}
	}

	if opts.UseTLS {
		tlsConfig, err := buildTLSConfig(opts)
		if err != nil {
			conn.Close()
			return nil, err
		}

		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tlsConn.Close()
			te := protocol.ConnectionError("TLS handshake failed", map[string]interface{}{
				"error": err.Error(),
			})
			te.Cause = err
			return nil, te
		}
		conn = tlsConn
	}

	t := &TCPTransport{
		opts:   opts,
		codec:  protocol.NewCodec(),
		conn:   conn,
		reader: bufio.NewReaderSize(conn, protocol.MaxBlockPayload+2),
	}
	t.alive.Store(true)
	return t, nil
}

// NewFactory returns a transport.Factory dialing with opts
func NewFactory(opts TCPTransportOptions) transport.Factory {
	return func(ctx context.Context) (transport.Transport, error) {
		return Dial(ctx, opts)
	}
}

// Send implements transport.Transport
func (t *TCPTransport) Send(ctx context.Context, msg []byte) error {
	if !t.alive.Load() {
		return protocol.ClosedError()
	}
	start := time.Now()
	t.metrics.totalRequests.Add(1)

	if err := t.setDeadline(ctx); err != nil {
		t.recordError(err)
		return err
	}

	framed := t.codec.Encode(msg)
	if _, err := t.conn.Write(framed); err != nil {
		t.alive.Store(false)
		lost := protocol.ConnectionLostError("write failed", err)
		t.recordError(lost)
		return lost
	}

	t.metrics.bytesSent.Add(int64(len(msg)))
	t.recordLatency(time.Since(start))
	return nil
}

// Receive implements transport.Transport
func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	if !t.alive.Load() {
		return nil, protocol.ClosedError()
	}
	start := time.Now()

	if err := t.setDeadline(ctx); err != nil {
		t.recordError(err)
		return nil, err
	}

	msg, err := t.codec.Decode(t.reader)
	if err != nil {
		var malformed *protocol.MalformedError
		if errors.As(err, &malformed) {
			// framing is lost; nothing after this can be trusted
			t.alive.Store(false)
			t.recordError(err)
			return nil, err
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.alive.Store(false)
			te := protocol.TimeoutError("read timed out", nil)
			te.Cause = err
			t.recordError(te)
			return nil, te
		}
		t.alive.Store(false)
		lost := protocol.ConnectionLostError("read failed", err)
		t.recordError(lost)
		return nil, lost
	}

	t.metrics.totalResponses.Add(1)
	t.metrics.bytesReceived.Add(int64(len(msg)))
	t.recordLatency(time.Since(start))
	return msg, nil
}

// Close implements transport.Transport
func (t *TCPTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.conn == nil {
		return nil
	}
	t.alive.Store(false)
	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsHealthy implements transport.Transport
func (t *TCPTransport) IsHealthy() bool {
	return t.alive.Load()
}

// RemoteAddr returns the address of the server
func (t *TCPTransport) RemoteAddr() string {
	return t.opts.Address
}

// GetMetrics implements transport.Transport
func (t *TCPTransport) GetMetrics() transport.TransportMetrics {
	t.metrics.mu.RLock()
	lastErr := t.metrics.lastError
	lastErrTime := t.metrics.lastErrorTime
	t.metrics.mu.RUnlock()

	ops := t.metrics.totalRequests.Load() + t.metrics.totalResponses.Load()
	avgLatency := time.Duration(0)
	if ops > 0 {
		avgLatency = time.Duration(t.metrics.latencySum.Load() / ops)
	}

	return transport.TransportMetrics{
		TotalRequests:  t.metrics.totalRequests.Load(),
		TotalResponses: t.metrics.totalResponses.Load(),
		TotalErrors:    t.metrics.totalErrors.Load(),
		AverageLatency: avgLatency,
		LastError:      lastErr,
		LastErrorTime:  lastErrTime,
		BytesSent:      t.metrics.bytesSent.Load(),
		BytesReceived:  t.metrics.bytesReceived.Load(),
	}
}

func (t *TCPTransport) setDeadline(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.opts.Timeout)
	}
	return t.conn.SetDeadline(deadline)
}

// buildTLSConfig creates a TLS configuration
func buildTLSConfig(opts TCPTransportOptions) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: opts.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if host, _, err := net.SplitHostPort(opts.Address); err == nil {
		tlsConfig.ServerName = host
	}

	if opts.CAPath != "" {
		pem, err := os.ReadFile(opts.CAPath)
		if err != nil {
			return nil, protocol.ConnectionError("failed to read CA file", map[string]interface{}{
				"caPath": opts.CAPath,
				"error":  err.Error(),
			})
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, protocol.ConnectionError("no certificates found in CA file", map[string]interface{}{
				"caPath": opts.CAPath,
			})
		}
		tlsConfig.RootCAs = pool
	}

	if opts.CertPath != "" && opts.KeyPath != "" {
		cert, err := loadKeyPair(opts.CertPath, opts.KeyPath, opts.KeyPassword)
		if err != nil {
			return nil, protocol.ConnectionError("failed to load TLS certificate", map[string]interface{}{
				"certPath": opts.CertPath,
				"keyPath":  opts.KeyPath,
				"error":    err.Error(),
			})
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	switch {
	case opts.VerifyPeer != nil:
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = opts.VerifyPeer
	case opts.SkipHostVerify && !opts.SkipVerify:
		roots := tlsConfig.RootCAs
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs.PeerCertificates, roots)
		}
	}

	return tlsConfig, nil
}

// verifyChain checks that certs chain to roots (the system pool when nil)
// without matching the server name.
func verifyChain(certs []*x509.Certificate, roots *x509.CertPool) error {
	if len(certs) == 0 {
		return errors.New("server presented no certificate")
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
	return err
}

// loadKeyPair is tls.LoadX509KeyPair with support for a legacy PEM
// encrypted key.
func loadKeyPair(certPath, keyPath, password string) (tls.Certificate, error) {
	if password == "" {
		return tls.LoadX509KeyPair(certPath, keyPath)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, errors.New("no PEM data in key file")
	}
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // RFC 1423
		der, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decrypt client key: %w", err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// recordError records an error in metrics
func (t *TCPTransport) recordError(err error) {
	t.metrics.totalErrors.Add(1)
	t.metrics.mu.Lock()
	t.metrics.lastError = err
	t.metrics.lastErrorTime = time.Now()
	t.metrics.mu.Unlock()
}

// recordLatency records latency in metrics
func (t *TCPTransport) recordLatency(latency time.Duration) {
	t.metrics.latencySum.Add(int64(latency))
}

var _ transport.Transport = (*TCPTransport)(nil)
