package tcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/mapidb-go/protocol"
)

// echoServer accepts one connection and answers every message with its
// upper-cased payload.
func echoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveEcho(t, ln, false)
	return ln.Addr().String()
}

func serveEcho(t *testing.T, ln net.Listener, unix bool) {
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if unix {
			var hello [1]byte
			if _, err := io.ReadFull(conn, hello[:]); err != nil || hello[0] != '0' {
				return
			}
		}

		codec := protocol.NewCodec()
		r := bufio.NewReader(conn)
		for {
			msg, err := codec.Decode(r)
			if err != nil {
				return
			}
			if string(msg) == "hangup" {
				return
			}
			if _, err := conn.Write(codec.Encode([]byte(strings.ToUpper(string(msg))))); err != nil {
				return
			}
		}
	}()
}

func TestTCPTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	addr := echoServer(t)
	ctx := context.Background()

	tr, err := Dial(ctx, TCPTransportOptions{Address: addr, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer tr.Close()

	big := strings.Repeat("x", 3*protocol.MaxBlockPayload)
	for _, msg := range []string{"hello", "", big} {
		require.NoError(t, tr.Send(ctx, []byte(msg)))
		got, err := tr.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(msg), string(got))
	}

	m := tr.GetMetrics()
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(3), m.TotalResponses)
	assert.Equal(t, int64(len(big)+5), m.BytesSent)
	assert.True(t, tr.IsHealthy())
}

func TestTCPTransport_ConnectionLost(t *testing.T) {
	t.Parallel()

	addr := echoServer(t)
	ctx := context.Background()

	tr, err := Dial(ctx, TCPTransportOptions{Address: addr, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(ctx, []byte("hangup")))
	_, err = tr.Receive(ctx)

	var te *protocol.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.ErrorCodeConnectionLost, te.Code)
	assert.False(t, tr.IsHealthy())

	err = tr.Send(ctx, []byte("again"))
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.ErrorCodeClosed, te.Code)
}

func TestTCPTransport_DialRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), TCPTransportOptions{Address: addr, Timeout: time.Second})
	var te *protocol.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.ErrorCodeConnectionRefused, te.Code)
	assert.True(t, te.IsRetryable)
}

func TestTCPTransport_ReceiveTimeout(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(time.Second)
			conn.Close()
		}
	}()

	tr, err := Dial(context.Background(), TCPTransportOptions{Address: ln.Addr().String()})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Receive(ctx)

	var te *protocol.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.ErrorCodeTimeout, te.Code)
}

func TestDialRequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), TCPTransportOptions{})
	assert.Error(t, err)
}

func TestBuildTLSConfig(t *testing.T) {
	t.Parallel()

	cfg, err := buildTLSConfig(TCPTransportOptions{Address: "db.example.com:50000", SkipVerify: true})
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = buildTLSConfig(TCPTransportOptions{Address: "x:1", CAPath: "/nonexistent/ca.pem"})
	assert.Error(t, err)

	cfg, err = buildTLSConfig(TCPTransportOptions{Address: "x:1", SkipHostVerify: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.NotNil(t, cfg.VerifyConnection)
	assert.Nil(t, cfg.VerifyPeerCertificate)

	cfg, err = buildTLSConfig(TCPTransportOptions{Address: "x:1", VerifyPeer: func([][]byte, [][]*x509.Certificate) error { return nil }})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.NotNil(t, cfg.VerifyPeerCertificate)
	assert.Nil(t, cfg.VerifyConnection)
}

func TestUnixTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mapi.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	serveEcho(t, ln, true)

	ctx := context.Background()
	tr, err := Dial(ctx, TCPTransportOptions{Network: "unix", Address: path, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(ctx, []byte("over a socket")))
	got, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "OVER A SOCKET", string(got))
	assert.Equal(t, path, tr.RemoteAddr())
}

func TestDialRejectsTLSOverUnix(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), TCPTransportOptions{Network: "unix", Address: "/tmp/none", UseTLS: true})
	assert.Error(t, err)
}

// testCert is a self-signed CA certificate valid for db.internal only.
type testCert struct {
	cert    *x509.Certificate
	certPEM []byte
	key     *ecdsa.PrivateKey
}

func newTestCert(t *testing.T) testCert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "db.internal"},
		DNSNames:              []string{"db.internal"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return testCert{
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		key:     key,
	}
}

// tlsEchoServer serves the echo protocol over TLS on 127.0.0.1, an address
// the certificate does not name.
func tlsEchoServer(t *testing.T, c testCert) string {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{c.cert.Raw}, PrivateKey: c.key}},
	})
	require.NoError(t, err)
	serveEcho(t, ln, false)
	return ln.Addr().String()
}

func TestTLSVerification(t *testing.T) {
	t.Parallel()

	c := newTestCert(t)
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caPath, c.certPEM, 0o600))

	pinned := func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], c.cert.Raw) {
			return errors.New("unexpected certificate")
		}
		return nil
	}
	wrongPin := func([][]byte, [][]*x509.Certificate) error {
		return errors.New("unexpected certificate")
	}

	tests := []struct {
		name    string
		opts    TCPTransportOptions
		wantErr bool
	}{
		{name: "name mismatch", opts: TCPTransportOptions{CAPath: caPath}, wantErr: true},
		{name: "unknown authority", opts: TCPTransportOptions{SkipHostVerify: true}, wantErr: true},
		{name: "chain only", opts: TCPTransportOptions{CAPath: caPath, SkipHostVerify: true}},
		{name: "skip everything", opts: TCPTransportOptions{SkipVerify: true}},
		{name: "pinned", opts: TCPTransportOptions{VerifyPeer: pinned}},
		{name: "wrong pin", opts: TCPTransportOptions{SkipVerify: true, VerifyPeer: wrongPin}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := tt.opts
			opts.Address = tlsEchoServer(t, c)
			opts.UseTLS = true
			opts.Timeout = 5 * time.Second

			tr, err := Dial(context.Background(), opts)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer tr.Close()

			require.NoError(t, tr.Send(context.Background(), []byte("secure")))
			got, err := tr.Receive(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "SECURE", string(got))
		})
	}
}

func TestVerifyChain(t *testing.T) {
	t.Parallel()

	c := newTestCert(t)
	roots := x509.NewCertPool()
	roots.AddCert(c.cert)

	assert.NoError(t, verifyChain([]*x509.Certificate{c.cert}, roots))
	assert.Error(t, verifyChain([]*x509.Certificate{c.cert}, x509.NewCertPool()))
	assert.Error(t, verifyChain(nil, roots))
}

func TestLoadKeyPairEncrypted(t *testing.T) {
	t.Parallel()

	c := newTestCert(t)
	der, err := x509.MarshalECPrivateKey(c.key)
	require.NoError(t, err)
	block, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", der, []byte("s3cret"), x509.PEMCipherAES256) //nolint:staticcheck
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.pem")
	keyPath := filepath.Join(dir, "client.key")
	require.NoError(t, os.WriteFile(certPath, c.certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	pair, err := loadKeyPair(certPath, keyPath, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, c.cert.Raw, pair.Certificate[0])

	_, err = loadKeyPair(certPath, keyPath, "wrong")
	assert.Error(t, err)

	_, err = loadKeyPair(certPath, keyPath, "")
	assert.Error(t, err, "an encrypted key needs its password")

	cfg, err := buildTLSConfig(TCPTransportOptions{Address: "x:1", CertPath: certPath, KeyPath: keyPath, KeyPassword: "s3cret"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}
