package client

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// validateTLSOptions checks that the TLS file settings are consistent.
func validateTLSOptions(opts ClientOptions) error {
	if (opts.TLSCertFile == "") != (opts.TLSKeyFile == "") {
		return newContractViolation("E_TLS_CONFIG", "client certificate and key must be set together", map[string]interface{}{
			"certFile": opts.TLSCertFile,
			"keyFile":  opts.TLSKeyFile,
		})
	}
	if opts.TLSKeyPassword != "" && opts.TLSKeyFile == "" {
		return newContractViolation("E_TLS_CONFIG", "client key password set without a client key", nil)
	}
	if !opts.TLSEnabled && (opts.TLSCAFile != "" || opts.TLSCertFile != "" ||
		opts.TLSServerFingerprint != "" || opts.TLSNoCheck != "") {
		return newContractViolation("E_TLS_CONFIG", "TLS settings configured but TLS is disabled", nil)
	}
	if opts.TLSEnabled && opts.UnixSocket != "" {
		return newContractViolation("E_TLS_CONFIG", "TLS is not available over a unix socket", map[string]interface{}{
			"unixSocket": opts.UnixSocket,
		})
	}
	if _, _, err := parseNoCheck(opts.TLSNoCheck); err != nil {
		return newContractViolation("E_TLS_CONFIG", "invalid dangerous_tls_nocheck: "+err.Error(), map[string]interface{}{
			"value": opts.TLSNoCheck,
		})
	}
	if opts.TLSServerFingerprint != "" {
		if _, err := parseFingerprint(opts.TLSServerFingerprint); err != nil {
			return newContractViolation("E_TLS_CONFIG", "invalid server_fingerprint: "+err.Error(), nil)
		}
	}
	return nil
}

// parseNoCheck reads a comma separated list of the checks to skip: "host"
// for the server name, "cert" for the whole certificate.
func parseNoCheck(s string) (host, cert bool, err error) {
	if s == "" {
		return false, false, nil
	}
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "host":
			host = true
		case "cert":
			cert = true
		case "":
		default:
			return false, false, fmt.Errorf("unknown check %q", part)
		}
	}
	return host, cert, nil
}

// fingerprint is a pinned server certificate digest. Digest may be a
// prefix of the full hex digest.
type fingerprint struct {
	algorithm string
	digest    string
}

// parseFingerprint accepts hex digits, optionally prefixed with {sha1} or
// {sha256} (the default). Colons between digits are ignored.
func parseFingerprint(s string) (fingerprint, error) {
	fp := fingerprint{algorithm: "sha256"}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return fp, errors.New("unterminated algorithm prefix")
		}
		fp.algorithm = strings.ToLower(s[1:end])
		s = s[end+1:]
	}
	if fp.algorithm != "sha1" && fp.algorithm != "sha256" {
		return fp, fmt.Errorf("unsupported fingerprint algorithm %q", fp.algorithm)
	}
	fp.digest = strings.ToLower(strings.ReplaceAll(s, ":", ""))
	if fp.digest == "" {
		return fp, errors.New("empty fingerprint")
	}
	if _, err := hex.DecodeString(fp.digest + strings.Repeat("0", len(fp.digest)%2)); err != nil {
		return fp, errors.New("fingerprint is not hexadecimal")
	}
	return fp, nil
}

func (fp fingerprint) sum(der []byte) string {
	var h hash.Hash
	if fp.algorithm == "sha1" {
		h = sha1.New()
	} else {
		h = sha256.New()
	}
	h.Write(der)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintMismatchError reports a server certificate that does not match
// the pinned fingerprint.
type FingerprintMismatchError struct {
	Algorithm string
	Want      string
	Got       string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("server certificate %s fingerprint %s does not match %s", e.Algorithm, e.Got, e.Want)
}

// verifier returns a tls.Config.VerifyPeerCertificate callback accepting
// only a leaf certificate whose digest starts with fp.
func (fp fingerprint) verifier() func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		got := fp.sum(rawCerts[0])
		if !strings.HasPrefix(got, fp.digest) {
			return &FingerprintMismatchError{Algorithm: fp.algorithm, Want: fp.digest, Got: got}
		}
		return nil
	}
}

// tlsVerification maps the verification settings onto the transport. A
// fingerprint implies skipping both the host and the certificate check.
func tlsVerification(opts ClientOptions) (skipVerify, skipHost bool, verify func([][]byte, [][]*x509.Certificate) error) {
	host, cert, _ := parseNoCheck(opts.TLSNoCheck)
	if opts.TLSServerFingerprint != "" {
		fp, err := parseFingerprint(opts.TLSServerFingerprint)
		if err == nil {
			return true, true, fp.verifier()
		}
	}
	return opts.TLSInsecureSkipVerify || cert, host, nil
}

// describeTLSError turns certificate failures into a ConnectionError with a
// specific code. It returns nil when err is not certificate related.
func describeTLSError(err error) error {
	var (
		invalid  x509.CertificateInvalidError
		unknown  x509.UnknownAuthorityError
		hostname x509.HostnameError
		pinned   *FingerprintMismatchError
	)

	var code, msg string
	switch {
	case errors.As(err, &pinned):
		code, msg = "TLS_FINGERPRINT_MISMATCH", "server certificate doesn't match the pinned fingerprint"
	case errors.As(err, &invalid) && invalid.Reason == x509.Expired:
		code, msg = "TLS_CERT_EXPIRED", "server certificate has expired"
	case errors.As(err, &invalid):
		code, msg = "TLS_CERT_UNTRUSTED", "server certificate is not valid"
	case errors.As(err, &unknown):
		code, msg = "TLS_UNKNOWN_CA", "server certificate signed by unknown authority (try setting a custom CA)"
	case errors.As(err, &hostname):
		code, msg = "TLS_HOSTNAME_MISMATCH", "server certificate hostname doesn't match connection address"
	default:
		return nil
	}

	return &ConnectionError{
		Code:       code,
		Type:       "CONNECTION_ERROR",
		Message:    msg,
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}
