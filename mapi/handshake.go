package mapi

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/dan-strohschein/mapidb-go/protocol"
)

// Handshake option levels as numbered by the server.
const (
	LevelAutoCommit = 1
	LevelReplySize  = 2
	LevelSizeHeader = 3
	LevelTimeZone   = 5
)

// HandshakeOption is one session setting negotiated at login. Options whose
// level is below the server's announced level travel inside the login
// response; the others are applied after login by sending Command.
type HandshakeOption struct {
	Level   int
	Name    string
	Value   int
	Command []byte
}

// SessionSettings are the values the client wants in effect once the
// session is established.
type SessionSettings struct {
	AutoCommit      bool
	ReplySize       int
	SizeHeader      bool
	TimeZoneSeconds int
}

// HandshakeOptions returns the ordered option table for s.
func HandshakeOptions(s SessionSettings) []HandshakeOption {
	return []HandshakeOption{
		{Level: LevelAutoCommit, Name: "auto_commit", Value: boolInt(s.AutoCommit), Command: protocol.AutoCommitCommand(s.AutoCommit)},
		{Level: LevelReplySize, Name: "reply_size", Value: s.ReplySize, Command: protocol.ReplySizeCommand(s.ReplySize)},
		{Level: LevelSizeHeader, Name: "size_header", Value: boolInt(s.SizeHeader), Command: protocol.SizeHeaderCommand(s.SizeHeader)},
		{Level: LevelTimeZone, Name: "time_zone", Value: s.TimeZoneSeconds, Command: protocol.QueryCommand(protocol.TimeZoneQuery(s.TimeZoneSeconds))},
	}
}

// splitOptions partitions opts into those sent inside the login response
// and those applied afterwards.
func splitOptions(opts []HandshakeOption, serverLevel int) (inline, deferred []HandshakeOption) {
	for _, o := range opts {
		if o.Level < serverLevel {
			inline = append(inline, o)
		} else {
			deferred = append(deferred, o)
		}
	}
	return inline, deferred
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Challenge is the parsed server greeting.
type Challenge struct {
	Salt            string
	ServerType      string
	ProtocolVersion int
	Hashes          []string
	Endian          string
	PasswordHash    string
	OptionLevel     int
	BinaryLevel     int
}

// ParseChallenge parses `salt:server:9:HASHES:ENDIAN:PWHASH:sql=N:BINARY=M:`.
// The sql= and BINARY= parts are optional.
func ParseChallenge(data []byte) (*Challenge, error) {
	parts := strings.Split(strings.TrimRight(string(data), "\n"), ":")
	if len(parts) < 6 {
		return nil, &protocol.MalformedError{Message: "short login challenge", Data: string(data)}
	}

	version, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, &protocol.MalformedError{Message: "non-numeric protocol version", Data: string(data)}
	}
	if version != protocol.PROTOCOL_VERSION {
		return nil, protocol.ProtocolVersionMismatchError(
			fmt.Sprintf("unsupported protocol version %d", version),
			map[string]interface{}{"expected": protocol.PROTOCOL_VERSION, "actual": version},
		)
	}

	c := &Challenge{
		Salt:            parts[0],
		ServerType:      parts[1],
		ProtocolVersion: version,
		Hashes:          strings.Split(parts[3], ","),
		Endian:          parts[4],
		PasswordHash:    parts[5],
	}

	for _, p := range parts[6:] {
		switch {
		case strings.HasPrefix(p, "sql="):
			if c.OptionLevel, err = strconv.Atoi(p[len("sql="):]); err != nil {
				return nil, &protocol.MalformedError{Message: "invalid sql option level", Data: p}
			}
		case strings.HasPrefix(p, "BINARY="):
			if c.BinaryLevel, err = strconv.Atoi(p[len("BINARY="):]); err != nil {
				return nil, &protocol.MalformedError{Message: "invalid binary level", Data: p}
			}
		}
	}
	return c, nil
}

// hashPreference lists the supported algorithms, strongest first.
var hashPreference = []string{"SHA512", "SHA384", "SHA256", "SHA224", "SHA1", "MD5"}

func newHash(name string) (hash.Hash, bool) {
	switch name {
	case "SHA512":
		return sha512.New(), true
	case "SHA384":
		return sha512.New384(), true
	case "SHA256":
		return sha256.New(), true
	case "SHA224":
		return sha256.New224(), true
	case "SHA1":
		return sha1.New(), true
	case "MD5":
		return md5.New(), true
	default:
		return nil, false
	}
}

func hexDigest(name, data string) (string, bool) {
	h, ok := newHash(name)
	if !ok {
		return "", false
	}
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil)), true
}

// HashPassword computes the `{ALG}digest` field of the login response.
func HashPassword(c *Challenge, password string) (string, error) {
	inner, ok := hexDigest(c.PasswordHash, password)
	if !ok {
		return "", protocol.AuthError("unsupported password hash "+c.PasswordHash, nil)
	}

	offered := make(map[string]bool, len(c.Hashes))
	for _, h := range c.Hashes {
		offered[strings.TrimSpace(h)] = true
	}
	for _, alg := range hashPreference {
		if !offered[alg] {
			continue
		}
		digest, _ := hexDigest(alg, inner+c.Salt)
		return "{" + alg + "}" + digest, nil
	}
	return "", protocol.AuthError("no supported challenge hash", map[string]interface{}{
		"offered": c.Hashes,
	})
}

// LoginResponse builds the reply to c. The file transfer field stays empty:
// the client has no upload or download handler, so a COPY ... ON CLIENT is
// refused by the server instead of stalling the session.
func LoginResponse(c *Challenge, username, password, language, database string, inline []HandshakeOption) ([]byte, error) {
	pw, err := HashPassword(c, password)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("LIT:")
	b.WriteString(username)
	b.WriteByte(':')
	b.WriteString(pw)
	b.WriteByte(':')
	b.WriteString(language)
	b.WriteByte(':')
	b.WriteString(database)
	b.WriteString("::")
	for i, o := range inline {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(o.Name)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(o.Value))
	}
	b.WriteByte(':')
	return []byte(b.String()), nil
}

// ParseLoginResponse is the server side of LoginResponse. It returns the
// fields and the inline options by name.
func ParseLoginResponse(data []byte) (fields []string, options map[string]int, err error) {
	fields = strings.Split(string(data), ":")
	if len(fields) < 6 {
		return nil, nil, &protocol.MalformedError{Message: "short login response", Data: string(data)}
	}
	options = make(map[string]int)
	if len(fields) > 6 && fields[6] != "" {
		for _, kv := range strings.Split(fields[6], ",") {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, nil, &protocol.MalformedError{Message: "invalid handshake option", Data: kv}
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, nil, &protocol.MalformedError{Message: "non-numeric handshake option", Data: kv}
			}
			options[name] = n
		}
	}
	return fields, options, nil
}

// CheckPassword verifies a `{ALG}digest` field against the clear-text
// password for the given salt. pwHash is the server's password hash name.
func CheckPassword(field, password, salt, pwHash string) bool {
	if !strings.HasPrefix(field, "{") {
		return false
	}
	end := strings.IndexByte(field, '}')
	if end < 0 {
		return false
	}
	alg := field[1:end]
	inner, ok := hexDigest(pwHash, password)
	if !ok {
		return false
	}
	want, ok := hexDigest(alg, inner+salt)
	return ok && want == field[end+1:]
}
