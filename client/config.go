package client

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by NewViper.
const EnvPrefix = "MAPI"

// Configuration keys understood by LoadOptions.
const (
	KeyDSN         = "dsn"
	KeyHost        = "host"
	KeyPort        = "port"
	KeyDatabase    = "database"
	KeyUser        = "user"
	KeyPassword    = "password"
	KeyReplySize   = "replysize"
	KeyMaxPrefetch = "maxprefetch"
	KeyBinary      = "binary"
	KeyAutoCommit  = "autocommit"
	KeyTimeoutMs   = "timeout_ms"
	KeyMaxRetries  = "max_retries"
	KeyTLS         = "tls"
	KeyTLSCAFile   = "tls_ca_file"
	KeyUnixSocket  = "unix_socket"
	KeyTLSPin      = "server_fingerprint"
	KeyTLSNoCheck  = "dangerous_tls_nocheck"
	KeyLogLevel    = "log_level"
	KeyDebug       = "debug"
)

// NewViper returns a viper instance reading MAPI_* environment variables
// and, when configFile is not empty, that file. A missing file is not an
// error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}
	return v, nil
}

// LoadOptions builds ClientOptions from v. A dsn key is applied first and
// the individual keys override it.
func LoadOptions(v *viper.Viper) (ClientOptions, error) {
	opts := DefaultOptions()
	if dsn := v.GetString(KeyDSN); dsn != "" {
		parsed, err := ParseDSN(dsn)
		if err != nil {
			return opts, err
		}
		opts = parsed
	}

	if v.IsSet(KeyHost) {
		opts.Host = v.GetString(KeyHost)
	}
	if v.IsSet(KeyPort) {
		opts.Port = v.GetInt(KeyPort)
	}
	if v.IsSet(KeyDatabase) {
		opts.Database = v.GetString(KeyDatabase)
	}
	if v.IsSet(KeyUser) {
		opts.Username = v.GetString(KeyUser)
	}
	if v.IsSet(KeyPassword) {
		opts.Password = v.GetString(KeyPassword)
	}
	if v.IsSet(KeyReplySize) {
		opts.ReplySize = v.GetInt(KeyReplySize)
	}
	if v.IsSet(KeyMaxPrefetch) {
		opts.MaxPrefetch = v.GetInt(KeyMaxPrefetch)
	}
	if v.IsSet(KeyBinary) {
		b, err := parseBool(v.GetString(KeyBinary))
		if err != nil {
			return opts, ErrInvalidSetting(KeyBinary, 0, err)
		}
		opts.Binary = b
	}
	if v.IsSet(KeyAutoCommit) {
		opts.AutoCommit = v.GetBool(KeyAutoCommit)
	}
	if v.IsSet(KeyTimeoutMs) {
		opts.DefaultTimeoutMs = v.GetInt(KeyTimeoutMs)
	}
	if v.IsSet(KeyMaxRetries) {
		opts.MaxRetries = v.GetInt(KeyMaxRetries)
	}
	if v.IsSet(KeyTLS) {
		opts.TLSEnabled = v.GetBool(KeyTLS)
	}
	if v.IsSet(KeyTLSCAFile) {
		opts.TLSCAFile = v.GetString(KeyTLSCAFile)
	}
	if v.IsSet(KeyUnixSocket) {
		opts.UnixSocket = v.GetString(KeyUnixSocket)
	}
	if v.IsSet(KeyTLSPin) {
		opts.TLSServerFingerprint = v.GetString(KeyTLSPin)
	}
	if v.IsSet(KeyTLSNoCheck) {
		opts.TLSNoCheck = v.GetString(KeyTLSNoCheck)
	}
	if v.IsSet(KeyLogLevel) {
		opts.LogLevel = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyDebug) {
		opts.DebugMode = v.GetBool(KeyDebug)
	}

	return opts, opts.Validate()
}
