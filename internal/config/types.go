package config

import "git.home.luguber.info/inful/privd/internal/foundation/normalization"

// TransportKind selects how the command channel reaches the target.
type TransportKind string

const (
	TransportADB TransportKind = "adb"
	TransportSSH TransportKind = "ssh"
)

var transportNormalizer = normalization.NewNormalizer(map[string]TransportKind{
	"adb": TransportADB,
	"ssh": TransportSSH,
}, TransportADB)

// WriteMode selects the primary install-write form.
type WriteMode string

const (
	// WriteModePath lets the remote shell read the file by path.
	WriteModePath WriteMode = "path"
	// WriteModeStream pipes the file bytes through a raw stream.
	WriteModeStream WriteMode = "stream"
)

var writeModeNormalizer = normalization.NewNormalizer(map[string]WriteMode{
	"path":   WriteModePath,
	"stream": WriteModeStream,
}, WriteModePath)

// IdentityMode selects how a caller's peer credentials map to an identity string.
type IdentityMode string

const (
	IdentityUser IdentityMode = "user"
	IdentityExe  IdentityMode = "exe"
)

var identityModeNormalizer = normalization.NewNormalizer(map[string]IdentityMode{
	"user": IdentityUser,
	"exe":  IdentityExe,
}, IdentityUser)

// RetryBackoffMode enumerates supported backoff strategies for retries.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

var retryBackoffNormalizer = normalization.NewNormalizer(map[string]RetryBackoffMode{
	"fixed":       RetryBackoffFixed,
	"linear":      RetryBackoffLinear,
	"exponential": RetryBackoffExponential,
}, RetryBackoffFixed)

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var logLevelNormalizer = normalization.NewNormalizer(map[string]LogLevel{
	"debug": LogLevelDebug,
	"info":  LogLevelInfo,
	"warn":  LogLevelWarn,
	"error": LogLevelError,
}, LogLevelInfo)

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var logFormatNormalizer = normalization.NewNormalizer(map[string]LogFormat{
	"json": LogFormatJSON,
	"text": LogFormatText,
}, LogFormatText)

// NormalizeTransport converts user input to a TransportKind, returning an error for unknown values.
func NormalizeTransport(raw string) (TransportKind, error) {
	return transportNormalizer.NormalizeWithError(raw)
}

// NormalizeLogLevel maps raw to a LogLevel, defaulting to info.
func NormalizeLogLevel(raw string) LogLevel {
	return logLevelNormalizer.Normalize(raw)
}
