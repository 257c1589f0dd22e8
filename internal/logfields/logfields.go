package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRequestID    = "request_id"
	KeyRequestKind  = "request_kind"
	KeyPackageID    = "package_id"
	KeyIdentity     = "identity"
	KeySessionID    = "session_id"
	KeyChannelState = "channel_state"
	KeyTransport    = "transport"
	KeyTarget       = "target"
	KeyAttempt      = "attempt"
	KeyProbe        = "probe"
	KeyStage        = "stage"
	KeyFile         = "file"
	KeyPath         = "path"
	KeyWriteMode    = "write_mode"
	KeySize         = "size_bytes"
	KeyOutcome      = "outcome"
	KeyDurationMS   = "duration_ms"
	KeySchedule     = "schedule_name"
	KeyMethod       = "method"
	KeyStatus       = "status"
	KeyError        = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RequestID(id string) slog.Attr      { return slog.String(KeyRequestID, id) }
func RequestKind(k string) slog.Attr     { return slog.String(KeyRequestKind, k) }
func PackageID(id string) slog.Attr      { return slog.String(KeyPackageID, id) }
func Identity(id string) slog.Attr       { return slog.String(KeyIdentity, id) }
func SessionID(id int) slog.Attr         { return slog.Int(KeySessionID, id) }
func ChannelState(s string) slog.Attr    { return slog.String(KeyChannelState, s) }
func Transport(name string) slog.Attr    { return slog.String(KeyTransport, name) }
func Target(t string) slog.Attr          { return slog.String(KeyTarget, t) }
func Attempt(n int) slog.Attr            { return slog.Int(KeyAttempt, n) }
func Probe(result string) slog.Attr      { return slog.String(KeyProbe, result) }
func Stage(name string) slog.Attr        { return slog.String(KeyStage, name) }
func File(name string) slog.Attr         { return slog.String(KeyFile, name) }
func Path(p string) slog.Attr            { return slog.String(KeyPath, p) }
func WriteMode(m string) slog.Attr       { return slog.String(KeyWriteMode, m) }
func Size(n int64) slog.Attr             { return slog.Int64(KeySize, n) }
func Outcome(status string) slog.Attr    { return slog.String(KeyOutcome, status) }
func DurationMS(ms float64) slog.Attr    { return slog.Float64(KeyDurationMS, ms) }
func ScheduleName(n string) slog.Attr    { return slog.String(KeySchedule, n) }
func Method(m string) slog.Attr          { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr          { return slog.Int(KeyStatus, code) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
