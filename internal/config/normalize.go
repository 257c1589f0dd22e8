package config

import (
	"strings"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// normalize case-folds enumerations. Unknown enum values are rejected here
// rather than silently defaulted, except for logging which falls back.
func normalize(cfg *Config) error {
	var err error
	if cfg.Target.Transport, err = transportNormalizer.NormalizeWithError(string(cfg.Target.Transport)); err != nil {
		return enumError("target.transport", err)
	}
	if cfg.Install.WriteMode, err = writeModeNormalizer.NormalizeWithError(string(cfg.Install.WriteMode)); err != nil {
		return enumError("install.write_mode", err)
	}
	if cfg.Daemon.IdentityMode, err = identityModeNormalizer.NormalizeWithError(string(cfg.Daemon.IdentityMode)); err != nil {
		return enumError("daemon.identity_mode", err)
	}
	if cfg.Handshake.Backoff, err = retryBackoffNormalizer.NormalizeWithError(string(cfg.Handshake.Backoff)); err != nil {
		return enumError("handshake.backoff", err)
	}
	cfg.Logging.Level = logLevelNormalizer.Normalize(string(cfg.Logging.Level))
	cfg.Logging.Format = logFormatNormalizer.Normalize(string(cfg.Logging.Format))

	cfg.Target.Host = strings.TrimSpace(cfg.Target.Host)
	for i, id := range cfg.Whitelist {
		cfg.Whitelist[i] = strings.TrimSpace(id)
	}
	return nil
}

func enumError(field string, err error) error {
	return ferrors.WrapError(err, ferrors.CategoryConfig, "invalid enumeration value").
		WithContext("field", field).Build()
}
