package config

import (
	"fmt"
	"path/filepath"
	"strings"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// Validate checks cross-field invariants after defaults have been applied.
func Validate(cfg *Config) error {
	if err := validateDaemon(&cfg.Daemon); err != nil {
		return err
	}
	if err := ValidateTarget(cfg.Target); err != nil {
		return err
	}
	if err := validateHandshake(&cfg.Handshake); err != nil {
		return err
	}
	if err := validateInstall(&cfg.Install); err != nil {
		return err
	}
	for _, id := range cfg.Whitelist {
		if id == "" {
			return invalid("whitelist", "whitelist entries cannot be empty")
		}
	}
	return nil
}

func validateDaemon(d *DaemonConfig) error {
	if !filepath.IsAbs(d.Socket) {
		return invalid("daemon.socket", "socket path must be absolute")
	}
	if d.DataDir == "" {
		return invalid("daemon.data_dir", "data directory cannot be empty")
	}
	return nil
}

// ValidateTarget checks a target section on its own; used by `privd target set`.
func ValidateTarget(t TargetConfig) error {
	if t.Host == "" {
		return invalid("target.host", "target host cannot be empty")
	}
	if strings.ContainsAny(t.Host, " \t\n\"'") {
		return invalid("target.host", "target host contains whitespace or quotes")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return invalid("target.port", fmt.Sprintf("port out of range: %d", t.Port))
	}
	if t.Transport == TransportSSH {
		if t.SSH.User == "" {
			return invalid("target.ssh.user", "ssh transport requires a user")
		}
		if t.SSH.Password == "" && t.SSH.KeyPath == "" {
			return invalid("target.ssh", "ssh transport requires a password or key_path")
		}
		if t.SSH.KnownHosts == "" && !t.SSH.InsecureIgnore {
			return invalid("target.ssh.known_hosts", "ssh transport requires known_hosts or insecure_ignore_host_key")
		}
	}
	return nil
}

func validateHandshake(h *HandshakeConfig) error {
	if h.MaxInterval < h.Interval {
		return invalid("handshake.max_interval", "max_interval must not be smaller than interval")
	}
	return nil
}

func validateInstall(i *InstallConfig) error {
	if strings.ContainsAny(i.InstallerID, " \t\n\"'") {
		return invalid("install.installer_id", "installer id contains whitespace or quotes")
	}
	if i.UserID < 0 {
		return invalid("install.user_id", "user id cannot be negative")
	}
	return nil
}

func invalid(field, message string) error {
	return ferrors.ConfigError(message).WithContext("field", field).Build()
}
