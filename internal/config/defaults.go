package config

import (
	"path/filepath"
	"time"
)

// Default values. Handshake budgets mirror the observed boot time of a
// freshly started target: a missing target is given up on quickly, a
// present but booting one gets roughly two minutes.
const (
	DefaultSocket           = "/run/privd/privd.sock"
	DefaultDataDir          = "/var/lib/privd"
	DefaultMaxConnections   = 16
	DefaultQueueSize        = 32
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultEventRetention   = 30 * 24 * time.Hour
	DefaultADBPort          = 5555
	DefaultSSHPort          = 22
	DefaultADBPath          = "adb"
	DefaultHandshakeDelay   = time.Second
	DefaultNoTargetAttempts = 10
	DefaultNotReadyAttempts = 125
	DefaultInstallerID      = "com.android.vending"
	DefaultChunkSize        = 8 * 1024
	DefaultCallbackTimeout  = 10 * time.Second
	DefaultNotifySubject    = "privd.notices"
	DefaultLogMaxSizeMB     = 10
	DefaultLogMaxBackups    = 3
)

func applyDefaults(cfg *Config) {
	applyDaemonDefaults(&cfg.Daemon)
	applyTargetDefaults(&cfg.Target)
	applyHandshakeDefaults(&cfg.Handshake)
	applyInstallDefaults(&cfg.Install)

	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = DefaultNotifySubject
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogLevelInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatText
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = DefaultLogMaxSizeMB
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = DefaultLogMaxBackups
		}
	}
}

func applyDaemonDefaults(d *DaemonConfig) {
	if d.Socket == "" {
		d.Socket = DefaultSocket
	}
	if d.DataDir == "" {
		d.DataDir = DefaultDataDir
	}
	if d.IdentityMode == "" {
		d.IdentityMode = IdentityUser
	}
	if d.MaxConnections <= 0 {
		d.MaxConnections = DefaultMaxConnections
	}
	if d.QueueSize <= 0 {
		d.QueueSize = DefaultQueueSize
	}
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = DefaultIdleTimeout
	}
	if d.EventRetention <= 0 {
		d.EventRetention = DefaultEventRetention
	}
}

func applyTargetDefaults(t *TargetConfig) {
	if t.Transport == "" {
		t.Transport = TransportADB
	}
	if t.Host == "" {
		t.Host = "127.0.0.1"
	}
	if t.Port == 0 {
		if t.Transport == TransportSSH {
			t.Port = DefaultSSHPort
		} else {
			t.Port = DefaultADBPort
		}
	}
	if t.Transport == TransportADB && t.ADBPath == "" {
		t.ADBPath = DefaultADBPath
	}
}

func applyHandshakeDefaults(h *HandshakeConfig) {
	if h.Backoff == "" {
		h.Backoff = RetryBackoffFixed
	}
	if h.Interval <= 0 {
		h.Interval = DefaultHandshakeDelay
	}
	if h.MaxInterval <= 0 {
		h.MaxInterval = h.Interval
	}
	if h.NoTargetAttempts <= 0 {
		h.NoTargetAttempts = DefaultNoTargetAttempts
	}
	if h.NotReadyAttempts <= 0 {
		h.NotReadyAttempts = DefaultNotReadyAttempts
	}
}

func applyInstallDefaults(i *InstallConfig) {
	if i.InstallerID == "" {
		i.InstallerID = DefaultInstallerID
	}
	if i.WriteMode == "" {
		i.WriteMode = WriteModePath
	}
	if i.ChunkSize <= 0 {
		i.ChunkSize = DefaultChunkSize
	}
	if i.CallbackTimeout <= 0 {
		i.CallbackTimeout = DefaultCallbackTimeout
	}
}

// StoragePath returns the SQLite database path under the data directory.
func (d DaemonConfig) StoragePath() string {
	return filepath.Join(d.DataDir, "privd.db")
}

// TempDir returns the scratch directory handed to child processes.
func (d DaemonConfig) TempDir() string {
	return filepath.Join(d.DataDir, "tmp")
}
