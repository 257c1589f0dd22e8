package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// CurrentVersion is the only configuration schema version accepted by Load.
const CurrentVersion = "1"

// Config represents the privd configuration file.
type Config struct {
	Version   string          `yaml:"version"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Target    TargetConfig    `yaml:"target"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Install   InstallConfig   `yaml:"install"`
	Notify    NotifyConfig    `yaml:"notify,omitempty"`
	Logging   LoggingConfig   `yaml:"logging"`
	// Whitelist seeds the persisted identity whitelist on daemon start.
	Whitelist []string `yaml:"whitelist,omitempty"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	Socket         string        `yaml:"socket"`          // Caller API unix socket
	DataDir        string        `yaml:"data_dir"`        // SQLite databases and adb scratch space
	AdminAddr      string        `yaml:"admin_addr"`      // Optional TCP address for /healthz and /metrics
	IdentityMode   IdentityMode  `yaml:"identity_mode"`   // user|exe
	MaxConnections int           `yaml:"max_connections"` // Concurrent caller connections
	QueueSize      int           `yaml:"queue_size"`      // Pending install backlog
	IdleTimeout    time.Duration `yaml:"idle_timeout"`    // Worker idle shutdown
	EventRetention time.Duration `yaml:"event_retention"` // Event store pruning horizon
}

// TargetConfig identifies the remote command interpreter.
type TargetConfig struct {
	Transport TransportKind `yaml:"transport"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	// Serial overrides the adb device serial; defaults to host:port.
	Serial  string    `yaml:"serial,omitempty"`
	ADBPath string    `yaml:"adb_path,omitempty"`
	SSH     SSHConfig `yaml:"ssh,omitempty"`
}

// SSHConfig carries credentials for the ssh transport.
type SSHConfig struct {
	User           string `yaml:"user,omitempty"`
	Password       string `yaml:"password,omitempty"`
	KeyPath        string `yaml:"key_path,omitempty"`
	KnownHosts     string `yaml:"known_hosts,omitempty"`
	InsecureIgnore bool   `yaml:"insecure_ignore_host_key,omitempty"`
}

// HandshakeConfig bounds channel acquisition.
type HandshakeConfig struct {
	Backoff          RetryBackoffMode `yaml:"backoff"`
	Interval         time.Duration    `yaml:"interval"`
	MaxInterval      time.Duration    `yaml:"max_interval"`
	NoTargetAttempts int              `yaml:"no_target_attempts"`
	NotReadyAttempts int              `yaml:"not_ready_attempts"`
}

// InstallConfig parameterizes the package manager protocol.
type InstallConfig struct {
	InstallerID     string        `yaml:"installer_id"`
	UserID          int           `yaml:"user_id"`
	WriteMode       WriteMode     `yaml:"write_mode"`
	ChunkSize       int           `yaml:"chunk_size"`
	KeepChannel     *bool         `yaml:"keep_channel,omitempty"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
}

// KeepChannelEnabled reports whether ready channels are kept between requests.
func (c InstallConfig) KeepChannelEnabled() bool {
	return c.KeepChannel == nil || *c.KeepChannel
}

// NotifyConfig configures advisory and diagnostic notices.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level      LogLevel  `yaml:"level"`
	Format     LogFormat `yaml:"format"`
	File       string    `yaml:"file,omitempty"`
	MaxSizeMB  int       `yaml:"max_size_mb,omitempty"`
	MaxBackups int       `yaml:"max_backups,omitempty"`
	MaxAgeDays int       `yaml:"max_age_days,omitempty"`
	Compress   bool      `yaml:"compress,omitempty"`
}

// Load reads, normalizes, defaults and validates a configuration file.
func Load(configPath string) (*Config, error) {
	if loaded, err := loadEnvFile(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	} else {
		slog.Debug("Loaded environment variables", "file", loaded)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, ferrors.ConfigError("configuration file not found").
			WithContext("path", configPath).Build()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to read config file").
			WithContext("path", configPath).Build()
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes, expanding ${ENV} references first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to unmarshal config").Build()
	}

	if cfg.Version == "" {
		cfg.Version = CurrentVersion
	}
	if cfg.Version != CurrentVersion {
		return nil, ferrors.ConfigError(fmt.Sprintf("unsupported configuration version: %s (expected %s)", cfg.Version, CurrentVersion)).Build()
	}

	if err := normalize(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully defaulted configuration without reading any file.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return ferrors.ValidationError("configuration file already exists (use --force to overwrite)").
			WithContext("path", configPath).Build()
	}

	example := Default()
	example.Target.Host = "127.0.0.1"
	example.Target.Port = 5555
	example.Whitelist = []string{"com.example.store"}

	data, err := yaml.Marshal(example)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to marshal config").Build()
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "failed to write config file").
			WithContext("path", configPath).Build()
	}
	return nil
}
