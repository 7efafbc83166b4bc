package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Protocol ProtocolConfig `yaml:"protocol" toml:"protocol"`
	Clone    CloneConfig    `yaml:"clone" toml:"clone"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Host            string `yaml:"host" toml:"host"`
	Port            int    `yaml:"port" toml:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"` // e.g. "15s"
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" toml:"dsn"`       // file path for sqlite, connection string for postgres
}

type StorageConfig struct {
	Path          string `yaml:"path" toml:"path"` // local filesystem path for repos
	DefaultBranch string `yaml:"default_branch" toml:"default_branch"`
}

// AuthConfig enables bearer-token checks on mutating routes when
// JWTSecret is set. Accounts are extra HTTP Basic identities for git
// push, with bcrypt password hashes.
type AuthConfig struct {
	JWTSecret     string            `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenDuration string            `yaml:"token_duration" toml:"token_duration"`
	Accounts      []ProtocolAccount `yaml:"accounts" toml:"accounts"`
}

type ProtocolAccount struct {
	Username     string `yaml:"username" toml:"username"`
	PasswordHash string `yaml:"password_hash" toml:"password_hash"`
}

type ProtocolConfig struct {
	MaxPushBytes          int64  `yaml:"max_push_bytes" toml:"max_push_bytes"`
	MaxUploadRequestBytes int64  `yaml:"max_upload_request_bytes" toml:"max_upload_request_bytes"`
	Agent                 string `yaml:"agent" toml:"agent"`
}

type CloneConfig struct {
	Workers      int    `yaml:"workers" toml:"workers"`
	PollInterval string `yaml:"poll_interval" toml:"poll_interval"`
	Timeout      string `yaml:"timeout" toml:"timeout"`
	MaxAttempts  int    `yaml:"max_attempts" toml:"max_attempts"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"` // debug, info, warn, error
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ShutdownTimeoutDuration falls back to 15s on an unparsable value.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 15*time.Second)
}

func (c AuthConfig) TokenDurationValue() time.Duration {
	return parseDuration(c.TokenDuration, 24*time.Hour)
}

func (c CloneConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, time.Second)
}

func (c CloneConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 10*time.Minute)
}

// SlogLevel maps Log.Level onto slog, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be configured")
	}
	if c.Storage.DefaultBranch == "" || strings.ContainsAny(c.Storage.DefaultBranch, " ~^:?*[\\") {
		return fmt.Errorf("storage.default_branch %q is not a valid branch name", c.Storage.DefaultBranch)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("REPOHOST_JWT_SECRET must be at least 16 characters (current length: %d)", len(c.Auth.JWTSecret))
	}
	for _, a := range c.Auth.Accounts {
		if a.Username == "" || a.PasswordHash == "" {
			return fmt.Errorf("auth.accounts entries need username and password_hash")
		}
	}
	if c.Protocol.MaxPushBytes <= 0 || c.Protocol.MaxUploadRequestBytes <= 0 {
		return fmt.Errorf("protocol request limits must be positive")
	}
	if c.Clone.Workers < 0 || c.Clone.MaxAttempts <= 0 {
		return fmt.Errorf("clone.workers must be >= 0 and clone.max_attempts > 0")
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: "15s",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "repohost.db",
		},
		Storage: StorageConfig{
			Path:          "data/repos",
			DefaultBranch: "main",
		},
		Auth: AuthConfig{TokenDuration: "24h"},
		Protocol: ProtocolConfig{
			MaxPushBytes:          256 << 20,
			MaxUploadRequestBytes: 8 << 20,
			Agent:                 "repohost/1.0",
		},
		Clone: CloneConfig{
			Workers:      2,
			PollInterval: "1s",
			Timeout:      "10m",
			MaxAttempts:  3,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file, or TOML when the path ends in ".toml", then
// applies REPOHOST_* environment overrides. An empty path yields the
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			md, err := toml.Decode(string(data), cfg)
			if err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("parse config: unknown keys %v", undecoded)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REPOHOST_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("REPOHOST_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("REPOHOST_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("REPOHOST_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REPOHOST_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("REPOHOST_DEFAULT_BRANCH"); v != "" {
		cfg.Storage.DefaultBranch = strings.TrimSpace(v)
	}
	if v := os.Getenv("REPOHOST_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("REPOHOST_PROTOCOL_ACCOUNTS"); v != "" {
		cfg.Auth.Accounts = parseAccounts(v)
	}
	if v := os.Getenv("REPOHOST_MAX_PUSH_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Protocol.MaxPushBytes = n
		}
	}
	if v := os.Getenv("REPOHOST_CLONE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Clone.Workers = n
		}
	}
	if v := os.Getenv("REPOHOST_CLONE_TIMEOUT"); v != "" {
		cfg.Clone.Timeout = v
	}
	if v := os.Getenv("REPOHOST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// parseAccounts reads "user:bcrypt-hash,user2:hash2". Bcrypt hashes
// contain no commas or colons after the first separator split.
func parseAccounts(v string) []ProtocolAccount {
	var out []ProtocolAccount
	for _, item := range parseCSV(v) {
		user, hash, ok := strings.Cut(item, ":")
		if !ok || user == "" || hash == "" {
			continue
		}
		out = append(out, ProtocolAccount{Username: user, PasswordHash: hash})
	}
	return out
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
