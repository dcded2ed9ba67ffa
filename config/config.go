package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "dmsync"
	// EnvPrefix prefixes environment overrides, e.g. DMSYNC_SYNC_POLL_INTERVAL_MS.
	EnvPrefix = "DMSYNC"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "DMSYNC_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

const (
	ChangeFeedNone  = "none"
	ChangeFeedRedis = "redis"
	ChangeFeedKafka = "kafka"
)

const (
	DefaultPushAddress      = "127.0.0.1:7400"
	DefaultHTTPAddress      = "127.0.0.1:7401"
	DefaultAPIAddress       = "127.0.0.1:7402"
	DefaultPollInterval     = 15 * time.Second
	DefaultBackoffInitial   = 500 * time.Millisecond
	DefaultBackoffMax       = 30 * time.Second
	DefaultDedupTolerance   = 5 * time.Second
	DefaultSeenRetention    = 24 * time.Hour
	DefaultOutboxMaxAge     = 7 * 24 * time.Hour
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultDiscoveryTimeout = 3 * time.Second
	DefaultTokenTTL         = 30 * 24 * time.Hour
	DefaultConnectionsPerIP = 5.0
	DefaultRedisPrefix      = "dmsync"
	DefaultKafkaTopic       = "dmsync.messages"
	DefaultLogLevel         = "info"
)

// IdentityConfig holds the signed-in user's credentials.
type IdentityConfig struct {
	UserID string `json:"user_id" mapstructure:"user_id"`
	Token  string `json:"token" mapstructure:"token"`
}

// RelayConfig locates the relay from the client side.
type RelayConfig struct {
	PushAddress   string `json:"push_address" mapstructure:"push_address"`
	HTTPBaseURL   string `json:"http_base_url" mapstructure:"http_base_url"`
	PublicKeyPath string `json:"public_key_path" mapstructure:"public_key_path"`
	// Discover resolves PushAddress via mDNS when set.
	Discover           bool `json:"discover" mapstructure:"discover"`
	DiscoveryTimeoutMs int  `json:"discovery_timeout_ms" mapstructure:"discovery_timeout_ms"`
}

// SyncConfig tunes the sync session.
type SyncConfig struct {
	PollIntervalMs     int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	BackoffInitialMs   int `json:"backoff_initial_ms" mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int `json:"backoff_max_ms" mapstructure:"backoff_max_ms"`
	DedupToleranceMs   int `json:"dedup_tolerance_ms" mapstructure:"dedup_tolerance_ms"`
	SeenRetentionHours int `json:"seen_retention_hours" mapstructure:"seen_retention_hours"`
	OutboxMaxAgeHours  int `json:"outbox_max_age_hours" mapstructure:"outbox_max_age_hours"`
	HTTPTimeoutMs      int `json:"http_timeout_ms" mapstructure:"http_timeout_ms"`
}

// RedisConfig configures the Redis change feed.
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
}

// KafkaConfig configures the Kafka change feed.
type KafkaConfig struct {
	Brokers []string `json:"brokers" mapstructure:"brokers"`
	Topic   string   `json:"topic" mapstructure:"topic"`
	GroupID string   `json:"group_id" mapstructure:"group_id"`
}

// ChangeFeedConfig selects the change-notification backend.
type ChangeFeedConfig struct {
	Driver string      `json:"driver" mapstructure:"driver"`
	Redis  RedisConfig `json:"redis" mapstructure:"redis"`
	Kafka  KafkaConfig `json:"kafka" mapstructure:"kafka"`
}

// APIConfig configures the local rendering-layer API.
type APIConfig struct {
	ListenAddress string `json:"listen_address" mapstructure:"listen_address"`
}

// ServerConfig configures the relay.
type ServerConfig struct {
	PushListenAddress     string  `json:"push_listen_address" mapstructure:"push_listen_address"`
	HTTPListenAddress     string  `json:"http_listen_address" mapstructure:"http_listen_address"`
	JWTSecret             string  `json:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTLHours         int     `json:"token_ttl_hours" mapstructure:"token_ttl_hours"`
	SigningPrivateKeyPath string  `json:"signing_private_key_path" mapstructure:"signing_private_key_path"`
	SigningPublicKeyPath  string  `json:"signing_public_key_path" mapstructure:"signing_public_key_path"`
	Advertise             bool    `json:"advertise" mapstructure:"advertise"`
	ConnectionsPerIP      float64 `json:"connections_per_ip" mapstructure:"connections_per_ip"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `json:"level" mapstructure:"level"`
	Development bool   `json:"development" mapstructure:"development"`
}

// Config is the persisted configuration shared by dmsync and dmrelay.
type Config struct {
	InstanceID string           `json:"instance_id" mapstructure:"instance_id"`
	Identity   IdentityConfig   `json:"identity" mapstructure:"identity"`
	Relay      RelayConfig      `json:"relay" mapstructure:"relay"`
	Sync       SyncConfig       `json:"sync" mapstructure:"sync"`
	ChangeFeed ChangeFeedConfig `json:"changefeed" mapstructure:"changefeed"`
	API        APIConfig        `json:"api" mapstructure:"api"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Log        LogConfig        `json:"log" mapstructure:"log"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DMSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config
// with environment overrides applied. Overrides are never written back.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg, err = defaultConfig(dataDir)
		if err != nil {
			return nil, "", err
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else {
		changed, err := normalizeDefaults(cfg, dataDir)
		if err != nil {
			return nil, "", err
		}
		if changed {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	resolved, err := applyEnvOverrides(cfgPath)
	if err != nil {
		return nil, "", err
	}
	return resolved, cfgPath, nil
}

func applyEnvOverrides(cfgPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config for overrides: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("apply config overrides: %w", err)
	}
	return &cfg, nil
}

func defaultConfig(dataDir string) (*Config, error) {
	cfg := &Config{}
	if _, err := normalizeDefaults(cfg, dataDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeDefaults(cfg *Config, dataDir string) (bool, error) {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.InstanceID, uuid.NewString())

	setString(&cfg.Relay.PushAddress, DefaultPushAddress)
	setString(&cfg.Relay.HTTPBaseURL, "http://"+DefaultHTTPAddress)
	setInt(&cfg.Relay.DiscoveryTimeoutMs, int(DefaultDiscoveryTimeout/time.Millisecond))

	setInt(&cfg.Sync.PollIntervalMs, int(DefaultPollInterval/time.Millisecond))
	setInt(&cfg.Sync.BackoffInitialMs, int(DefaultBackoffInitial/time.Millisecond))
	setInt(&cfg.Sync.BackoffMaxMs, int(DefaultBackoffMax/time.Millisecond))
	setInt(&cfg.Sync.DedupToleranceMs, int(DefaultDedupTolerance/time.Millisecond))
	setInt(&cfg.Sync.SeenRetentionHours, int(DefaultSeenRetention/time.Hour))
	setInt(&cfg.Sync.OutboxMaxAgeHours, int(DefaultOutboxMaxAge/time.Hour))
	setInt(&cfg.Sync.HTTPTimeoutMs, int(DefaultHTTPTimeout/time.Millisecond))

	driver := normalizeChangeFeedDriver(cfg.ChangeFeed.Driver)
	if cfg.ChangeFeed.Driver != driver {
		cfg.ChangeFeed.Driver = driver
		updated = true
	}
	setString(&cfg.ChangeFeed.Redis.Prefix, DefaultRedisPrefix)
	setString(&cfg.ChangeFeed.Kafka.Topic, DefaultKafkaTopic)
	setString(&cfg.ChangeFeed.Kafka.GroupID, "dmsync-"+cfg.InstanceID)

	setString(&cfg.API.ListenAddress, DefaultAPIAddress)

	setString(&cfg.Server.PushListenAddress, DefaultPushAddress)
	setString(&cfg.Server.HTTPListenAddress, DefaultHTTPAddress)
	setInt(&cfg.Server.TokenTTLHours, int(DefaultTokenTTL/time.Hour))
	setString(&cfg.Server.SigningPrivateKeyPath, filepath.Join(keysDir, "relay_ed25519_private.pem"))
	setString(&cfg.Server.SigningPublicKeyPath, filepath.Join(keysDir, "relay_ed25519_public.pem"))
	if cfg.Server.ConnectionsPerIP <= 0 {
		cfg.Server.ConnectionsPerIP = DefaultConnectionsPerIP
		updated = true
	}
	if cfg.Server.JWTSecret == "" {
		secret, err := generateSecret()
		if err != nil {
			return false, err
		}
		cfg.Server.JWTSecret = secret
		updated = true
	}

	setString(&cfg.Log.Level, DefaultLogLevel)

	return updated, nil
}

func normalizeChangeFeedDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case ChangeFeedRedis:
		return ChangeFeedRedis
	case ChangeFeedKafka:
		return ChangeFeedKafka
	default:
		return ChangeFeedNone
	}
}

func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// PollInterval returns the reconciliation poll period.
func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// BackoffInitial returns the first reconnect delay.
func (c SyncConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the reconnect delay ceiling.
func (c SyncConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// DedupTolerance returns the timestamp window for matching provisional messages.
func (c SyncConfig) DedupTolerance() time.Duration {
	return time.Duration(c.DedupToleranceMs) * time.Millisecond
}

// SeenRetention returns how long delivered ids are remembered for dedup.
func (c SyncConfig) SeenRetention() time.Duration {
	return time.Duration(c.SeenRetentionHours) * time.Hour
}

// OutboxMaxAge returns how long a pending send may wait before failing.
func (c SyncConfig) OutboxMaxAge() time.Duration {
	return time.Duration(c.OutboxMaxAgeHours) * time.Hour
}

// HTTPTimeout bounds a single relay HTTP request.
func (c SyncConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMs) * time.Millisecond
}

// DiscoveryTimeout bounds an mDNS relay lookup.
func (c RelayConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutMs) * time.Millisecond
}

// TokenTTL returns the lifetime of issued tokens.
func (c ServerConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}
