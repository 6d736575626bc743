// Package config loads the quizzo server configuration from a YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/quizzo/go/internal/dbconfig"
	"github.com/mcdev12/quizzo/go/internal/room"
	"github.com/mcdev12/quizzo/go/internal/room/bus"
	"github.com/mcdev12/quizzo/go/internal/room/feed"
	"github.com/mcdev12/quizzo/go/internal/room/gateway"
	"github.com/mcdev12/quizzo/go/internal/room/join"
	"github.com/mcdev12/quizzo/go/internal/room/presence"
	"github.com/mcdev12/quizzo/go/internal/room/round"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/mcdev12/quizzo/go/internal/store/natskv"
	"github.com/mcdev12/quizzo/go/internal/store/pgstore"
	"github.com/mcdev12/quizzo/go/internal/store/rtdb"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Backend names a store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendNATS     Backend = "nats"
	BackendPostgres Backend = "postgres"
	BackendRTDB     Backend = "rtdb"
)

// Config is the full server configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Backend  Backend        `yaml:"backend"`
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
	NATS     NATSConfig     `yaml:"nats"`
	Postgres PostgresConfig `yaml:"postgres"`
	RTDB     RTDBConfig     `yaml:"rtdb"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	BaseURL        string        `yaml:"base_url"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	CookieName     string        `yaml:"cookie_name"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// SyncConfig holds the timings of the replication protocol.
type SyncConfig struct {
	SettleDelay     time.Duration `yaml:"settle_delay"`
	RecheckDelay    time.Duration `yaml:"recheck_delay"`
	LockExpiry      time.Duration `yaml:"lock_expiry"`
	AtomicLocks     bool          `yaml:"atomic_locks"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	AnswerPoll      time.Duration `yaml:"answer_poll"`
	SpeedGrace      time.Duration `yaml:"speed_grace"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	MessageTTL      time.Duration `yaml:"message_ttl"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	PresenceTTL     time.Duration `yaml:"presence_ttl"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

type NATSConfig struct {
	URL          string `yaml:"url"`
	BucketPrefix string `yaml:"bucket_prefix"`
	Replicas     int    `yaml:"replicas"`
}

type PostgresConfig struct {
	// URL overrides the DB_* environment variables when set.
	URL           string `yaml:"url"`
	NotifyChannel string `yaml:"notify_channel"`
}

type RTDBConfig struct {
	URL     string        `yaml:"url"`
	Auth    string        `yaml:"auth"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	jc, fc, rc, bc, pc, retry := join.DefaultConfig(), feed.DefaultConfig(), round.DefaultConfig(),
		bus.DefaultConfig(), presence.DefaultConfig(), store.DefaultRetryConfig()
	gc := gateway.DefaultConfig()
	nc, pg := natskv.DefaultConfig(), pgstore.DefaultConfig()
	return Config{
		LogLevel: "info",
		Backend:  BackendMemory,
		Server: ServerConfig{
			Port:           8080,
			BaseURL:        gc.BaseURL,
			AllowedOrigins: gc.AllowedOrigins,
			CookieName:     gc.CookieName,
			CommandTimeout: gc.CommandTimeout,
		},
		Sync: SyncConfig{
			SettleDelay:     jc.SettleDelay,
			RecheckDelay:    jc.RecheckDelay,
			LockExpiry:      jc.LockExpiry,
			AtomicLocks:     jc.Atomic,
			PollInterval:    fc.PollInterval,
			AnswerPoll:      rc.PollInterval,
			SpeedGrace:      rc.SpeedGrace,
			FreshnessWindow: bc.FreshnessWindow,
			MessageTTL:      bc.TTL,
			Heartbeat:       pc.Heartbeat,
			PresenceTTL:     pc.TTL,
			MaxRetries:      retry.MaxRetries,
			RetryDelay:      retry.RetryDelay,
		},
		NATS: NATSConfig{
			URL:          nc.URL,
			BucketPrefix: nc.BucketPrefix,
			Replicas:     nc.Replicas,
		},
		Postgres: PostgresConfig{
			NotifyChannel: pg.NotifyChannel,
		},
		RTDB: RTDBConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Server.BaseURL = getEnv("BASE_URL", c.Server.BaseURL)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.RTDB.URL = getEnv("RTDB_URL", c.RTDB.URL)
	c.RTDB.Auth = getEnv("RTDB_AUTH", c.RTDB.Auth)
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Backend {
	case BackendMemory, BackendNATS, BackendPostgres:
	case BackendRTDB:
		if c.RTDB.URL == "" {
			errs = append(errs, errors.New("rtdb.url is required for the rtdb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want memory, nats, postgres or rtdb)", c.Backend))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Server.Port))
	}
	if c.Sync.PresenceTTL <= c.Sync.Heartbeat {
		errs = append(errs, fmt.Errorf("sync.presence_ttl (%s) must exceed sync.heartbeat (%s)", c.Sync.PresenceTTL, c.Sync.Heartbeat))
	}
	if c.Sync.LockExpiry <= c.Sync.SettleDelay+c.Sync.RecheckDelay {
		errs = append(errs, fmt.Errorf("sync.lock_expiry (%s) must exceed settle_delay plus recheck_delay", c.Sync.LockExpiry))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, info when unset.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Room returns the room layer timings.
func (c *Config) Room() room.Config {
	rc := room.DefaultConfig()
	rc.Join = join.Config{
		SettleDelay:  c.Sync.SettleDelay,
		RecheckDelay: c.Sync.RecheckDelay,
		LockExpiry:   c.Sync.LockExpiry,
		Atomic:       c.Sync.AtomicLocks,
	}
	rc.Feed.PollInterval = c.Sync.PollInterval
	rc.Round = round.Config{PollInterval: c.Sync.AnswerPoll, SpeedGrace: c.Sync.SpeedGrace}
	rc.Bus = bus.Config{FreshnessWindow: c.Sync.FreshnessWindow, TTL: c.Sync.MessageTTL}
	rc.Presence = presence.Config{Heartbeat: c.Sync.Heartbeat, TTL: c.Sync.PresenceTTL}
	rc.Retry = store.RetryConfig{MaxRetries: c.Sync.MaxRetries, RetryDelay: c.Sync.RetryDelay}
	return rc
}

// Gateway returns the HTTP gateway settings.
func (c *Config) Gateway() gateway.Config {
	gc := gateway.DefaultConfig()
	gc.BaseURL = strings.TrimSuffix(c.Server.BaseURL, "/")
	gc.AllowedOrigins = c.Server.AllowedOrigins
	gc.CookieName = c.Server.CookieName
	gc.CommandTimeout = c.Server.CommandTimeout
	return gc
}

// Expiring gives the bus and presence prefixes native expiry in backends
// that support it.
func (c *Config) Expiring() map[string]time.Duration {
	return map[string]time.Duration{
		"messages": c.Sync.MessageTTL,
		"presence": c.Sync.PresenceTTL,
	}
}

// NATSStore returns the JetStream KV settings.
func (c *Config) NATSStore() natskv.Config {
	nc := natskv.DefaultConfig()
	nc.URL = c.NATS.URL
	nc.BucketPrefix = c.NATS.BucketPrefix
	nc.Replicas = c.NATS.Replicas
	nc.TTL = c.Expiring()
	return nc
}

// PostgresStore returns the Postgres store settings. The DSN comes from
// postgres.url or, when empty, the DB_* environment variables.
func (c *Config) PostgresStore() pgstore.Config {
	pc := pgstore.DefaultConfig()
	pc.DatabaseURL = c.Postgres.URL
	if pc.DatabaseURL == "" {
		pc.DatabaseURL = dbconfig.NewConfigFromEnv().DSN()
	}
	pc.NotifyChannel = c.Postgres.NotifyChannel
	pc.TTL = c.Expiring()
	return pc
}

// RTDBStore returns the REST store settings.
func (c *Config) RTDBStore() rtdb.Config {
	return rtdb.Config{URL: c.RTDB.URL, Auth: c.RTDB.Auth, Timeout: c.RTDB.Timeout}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
