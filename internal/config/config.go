package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "ROOMSYNC"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabaseDriver       = DatabaseDriverSQLite
	defaultDatabaseDSN          = "roomsync.db"
	defaultLogLevel             = "info"
	defaultTokenIssuer          = "roomsync-auth"
	defaultTokenAudience        = "roomsync-api"
	defaultTokenTTLMinutes      = 60
	defaultRedisChannelPrefix   = "roomsync"
	defaultSessionBuffer        = 64
	defaultSnapshotCheckpoints  = true
	defaultShutdownGraceSeconds = 10

	// DatabaseDriverSQLite selects the pure Go SQLite driver.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects the pgx-backed Postgres driver.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	AllowedOrigins      []string
	DatabaseDriver      string
	DatabaseDSN         string
	LogLevel            string
	SigningSecret       string
	TokenIssuer         string
	TokenAudience       string
	TokenTTL            time.Duration
	RedisAddress        string
	RedisChannelPrefix  string
	NodeID              string
	SessionBuffer       int
	SnapshotCheckpoints bool
	ShutdownGrace       time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel_prefix", defaultRedisChannelPrefix)
	configViper.SetDefault("node.id", "")
	configViper.SetDefault("rooms.session_buffer", defaultSessionBuffer)
	configViper.SetDefault("snapshot.checkpoints", defaultSnapshotCheckpoints)
	configViper.SetDefault("http.shutdown_grace_seconds", defaultShutdownGraceSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		TokenIssuer:         configViper.GetString("auth.issuer"),
		TokenAudience:       configViper.GetString("auth.audience"),
		TokenTTL:            time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:        strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannelPrefix:  configViper.GetString("redis.channel_prefix"),
		NodeID:              strings.TrimSpace(configViper.GetString("node.id")),
		SessionBuffer:       configViper.GetInt("rooms.session_buffer"),
		SnapshotCheckpoints: configViper.GetBool("snapshot.checkpoints"),
		ShutdownGrace:       time.Duration(configViper.GetInt("http.shutdown_grace_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RedisEnabled reports whether cross-node broadcast relay is configured.
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddress != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SessionBuffer <= 0 {
		return fmt.Errorf("rooms.session_buffer must be positive")
	}
	if c.RedisEnabled() && strings.TrimSpace(c.RedisChannelPrefix) == "" {
		return fmt.Errorf("redis.channel_prefix is required when redis.address is set")
	}
	return nil
}
