package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	Remote       RemoteConfig
	Sync         SyncConfig
	Retry        RetryConfig
	Connectivity ConnectivityConfig
	Session      SessionConfig
	CORS         CORSConfig
	Log          LogConfig
}

// DatabaseConfig selects the local record store backend. SQLite is the
// default for devices; Postgres serves a center's on-premise agent.
type DatabaseConfig struct {
	Driver       string
	Path         string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	LeaseTTL time.Duration
}

// RemoteConfig points at the authoritative REST server.
type RemoteConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HealthPath string
}

// SyncConfig drives the scheduler.
type SyncConfig struct {
	Entities  []string
	Interval  time.Duration
	ErrorHold time.Duration
	OnStart   bool
	// RedrivePasses re-runs failed pushes within the same cycle.
	RedrivePasses int
}

// RetryConfig mirrors retry.Options.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

type ConnectivityConfig struct {
	Interval time.Duration
}

// SessionConfig verifies the bearer token when a secret is shared with the
// server; otherwise claims are read without verification.
type SessionConfig struct {
	JWTSecret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Driver:       strings.ToLower(v.GetString("DB_DRIVER")),
		Path:         v.GetString("DB_PATH"),
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		LeaseTTL: parseDuration(v.GetString("SYNC_LEASE_TTL"), 2*time.Minute),
	}

	cfg.Remote = RemoteConfig{
		BaseURL:    strings.TrimRight(v.GetString("REMOTE_BASE_URL"), "/"),
		Token:      v.GetString("REMOTE_TOKEN"),
		Timeout:    parseDuration(v.GetString("REMOTE_TIMEOUT"), 15*time.Second),
		HealthPath: v.GetString("REMOTE_HEALTH_PATH"),
	}

	cfg.Sync = SyncConfig{
		Entities:  splitAndTrim(v.GetString("SYNC_ENTITIES")),
		Interval:  parseDuration(v.GetString("SYNC_INTERVAL"), 30*time.Second),
		ErrorHold: parseDuration(v.GetString("SYNC_ERROR_HOLD"), 5*time.Second),
		OnStart:   v.GetBool("SYNC_ON_START"),

		RedrivePasses: v.GetInt("SYNC_REDRIVE_PASSES"),
	}
	if cfg.Sync.RedrivePasses < 0 {
		cfg.Sync.RedrivePasses = 0
	}

	multiplier := v.GetFloat64("RETRY_MULTIPLIER")
	if multiplier < 1 {
		multiplier = 2
	}
	cfg.Retry = RetryConfig{
		MaxAttempts:  v.GetInt("RETRY_MAX_ATTEMPTS"),
		InitialDelay: parseDuration(v.GetString("RETRY_INITIAL_DELAY"), time.Second),
		MaxDelay:     parseDuration(v.GetString("RETRY_MAX_DELAY"), 30*time.Second),
		Multiplier:   multiplier,
	}

	cfg.Connectivity = ConnectivityConfig{
		Interval: parseDuration(v.GetString("CONNECTIVITY_INTERVAL"), 10*time.Second),
	}

	cfg.Session = SessionConfig{JWTSecret: v.GetString("SESSION_JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8085)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("DB_PATH", "./data/offline.db")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sma_offline")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SYNC_LEASE_TTL", "2m")

	v.SetDefault("REMOTE_BASE_URL", "http://localhost:8080/api/v1")
	v.SetDefault("REMOTE_TOKEN", "")
	v.SetDefault("REMOTE_TIMEOUT", "15s")
	v.SetDefault("REMOTE_HEALTH_PATH", "/health")

	v.SetDefault("SYNC_ENTITIES", "users,centers,teachers,students,subjects,receipts,schedules")
	v.SetDefault("SYNC_INTERVAL", "30s")
	v.SetDefault("SYNC_ERROR_HOLD", "5s")
	v.SetDefault("SYNC_ON_START", true)
	v.SetDefault("SYNC_REDRIVE_PASSES", 0)
	v.SetDefault("CONNECTIVITY_INTERVAL", "10s")

	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_INITIAL_DELAY", "1s")
	v.SetDefault("RETRY_MAX_DELAY", "30s")
	v.SetDefault("RETRY_MULTIPLIER", 2)

	v.SetDefault("SESSION_JWT_SECRET", "")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
