package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultJwtSecret  = "change-me"
	defaultHmacSecret = "change-me-too"
)

type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DBAdapter     string
	SQLiteFile    string
	MigrationsDir string
	JwtSecret     string
	HmacSecret    string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	// Consent lifecycle
	ConsentTTL      time.Duration
	TimestampWindow time.Duration
	RevokeDedupTTL  time.Duration
	CacheTTL        time.Duration
	// Redis backs the consent cache and revoke de-duplication when set
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Kafka receives a copy of every audit entry when brokers are set
	KafkaBrokers    []string
	KafkaAuditTopic string
	// Audit batching
	AuditFlushInterval time.Duration
	AuditBatchSize     int
	AuditQueueSize     int
	// Partner rate limit, requests per minute, when the partner has none
	DefaultRateLimit int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// New loads .env files when present and reads the configuration from the
// environment. ENV=test and ENV=staging load .env.test or .env.staging first;
// variables already set are never overridden.
func New() (*Config, error) {
	switch strings.ToLower(os.Getenv("ENV")) {
	case "test":
		_ = godotenv.Load(".env.test")
	case "staging":
		_ = godotenv.Load(".env.staging")
	}
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	c := &Config{
		Port:          getenv("PORT", "8080"),
		Env:           strings.ToLower(getenv("ENV", getenv("NODE_ENV", "development"))),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		DBAdapter:     getenv("DB_ADAPTER", "postgres"),
		SQLiteFile:    getenv("SQLITE_FILE", "./data/consentvault.db"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./migrations"),
		JwtSecret:     getenv("JWT_SECRET", defaultJwtSecret),
		HmacSecret:    getenv("HMAC_SECRET", defaultHmacSecret),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "consent")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "consentpass")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "consentvault")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
		RedisAddr:        getenv("REDIS_ADDR", ""),
		RedisPassword:    getenv("REDIS_PASSWORD", ""),
		KafkaAuditTopic:  getenv("KAFKA_AUDIT_TOPIC", "consent.audit"),
	}

	if brokers := getenv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}

	var err error
	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&c.ConsentTTL, "CONSENT_TTL", 30 * 24 * time.Hour},
		{&c.TimestampWindow, "TIMESTAMP_WINDOW", 5 * time.Minute},
		{&c.RevokeDedupTTL, "REVOKE_DEDUP_TTL", time.Hour},
		{&c.CacheTTL, "CACHE_TTL", 5 * time.Minute},
		{&c.AuditFlushInterval, "AUDIT_FLUSH_INTERVAL", 100 * time.Millisecond},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}
	ints := []struct {
		dst *int
		key string
		def int
	}{
		{&c.RedisDB, "REDIS_DB", 0},
		{&c.AuditBatchSize, "AUDIT_BATCH_SIZE", 50},
		{&c.AuditQueueSize, "AUDIT_QUEUE_SIZE", 1024},
		{&c.DefaultRateLimit, "DEFAULT_RATE_LIMIT", 60},
	}
	for _, n := range ints {
		if *n.dst, err = getenvInt(n.key, n.def); err != nil {
			return nil, err
		}
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown DB_ADAPTER: %s", c.DBAdapter)
	}

	if c.IsProduction() {
		if c.JwtSecret == "" || c.JwtSecret == defaultJwtSecret {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.HmacSecret == "" || c.HmacSecret == defaultHmacSecret {
			return nil, errors.New("HMAC_SECRET must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
