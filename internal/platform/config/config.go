package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by the *_BACKEND variables.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
	BackendBadger   = "badger"
)

// Config is the full process configuration.
type Config struct {
	Env     string
	Server  Server
	Log     Log
	Auth    Auth
	Audit   Audit
	Storage Storage
	Stores  Stores

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Badger   BadgerConfig

	// BootstrapIdentities seeds approved trust anchors (system_admin) at startup.
	BootstrapIdentities []BootstrapIdentity
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr           string
	RequestTimeout time.Duration
}

type Log struct {
	Level  string
	Format string
}

// Auth configures nonce challenges and session tokens.
type Auth struct {
	NonceTTL      time.Duration
	SessionTTL    time.Duration
	JWTSigningKey string
	JWTIssuer     string
}

// Audit configures signing, ledger submission and retry.
type Audit struct {
	SigningSecret        string
	LedgerSubmitTimeout  time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64
	RetryMaxAttempts     int
	RetryScanInterval    time.Duration
	MaxPageSize          int
}

// Storage configures content store access.
type Storage struct {
	OperationTimeout time.Duration
}

// Stores selects a backend per concern.
type Stores struct {
	Records string // memory | postgres (identities, consent, audit, record catalogue)
	Nonces  string // memory | redis
	Ledger  string // memory | kafka
	Content string // memory | badger
}

type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type BadgerConfig struct {
	Path string
}

// BootstrapIdentity is an identity loaded from BOOTSTRAP_IDENTITIES_FILE.
type BootstrapIdentity struct {
	UserID        string `json:"userId"`
	Role          string `json:"role"`
	SigningKey    string `json:"signingKey"`
	EncryptionKey string `json:"encryptionKey"`
}

const devSecret = "dev-secret-change-in-production"

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg := Config{
		Env: getString("CAREVAULT_ENV", "development"),
		Server: Server{
			Addr:           getString("CAREVAULT_ADDR", ":8080"),
			RequestTimeout: getDuration("REQUEST_TIMEOUT", 30*time.Second),
		},
		Log: Log{
			Level:  getString("LOG_LEVEL", "info"),
			Format: getString("LOG_FORMAT", "json"),
		},
		Auth: Auth{
			NonceTTL:      getDuration("NONCE_TTL", 5*time.Minute),
			SessionTTL:    getDuration("SESSION_TTL", 15*time.Minute),
			JWTSigningKey: getString("JWT_SIGNING_KEY", ""),
			JWTIssuer:     getString("JWT_ISSUER", "carevault"),
		},
		Audit: Audit{
			SigningSecret:        getString("AUDIT_SIGNING_SECRET", ""),
			LedgerSubmitTimeout:  getDuration("LEDGER_SUBMIT_TIMEOUT", 2*time.Second),
			RetryInitialInterval: getDuration("LEDGER_RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			RetryMaxInterval:     getDuration("LEDGER_RETRY_MAX_INTERVAL", 30*time.Second),
			RetryMultiplier:      getFloat("LEDGER_RETRY_MULTIPLIER", 2),
			RetryMaxAttempts:     getInt("LEDGER_RETRY_MAX_ATTEMPTS", 20),
			RetryScanInterval:    getDuration("LEDGER_RETRY_SCAN_INTERVAL", time.Second),
			MaxPageSize:          getInt("AUDIT_MAX_PAGE_SIZE", 100),
		},
		Storage: Storage{
			OperationTimeout: getDuration("STORAGE_OPERATION_TIMEOUT", 10*time.Second),
		},
		Stores: Stores{
			Records: getString("RECORDS_BACKEND", BackendMemory),
			Nonces:  getString("NONCE_BACKEND", BackendMemory),
			Ledger:  getString("LEDGER_BACKEND", BackendMemory),
			Content: getString("CONTENT_BACKEND", BackendMemory),
		},
		Postgres: PostgresConfig{
			URL:          getString("DATABASE_URL", ""),
			MaxOpenConns: getInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns: getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLife:  getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          getString("REDIS_URL", ""),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:  splitList(getString("KAFKA_BROKERS", "")),
			Topic:    getString("KAFKA_LEDGER_TOPIC", "carevault.audit.ledger"),
			ClientID: getString("KAFKA_CLIENT_ID", "carevault"),
		},
		Badger: BadgerConfig{
			Path: getString("BADGER_PATH", "./data/content"),
		},
	}

	if path := os.Getenv("BOOTSTRAP_IDENTITIES_FILE"); path != "" {
		ids, err := LoadBootstrapIdentities(path)
		if err != nil {
			return Config{}, err
		}
		cfg.BootstrapIdentities = ids
	}

	if !cfg.IsProduction() {
		if cfg.Auth.JWTSigningKey == "" {
			cfg.Auth.JWTSigningKey = devSecret
		}
		if cfg.Audit.SigningSecret == "" {
			cfg.Audit.SigningSecret = devSecret
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether unsafe development defaults are disallowed.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects incomplete or unsafe configurations.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.JWTSigningKey == "" {
		errs = append(errs, errors.New("JWT_SIGNING_KEY is required"))
	}
	if c.Audit.SigningSecret == "" {
		errs = append(errs, errors.New("AUDIT_SIGNING_SECRET is required"))
	}
	if c.IsProduction() && (c.Auth.JWTSigningKey == devSecret || c.Audit.SigningSecret == devSecret) {
		errs = append(errs, errors.New("development secrets are not allowed in production"))
	}
	if c.Auth.NonceTTL <= 0 {
		errs = append(errs, errors.New("NONCE_TTL must be positive"))
	}
	if c.Audit.RetryMaxAttempts <= 0 {
		errs = append(errs, errors.New("LEDGER_RETRY_MAX_ATTEMPTS must be positive"))
	}
	if c.Audit.RetryMultiplier < 1 {
		errs = append(errs, errors.New("LEDGER_RETRY_MULTIPLIER must be >= 1"))
	}
	if c.Audit.MaxPageSize <= 0 {
		errs = append(errs, errors.New("AUDIT_MAX_PAGE_SIZE must be positive"))
	}
	switch c.Stores.Records {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RECORDS_BACKEND %q", c.Stores.Records))
	}
	switch c.Stores.Nonces {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis nonce backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NONCE_BACKEND %q", c.Stores.Nonces))
	}
	switch c.Stores.Ledger {
	case BackendMemory:
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.Stores.Ledger))
	}
	switch c.Stores.Content {
	case BackendMemory, BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown CONTENT_BACKEND %q", c.Stores.Content))
	}
	if c.IsProduction() && len(c.BootstrapIdentities) == 0 {
		errs = append(errs, errors.New("BOOTSTRAP_IDENTITIES_FILE must define at least one system_admin in production"))
	}
	return errors.Join(errs...)
}

// LoadBootstrapIdentities reads a JSON array of bootstrap identities.
func LoadBootstrapIdentities(path string) ([]BootstrapIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap identities: %w", err)
	}
	var ids []BootstrapIdentity
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("parse bootstrap identities: %w", err)
	}
	for i, id := range ids {
		if id.UserID == "" || id.Role == "" || id.SigningKey == "" {
			return nil, fmt.Errorf("bootstrap identity %d: userId, role and signingKey are required", i)
		}
	}
	return ids, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
