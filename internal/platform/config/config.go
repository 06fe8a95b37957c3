package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Audit sinks.
const (
	AuditNone     = "none"
	AuditMemory   = "memory"
	AuditPostgres = "postgres"
	AuditKafka    = "kafka"
)

// Config is the full server configuration.
type Config struct {
	Server   Server         `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Cart     CartConfig     `yaml:"cart"`
	Audit    AuditConfig    `yaml:"audit"`
	Identity IdentityConfig `yaml:"identity"`
	Log      LogConfig      `yaml:"log"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	JWTSigningKey   string        `yaml:"jwt_signing_key"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	JWTAudience     string        `yaml:"jwt_audience"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CatalogSeed     string        `yaml:"catalog_seed"`
	// AdminToken enables /admin when set.
	AdminToken string `yaml:"admin_token"`
}

// StoreConfig selects the cart record backend.
type StoreConfig struct {
	Driver   string        `yaml:"driver"`
	Timeout  time.Duration `yaml:"timeout"`
	GuestTTL time.Duration `yaml:"guest_ttl"`
}

// RedisConfig configures the go-redis client.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig configures the database/sql pool.
type PostgresConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// CartConfig holds cart behavior limits.
type CartConfig struct {
	MaxLineQuantity int           `yaml:"max_line_quantity"`
	MergeTimeout    time.Duration `yaml:"merge_timeout"`
	ClientTimeout   time.Duration `yaml:"client_timeout"`
	// RateLimit caps mutations per owner per RateWindow; 0 disables it.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// AuditConfig selects where audit events go.
type AuditConfig struct {
	Sink         string   `yaml:"sink"`
	Buffer       int      `yaml:"buffer"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	// MemoryCapacity caps the memory sink; older events are evicted.
	MemoryCapacity int `yaml:"memory_capacity"`
}

// IdentityConfig locates the durable session-token store.
type IdentityConfig struct {
	DBPath string `yaml:"db_path"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			JWTSigningKey:   "dev-secret-key-change-in-production",
			JWTIssuer:       "cartkeep",
			JWTAudience:     "cartkeep-storefront",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:  StoreMemory,
			Timeout: 3 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{MaxOpenConns: 10},
		Cart: CartConfig{
			MaxLineQuantity: 10,
			MergeTimeout:    5 * time.Second,
			ClientTimeout:   5 * time.Second,
			RateLimit:       120,
			RateWindow:      time.Minute,
		},
		Audit: AuditConfig{
			Sink:       AuditMemory,
			Buffer:         256,
			KafkaTopic:     "cartkeep.audit",
			MemoryCapacity: 10000,
		},
		Identity: IdentityConfig{DBPath: "cartkeep-identity.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// FromEnv builds the config from defaults, the optional YAML file named by
// CARTKEEP_CONFIG, then environment overrides, in that order.
func FromEnv() (Config, error) {
	return load(os.Getenv, os.ReadFile)
}

func load(getenv func(string) string, readFile func(string) ([]byte, error)) (Config, error) {
	cfg := Defaults()

	if path := getenv("CARTKEEP_CONFIG"); path != "" {
		raw, err := readFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := Parse(raw, getenv, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Parse overlays YAML onto cfg after expanding ${VAR} references.
func Parse(raw []byte, getenv func(string) string, cfg *Config) error {
	expanded := envRef.ReplaceAllStringFunc(string(raw), func(ref string) string {
		return getenv(envRef.FindStringSubmatch(ref)[1])
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CARTKEEP_ADDR", &cfg.Server.Addr)
	str("JWT_SIGNING_KEY", &cfg.Server.JWTSigningKey)
	str("JWT_ISSUER", &cfg.Server.JWTIssuer)
	str("JWT_AUDIENCE", &cfg.Server.JWTAudience)
	str("CARTKEEP_CATALOG_SEED", &cfg.Server.CatalogSeed)
	str("CARTKEEP_ADMIN_TOKEN", &cfg.Server.AdminToken)
	str("CARTKEEP_STORE", &cfg.Store.Driver)
	str("REDIS_URL", &cfg.Redis.URL)
	str("DATABASE_URL", &cfg.Postgres.URL)
	str("CARTKEEP_AUDIT_SINK", &cfg.Audit.Sink)
	str("KAFKA_TOPIC", &cfg.Audit.KafkaTopic)
	str("CARTKEEP_IDENTITY_DB", &cfg.Identity.DBPath)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if v := getenv("KAFKA_BROKERS"); v != "" {
		cfg.Audit.KafkaBrokers = splitList(v)
	}

	durations := map[string]*time.Duration{
		"CARTKEEP_REQUEST_TIMEOUT": &cfg.Server.RequestTimeout,
		"CARTKEEP_STORE_TIMEOUT":   &cfg.Store.Timeout,
		"CARTKEEP_GUEST_TTL":       &cfg.Store.GuestTTL,
		"CARTKEEP_MERGE_TIMEOUT":   &cfg.Cart.MergeTimeout,
		"CARTKEEP_CLIENT_TIMEOUT":  &cfg.Cart.ClientTimeout,
		"CARTKEEP_RATE_WINDOW":     &cfg.Cart.RateWindow,
	}
	for key, dst := range durations {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"CARTKEEP_MAX_LINE_QUANTITY": &cfg.Cart.MaxLineQuantity,
		"REDIS_POOL_SIZE":            &cfg.Redis.PoolSize,
		"CARTKEEP_AUDIT_BUFFER":      &cfg.Audit.Buffer,
		"CARTKEEP_AUDIT_CAPACITY":    &cfg.Audit.MemoryCapacity,
		"CARTKEEP_RATE_LIMIT":        &cfg.Cart.RateLimit,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("store driver %q requires REDIS_URL", c.Store.Driver)
		}
	case StorePostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("store driver %q requires DATABASE_URL", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Audit.Sink {
	case AuditNone:
	case AuditMemory:
		if c.Audit.MemoryCapacity < 1 {
			return fmt.Errorf("audit memory capacity must be positive")
		}
	case AuditPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("audit sink %q requires DATABASE_URL", c.Audit.Sink)
		}
	case AuditKafka:
		if len(c.Audit.KafkaBrokers) == 0 {
			return fmt.Errorf("audit sink %q requires KAFKA_BROKERS", c.Audit.Sink)
		}
	default:
		return fmt.Errorf("unknown audit sink %q", c.Audit.Sink)
	}

	if c.Cart.MaxLineQuantity < 1 {
		return fmt.Errorf("max line quantity must be positive")
	}
	if c.Cart.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.Cart.RateLimit > 0 && c.Cart.RateWindow <= 0 {
		return fmt.Errorf("rate window must be positive when rate limiting is on")
	}
	if c.Server.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}
