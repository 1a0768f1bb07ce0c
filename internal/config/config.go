// Package config handles YAML configuration loading with environment variable
// expansion and database bootstrapping.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Env       string          `yaml:"env"` // development, production
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Billing   BillingConfig   `yaml:"billing"`
	Stats     StatsConfig     `yaml:"stats"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// IsProduction reports whether production toggles (secure cookies, strict
// CORS, HTTPS-only image fetch) apply.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	APIURL          string        `yaml:"api_url"`
	UIURL           string        `yaml:"ui_url"`
	OriginURL       string        `yaml:"origin_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`   // per health probe
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"` // buffered upstream calls
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string { return ":" + strconv.Itoa(s.Port) }

// Origins returns the distinct non-empty CORS origins.
func (s ServerConfig) Origins() []string {
	var out []string
	seen := make(map[string]bool, 3)
	for _, o := range []string{s.APIURL, s.UIURL, s.OriginURL} {
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"` // file path or ":memory:"
	RunMigrations bool   `yaml:"run_migrations"`
}

// RedisConfig holds KV store settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Addr returns the host:port address.
func (r RedisConfig) Addr() string { return r.Host + ":" + strconv.Itoa(r.Port) }

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Secret       string `yaml:"secret"`        // session-cookie HMAC secret
	CookieDomain string `yaml:"cookie_domain"` // session-cookie scoping
}

// BillingConfig controls the credit settlement worker.
type BillingConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
}

// StatsConfig controls the stats worker.
type StatsConfig struct {
	Backfill time.Duration `yaml:"backfill"` // history horizon when none exists
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CloudConfig holds hosted-provider settings. The Vertex and Bedrock catalog
// entries stay unroutable until their section is filled in.
type CloudConfig struct {
	Vertex  VertexConfig  `yaml:"vertex"`
	Bedrock BedrockConfig `yaml:"bedrock"`
}

// VertexConfig addresses Vertex-hosted models under a GCP project.
type VertexConfig struct {
	Project string `yaml:"project"`
	Region  string `yaml:"region"`
}

// BedrockConfig addresses Bedrock-hosted models in an AWS region.
type BedrockConfig struct {
	Region string `yaml:"region"`
}

// CatalogConfig overrides entries in the static model catalog.
type CatalogConfig struct {
	DefaultModel  string `yaml:"default_model"`   // serves "auto" requests
	CustomBaseURL string `yaml:"custom_base_url"` // OpenAI-compatible custom endpoint
}

// BootstrapConfig seeds the database on first run.
type BootstrapConfig struct {
	Org          OrgEntry           `yaml:"org"`
	Project      ProjectEntry       `yaml:"project"`
	AdminKey     string             `yaml:"admin_key"` // plaintext; only its hash is stored
	ProviderKeys []ProviderKeyEntry `yaml:"provider_keys"`
}

// OrgEntry is the default organization seed.
type OrgEntry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Credits   string `yaml:"credits"` // decimal string
	Plan      string `yaml:"plan"`
	Retention string `yaml:"retention"`
}

// ProjectEntry is the default project seed.
type ProjectEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Mode string `yaml:"mode"` // api-keys, credits, hybrid
}

// ProviderKeyEntry seeds a gateway-owned upstream credential.
type ProviderKeyEntry struct {
	Provider string `yaml:"provider"`
	Token    string `yaml:"token"` // usually ${ENV_VAR} interpolated
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// inside it and applying the environment overrides afterwards. A missing
// file is not an error; the environment alone can configure the gateway.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:            4002,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthTimeout:   5 * time.Second,
			UpstreamTimeout: 90 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "durin.db",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Billing: BillingConfig{
			BatchSize:     100,
			BatchInterval: 5 * time.Second,
		},
		Stats: StatsConfig{
			Backfill: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: time.Minute,
		},
	}
}

// applyEnv overrides config fields from well-known environment variables.
// These take precedence over the YAML file.
func applyEnv(cfg *Config) error {
	var err error
	setInt := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok && err == nil {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				err = fmt.Errorf("%s: %w", name, convErr)
				return
			}
			*dst = n
		}
	}
	setStr := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	setInt("PORT", &cfg.Server.Port)
	setStr("API_URL", &cfg.Server.APIURL)
	setStr("UI_URL", &cfg.Server.UIURL)
	setStr("ORIGIN_URL", &cfg.Server.OriginURL)
	setStr("REDIS_HOST", &cfg.Redis.Host)
	setInt("REDIS_PORT", &cfg.Redis.Port)
	setStr("REDIS_PASSWORD", &cfg.Redis.Password)
	setStr("AUTH_SECRET", &cfg.Auth.Secret)
	setStr("COOKIE_DOMAIN", &cfg.Auth.CookieDomain)
	setInt("CREDIT_BATCH_SIZE", &cfg.Billing.BatchSize)

	if v, ok := os.LookupEnv("RUN_MIGRATIONS"); ok && err == nil {
		b, convErr := strconv.ParseBool(v)
		if convErr != nil {
			err = fmt.Errorf("RUN_MIGRATIONS: %w", convErr)
		} else {
			cfg.Database.RunMigrations = b
		}
	}
	if v, ok := os.LookupEnv("CREDIT_BATCH_INTERVAL"); ok && err == nil {
		d, convErr := time.ParseDuration(v)
		if convErr != nil {
			err = fmt.Errorf("CREDIT_BATCH_INTERVAL: %w", convErr)
		} else {
			cfg.Billing.BatchInterval = d
		}
	}
	if v, ok := os.LookupEnv("BACKFILL_DURATION_SECONDS"); ok && err == nil {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("BACKFILL_DURATION_SECONDS: %w", convErr)
		} else {
			cfg.Stats.Backfill = time.Duration(n) * time.Second
		}
	}
	if v, ok := os.LookupEnv("TIMEOUT_MS"); ok && err == nil {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("TIMEOUT_MS: %w", convErr)
		} else {
			cfg.Server.HealthTimeout = time.Duration(n) * time.Millisecond
		}
	}
	for _, name := range []string{"ENV", "NODE_ENV"} {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			cfg.Env = v
		}
	}
	return err
}
