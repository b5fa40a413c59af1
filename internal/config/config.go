// Package config loads rxfill settings from a .env file and the environment
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBDriver   string `mapstructure:"DB_DRIVER"`
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     int    `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	// DatabaseURL is the Postgres connection string
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	HTTPPort string   `mapstructure:"HTTP_PORT"`
	APIKeys  []string `mapstructure:"API_KEYS"`
	LogLevel string   `mapstructure:"LOG_LEVEL"`

	OTELEndpoint    string   `mapstructure:"OTEL_ENDPOINT"`
	RedpandaBrokers []string `mapstructure:"REDPANDA_BROKERS"`

	PharmGKBBaseURL string        `mapstructure:"PHARMGKB_BASE_URL"`
	PharmGKBTimeout time.Duration `mapstructure:"PHARMGKB_TIMEOUT"`

	StoreNumber     string `mapstructure:"STORE_NUMBER"`
	RxStoreNumber   string `mapstructure:"RX_STORE_NUMBER"`
	PageSize        int    `mapstructure:"PAGE_SIZE"`
	AuditStrict     bool   `mapstructure:"AUDIT_STRICT"`
	GenomicsWorkers int    `mapstructure:"GENOMICS_WORKERS"`
}

var keys = []string{
	"DB_DRIVER", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"HTTP_PORT", "API_KEYS", "LOG_LEVEL",
	"OTEL_ENDPOINT", "REDPANDA_BROKERS",
	"PHARMGKB_BASE_URL", "PHARMGKB_TIMEOUT",
	"STORE_NUMBER", "RX_STORE_NUMBER", "PAGE_SIZE", "AUDIT_STRICT", "GENOMICS_WORKERS",
}

// Load reads .env when present, then the environment, and validates
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file path
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("DB_DRIVER", DriverMySQL)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_USER", "root")
	v.SetDefault("DB_NAME", "pharmacy")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDPANDA_BROKERS", "localhost:9092")
	v.SetDefault("PHARMGKB_BASE_URL", "https://api.pharmgkb.org/v1/data")
	v.SetDefault("PHARMGKB_TIMEOUT", "10s")
	v.SetDefault("STORE_NUMBER", "1618")
	v.SetDefault("RX_STORE_NUMBER", "03102-000")
	v.SetDefault("PAGE_SIZE", 50)
	v.SetDefault("AUDIT_STRICT", false)
	v.SetDefault("GENOMICS_WORKERS", 2)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.APIKeys = splitList(cfg.APIKeys, v.GetString("API_KEYS"))
	cfg.RedpandaBrokers = splitList(cfg.RedpandaBrokers, v.GetString("REDPANDA_BROKERS"))
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList normalizes comma separated env values, whether or not viper
// already split them
func splitList(parsed []string, raw string) []string {
	if len(parsed) > 0 {
		raw = strings.Join(parsed, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverMySQL:
		if c.DBHost == "" || c.DBUser == "" || c.DBName == "" {
			return fmt.Errorf("DB_HOST, DB_USER and DB_NAME are required for the mysql driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("DB_DRIVER must be %q, %q or %q, got %q", DriverMySQL, DriverPostgres, DriverMemory, c.DBDriver)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.GenomicsWorkers <= 0 {
		return fmt.Errorf("GENOMICS_WORKERS must be positive, got %d", c.GenomicsWorkers)
	}
	if c.PharmGKBTimeout <= 0 {
		return fmt.Errorf("PHARMGKB_TIMEOUT must be positive")
	}
	return nil
}

// IsDebug reports whether debug logging was requested
func (c *Config) IsDebug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}
