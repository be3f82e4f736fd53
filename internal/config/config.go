package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	StoreDriver   string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	DBLockTimeout time.Duration `mapstructure:"DB_LOCK_TIMEOUT"`

	ReportTimezone string `mapstructure:"REPORT_TIMEZONE"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	NotifyQueue  string `mapstructure:"NOTIFY_QUEUE"`
	NotifyBuffer int    `mapstructure:"NOTIFY_BUFFER"`

	MinIOEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucket    string `mapstructure:"MINIO_BUCKET"`
	MinIOUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	ReconcileSchedule string `mapstructure:"RECONCILE_SCHEDULE"`

	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	UploadLimit     string        `mapstructure:"UPLOAD_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
}

var defaults = map[string]interface{}{
	"PORT":               "8000",
	"ENV":                "development",
	"LOG_LEVEL":          "info",
	"CORS_ORIGINS":       "http://localhost:3000",
	"STORE_DRIVER":       StorePostgres,
	"DB_MAX_CONNS":       20,
	"DB_MIN_CONNS":       5,
	"DB_LOCK_TIMEOUT":    "5s",
	"REPORT_TIMEZONE":    "UTC",
	"NOTIFY_QUEUE":       "ledger.events",
	"NOTIFY_BUFFER":      256,
	"MINIO_BUCKET":       "cash-request-attachments",
	"MINIO_USE_SSL":      false,
	"RECONCILE_SCHEDULE": "15 0 * * *",
	"REQUEST_TIMEOUT":    "30s",
	"SHUTDOWN_TIMEOUT":   "15s",
	"BODY_LIMIT":         "1M",
	"UPLOAD_LIMIT":       "11M",
	"RATE_LIMIT_RPS":     20,
	"RATE_LIMIT_BURST":   40,
}

// keys without a default still need binding so Unmarshal sees them.
var unset = []string{
	"DATABASE_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AMQP_URL",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
}

// Load reads the environment and an optional .env file in the working
// directory. Environment variables win over .env.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		v.BindEnv(key)
	}
	for _, key := range unset {
		v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves REPORT_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("REPORT_TIMEZONE %q: %w", c.ReportTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// bearer tokens must be verifiable, so AUTH_SIGNING_KEY is required.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORE_DRIVER %q is only allowed with ENV=development", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (ENV=%q)", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
			return fmt.Errorf("RECONCILE_SCHEDULE %q: %w", c.ReconcileSchedule, err)
		}
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.NotifyBuffer <= 0 {
		return fmt.Errorf("NOTIFY_BUFFER must be positive, got %d", c.NotifyBuffer)
	}
	if c.MinIOEndpoint != "" && (c.MinIOAccessKey == "" || c.MinIOSecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	return nil
}
