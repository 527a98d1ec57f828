package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	Database DatabaseConfig
	HTTP     HTTPConfig
	Auth     AuthConfig
	SLA      SLAConfig
	Log      LogConfig
}

// DatabaseConfig holds pgx pool settings.
type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

// SLAConfig controls deadline classification and the escalation sweep.
type SLAConfig struct {
	AtRiskWindow        time.Duration
	EscalationBatchSize int
}

type LogConfig struct {
	Level       string
	Development bool
}

type configFile struct {
	Database struct {
		URL             string `yaml:"url"`
		MaxConns        int32  `yaml:"max_conns"`
		MaxConnIdleTime string `yaml:"max_conn_idle_time"`
		MaxConnLifetime string `yaml:"max_conn_lifetime"`
	} `yaml:"database"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	SLA struct {
		AtRiskWindow        string `yaml:"at_risk_window"`
		EscalationBatchSize int    `yaml:"escalation_batch_size"`
	} `yaml:"sla"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

func defaults() Config {
	return Config{
		Database: DatabaseConfig{
			MaxConns:        16,
			MaxConnIdleTime: 30 * time.Second,
			MaxConnLifetime: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		SLA: SLAConfig{
			AtRiskWindow:        72 * time.Hour,
			EscalationBatchSize: 200,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// a .env file in the working directory and finally the process environment.
func Load(path string) (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	var err error
	cfg.Database.URL = getEnvString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConns = int32(getEnvInt("DB_MAX_CONNS", int(cfg.Database.MaxConns)))
	if cfg.Database.MaxConnIdleTime, err = getEnvDuration("DB_MAX_CONN_IDLE_TIME", cfg.Database.MaxConnIdleTime); err != nil {
		return Config{}, err
	}
	if cfg.Database.MaxConnLifetime, err = getEnvDuration("DB_MAX_CONN_LIFETIME", cfg.Database.MaxConnLifetime); err != nil {
		return Config{}, err
	}
	cfg.HTTP.Addr = getEnvString("HTTP_ADDR", cfg.HTTP.Addr)
	if cfg.HTTP.ShutdownTimeout, err = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	cfg.Auth.JWTSecret = getEnvString("JWT_SECRET", cfg.Auth.JWTSecret)
	if cfg.SLA.AtRiskWindow, err = getEnvDuration("SLA_AT_RISK_WINDOW", cfg.SLA.AtRiskWindow); err != nil {
		return Config{}, err
	}
	cfg.SLA.EscalationBatchSize = getEnvInt("ESCALATION_BATCH_SIZE", cfg.SLA.EscalationBatchSize)
	cfg.Log.Level = getEnvString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Development = getEnvBool("LOG_DEVELOPMENT", cfg.Log.Development)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("config: max conns must be positive, got %d", c.Database.MaxConns)
	}
	if c.SLA.AtRiskWindow <= 0 {
		return fmt.Errorf("config: at-risk window must be positive, got %v", c.SLA.AtRiskWindow)
	}
	if c.SLA.EscalationBatchSize <= 0 {
		return fmt.Errorf("config: escalation batch size must be positive, got %d", c.SLA.EscalationBatchSize)
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if f.Database.URL != "" {
		cfg.Database.URL = f.Database.URL
	}
	if f.Database.MaxConns > 0 {
		cfg.Database.MaxConns = f.Database.MaxConns
	}
	if err := parseDurationInto(&cfg.Database.MaxConnIdleTime, "database.max_conn_idle_time", f.Database.MaxConnIdleTime); err != nil {
		return err
	}
	if err := parseDurationInto(&cfg.Database.MaxConnLifetime, "database.max_conn_lifetime", f.Database.MaxConnLifetime); err != nil {
		return err
	}
	if f.HTTP.Addr != "" {
		cfg.HTTP.Addr = f.HTTP.Addr
	}
	if err := parseDurationInto(&cfg.SLA.AtRiskWindow, "sla.at_risk_window", f.SLA.AtRiskWindow); err != nil {
		return err
	}
	if f.SLA.EscalationBatchSize > 0 {
		cfg.SLA.EscalationBatchSize = f.SLA.EscalationBatchSize
	}
	if f.Log.Level != "" {
		cfg.Log.Level = f.Log.Level
	}
	cfg.Log.Development = cfg.Log.Development || f.Log.Development
	return nil
}

func parseDurationInto(dst *time.Duration, key, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration for %s: %q (%w)", key, raw, err)
	}
	*dst = d
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("config: invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
