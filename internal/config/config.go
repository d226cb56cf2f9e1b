// Package config resolves service settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "CONFIG_PATH"
	EnvPgDSN      = "REALMKEY_PG_DSN"
	EnvSigningKey = "REALMKEY_SIGNING_KEY"
	EnvHost       = "REALMKEY_HOST"
	EnvHTTPAddr   = "REALMKEY_HTTP_ADDR"
	EnvGRPCAddr   = "REALMKEY_GRPC_ADDR"
	EnvLogLevel   = "REALMKEY_LOG_LEVEL"
	EnvAdminToken = "REALMKEY_ADMIN_TOKEN"
	EnvTxRetries  = "REALMKEY_TX_RETRIES"
	// EnvTrustedProxies is a comma separated list of CIDRs or addresses.
	EnvTrustedProxies = "REALMKEY_TRUSTED_PROXIES"
)

var (
	ErrMissingDSN        = errors.New("missing database dsn (set `database.dsn` in config file or " + EnvPgDSN + ")")
	ErrMissingSigningKey = errors.New("missing signing key (set `token.signing-key` in config file or " + EnvSigningKey + ")")
)

// Config is the fully resolved service configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Token     TokenConfig     `yaml:"token"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	// AdminToken guards the management routes. Empty disables them.
	AdminToken string `yaml:"admin-token"`
	// TrustedProxies lists the peers whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted-proxies"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max-open-conns"`
	// TxRetries bounds how many times a transaction aborted by a
	// serialization failure is replayed.
	TxRetries int `yaml:"tx-retries"`
}

type TokenConfig struct {
	SigningKey string `yaml:"signing-key"`
	// Host is written to the iss claim and required when verifying.
	Host   string        `yaml:"host"`
	Leeway time.Duration `yaml:"leeway"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read-timeout"`
	WriteTimeout    time.Duration `yaml:"write-timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// RateLimitConfig is the per-IP token bucket on login and refresh.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Database: DatabaseConfig{MaxOpenConns: 20, TxRetries: 3},
		Token:    TokenConfig{Host: "localhost"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC:      GRPCConfig{Addr: ":9090"},
		Log:       LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
	}
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads path (a missing file is not an error), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv loads the config file named by CONFIG_PATH.
func LoadFromEnv() (Config, error) {
	return Load(ResolveConfigPath(os.Getenv(EnvConfigPath)))
}

func applyEnv(cfg *Config) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.DSN, EnvPgDSN)
	set(&cfg.Token.SigningKey, EnvSigningKey)
	set(&cfg.Token.Host, EnvHost)
	set(&cfg.HTTP.Addr, EnvHTTPAddr)
	set(&cfg.GRPC.Addr, EnvGRPCAddr)
	set(&cfg.Log.Level, EnvLogLevel)
	set(&cfg.AdminToken, EnvAdminToken)
	if raw := strings.TrimSpace(os.Getenv(EnvTrustedProxies)); raw != "" {
		cfg.TrustedProxies = strings.Split(raw, ",")
	}

	if raw := strings.TrimSpace(os.Getenv(EnvTxRetries)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTxRetries, err)
		}
		cfg.Database.TxRetries = n
	}
	return nil
}

// Validate reports the first missing or out-of-range setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return ErrMissingDSN
	}
	if strings.TrimSpace(c.Token.SigningKey) == "" {
		return ErrMissingSigningKey
	}
	if strings.TrimSpace(c.Token.Host) == "" {
		return errors.New("token host must not be empty")
	}
	if c.Database.TxRetries < 0 {
		return fmt.Errorf("database tx-retries must be >= 0, got %d", c.Database.TxRetries)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate-limit values must be >= 0")
	}
	return nil
}
