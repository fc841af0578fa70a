// Package config loads service configuration from an optional TOML file with
// environment-variable overrides. Every knob has a usable default so the
// service starts with nothing but a database DSN.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const envPrefix = "CAREVAULT_"

// Config holds everything the binaries need at startup.
type Config struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`
	PGDSN    string `toml:"pg_dsn"`

	AuthSecret string        `toml:"auth_secret"`
	AccessTTL  time.Duration `toml:"-"`

	LockoutThreshold int           `toml:"lockout_threshold"`
	LockoutDuration  time.Duration `toml:"-"`
	OtpTTL           time.Duration `toml:"-"`

	QueryMaxLimit int `toml:"query_max_limit"`

	RateBurst    int   `toml:"rate_burst"`
	RatePerSec   int   `toml:"rate_per_sec"`
	MaxBodyBytes int64 `toml:"max_body_bytes"`

	// Raw duration strings from TOML; parsed into the fields above.
	AccessTTLRaw       string `toml:"access_ttl"`
	LockoutDurationRaw string `toml:"lockout_duration"`
	OtpTTLRaw          string `toml:"otp_ttl"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		HTTPAddr:         ":8080",
		GRPCAddr:         "",
		AccessTTL:        15 * time.Minute,
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		OtpTTL:           10 * time.Minute,
		QueryMaxLimit:    500,
		RateBurst:        20,
		RatePerSec:       10,
		MaxBodyBytes:     10 << 20,
	}
}

// Load reads the TOML file at path (skipped when path is empty or missing)
// and then applies CAREVAULT_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := resolveDurations(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.LockoutThreshold <= 0 {
		return Config{}, fmt.Errorf("config: lockout_threshold must be positive")
	}
	if cfg.QueryMaxLimit <= 0 {
		return Config{}, fmt.Errorf("config: query_max_limit must be positive")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(envPrefix + "GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv(envPrefix + "PG_DSN"); v != "" {
		cfg.PGDSN = v
	}
	if v := os.Getenv(envPrefix + "AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv(envPrefix + "ACCESS_TTL"); v != "" {
		cfg.AccessTTLRaw = v
	}
	if v := os.Getenv(envPrefix + "LOCKOUT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockoutThreshold = n
		}
	}
	if v := os.Getenv(envPrefix + "LOCKOUT_DURATION"); v != "" {
		cfg.LockoutDurationRaw = v
	}
	if v := os.Getenv(envPrefix + "OTP_TTL"); v != "" {
		cfg.OtpTTLRaw = v
	}
	if v := os.Getenv(envPrefix + "QUERY_MAX_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueryMaxLimit = n
		}
	}
}

func resolveDurations(cfg *Config) error {
	set := func(raw string, dst *time.Duration, name string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", name, raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
		*dst = d
		return nil
	}
	if err := set(cfg.AccessTTLRaw, &cfg.AccessTTL, "access_ttl"); err != nil {
		return err
	}
	if err := set(cfg.LockoutDurationRaw, &cfg.LockoutDuration, "lockout_duration"); err != nil {
		return err
	}
	return set(cfg.OtpTTLRaw, &cfg.OtpTTL, "otp_ttl")
}
