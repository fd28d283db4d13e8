// Package config loads the daemon configuration: defaults, then an optional
// TOML file, then TOLLGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "TOLLGATE_"

// Persistence drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Config is the daemon configuration
type Config struct {
	AuthorityURL   string        `toml:"authority_url" env:"AUTHORITY_URL"`
	Listen         string        `toml:"listen" env:"LISTEN"`
	RequestTimeout time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	RefreshTimeout time.Duration `toml:"refresh_timeout" env:"REFRESH_TIMEOUT"`
	LogoutTimeout  time.Duration `toml:"logout_timeout" env:"LOGOUT_TIMEOUT"`
	ChallengeTTL   time.Duration `toml:"mfa_challenge_ttl" env:"MFA_CHALLENGE_TTL"`
	Debug          bool          `toml:"debug" env:"DEBUG"`

	Persistence Persistence `toml:"persistence" envPrefix:"PERSISTENCE_"`
	Events      Events      `toml:"events" envPrefix:"EVENTS_"`
}

// Persistence selects where the credential is kept between restarts
type Persistence struct {
	Driver     string `toml:"driver" env:"DRIVER"`
	RedisURL   string `toml:"redis_url" env:"REDIS_URL"`
	SQLitePath string `toml:"sqlite_path" env:"SQLITE_PATH"`
	KeyPrefix  string `toml:"key_prefix" env:"KEY_PREFIX"`
}

// Events configures the transition stream; an empty RedisURL disables it
type Events struct {
	RedisURL string `toml:"redis_url" env:"REDIS_URL"`
	Topic    string `toml:"topic" env:"TOPIC"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		AuthorityURL:   "http://localhost:5000",
		Listen:         "127.0.0.1:9000",
		RequestTimeout: 15 * time.Second,
		RefreshTimeout: 20 * time.Second,
		LogoutTimeout:  10 * time.Second,
		ChallengeTTL:   5 * time.Minute,
		Persistence: Persistence{
			Driver:    DriverMemory,
			KeyPrefix: "tollgate:session:",
		},
		Events: Events{
			Topic: "tollgate.session",
		},
	}
}

// Load reads path (skipped when empty), applies the environment and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.AuthorityURL)
	switch {
	case c.AuthorityURL == "":
		errs = append(errs, errors.New("authority_url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("authority_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("authority_url: unsupported scheme %q", u.Scheme))
	}

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"request_timeout", c.RequestTimeout},
		{"refresh_timeout", c.RefreshTimeout},
		{"logout_timeout", c.LogoutTimeout},
		{"mfa_challenge_ttl", c.ChallengeTTL},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}

	switch c.Persistence.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Persistence.RedisURL == "" {
			errs = append(errs, errors.New("persistence.redis_url is required for the redis driver"))
		}
	case DriverSQLite:
		if c.Persistence.SQLitePath == "" {
			errs = append(errs, errors.New("persistence.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("persistence.driver: unknown driver %q", c.Persistence.Driver))
	}

	if c.Events.RedisURL != "" && c.Events.Topic == "" {
		errs = append(errs, errors.New("events.topic is required when events are enabled"))
	}

	return errors.Join(errs...)
}
