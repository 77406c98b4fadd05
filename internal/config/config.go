// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when fields are unset.
const (
	defaultRedisURL     = "redis://127.0.0.1:6379/0"
	defaultExchange     = "NSE"
	defaultTimezone     = "Asia/Kolkata"
	defaultListenAddr   = ":8080"
	defaultEntryLockTTL = 2000 * time.Millisecond
	defaultExitLockTTL  = 2500 * time.Millisecond
	defaultOpenGuardTTL = 8 * time.Hour
	defaultLTPWait      = 300 * time.Millisecond
	defaultLTPPoll      = 50 * time.Millisecond
	defaultSnapshotGap  = 800 * time.Millisecond
	defaultMonitorGap   = 10 * time.Second
	defaultSectorGap    = 30 * time.Second
	defaultTickGap      = 100 * time.Millisecond
)

// Config is the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Redis       RedisConfig       `yaml:"redis"`
	Venue       VenueConfig       `yaml:"venue"`
	Server      ServerConfig      `yaml:"server"`
	Engine      EngineConfig      `yaml:"engine"`
	Users       []UserConfig      `yaml:"users"`
}

// UserConfig declares one trading user. Broker credentials may instead live
// in the shared store; values here take precedence when set.
type UserConfig struct {
	ID        int64  `yaml:"id"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// EnvironmentConfig defines runtime environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// RedisConfig defines the shared-store connection.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// VenueConfig defines the trading venue.
type VenueConfig struct {
	Exchange      string `yaml:"exchange"`        // equity exchange for all orders
	Timezone      string `yaml:"timezone"`        // venue wall-clock timezone
	SquareOffTime string `yaml:"square_off_time"` // HH:MM local, end-of-day auto square-off
}

// ServerConfig defines the HTTP surface.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// EngineConfig defines engine timing knobs. All are durations with sane
// defaults; most deployments never set these.
type EngineConfig struct {
	EntryLockTTL     time.Duration `yaml:"entry_lock_ttl"`
	ExitLockTTL      time.Duration `yaml:"exit_lock_ttl"`
	OpenGuardTTL     time.Duration `yaml:"open_guard_ttl"`
	LTPWait          time.Duration `yaml:"ltp_wait"`
	LTPPoll          time.Duration `yaml:"ltp_poll"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	SectorInterval   time.Duration `yaml:"sector_interval"`
	TickInterval     time.Duration `yaml:"tick_interval"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate fills defaults and checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}

	if c.Redis.URL == "" {
		c.Redis.URL = defaultRedisURL
	}
	if c.Venue.Exchange == "" {
		c.Venue.Exchange = defaultExchange
	}
	if c.Venue.Timezone == "" {
		c.Venue.Timezone = defaultTimezone
	}
	if _, err := time.LoadLocation(c.Venue.Timezone); err != nil {
		return fmt.Errorf("venue.timezone invalid: %w", err)
	}
	if c.Venue.SquareOffTime == "" {
		c.Venue.SquareOffTime = "15:12"
	}
	if _, err := time.Parse("15:04", c.Venue.SquareOffTime); err != nil {
		return fmt.Errorf("venue.square_off_time must be HH:MM: %w", err)
	}
	for i, u := range c.Users {
		if u.ID <= 0 {
			return fmt.Errorf("users[%d].id must be positive", i)
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultListenAddr
	}

	e := &c.Engine
	setDefault(&e.EntryLockTTL, defaultEntryLockTTL)
	setDefault(&e.ExitLockTTL, defaultExitLockTTL)
	setDefault(&e.OpenGuardTTL, defaultOpenGuardTTL)
	setDefault(&e.LTPWait, defaultLTPWait)
	setDefault(&e.LTPPoll, defaultLTPPoll)
	setDefault(&e.SnapshotInterval, defaultSnapshotGap)
	setDefault(&e.MonitorInterval, defaultMonitorGap)
	setDefault(&e.SectorInterval, defaultSectorGap)
	setDefault(&e.TickInterval, defaultTickGap)

	return nil
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// IsPaperTrading returns true when configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the venue timezone. Validate has already checked it loads;
// a failure here falls back to a fixed IST offset for minimal containers.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Venue.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}
