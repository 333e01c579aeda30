// Package config handles loading and validating the bench configuration
// from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/connpool/pkg/pool"
	"github.com/joao-brasil/connpool/pkg/sqlserver"
)

// Duration accepts "30s" style YAML values as well as raw nanosecond
// integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value at line %d", value.Line)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PoolConfig mirrors the pool builder options. Zero values fall back to
// the builder defaults.
type PoolConfig struct {
	Name              string   `yaml:"name"`
	MaxSize           uint32   `yaml:"max_size"`
	MinIdle           uint32   `yaml:"min_idle"`
	TestOnCheckOut    *bool    `yaml:"test_on_check_out"`
	MaxLifetime       Duration `yaml:"max_lifetime"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	ConnectionTimeout Duration `yaml:"connection_timeout"`
	ReaperRate        Duration `yaml:"reaper_rate"`
}

// BenchConfig shapes the generated load.
type BenchConfig struct {
	Workers     int      `yaml:"workers"`
	Duration    Duration `yaml:"duration"`
	HoldTime    Duration `yaml:"hold_time"`
	MetricsPort int      `yaml:"metrics_port"`
	Eager       bool     `yaml:"eager"`
}

// sqlServerFileConfig mirrors the YAML structure for the target section.
type sqlServerFileConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Database       string   `yaml:"database"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	PingTimeout    Duration `yaml:"ping_timeout"`
}

// fileConfig mirrors the root YAML structure.
type fileConfig struct {
	Pool      PoolConfig          `yaml:"pool"`
	SQLServer sqlServerFileConfig `yaml:"sqlserver"`
	Bench     BenchConfig         `yaml:"bench"`
}

// Config is the root configuration structure.
type Config struct {
	Pool      PoolConfig
	SQLServer sqlserver.Config
	Bench     BenchConfig
}

// Load reads and parses the bench configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg := &Config{
		Pool: file.Pool,
		SQLServer: sqlserver.Config{
			Host:           file.SQLServer.Host,
			Port:           file.SQLServer.Port,
			Database:       file.SQLServer.Database,
			Username:       file.SQLServer.Username,
			Password:       file.SQLServer.Password,
			ConnectTimeout: file.SQLServer.ConnectTimeout.Std(),
			PingTimeout:    file.SQLServer.PingTimeout.Std(),
		},
		Bench: file.Bench,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.SQLServer.Host == "" {
		return fmt.Errorf("sqlserver.host is required")
	}
	if c.SQLServer.Port == 0 {
		return fmt.Errorf("sqlserver.port is required")
	}
	if c.SQLServer.Database == "" {
		return fmt.Errorf("sqlserver.database is required")
	}
	if c.Bench.Workers < 0 {
		return fmt.Errorf("bench.workers must not be negative")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Pool.Name == "" {
		c.Pool.Name = "default"
	}
	if c.SQLServer.ConnectTimeout == 0 {
		c.SQLServer.ConnectTimeout = 30 * time.Second
	}
	if c.Bench.Workers == 0 {
		c.Bench.Workers = 10
	}
	if c.Bench.Duration == 0 {
		c.Bench.Duration = Duration(30 * time.Second)
	}
	if c.Bench.HoldTime == 0 {
		c.Bench.HoldTime = Duration(50 * time.Millisecond)
	}
	if c.Bench.MetricsPort == 0 {
		c.Bench.MetricsPort = 9090
	}
}

// Builder translates a PoolConfig into a pool builder, leaving untouched
// every option the file did not set.
func Builder[C any](pc PoolConfig) *pool.Builder[C] {
	b := pool.NewBuilder[C]()
	if pc.MaxSize > 0 {
		b.MaxSize(pc.MaxSize)
	}
	if pc.MinIdle > 0 {
		b.MinIdle(pc.MinIdle)
	}
	if pc.TestOnCheckOut != nil {
		b.TestOnCheckOut(*pc.TestOnCheckOut)
	}
	if pc.MaxLifetime > 0 {
		b.MaxLifetime(pc.MaxLifetime.Std())
	}
	if pc.IdleTimeout > 0 {
		b.IdleTimeout(pc.IdleTimeout.Std())
	}
	if pc.ConnectionTimeout > 0 {
		b.ConnectionTimeout(pc.ConnectionTimeout.Std())
	}
	if pc.ReaperRate > 0 {
		b.ReaperRate(pc.ReaperRate.Std())
	}
	return b
}
