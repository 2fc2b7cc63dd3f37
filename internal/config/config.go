// Package config loads and watches the wardend YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/DEEJ4Y/warden/internal/logging"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Events    EventsConfig    `yaml:"events"`
	Processes []ProcessConfig `yaml:"processes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console|json
}

// StoreConfig selects the job store.
//
// dsn is a file path for sqlite, a connection URI for mongodb and an
// address or redis:// URL for redis. It is ignored for memory.
type StoreConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	Database   string `yaml:"database"`   // mongodb
	Collection string `yaml:"collection"` // mongodb
	Prefix     string `yaml:"prefix"`     // redis
}

type EngineConfig struct {
	ScanFrequency             string `yaml:"scan_frequency"`
	ScanTriggerInterval       string `yaml:"scan_trigger_interval"`
	Timezone                  string `yaml:"timezone"`
	MaxConcurrentDistribution int    `yaml:"max_concurrent_distribution"`
}

type EventsConfig struct {
	AMQPURL  string   `yaml:"amqp_url"`
	Exchange string   `yaml:"exchange"`
	Types    []string `yaml:"types"`
}

type ProcessConfig struct {
	Name         string   `yaml:"name"`
	Command      []string `yaml:"command"`
	Env          []string `yaml:"env"`
	Workers      int      `yaml:"workers"`
	Inactive     bool     `yaml:"inactive"`
	LockLifetime string   `yaml:"lock_lifetime"`
	MaxRetries   int      `yaml:"max_retries"`
	Timeout      string   `yaml:"timeout"`
}

// Defaults applied by the accessors below.
const (
	DefaultScanFrequency       = 5 * time.Minute
	DefaultScanTriggerInterval = time.Second
	DefaultLockLifetime        = time.Minute
)

var storeDrivers = []string{"memory", "sqlite", "mongodb", "redis"}

// Parse decodes YAML strictly: unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config is empty")
		}
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	// reject trailing documents
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("invalid config: trailing document")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that can be checked without side effects.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}

	driver := c.Store.DriverName()
	if !contains(storeDrivers, driver) {
		return fmt.Errorf("store.driver: unknown driver %q (want one of %s)", c.Store.Driver, strings.Join(storeDrivers, ", "))
	}
	if driver == "sqlite" && strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn is required when store.driver=sqlite")
	}

	if _, err := c.Engine.ScanFrequencyDuration(); err != nil {
		return err
	}
	if _, err := c.Engine.ScanTriggerIntervalDuration(); err != nil {
		return err
	}
	if c.Engine.Timezone != "" {
		if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
			return fmt.Errorf("engine.timezone: %w", err)
		}
	}
	if c.Engine.MaxConcurrentDistribution < 0 {
		return errors.New("engine.max_concurrent_distribution must be >= 0")
	}

	seen := map[string]bool{}
	for i, p := range c.Processes {
		path := fmt.Sprintf("processes[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if seen[name] {
			return fmt.Errorf("%s: duplicate process %q", path, name)
		}
		seen[name] = true
		if !p.Inactive && len(p.Command) == 0 {
			return fmt.Errorf("%s.command is required", path)
		}
		if p.Workers < 0 {
			return fmt.Errorf("%s.workers must be >= 0", path)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("%s.max_retries must be >= 0", path)
		}
		if _, err := ParseDurationField(path+".lock_lifetime", p.LockLifetime); err != nil {
			return err
		}
		if _, err := ParseDurationField(path+".timeout", p.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// DriverName returns the lower-cased driver, memory when unset.
func (s StoreConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	if d == "" {
		return "memory"
	}
	return d
}

func (e EngineConfig) ScanFrequencyDuration() (time.Duration, error) {
	return ParseDurationOrDefault("engine.scan_frequency", e.ScanFrequency, DefaultScanFrequency)
}

func (e EngineConfig) ScanTriggerIntervalDuration() (time.Duration, error) {
	return ParseDurationOrDefault("engine.scan_trigger_interval", e.ScanTriggerInterval, DefaultScanTriggerInterval)
}

func (p ProcessConfig) LockLifetimeDuration() time.Duration {
	d, _ := ParseDurationOrDefault("lock_lifetime", p.LockLifetime, DefaultLockLifetime)
	return d
}

// TimeoutDuration is zero when the process has no timeout.
func (p ProcessConfig) TimeoutDuration() time.Duration {
	d, _ := ParseDurationField("timeout", p.Timeout)
	return d
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
