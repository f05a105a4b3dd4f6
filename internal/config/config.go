// Package config loads the intentctl service configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/intentflow/internal/logging"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	AdminAddr   string
	CorsOrigins []string
	QueueSize   int
	Log         LogConfig
	Demo        DemoConfig
}

type LogConfig struct {
	Level     string
	Timestamp bool
	NoColor   bool
}

// DemoConfig tunes the demo rule and channel registered by intentctl serve.
type DemoConfig struct {
	LoadDelay    time.Duration
	TickInterval time.Duration
}

type fileConfig struct {
	AdminAddr   string   `toml:"admin_addr"`
	CorsOrigins []string `toml:"cors_origins"`
	QueueSize   int      `toml:"queue_size"`
	Log         struct {
		Level     string `toml:"level"`
		Timestamp bool   `toml:"timestamp"`
		NoColor   bool   `toml:"no_color"`
	} `toml:"log"`
	Demo struct {
		LoadDelay    string `toml:"load_delay"`
		TickInterval string `toml:"tick_interval"`
	} `toml:"demo"`
}

func Default() Config {
	return Config{
		AdminAddr:   "127.0.0.1:7420",
		CorsOrigins: []string{"http://localhost:3000"},
		QueueSize:   256,
		Log: LogConfig{
			Level:     "info",
			Timestamp: true,
		},
		Demo: DemoConfig{
			LoadDelay:    250 * time.Millisecond,
			TickInterval: time.Second,
		},
	}
}

// Load overlays the keys defined in the file at path onto Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("demo", "load_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Demo.LoadDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse demo.load_delay: %w", err)
		}
		cfg.Demo.LoadDelay = d
	}
	if meta.IsDefined("demo", "tick_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Demo.TickInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse demo.tick_interval: %w", err)
		}
		cfg.Demo.TickInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AdminAddr) == "" {
		return fmt.Errorf("%w: admin_addr is required", ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
		return fmt.Errorf("%w: admin_addr %q: %v", ErrInvalid, c.AdminAddr, err)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalid)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}
	if c.Demo.LoadDelay < 0 {
		return fmt.Errorf("%w: demo.load_delay must not be negative", ErrInvalid)
	}
	if c.Demo.TickInterval <= 0 {
		return fmt.Errorf("%w: demo.tick_interval must be positive", ErrInvalid)
	}
	return nil
}

// Logging resolves the log section into a logger setup.
func (c Config) Logging() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:     level,
		Timestamp: c.Log.Timestamp,
		NoColor:   c.Log.NoColor,
	}
}

func normalizeOrigins(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
