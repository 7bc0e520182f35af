// Package config loads server settings from an optional YAML file with
// environment variable overrides. A .env file in the working directory is
// loaded first so deployments can keep overrides alongside the binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults match the Qwen free tier: 2000 requests per account per UTC day,
// and the provider's 300 second recommendation for long completions.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8080
	DefaultDBPath          = "nexus.db"
	DefaultDailyCap        = 2000
	DefaultModel           = "qwen3-coder-plus"
	DefaultRefreshBuffer   = 30 * time.Second
	DefaultUpstreamTimeout = 300 * time.Second
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "5m". Bare numbers are read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds every tunable of the server and CLI.
type Config struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	DBPath          string   `yaml:"db_path"`
	DailyCap        int      `yaml:"daily_cap"`
	DefaultModel    string   `yaml:"default_model"`
	RefreshBuffer   Duration `yaml:"refresh_buffer"`
	UpstreamTimeout Duration `yaml:"upstream_timeout"`
	AdminPassword   string   `yaml:"admin_password"`
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaults() *Config {
	return &Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		DBPath:          DefaultDBPath,
		DailyCap:        DefaultDailyCap,
		DefaultModel:    DefaultModel,
		RefreshBuffer:   Duration(DefaultRefreshBuffer),
		UpstreamTimeout: Duration(DefaultUpstreamTimeout),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment variables. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	// Ignore a missing .env; it is optional.
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.DailyCap <= 0 {
		return nil, fmt.Errorf("invalid daily_cap %d", cfg.DailyCap)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("NEXUS_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("NEXUS_DAILY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DailyCap = n
		}
	}
	if v := os.Getenv("NEXUS_DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("NEXUS_REFRESH_BUFFER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RefreshBuffer = Duration(d)
		}
	}
	if v := os.Getenv("NEXUS_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.UpstreamTimeout = Duration(d)
		}
	}
	if v := os.Getenv("NEXUS_ADMIN_PASSWORD"); v != "" {
		c.AdminPassword = v
	}
}
