/*
Package config loads engine configuration.

PRECEDENCE (lowest to highest):
  1. Built-in defaults (below)
  2. Optional config file (YAML; --config flag or ASSESS_CONFIG)
  3. Environment variables, prefix ASSESS_, "." replaced by "_"
     e.g. ASSESS_DATABASE_PATH, ASSESS_SWEEP_INTERVAL=30m

The registry list can only come from defaults or the file.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Registry kinds.
const (
	KindSQL  = "sql"
	KindHTTP = "http"
)

// Config holds application configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Log        LogConfig
	Sweep      SweepConfig
	Generation GenerationConfig
	Registries []RegistryConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// LogConfig selects the zap preset and level.
type LogConfig struct {
	Level       string
	Development bool
}

// SweepConfig drives the background auto-return sweep.
type SweepConfig struct {
	Enabled  bool
	Interval time.Duration
	Operator string
}

// GenerationConfig bounds registry reads during generation.
type GenerationConfig struct {
	RegistryTimeout time.Duration `mapstructure:"registry_timeout"`
}

// RegistryConfig declares one upstream registry adapter.
type RegistryConfig struct {
	Name    string
	Kind    string
	URL     string
	Timeout time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.path", "./data/assessments.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", "24h")
	v.SetDefault("sweep.operator", "auto-sweep")
	v.SetDefault("generation.registry_timeout", "30s")
	v.SetDefault("registries", []map[string]any{
		{"name": "complaint", "kind": KindSQL},
		{"name": "rework", "kind": KindSQL},
		{"name": "exception", "kind": KindSQL},
	})
}

// Load reads configuration from defaults, an optional file and env.
// A missing file at an explicit path is an error; no path means defaults+env.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("ASSESS_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("ASSESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate catches configuration mistakes at startup rather than mid-run.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive when the sweep is enabled"))
	}
	seen := map[string]bool{}
	for i, r := range c.Registries {
		switch {
		case r.Name == "":
			errs = append(errs, fmt.Errorf("registries[%d]: name is required", i))
		case seen[r.Name]:
			errs = append(errs, fmt.Errorf("registries[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
		switch r.Kind {
		case KindSQL:
		case KindHTTP:
			if r.URL == "" {
				errs = append(errs, fmt.Errorf("registries[%d]: url is required for kind http", i))
			}
		default:
			errs = append(errs, fmt.Errorf("registries[%d]: unknown kind %q", i, r.Kind))
		}
	}
	return errors.Join(errs...)
}

// TimeoutFor returns the registry's own timeout or the generation default.
func (c Config) TimeoutFor(r RegistryConfig) time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return c.Generation.RegistryTimeout
}
