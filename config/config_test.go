package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ASSESS_CONFIG", "")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "./data/assessments.db", cfg.Database.Path)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, 30*time.Second, cfg.Generation.RegistryTimeout)

	require.Len(t, cfg.Registries, 3)
	names := []string{cfg.Registries[0].Name, cfg.Registries[1].Name, cfg.Registries[2].Name}
	assert.ElementsMatch(t, []string{"complaint", "rework", "exception"}, names)
	for _, r := range cfg.Registries {
		assert.Equal(t, config.KindSQL, r.Kind)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
database:
  path: /tmp/engine.db
sweep:
  interval: 1h
registries:
  - name: complaint
    kind: sql
  - name: supplier
    kind: http
    url: http://supplier.internal
    timeout: 5s
`), 0o600))

	t.Setenv("ASSESS_SERVER_PORT", "9191")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port, "env wins over file")
	assert.Equal(t, "/tmp/engine.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	require.Len(t, cfg.Registries, 2)
	assert.Equal(t, "http://supplier.internal", cfg.Registries[1].URL)
	assert.Equal(t, 5*time.Second, cfg.TimeoutFor(cfg.Registries[1]))
	assert.Equal(t, 30*time.Second, cfg.TimeoutFor(cfg.Registries[0]))
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Database: config.DatabaseConfig{Path: "x.db"},
		Registries: []config.RegistryConfig{
			{Name: "complaint", Kind: config.KindSQL},
			{Name: "complaint", Kind: config.KindSQL},
			{Name: "remote", Kind: config.KindHTTP},
			{Name: "odd", Kind: "ftp"},
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
	assert.Contains(t, err.Error(), "url is required")
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestNewLogger(t *testing.T) {
	logger, err := config.NewLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = config.NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
