package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Store.Port)
	assert.Equal(t, 3, cfg.Batch.RetryTimes)
	assert.Equal(t, 2000, cfg.Batch.UpsertBatchSize)
	assert.Equal(t, 500, cfg.RateLimit["default"])
	assert.Equal(t, "SSE", cfg.Exchange)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etl.yaml")
	body := `
store:
  host: db.internal
  database: warehouse
upstream:
  token: tok-123
rate_limit:
  default: 200
  margin: 90
batch:
  concurrency: 2
pipeline:
  afternoon:
    lenient: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Store.Host)
	assert.Equal(t, "warehouse", cfg.Store.Database)
	assert.Equal(t, "tok-123", cfg.Upstream.Token)
	assert.Equal(t, 200, cfg.RateLimit["default"])
	assert.Equal(t, 90, cfg.RateLimit["margin"])
	assert.Equal(t, 2, cfg.Batch.Concurrency)

	lenient, ok := cfg.LenientFor("afternoon")
	assert.True(t, ok)
	assert.True(t, lenient)

	_, ok = cfg.LenientFor("evening")
	assert.False(t, ok)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("STORE_HOST", "env-host")
	t.Setenv("UPSTREAM_TOKEN", "env-token")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.Store.Host)
	assert.Equal(t, "env-token", cfg.Upstream.Token)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Batch.Concurrency = 0 }},
		{"oversized batch", func(c *Config) { c.Batch.UpsertBatchSize = 10000 }},
		{"bad start date", func(c *Config) { c.StartDate = 42 }},
		{"non-positive bucket", func(c *Config) { c.RateLimit["default"] = 0 }},
		{"missing database", func(c *Config) { c.Store.Database = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStoreDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.Password = "pw"
	assert.Equal(t,
		"host=127.0.0.1 port=5432 user=postgres password=pw dbname=ashare sslmode=disable",
		cfg.Store.DSN())
}
