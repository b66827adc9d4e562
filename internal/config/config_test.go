package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{configPathEnv, databasePathEnv, oracleAPIKeyEnv, oracleEndpointEnv, oracleModelEnv} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "data/papers.db", cfg.Database.Path)
	assert.Equal(t, 100, cfg.Funnel.MaxSearch)
	assert.Equal(t, 20, cfg.Funnel.MaxAnalysis)
	assert.Equal(t, 60, cfg.Funnel.Threshold)
	assert.Equal(t, 20, cfg.Funnel.MaxConcurrent)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
funnel:
  threshold: 75
oracle:
  model: gpt-4o
`), 0o644))
	t.Setenv("PAPER_RESEARCHER_CONFIG", path)

	cfg := Load()

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 75, cfg.Funnel.Threshold)
	assert.Equal(t, "gpt-4o", cfg.Oracle.Model)
	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Funnel.MaxSearch)
	assert.Equal(t, "data/papers.db", cfg.Database.Path)
}

func TestLoadEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: from-file.db
oracle:
  apiKey: from-file
`), 0o644))
	t.Setenv("PAPER_RESEARCHER_CONFIG", path)
	t.Setenv("DATABASE_PATH", "from-env.db")
	t.Setenv("ORACLE_API_KEY", "from-env")

	cfg := Load()

	assert.Equal(t, "from-env.db", cfg.Database.Path)
	assert.Equal(t, "from-env", cfg.Oracle.APIKey)
}

func TestValidate(t *testing.T) {
	valid := defaultConfig()
	valid.Oracle.APIKey = "key"
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api key", func(c *Config) { c.Oracle.APIKey = "" }},
		{"missing endpoint", func(c *Config) { c.Oracle.Endpoint = "" }},
		{"non-positive max search", func(c *Config) { c.Funnel.MaxSearch = 0 }},
		{"non-positive max analysis", func(c *Config) { c.Funnel.MaxAnalysis = -1 }},
		{"threshold out of range", func(c *Config) { c.Funnel.Threshold = 101 }},
		{"non-positive concurrency", func(c *Config) { c.Funnel.MaxConcurrent = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Oracle.APIKey = "key"
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
