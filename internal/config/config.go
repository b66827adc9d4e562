package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv     = "PAPER_RESEARCHER_CONFIG"
	databasePathEnv   = "DATABASE_PATH"
	oracleAPIKeyEnv   = "ORACLE_API_KEY"
	oracleEndpointEnv = "ORACLE_ENDPOINT"
	oracleModelEnv    = "ORACLE_MODEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging   LoggingConfig  `yaml:"logging"`
	Database  DatabaseConfig `yaml:"database"`
	Oracle    OracleConfig   `yaml:"oracle"`
	Documents DocumentConfig `yaml:"documents"`
	Funnel    FunnelConfig   `yaml:"funnel"`
	Export    ExportConfig   `yaml:"export"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig locates the SQLite item store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// OracleConfig defines how to contact the assessment oracle API.
type OracleConfig struct {
	Endpoint          string  `yaml:"endpoint"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"apiKey"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// DocumentConfig locates downloaded primary documents.
type DocumentConfig struct {
	Dir string `yaml:"dir"`
}

// FunnelConfig carries the default funnel parameters; CLI flags override
// them per run.
type FunnelConfig struct {
	MaxSearch     int `yaml:"maxSearch"`
	MaxAnalysis   int `yaml:"maxAnalysis"`
	Threshold     int `yaml:"threshold"`
	MaxConcurrent int `yaml:"maxConcurrent"`
}

// ExportConfig locates generated reports.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Validate reports configuration problems that must stop a run before any
// record is touched.
func (c Config) Validate() error {
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle api key is not configured (set %s)", oracleAPIKeyEnv)
	}
	if c.Oracle.Endpoint == "" || c.Oracle.Model == "" {
		return fmt.Errorf("oracle endpoint and model must be configured")
	}
	if c.Funnel.MaxSearch <= 0 {
		return fmt.Errorf("funnel maxSearch must be positive, got %d", c.Funnel.MaxSearch)
	}
	if c.Funnel.MaxAnalysis <= 0 {
		return fmt.Errorf("funnel maxAnalysis must be positive, got %d", c.Funnel.MaxAnalysis)
	}
	if c.Funnel.Threshold < 0 || c.Funnel.Threshold > 100 {
		return fmt.Errorf("funnel threshold must be in [0,100], got %d", c.Funnel.Threshold)
	}
	if c.Funnel.MaxConcurrent <= 0 {
		return fmt.Errorf("funnel maxConcurrent must be positive, got %d", c.Funnel.MaxConcurrent)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databasePathEnv); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(oracleAPIKeyEnv); v != "" {
		c.Oracle.APIKey = v
	}
	if v := os.Getenv(oracleEndpointEnv); v != "" {
		c.Oracle.Endpoint = v
	}
	if v := os.Getenv(oracleModelEnv); v != "" {
		c.Oracle.Model = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Database.Path != "" {
		base.Database.Path = override.Database.Path
	}

	if override.Oracle.Endpoint != "" {
		base.Oracle.Endpoint = override.Oracle.Endpoint
	}
	if override.Oracle.Model != "" {
		base.Oracle.Model = override.Oracle.Model
	}
	if override.Oracle.APIKey != "" {
		base.Oracle.APIKey = override.Oracle.APIKey
	}
	if override.Oracle.RequestsPerSecond > 0 {
		base.Oracle.RequestsPerSecond = override.Oracle.RequestsPerSecond
	}
	if override.Oracle.Burst > 0 {
		base.Oracle.Burst = override.Oracle.Burst
	}

	if override.Documents.Dir != "" {
		base.Documents.Dir = override.Documents.Dir
	}
	if override.Export.Dir != "" {
		base.Export.Dir = override.Export.Dir
	}

	if override.Funnel.MaxSearch > 0 {
		base.Funnel.MaxSearch = override.Funnel.MaxSearch
	}
	if override.Funnel.MaxAnalysis > 0 {
		base.Funnel.MaxAnalysis = override.Funnel.MaxAnalysis
	}
	if override.Funnel.Threshold > 0 {
		base.Funnel.Threshold = override.Funnel.Threshold
	}
	if override.Funnel.MaxConcurrent > 0 {
		base.Funnel.MaxConcurrent = override.Funnel.MaxConcurrent
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging:   LoggingConfig{Level: "info"},
		Database:  DatabaseConfig{Path: "data/papers.db"},
		Documents: DocumentConfig{Dir: "papers_output/pdfs"},
		Export:    ExportConfig{Dir: "papers_output"},
		Oracle: OracleConfig{
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Funnel: FunnelConfig{
			MaxSearch:     100,
			MaxAnalysis:   20,
			Threshold:     60,
			MaxConcurrent: 20,
		},
	}
}
