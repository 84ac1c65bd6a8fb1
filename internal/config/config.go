// Package config loads the engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hotaggr/internal/llm"
	"hotaggr/internal/storage"
)

// Config is the full engine configuration as loaded from YAML. Durations
// are strings in the file ("30s", "2h") and parsed on the way in.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	LLM         LLMConfig         `yaml:"llm"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Merge       MergeConfig       `yaml:"merge"`
}

// DatabaseConfig selects the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig configures the model client shared by aggregation and merge.
type LLMConfig struct {
	Model              string  `yaml:"model,omitempty"`
	MaxConcurrentCalls int64   `yaml:"max_concurrent_calls"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	MaxRetries         int     `yaml:"max_retries"`
	InitialBackoff     string  `yaml:"initial_backoff"`
	MaxBackoff         string  `yaml:"max_backoff"`
	RequestTimeout     string  `yaml:"request_timeout"`
	FailureThreshold   int     `yaml:"failure_threshold"`
	OpenTimeout        string  `yaml:"open_timeout"`
}

// AggregationConfig tunes the batch classification pass.
type AggregationConfig struct {
	BatchSize         int     `yaml:"batch_size"`
	MaxBatchBytes     int     `yaml:"max_batch_bytes"`
	MaxPasses         int     `yaml:"max_passes"`
	RecentEventLimit  int     `yaml:"recent_event_limit"`
	RecentEventWindow string  `yaml:"recent_event_window"`
	AcceptCoverage    float64 `yaml:"accept_coverage"`
	RejectCoverage    float64 `yaml:"reject_coverage"`
	SummaryCacheTTL   string  `yaml:"summary_cache_ttl"`
	NewsFetchLimit    int     `yaml:"news_fetch_limit"`
}

// MergeConfig tunes the pairwise merge analysis pass.
type MergeConfig struct {
	CandidateLimit      int     `yaml:"candidate_limit"`
	CandidateWindow     string  `yaml:"candidate_window"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: storage.DefaultConfig().Path},
		LLM: LLMConfig{
			MaxConcurrentCalls: 4,
			RequestsPerSecond:  2,
			MaxRetries:         3,
			InitialBackoff:     "1s",
			MaxBackoff:         "30s",
			RequestTimeout:     "60s",
			FailureThreshold:   5,
			OpenTimeout:        "30s",
		},
		Aggregation: AggregationConfig{
			BatchSize:         20,
			MaxBatchBytes:     16384,
			MaxPasses:         2,
			RecentEventLimit:  50,
			RecentEventWindow: "72h",
			AcceptCoverage:    0.8,
			RejectCoverage:    0.3,
			SummaryCacheTTL:   "5m",
			NewsFetchLimit:    200,
		},
		Merge: MergeConfig{
			CandidateLimit:      30,
			CandidateWindow:     "72h",
			ConfidenceThreshold: 0.75,
		},
	}
}

// Load reads a YAML config file, filling unset fields from defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts of the config that would otherwise fail deep
// inside a run.
func (c *Config) Validate() error {
	if c.Aggregation.BatchSize <= 0 {
		return fmt.Errorf("aggregation.batch_size must be positive, got %d", c.Aggregation.BatchSize)
	}
	if c.Aggregation.AcceptCoverage < c.Aggregation.RejectCoverage {
		return fmt.Errorf("aggregation.accept_coverage (%.2f) must be >= reject_coverage (%.2f)",
			c.Aggregation.AcceptCoverage, c.Aggregation.RejectCoverage)
	}
	if c.Merge.ConfidenceThreshold < 0 || c.Merge.ConfidenceThreshold > 1 {
		return fmt.Errorf("merge.confidence_threshold must be in [0,1], got %.2f", c.Merge.ConfidenceThreshold)
	}
	for name, raw := range map[string]string{
		"llm.initial_backoff":             c.LLM.InitialBackoff,
		"llm.max_backoff":                 c.LLM.MaxBackoff,
		"llm.request_timeout":             c.LLM.RequestTimeout,
		"llm.open_timeout":                c.LLM.OpenTimeout,
		"aggregation.recent_event_window": c.Aggregation.RecentEventWindow,
		"aggregation.summary_cache_ttl":   c.Aggregation.SummaryCacheTTL,
		"merge.candidate_window":          c.Merge.CandidateWindow,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
	}
	return nil
}

// SaveDefault writes the default configuration to a file.
func SaveDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// duration parses a duration string, returning fallback for empty input.
// Load has already validated the string, so errors fall back too.
func duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// RetryConfig converts the LLM section into retry settings.
func (c *LLMConfig) RetryConfig() llm.RetryConfig {
	cfg := llm.DefaultRetryConfig()
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	cfg.InitialBackoff = duration(c.InitialBackoff, cfg.InitialBackoff)
	cfg.MaxBackoff = duration(c.MaxBackoff, cfg.MaxBackoff)
	cfg.Timeout = duration(c.RequestTimeout, cfg.Timeout)
	return cfg
}

// ClientConfig converts the LLM section into client settings. The API key
// comes from the environment, never the config file.
func (c *LLMConfig) ClientConfig() llm.ClientConfig {
	return llm.ClientConfig{
		Model:              c.Model,
		MaxConcurrentCalls: c.MaxConcurrentCalls,
		RequestsPerSecond:  c.RequestsPerSecond,
		FailureThreshold:   c.FailureThreshold,
		OpenTimeout:        duration(c.OpenTimeout, 30*time.Second),
	}
}

// RecentEventWindowDuration returns the parsed recent-event window.
func (c *AggregationConfig) RecentEventWindowDuration() time.Duration {
	return duration(c.RecentEventWindow, 72*time.Hour)
}

// SummaryCacheTTLDuration returns the parsed summary cache TTL.
func (c *AggregationConfig) SummaryCacheTTLDuration() time.Duration {
	return duration(c.SummaryCacheTTL, 5*time.Minute)
}

// CandidateWindowDuration returns the parsed merge candidate window.
func (c *MergeConfig) CandidateWindowDuration() time.Duration {
	return duration(c.CandidateWindow, 72*time.Hour)
}
