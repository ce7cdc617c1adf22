// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chakra configuration.
type Config struct {
	// Server settings
	Server ServerConfig `toml:"server" json:"server"`

	// Ollama model endpoint settings
	Ollama OllamaConfig `toml:"ollama" json:"ollama"`

	// Refinement loop settings
	Refine RefineConfig `toml:"refine" json:"refine"`

	// Solution memory settings
	Memory MemoryConfig `toml:"memory" json:"memory"`

	// Document retrieval settings
	RAG RAGConfig `toml:"rag" json:"rag"`

	// Analytics settings
	Analytics AnalyticsConfig `toml:"analytics" json:"analytics"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the listen address.
	Host string `toml:"host" json:"host"`
	// Port is the listen port.
	Port int `toml:"port" json:"port"`
	// RatePerSec is the per-IP request rate (token bucket refill rate).
	RatePerSec float64 `toml:"rate_per_sec" json:"rate_per_sec"`
	// RateBurst is the per-IP burst allowance.
	RateBurst int `toml:"rate_burst" json:"rate_burst"`
	// MaxBodyBytes caps the request body size.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`
}

// OllamaConfig contains the local model endpoint configuration.
type OllamaConfig struct {
	// URL is the Ollama server endpoint.
	URL string `toml:"url" json:"url"`
	// Model is the model name every stage uses.
	Model string `toml:"model" json:"model"`
	// FastMode selects the low-latency sampling profile.
	FastMode bool `toml:"fast_mode" json:"fast_mode"`
	// TimeoutSecs is the wall-clock budget per model call in seconds.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// RefineConfig contains the iteration loop defaults. Per-request values
// in the API body override these.
type RefineConfig struct {
	// MaxIterations is the iteration cap per run.
	MaxIterations int `toml:"max_iterations" json:"max_iterations"`
	// MinImprovement is the plateau threshold: a score gain strictly
	// below it stops the run.
	MinImprovement float64 `toml:"min_improvement_threshold" json:"min_improvement_threshold"`
	// ScoreCeiling stops the run once the score reaches it.
	ScoreCeiling float64 `toml:"score_ceiling" json:"score_ceiling"`
}

// MemoryConfig contains the solution memory configuration.
type MemoryConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path"`
	// StoreThreshold is the minimum final score for storing a solution.
	StoreThreshold float64 `toml:"store_threshold" json:"store_threshold"`
	// MinScore is the quality floor for retrieved examples.
	MinScore float64 `toml:"min_score" json:"min_score"`
	// SimilarityFloor is the minimum word overlap for retrieved examples.
	SimilarityFloor float64 `toml:"similarity_floor" json:"similarity_floor"`
	// ExampleLimit is how many past solutions feed the first prompt.
	ExampleLimit int `toml:"example_limit" json:"example_limit"`
}

// RAGConfig contains the document retrieval configuration.
type RAGConfig struct {
	// DocsDir is the directory holding source documents.
	DocsDir string `toml:"docs_dir" json:"docs_dir"`
	// TopK is how many chunks ground each prompt.
	TopK int `toml:"top_k" json:"top_k"`
	// Watch reloads the store when documents change on disk.
	Watch bool `toml:"watch" json:"watch"`
	// DebounceMS batches file events before a reload.
	DebounceMS int `toml:"debounce_ms" json:"debounce_ms"`
}

// AnalyticsConfig contains the run history configuration.
type AnalyticsConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path"`
	// Keep caps stored task history.
	Keep int `toml:"keep" json:"keep"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			RatePerSec:   5,
			RateBurst:    10,
			MaxBodyBytes: 1 << 20, // 1MB
		},

		Ollama: OllamaConfig{
			URL:         "http://localhost:11434",
			Model:       "qwen2.5:1.5b",
			FastMode:    true,
			TimeoutSecs: 120,
		},

		Refine: RefineConfig{
			MaxIterations:  3,
			MinImprovement: 0.05,
			ScoreCeiling:   0.95,
		},

		Memory: MemoryConfig{
			Path:            "data/memory.db",
			StoreThreshold:  0.6,
			MinScore:        0.7,
			SimilarityFloor: 0.2,
			ExampleLimit:    3,
		},

		RAG: RAGConfig{
			DocsDir:    "data/documents",
			TopK:       3,
			Watch:      true,
			DebounceMS: 500,
		},

		Analytics: AnalyticsConfig{
			Path: "data/analytics.db",
			Keep: 100,
		},
	}
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load loads configuration from the TOML file at path. A missing file is
// not an error: defaults apply. Environment overrides are applied last,
// then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# chakra configuration file")
	fmt.Fprintln(file, "# Generated by chakra - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}
	if c.Server.RatePerSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_per_sec",
			Message: "must be positive",
		})
	}
	if c.Server.RateBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_burst",
			Message: "must be at least 1",
		})
	}
	if c.Server.MaxBodyBytes < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_bytes",
			Message: "must be positive",
		})
	}

	// Ollama
	if u, err := url.Parse(c.Ollama.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "ollama.url",
			Message: fmt.Sprintf("must be an http(s) URL, got '%s'", c.Ollama.URL),
		})
	}
	if c.Ollama.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "ollama.model",
			Message: "must not be empty",
		})
	}
	if c.Ollama.TimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "ollama.timeout_secs",
			Message: fmt.Sprintf("must be at least 1 second, got %d", c.Ollama.TimeoutSecs),
		})
	}

	// Refine (same bounds the per-request validation enforces)
	if c.Refine.MaxIterations < 1 || c.Refine.MaxIterations > 10 {
		errs = append(errs, ValidationError{
			Field:   "refine.max_iterations",
			Message: fmt.Sprintf("must be 1-10, got %d", c.Refine.MaxIterations),
		})
	}
	if c.Refine.MinImprovement < 0 || c.Refine.MinImprovement >= 1 {
		errs = append(errs, ValidationError{
			Field:   "refine.min_improvement_threshold",
			Message: fmt.Sprintf("must be in [0, 1), got %g", c.Refine.MinImprovement),
		})
	}
	if c.Refine.ScoreCeiling <= 0 || c.Refine.ScoreCeiling > 1 {
		errs = append(errs, ValidationError{
			Field:   "refine.score_ceiling",
			Message: fmt.Sprintf("must be in (0, 1], got %g", c.Refine.ScoreCeiling),
		})
	}

	// Memory
	if c.Memory.StoreThreshold < 0 || c.Memory.StoreThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "memory.store_threshold",
			Message: "must be between 0.0 and 1.0",
		})
	}
	if c.Memory.MinScore < 0 || c.Memory.MinScore > 1 {
		errs = append(errs, ValidationError{
			Field:   "memory.min_score",
			Message: "must be between 0.0 and 1.0",
		})
	}
	if c.Memory.SimilarityFloor < 0 || c.Memory.SimilarityFloor >= 1 {
		errs = append(errs, ValidationError{
			Field:   "memory.similarity_floor",
			Message: "must be in [0, 1)",
		})
	}
	if c.Memory.ExampleLimit < 0 || c.Memory.ExampleLimit > 10 {
		errs = append(errs, ValidationError{
			Field:   "memory.example_limit",
			Message: fmt.Sprintf("must be 0-10, got %d", c.Memory.ExampleLimit),
		})
	}

	// RAG
	if c.RAG.TopK < 1 || c.RAG.TopK > 20 {
		errs = append(errs, ValidationError{
			Field:   "rag.top_k",
			Message: fmt.Sprintf("must be 1-20, got %d", c.RAG.TopK),
		})
	}
	if c.RAG.DebounceMS < 0 {
		errs = append(errs, ValidationError{
			Field:   "rag.debounce_ms",
			Message: "must be non-negative",
		})
	}

	// Analytics
	if c.Analytics.Keep < 1 || c.Analytics.Keep > 10000 {
		errs = append(errs, ValidationError{
			Field:   "analytics.keep",
			Message: fmt.Sprintf("must be 1-10000, got %d", c.Analytics.Keep),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value
// configuration fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	// Server
	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.RatePerSec == 0 {
		c.Server.RatePerSec = defaults.Server.RatePerSec
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = defaults.Server.RateBurst
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}

	// Ollama
	if c.Ollama.URL == "" {
		c.Ollama.URL = defaults.Ollama.URL
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = defaults.Ollama.Model
	}
	if c.Ollama.TimeoutSecs == 0 {
		c.Ollama.TimeoutSecs = defaults.Ollama.TimeoutSecs
	}

	// Refine
	if c.Refine.MaxIterations == 0 {
		c.Refine.MaxIterations = defaults.Refine.MaxIterations
	}
	if c.Refine.MinImprovement == 0 {
		c.Refine.MinImprovement = defaults.Refine.MinImprovement
	}
	if c.Refine.ScoreCeiling == 0 {
		c.Refine.ScoreCeiling = defaults.Refine.ScoreCeiling
	}

	// Memory
	if c.Memory.Path == "" {
		c.Memory.Path = defaults.Memory.Path
	}
	if c.Memory.StoreThreshold == 0 {
		c.Memory.StoreThreshold = defaults.Memory.StoreThreshold
	}
	if c.Memory.MinScore == 0 {
		c.Memory.MinScore = defaults.Memory.MinScore
	}
	if c.Memory.SimilarityFloor == 0 {
		c.Memory.SimilarityFloor = defaults.Memory.SimilarityFloor
	}
	if c.Memory.ExampleLimit == 0 {
		c.Memory.ExampleLimit = defaults.Memory.ExampleLimit
	}

	// RAG
	if c.RAG.DocsDir == "" {
		c.RAG.DocsDir = defaults.RAG.DocsDir
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = defaults.RAG.TopK
	}
	if c.RAG.DebounceMS == 0 {
		c.RAG.DebounceMS = defaults.RAG.DebounceMS
	}

	// Analytics
	if c.Analytics.Path == "" {
		c.Analytics.Path = defaults.Analytics.Path
	}
	if c.Analytics.Keep == 0 {
		c.Analytics.Keep = defaults.Analytics.Keep
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - CHAKRA_HOST: overrides server.host
//   - CHAKRA_PORT: overrides server.port
//   - CHAKRA_OLLAMA_URL: overrides ollama.url
//   - CHAKRA_MODEL: overrides ollama.model
//   - CHAKRA_FAST: "1" or "true" enables fast mode, anything else disables
//   - CHAKRA_DOCS_DIR: overrides rag.docs_dir
//   - CHAKRA_MEMORY_DB: overrides memory.path
//   - CHAKRA_ANALYTICS_DB: overrides analytics.path
func (c *Config) ApplyEnvOverrides() {
	if host := os.Getenv("CHAKRA_HOST"); host != "" {
		c.Server.Host = host
	}

	if port := os.Getenv("CHAKRA_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if u := os.Getenv("CHAKRA_OLLAMA_URL"); u != "" {
		c.Ollama.URL = u
	}

	if model := os.Getenv("CHAKRA_MODEL"); model != "" {
		c.Ollama.Model = model
	}

	if fast := os.Getenv("CHAKRA_FAST"); fast != "" {
		c.Ollama.FastMode = fast == "1" || strings.ToLower(fast) == "true"
	}

	if dir := os.Getenv("CHAKRA_DOCS_DIR"); dir != "" {
		c.RAG.DocsDir = dir
	}

	if path := os.Getenv("CHAKRA_MEMORY_DB"); path != "" {
		c.Memory.Path = path
	}

	if path := os.Getenv("CHAKRA_ANALYTICS_DB"); path != "" {
		c.Analytics.Path = path
	}
}
