// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-chatcore/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatcore configuration.
type Config struct {
	Endpoint EndpointConfig `toml:"endpoint" json:"endpoint"`
	Tools    ToolsConfig    `toml:"tools" json:"tools"`
	Storage  StorageConfig  `toml:"storage" json:"storage"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" json:"metrics"`
}

// EndpointConfig describes the OpenAI-compatible chat-completion endpoint.
type EndpointConfig struct {
	// BaseURL is the API root; requests go to {BaseURL}/chat/completions
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey is sent as a bearer token when set
	APIKey string `toml:"api_key" json:"api_key"`
	// Model is the default model name
	Model string `toml:"model" json:"model"`
	// Stream requests text/event-stream responses
	Stream bool `toml:"stream" json:"stream"`
	// TimeoutSecs bounds a non-streaming request (0 = client default)
	TimeoutSecs int `toml:"timeout" json:"timeout"`
	// MaxRetries is the retry budget for transport errors before any byte is read
	MaxRetries int `toml:"max_retries" json:"max_retries"`
	// RequestsPerSecond limits outbound calls (0 = unlimited)
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	// Burst is the rate limiter bucket size
	Burst int `toml:"burst" json:"burst"`
}

// Timeout returns TimeoutSecs as a duration.
func (e EndpointConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

// ToolsConfig controls the tool-calling loop.
type ToolsConfig struct {
	// MaxToolIterations is the number of tool rounds before a forced final answer
	MaxToolIterations int `toml:"max_tool_iterations" json:"max_tool_iterations"`
	// SummarizePrompt replaces the built-in wrap-up instruction when set
	SummarizePrompt string `toml:"summarize_prompt" json:"summarize_prompt"`
	// Builtins registers the built-in tools (current_time)
	Builtins bool `toml:"builtins" json:"builtins"`
}

// StorageConfig selects the conversation store.
type StorageConfig struct {
	// Backend is sqlite, file or memory
	Backend string `toml:"backend" json:"backend"`
	// DataDir holds the database or conversation files
	DataDir string `toml:"data_dir" json:"data_dir"`
	// CacheSize is the number of decoded conversations kept in memory
	CacheSize int `toml:"cache_size" json:"cache_size"`
	// MaxConversations prunes the oldest conversations (0 = unlimited)
	MaxConversations int `toml:"max_conversations" json:"max_conversations"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `toml:"level" json:"level"`
	// File receives log output instead of stderr when set
	File string `toml:"file" json:"file"`
}

// SlogLevel maps Level to a slog level. Unknown values map to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddr serves /metrics when set, e.g. "127.0.0.1:9464"
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default values.
const (
	DefaultBaseURL           = "https://api.openai.com/v1"
	DefaultModel             = "gpt-4o-mini"
	DefaultTimeoutSecs       = 120
	DefaultMaxRetries        = 3
	DefaultMaxToolIterations = 10
	DefaultBackend           = "sqlite"
	DefaultCacheSize         = 32
	DefaultMaxConversations  = 500
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			BaseURL:     DefaultBaseURL,
			Model:       DefaultModel,
			Stream:      true,
			TimeoutSecs: DefaultTimeoutSecs,
			MaxRetries:  DefaultMaxRetries,
			Burst:       1,
		},
		Tools: ToolsConfig{
			MaxToolIterations: DefaultMaxToolIterations,
			Builtins:          true,
		},
		Storage: StorageConfig{
			Backend:          DefaultBackend,
			DataDir:          defaultDataDir(),
			CacheSize:        DefaultCacheSize,
			MaxConversations: DefaultMaxConversations,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir, err := ConfigDir()
	if err != nil {
		return ".chatcore"
	}
	return dir
}

// fillDefaults fills in values a config file left empty.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Endpoint.BaseURL == "" {
		cfg.Endpoint.BaseURL = defaults.Endpoint.BaseURL
	}
	cfg.Endpoint.BaseURL = strings.TrimRight(cfg.Endpoint.BaseURL, "/")
	if cfg.Endpoint.Model == "" {
		cfg.Endpoint.Model = defaults.Endpoint.Model
	}
	if cfg.Endpoint.Burst == 0 {
		cfg.Endpoint.Burst = defaults.Endpoint.Burst
	}
	if cfg.Tools.MaxToolIterations == 0 {
		cfg.Tools.MaxToolIterations = defaults.Tools.MaxToolIterations
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaults.Storage.DataDir
	}
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	cfg.Logging.File = expandHome(cfg.Logging.File)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chatcore configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatcore"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the config from the default location: config.toml, then
// config.json, then built-in defaults. Environment overrides apply last.
func Load() (*Config, error) {
	for _, pathFn := range []func() (string, error){ConfigPath, ConfigPathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads a TOML or JSON (by extension) config file with full
// validation. Keys the file omits keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON config %s: %w", path, err)
		}
	} else {
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode TOML config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			slog.Warn("unknown config keys ignored", "file", path, "keys", fmt.Sprint(undecoded))
		}
	}

	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides:
//   - CHATCORE_BASE_URL: endpoint.base_url
//   - CHATCORE_API_KEY: endpoint.api_key (OPENAI_API_KEY is used when neither is set)
//   - CHATCORE_MODEL: endpoint.model
//   - CHATCORE_MAX_TOOL_ITERATIONS: tools.max_tool_iterations
//   - CHATCORE_DATA_DIR: storage.data_dir
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHATCORE_BASE_URL"); v != "" {
		c.Endpoint.BaseURL = v
	}
	if v := os.Getenv("CHATCORE_API_KEY"); v != "" {
		c.Endpoint.APIKey = v
	} else if c.Endpoint.APIKey == "" {
		c.Endpoint.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("CHATCORE_MODEL"); v != "" {
		c.Endpoint.Model = v
	}
	if v := os.Getenv("CHATCORE_MAX_TOOL_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tools.MaxToolIterations = n
		} else {
			slog.Warn("ignoring CHATCORE_MAX_TOOL_ITERATIONS", "value", v, "error", err)
		}
	}
	if v := os.Getenv("CHATCORE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration atomically with 0600 permissions, since
// it may hold an API key.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# chatcore configuration file\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
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
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.Endpoint.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("endpoint.base_url", "must be an http(s) URL, got %q", c.Endpoint.BaseURL)
	}
	if c.Endpoint.TimeoutSecs < 0 {
		add("endpoint.timeout", "must not be negative")
	}
	if c.Endpoint.MaxRetries < 0 || c.Endpoint.MaxRetries > 10 {
		add("endpoint.max_retries", "must be between 0 and 10, got %d", c.Endpoint.MaxRetries)
	}
	if c.Endpoint.RequestsPerSecond < 0 {
		add("endpoint.requests_per_second", "must not be negative")
	}
	if c.Endpoint.Burst < 1 {
		add("endpoint.burst", "must be at least 1")
	}

	if c.Tools.MaxToolIterations < 1 || c.Tools.MaxToolIterations > 100 {
		add("tools.max_tool_iterations", "must be between 1 and 100, got %d", c.Tools.MaxToolIterations)
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "sqlite", "file", "memory":
	default:
		add("storage.backend", "must be one of sqlite, file, memory, got %q", c.Storage.Backend)
	}
	if c.Storage.CacheSize < 0 {
		add("storage.cache_size", "must not be negative")
	}
	if c.Storage.MaxConversations < 0 {
		add("storage.max_conversations", "must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	if addr := c.Metrics.ListenAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add("metrics.listen_addr", "must be host:port, got %q", addr)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the config as JSON with the API key redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Endpoint.APIKey != "" {
		safe.Endpoint.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
