// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/leaf/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete leaf configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Runtime is the local inference runtime both backends drive.
	Runtime RuntimeConfig `toml:"runtime" json:"runtime"`

	// Worker configures the accelerated backend's worker.
	Worker WorkerConfig `toml:"worker" json:"worker"`

	// Fallback configures the CPU backend.
	Fallback FallbackConfig `toml:"fallback" json:"fallback"`

	Storage StorageConfig `toml:"storage" json:"storage"`
	Privacy PrivacyConfig `toml:"privacy" json:"privacy"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
	UI      UIConfig      `toml:"ui" json:"ui"`
}

// RuntimeConfig points at the local inference runtime.
type RuntimeConfig struct {
	// URL of the runtime server
	URL string `toml:"url" json:"url"`
	// KeepAlive is how long the runtime keeps a model resident
	KeepAlive string `toml:"keep_alive" json:"keep_alive"`
	// RequestTimeoutSecs bounds non-streaming runtime requests
	RequestTimeoutSecs int `toml:"request_timeout_secs" json:"request_timeout_secs"`
}

// Worker modes.
const (
	// WorkerModePipe runs the worker in-process behind an encoded pipe.
	WorkerModePipe = "pipe"
	// WorkerModeWebSocket connects to a worker served by "leaf worker serve".
	WorkerModeWebSocket = "websocket"
)

// WorkerConfig configures the worker bridge.
type WorkerConfig struct {
	// Mode is "pipe" (default) or "websocket"
	Mode string `toml:"mode" json:"mode"`
	// URL of a remote worker, used when Mode is "websocket"
	URL string `toml:"url" json:"url"`
	// ListenAddr is where "leaf worker serve" listens
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
	// ReadyTimeoutSecs bounds each worker initialization attempt
	ReadyTimeoutSecs int `toml:"ready_timeout_secs" json:"ready_timeout_secs"`
	// MaxInitAttempts caps worker (re)initializations
	MaxInitAttempts int `toml:"max_init_attempts" json:"max_init_attempts"`
}

// FallbackConfig configures the CPU backend.
type FallbackConfig struct {
	// LoadTimeoutSecs bounds a model load, download included
	LoadTimeoutSecs int `toml:"load_timeout_secs" json:"load_timeout_secs"`
}

// StorageConfig selects the snapshot store.
type StorageConfig struct {
	// Backend is "sqlite" (default) or "file"
	Backend string `toml:"backend" json:"backend"`
	// Dir holds the store; empty means the config directory
	Dir string `toml:"dir" json:"dir"`
}

// PrivacyConfig configures privacy mode.
type PrivacyConfig struct {
	// Enforce turns privacy mode on at startup regardless of the saved
	// setting.
	Enforce bool `toml:"enforce" json:"enforce"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `toml:"level" json:"level"`
	// File receives JSON logs; empty means leaf.log in the config directory
	File string `toml:"file" json:"file"`
}

// UIConfig contains terminal presentation settings.
type UIConfig struct {
	// Style is the markdown style: "dark", "light" or "notty"
	Style string `toml:"style" json:"style"`
	// Persona is the persona for new conversations
	Persona string `toml:"persona" json:"persona"`
	// ShowStats prints tokens/s after each reply
	ShowStats bool `toml:"show_stats" json:"show_stats"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Runtime: RuntimeConfig{
			URL:                "http://127.0.0.1:11434",
			KeepAlive:          "30m",
			RequestTimeoutSecs: 30,
		},

		Worker: WorkerConfig{
			Mode:             WorkerModePipe,
			URL:              "ws://127.0.0.1:8787/ws",
			ListenAddr:       "127.0.0.1:8787",
			ReadyTimeoutSecs: 30,
			MaxInitAttempts:  3,
		},

		Fallback: FallbackConfig{
			LoadTimeoutSecs: 300,
		},

		Storage: StorageConfig{
			Backend: "sqlite",
		},

		Logging: LoggingConfig{
			Level: "info",
		},

		UI: UIConfig{
			Style:     "dark",
			Persona:   "general",
			ShowStats: true,
		},
	}
}

// ReadyTimeout returns the worker ready timeout as a duration.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Worker.ReadyTimeoutSecs) * time.Second
}

// RequestTimeout returns the runtime request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Runtime.RequestTimeoutSecs) * time.Second
}

// LoadTimeout returns the fallback load timeout as a duration.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.Fallback.LoadTimeoutSecs) * time.Second
}

// DataDir returns the storage directory.
func (c *Config) DataDir() (string, error) {
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	return ConfigDir()
}

// LogFile returns the log file path.
func (c *Config) LogFile() (string, error) {
	if c.Logging.File != "" {
		return c.Logging.File, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "leaf.log"), nil
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the leaf configuration directory: $LEAF_HOME when set,
// otherwise ~/.leaf.
func ConfigDir() (string, error) {
	if dir := os.Getenv("LEAF_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".leaf"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads ~/.leaf/config.toml, falling back to defaults when the file
// does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPathTOML()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return LoadFromPath(path)
	}
	return finish(Default())
}

// LoadTOML decodes a TOML file into cfg and fills in missing values.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	fillDefaults(cfg)
	return nil
}

// LoadFromPath loads configuration from a specific file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults. Booleans are
// left alone: a TOML file cannot distinguish false from absent.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	if cfg.Runtime.URL == "" {
		cfg.Runtime.URL = defaults.Runtime.URL
	}
	if cfg.Runtime.KeepAlive == "" {
		cfg.Runtime.KeepAlive = defaults.Runtime.KeepAlive
	}
	if cfg.Runtime.RequestTimeoutSecs == 0 {
		cfg.Runtime.RequestTimeoutSecs = defaults.Runtime.RequestTimeoutSecs
	}

	if cfg.Worker.Mode == "" {
		cfg.Worker.Mode = defaults.Worker.Mode
	}
	if cfg.Worker.URL == "" {
		cfg.Worker.URL = defaults.Worker.URL
	}
	if cfg.Worker.ListenAddr == "" {
		cfg.Worker.ListenAddr = defaults.Worker.ListenAddr
	}
	if cfg.Worker.ReadyTimeoutSecs == 0 {
		cfg.Worker.ReadyTimeoutSecs = defaults.Worker.ReadyTimeoutSecs
	}
	if cfg.Worker.MaxInitAttempts == 0 {
		cfg.Worker.MaxInitAttempts = defaults.Worker.MaxInitAttempts
	}

	if cfg.Fallback.LoadTimeoutSecs == 0 {
		cfg.Fallback.LoadTimeoutSecs = defaults.Fallback.LoadTimeoutSecs
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}

	if cfg.UI.Style == "" {
		cfg.UI.Style = defaults.UI.Style
	}
	if cfg.UI.Persona == "" {
		cfg.UI.Persona = defaults.UI.Persona
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration atomically with owner-only
// permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# leaf configuration file\n")
	buf.WriteString("# Generated by leaf - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
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
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

var (
	validStorageBackends = []string{"sqlite", "file"}
	validWorkerModes     = []string{WorkerModePipe, WorkerModeWebSocket}
	validLogLevels       = []string{"debug", "info", "warn", "error"}
	validStyles          = []string{"dark", "light", "notty"}
)

// Validate checks the configuration and returns every problem found as a
// ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if msg := checkURL(c.Runtime.URL, "http", "https"); msg != "" {
		add("runtime.url", "%s", msg)
	}
	if c.Runtime.KeepAlive != "" && c.Runtime.KeepAlive != "-1" {
		if _, err := time.ParseDuration(c.Runtime.KeepAlive); err != nil {
			add("runtime.keep_alive", "invalid duration %q", c.Runtime.KeepAlive)
		}
	}
	if c.Runtime.RequestTimeoutSecs < 1 || c.Runtime.RequestTimeoutSecs > 3600 {
		add("runtime.request_timeout_secs", "must be between 1 and 3600, got %d", c.Runtime.RequestTimeoutSecs)
	}

	if !contains(validWorkerModes, c.Worker.Mode) {
		add("worker.mode", "must be one of %s, got %q", strings.Join(validWorkerModes, ", "), c.Worker.Mode)
	}
	if c.Worker.Mode == WorkerModeWebSocket {
		if msg := checkURL(c.Worker.URL, "ws", "wss"); msg != "" {
			add("worker.url", "%s", msg)
		}
	}
	if c.Worker.ReadyTimeoutSecs < 1 || c.Worker.ReadyTimeoutSecs > 600 {
		add("worker.ready_timeout_secs", "must be between 1 and 600, got %d", c.Worker.ReadyTimeoutSecs)
	}
	if c.Worker.MaxInitAttempts < 1 || c.Worker.MaxInitAttempts > 10 {
		add("worker.max_init_attempts", "must be between 1 and 10, got %d", c.Worker.MaxInitAttempts)
	}

	if c.Fallback.LoadTimeoutSecs < 1 {
		add("fallback.load_timeout_secs", "must be positive, got %d", c.Fallback.LoadTimeoutSecs)
	}

	if !contains(validStorageBackends, c.Storage.Backend) {
		add("storage.backend", "must be one of %s, got %q", strings.Join(validStorageBackends, ", "), c.Storage.Backend)
	}
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level", "must be one of %s, got %q", strings.Join(validLogLevels, ", "), c.Logging.Level)
	}
	if !contains(validStyles, c.UI.Style) {
		add("ui.style", "must be one of %s, got %q", strings.Join(validStyles, ", "), c.UI.Style)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkURL(raw string, schemes ...string) string {
	if raw == "" {
		return "must not be empty"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("invalid URL: %v", err)
	}
	if !contains(schemes, u.Scheme) {
		return fmt.Sprintf("scheme must be %s, got %q", strings.Join(schemes, " or "), u.Scheme)
	}
	if u.Host == "" {
		return "missing host"
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - LEAF_RUNTIME_URL: overrides runtime.url
//   - LEAF_WORKER_MODE: overrides worker.mode
//   - LEAF_WORKER_URL: overrides worker.url
//   - LEAF_STORAGE: overrides storage.backend
//   - LEAF_DATA_DIR: overrides storage.dir
//   - LEAF_LOG_LEVEL: overrides logging.level
//   - LEAF_LOG_FILE: overrides logging.file
//   - LEAF_PRIVACY: set to "1" or "true" to enforce privacy mode
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("LEAF_RUNTIME_URL"); v != "" {
		c.Runtime.URL = v
	}
	if v := os.Getenv("LEAF_WORKER_MODE"); v != "" {
		c.Worker.Mode = v
	}
	if v := os.Getenv("LEAF_WORKER_URL"); v != "" {
		c.Worker.URL = v
	}
	if v := os.Getenv("LEAF_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("LEAF_DATA_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("LEAF_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LEAF_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("LEAF_PRIVACY"); v != "" {
		c.Privacy.Enforce = v == "1" || strings.EqualFold(v, "true")
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "worker.mode").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("field '%s' is a section", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go
// field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		result.WriteString(strings.ToUpper(part[:1]))
		result.WriteString(strings.ToLower(part[1:]))
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an arbitrary value with type
// conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				return fmt.Errorf("invalid boolean value: %v", err)
			}
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	return []string{
		"version",
		"runtime.url",
		"runtime.keep_alive",
		"runtime.request_timeout_secs",
		"worker.mode",
		"worker.url",
		"worker.listen_addr",
		"worker.ready_timeout_secs",
		"worker.max_init_attempts",
		"fallback.load_timeout_secs",
		"storage.backend",
		"storage.dir",
		"privacy.enforce",
		"logging.level",
		"logging.file",
		"ui.style",
		"ui.persona",
		"ui.show_stats",
	}
}

// Clone returns a copy of the configuration. Config holds no reference
// types, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the config as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the process configuration, loading it on first access.
// A config that fails to load is reported on stderr and replaced by the
// defaults.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal replaces the global configuration.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
