// Package config loads the daemon configuration from a JSON or TOML file
// with environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/user/gopherbridge/internal/platform"
)

// GateConfig is the per-adapter forwarding policy.
type GateConfig struct {
	ListenBroadly   bool                              `json:"listen_broadly" toml:"listen_broadly"`
	Channels        map[string]platform.ChannelPolicy `json:"channels,omitempty" toml:"channels,omitempty"`
	Guilds          map[string]platform.ChannelPolicy `json:"guilds,omitempty" toml:"guilds,omitempty"`
	ControlPrefixes []string                          `json:"control_prefixes,omitempty" toml:"control_prefixes,omitempty"`
}

// Policy converts the config into a platform.GatePolicy.
func (g GateConfig) Policy() platform.GatePolicy {
	return platform.GatePolicy{
		ListenBroadly:   g.ListenBroadly,
		Channels:        g.Channels,
		Guilds:          g.Guilds,
		ControlPrefixes: g.ControlPrefixes,
	}
}

type LLMConfig struct {
	BaseURL          string  `json:"base_url" toml:"base_url"`
	APIKey           string  `json:"api_key" toml:"api_key"`
	Model            string  `json:"model" toml:"model"`
	MaxTokens        int     `json:"max_tokens" toml:"max_tokens"`
	Temperature      float32 `json:"temperature" toml:"temperature"`
	MaxContextTokens int     `json:"max_context_tokens" toml:"max_context_tokens"`
	OutputReserve    int     `json:"output_reserve" toml:"output_reserve"`
	TimeoutMS        int64   `json:"timeout_ms" toml:"timeout_ms"`
	PromptFile       string  `json:"prompt_file,omitempty" toml:"prompt_file,omitempty"`
}

type TelegramConfig struct {
	Token        string     `json:"token" toml:"token"`
	EditWindowMS int64      `json:"edit_window_ms" toml:"edit_window_ms"`
	DownloadDir  string     `json:"download_dir,omitempty" toml:"download_dir,omitempty"`
	Gate         GateConfig `json:"gate" toml:"gate"`
}

type MatrixConfig struct {
	Homeserver   string     `json:"homeserver" toml:"homeserver"`
	UserID       string     `json:"user_id" toml:"user_id"`
	AccessToken  string     `json:"access_token" toml:"access_token"`
	EditWindowMS int64      `json:"edit_window_ms" toml:"edit_window_ms"`
	DownloadDir  string     `json:"download_dir,omitempty" toml:"download_dir,omitempty"`
	Gate         GateConfig `json:"gate" toml:"gate"`
}

type MemoryConfig struct {
	URL                 string  `json:"url" toml:"url"`
	APIKey              string  `json:"api_key" toml:"api_key"`
	TimeoutMS           int64   `json:"timeout_ms" toml:"timeout_ms"`
	SimilarityThreshold float64 `json:"similarity_threshold" toml:"similarity_threshold"`
	MaxResults          int     `json:"max_results" toml:"max_results"`
}

type CredentialsConfig struct {
	Path            string `json:"path" toml:"path"`
	TokenURL        string `json:"token_url" toml:"token_url"`
	ClientID        string `json:"client_id" toml:"client_id"`
	CacheTTLMS      int64  `json:"cache_ttl_ms" toml:"cache_ttl_ms"`
	RefreshBufferMS int64  `json:"refresh_buffer_ms" toml:"refresh_buffer_ms"`
}

type HelperConfig struct {
	Addr           string   `json:"addr" toml:"addr"`
	Command        string   `json:"command" toml:"command"`
	Args           []string `json:"args,omitempty" toml:"args,omitempty"`
	RequireChat    bool     `json:"require_chat" toml:"require_chat"`
	ShutdownSecret string   `json:"shutdown_secret" toml:"shutdown_secret"`
	ReadyTimeoutMS int64    `json:"ready_timeout_ms" toml:"ready_timeout_ms"`
}

type SessionConfig struct {
	MaxTurns int   `json:"max_turns" toml:"max_turns"`
	MaxAgeMS int64 `json:"max_age_ms" toml:"max_age_ms"`
}

type HistoryConfig struct {
	Capacity     int   `json:"capacity" toml:"capacity"`
	PreloadLimit int   `json:"preload_limit" toml:"preload_limit"`
	RetentionMS  int64 `json:"retention_ms" toml:"retention_ms"`
}

type ToolStatusConfig struct {
	Disabled          bool  `json:"disabled" toml:"disabled"`
	InitialDelayMS    int64 `json:"initial_delay_ms" toml:"initial_delay_ms"`
	EditIntervalMS    int64 `json:"edit_interval_ms" toml:"edit_interval_ms"`
	MaxCompletedTools int   `json:"max_completed_tools" toml:"max_completed_tools"`
}

type ScheduleConfig struct {
	HistorySweep   string `json:"history_sweep" toml:"history_sweep"`
	SessionCleanup string `json:"session_cleanup" toml:"session_cleanup"`
}

type APIConfig struct {
	Addr  string `json:"addr" toml:"addr"`
	Token string `json:"token" toml:"token"`
}

// ToolsConfig enables backend tools. Anyone whose message is forwarded can
// drive them, so host-level tools stay off unless enabled here.
type ToolsConfig struct {
	Bash bool `json:"bash" toml:"bash"`
}

type Config struct {
	DataDir            string `json:"data_dir" toml:"data_dir"`
	LogLevel           string `json:"log_level" toml:"log_level"`
	LogFormat          string `json:"log_format" toml:"log_format"`
	MaxConcurrent      int    `json:"max_concurrent" toml:"max_concurrent"`
	MaxToolRounds      int    `json:"max_tool_rounds" toml:"max_tool_rounds"`
	RunTimeoutMS       int64  `json:"run_timeout_ms" toml:"run_timeout_ms"`
	ShutdownGraceMS    int64  `json:"shutdown_grace_ms" toml:"shutdown_grace_ms"`
	ShutdownWatchdogMS int64  `json:"shutdown_watchdog_ms" toml:"shutdown_watchdog_ms"`

	LLM         LLMConfig         `json:"llm" toml:"llm"`
	Telegram    TelegramConfig    `json:"telegram" toml:"telegram"`
	Matrix      MatrixConfig      `json:"matrix" toml:"matrix"`
	Memory      MemoryConfig      `json:"memory" toml:"memory"`
	Credentials CredentialsConfig `json:"credentials" toml:"credentials"`
	Helper      HelperConfig      `json:"helper" toml:"helper"`
	Session     SessionConfig     `json:"session" toml:"session"`
	History     HistoryConfig     `json:"history" toml:"history"`
	ToolStatus  ToolStatusConfig  `json:"tool_status" toml:"tool_status"`
	Schedule    ScheduleConfig    `json:"schedule" toml:"schedule"`
	API         APIConfig         `json:"api" toml:"api"`
	Tools       ToolsConfig       `json:"tools" toml:"tools"`
}

// Millis converts a *_ms config value to a duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DefaultDir is the directory holding the config file and state database.
func DefaultDir() string {
	return filepath.Join(os.Getenv("HOME"), ".gopherbridge")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.json")
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		DataDir:            DefaultDir(),
		LogLevel:           "info",
		LogFormat:          "text",
		MaxConcurrent:      4,
		MaxToolRounds:      10,
		RunTimeoutMS:       10 * 60 * 1000,
		ShutdownGraceMS:    5000,
		ShutdownWatchdogMS: 15000,
	}
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.TimeoutMS = 120000
	cfg.Telegram.EditWindowMS = 150
	cfg.Matrix.EditWindowMS = 150
	cfg.Memory.TimeoutMS = 5000
	cfg.Memory.SimilarityThreshold = 0.35
	cfg.Memory.MaxResults = 5
	cfg.Credentials.CacheTTLMS = 30000
	cfg.Credentials.RefreshBufferMS = 5 * 60 * 1000
	cfg.Helper.ReadyTimeoutMS = 60000
	cfg.Session.MaxTurns = 10
	cfg.Session.MaxAgeMS = 30 * 24 * 60 * 60 * 1000
	cfg.History.Capacity = 50
	cfg.History.PreloadLimit = 5
	cfg.History.RetentionMS = 24 * 60 * 60 * 1000
	cfg.ToolStatus.InitialDelayMS = 1500
	cfg.ToolStatus.EditIntervalMS = 150
	cfg.ToolStatus.MaxCompletedTools = 5
	cfg.Schedule.HistorySweep = "@every 1h"
	cfg.Schedule.SessionCleanup = "@every 6h"
	cfg.API.Addr = "127.0.0.1:7420"
	return cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads path over the defaults. A missing file is created with the
// defaults. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isTOML(path) {
			if _, err := toml.Decode(os.ExpandEnv(string(data)), cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env   string
		field *string
	}{
		{"OPENAI_API_KEY", &cfg.LLM.APIKey},
		{"OPENAI_BASE_URL", &cfg.LLM.BaseURL},
		{"TELEGRAM_BOT_TOKEN", &cfg.Telegram.Token},
		{"MATRIX_ACCESS_TOKEN", &cfg.Matrix.AccessToken},
		{"HELPER_SHUTDOWN_SECRET", &cfg.Helper.ShutdownSecret},
		{"MEMORY_URL", &cfg.Memory.URL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.field = v
		}
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("max_concurrent must be positive")
	}
	if c.LLM.BaseURL == "" || c.LLM.Model == "" {
		return errors.New("llm.base_url and llm.model are required")
	}
	if c.Matrix.AccessToken != "" && (c.Matrix.Homeserver == "" || c.Matrix.UserID == "") {
		return errors.New("matrix.homeserver and matrix.user_id are required with matrix.access_token")
	}
	if c.Helper.Command != "" && c.Helper.Addr == "" {
		return errors.New("helper.addr is required with helper.command")
	}
	if c.Memory.SimilarityThreshold < 0 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("memory.similarity_threshold must be within [0, 1], got %v", c.Memory.SimilarityThreshold)
	}
	return nil
}

// Save writes cfg to path atomically, in TOML when path ends in .toml.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	} else {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return writeAtomic(path, buf.Bytes())
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg into dot-separated keys, masking secrets when
// mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw decodes the file as a generic map so keys outside Config survive.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the raw value of a dot-separated key from the file at
// path, creating the file with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets a dot-separated key in an existing config file. The value
// is parsed as JSON when possible (numbers, booleans) and kept as a string
// otherwise.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	setPath(m, strings.Split(key, "."), parsed)

	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(m); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	} else {
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return writeAtomic(path, buf.Bytes())
}

// setPath walks nested maps along parts, creating them as needed. Sibling
// keys are left untouched even when they contain dots.
func setPath(m map[string]any, parts []string, v any) {
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
