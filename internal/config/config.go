package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for uniqua.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Google    GoogleConfig    `json:"google"`
	Channels  ChannelsConfig  `json:"channels"`
	Fetch     FetchConfig     `json:"fetch"`
	Staging   StagingConfig   `json:"staging"`
	Publish   PublishConfig   `json:"publish"`
	Store     StoreConfig     `json:"store"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"`
	CharacterFile         string `json:"characterFile,omitempty"` // YAML character definition
	MaxConcurrent         int    `json:"maxConcurrent"`
	HandlerTimeoutSeconds int    `json:"handlerTimeoutSeconds"`
}

// GoogleConfig configures the generative-image backend.
type GoogleConfig struct {
	Enabled        bool    `json:"enabled"` // false = passthrough (no model call)
	Backend        string  `json:"backend"` // "vertex" | "gemini"
	APIKey         string  `json:"apiKey,omitempty"`
	ProjectID      string  `json:"projectId,omitempty"`
	Location       string  `json:"location,omitempty"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	MaxInputSide   int     `json:"maxInputSide"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`
	Slack     SlackConfig     `json:"slack"`
	CLI       CLIConfig       `json:"cli"`
	WebSocket WebSocketConfig `json:"websocket"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token,omitempty"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to one guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken,omitempty"`
	AppToken string `json:"appToken,omitempty"` // required for Socket Mode
}

// CLIConfig configures the local terminal channel used for trying the bot out.
type CLIConfig struct {
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
	OutputDir       string `json:"outputDir"`
}

type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	// AllowedOrigins lists browser origins (scheme://host[:port]) allowed to
	// connect besides the server's own. Clients without an Origin header are
	// always accepted.
	AllowedOrigins FlexStringList `json:"allowedOrigins,omitempty"`
}

type FetchConfig struct {
	TimeoutSeconds int   `json:"timeoutSeconds"`
	MaxBytes       int64 `json:"maxBytes"`
	// AllowPrivateAddresses lets profile URLs point at loopback, private and
	// link-local hosts.
	AllowPrivateAddresses bool `json:"allowPrivateAddresses"`
}

type StagingConfig struct {
	Dir  string `json:"dir"`
	Keep bool   `json:"keep"` // keep staged files after upload
}

type PublishConfig struct {
	AttachMedia bool `json:"attachMedia"`
}

type StoreConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type RateLimitConfig struct {
	Burst     int     `json:"burst"`
	PerMinute float64 `json:"perMinute"`
}

// MetricsConfig exposes Prometheus text metrics on the WebSocket server.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.uniqua).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uniqua"
	}
	return filepath.Join(home, ".uniqua")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON config file over Defaults, expands ${VAR} references and
// ~/ paths, overlays well-known environment variables and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	ApplyEnv(cfg)
	expandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadRaw reads a JSON config file over Defaults exactly as written: ${VAR}
// references stay unexpanded and environment overrides are not applied.
// Use it when the config is written back to disk.
func LoadRaw(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve returns a copy of a raw config with ${VAR} references expanded,
// environment overrides applied and paths expanded, then validates it.
// raw is left untouched.
func Resolve(raw *Config) (*Config, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse expanded config: %w", err)
	}
	ApplyEnv(cfg)
	expandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a config from Defaults and the environment only.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	ApplyEnv(cfg)
	expandPaths(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func expandPaths(cfg *Config) {
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.CharacterFile = ExpandPath(cfg.General.CharacterFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Staging.Dir = ExpandPath(cfg.Staging.Dir)
	cfg.Channels.CLI.OutputDir = ExpandPath(cfg.Channels.CLI.OutputDir)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if _, ok := parseLevel(cfg.General.LogLevel); !ok {
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrent < 1 || cfg.General.MaxConcurrent > 100 {
		errs = append(errs, "general.maxConcurrent must be between 1 and 100")
	}
	if cfg.General.HandlerTimeoutSeconds < 1 {
		errs = append(errs, "general.handlerTimeoutSeconds must be >= 1")
	}

	switch cfg.Google.Backend {
	case BackendVertex, BackendGemini:
	default:
		errs = append(errs, "google.backend must be one of: vertex, gemini")
	}
	if cfg.Google.Enabled && cfg.Google.Model == "" {
		errs = append(errs, "google.model is required when google.enabled is true")
	}
	if cfg.Google.Temperature < 0 || cfg.Google.Temperature > 2 {
		errs = append(errs, "google.temperature must be between 0 and 2")
	}
	if cfg.Google.MaxInputSide < 64 {
		errs = append(errs, "google.maxInputSide must be >= 64")
	}

	if cfg.Fetch.TimeoutSeconds < 1 || cfg.Fetch.TimeoutSeconds > 300 {
		errs = append(errs, "fetch.timeoutSeconds must be between 1 and 300")
	}
	if cfg.Fetch.MaxBytes < 1 {
		errs = append(errs, "fetch.maxBytes must be >= 1")
	}
	if cfg.Staging.Dir == "" {
		errs = append(errs, "staging.dir is required")
	}
	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required when store.enabled is true")
	}

	if cfg.Channels.WebSocket.Port < 0 || cfg.Channels.WebSocket.Port > 65535 {
		errs = append(errs, "channels.websocket.port must be between 0 and 65535")
	}
	if cfg.RateLimit.Burst < 1 {
		errs = append(errs, "rateLimit.burst must be >= 1")
	}
	if cfg.RateLimit.PerMinute <= 0 {
		errs = append(errs, "rateLimit.perMinute must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LogLevel maps general.logLevel to a slog level, defaulting to info.
func LogLevel(s string) slog.Level {
	lvl, _ := parseLevel(s)
	return lvl
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
