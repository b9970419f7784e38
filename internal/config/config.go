package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for mensabot.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Cache     CacheConfig     `json:"cache"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Channels  ChannelsConfig  `json:"channels"`
	Locations LocationsConfig `json:"locations"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
}

// ServerConfig is the webhook HTTP listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// UpstreamConfig tunes the OpenMensa client.
type UpstreamConfig struct {
	BaseURL        string `json:"baseUrl"`
	UserAgent      string `json:"userAgent,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxFutureDays  int    `json:"maxFutureDays"`
}

type CacheConfig struct {
	TTLMinutes    int    `json:"ttlMinutes"`
	RetentionDays int    `json:"retentionDays"`
	SweepSpec     string `json:"sweepSpec"`             // cron spec for the low-frequency sweep
	PrewarmSpec   string `json:"prewarmSpec,omitempty"` // cron spec for pre-warming today's menus
}

// PipelineConfig tunes the dispatch pipeline.
type PipelineConfig struct {
	MaxConcurrentMessages int `json:"maxConcurrentMessages"`
	ReplyTimeoutSeconds   int `json:"replyTimeoutSeconds"` // budget for cache+upstream work per event
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool           `json:"enabled"`
	Token       string         `json:"token"`
	AllowFrom   FlexStringList `json:"allowFrom"`
	WebhookPath string         `json:"webhookPath,omitempty"` // default /webhook/telegram
	SecretToken string         `json:"secretToken,omitempty"` // X-Telegram-Bot-Api-Secret-Token check
	PublicURL   string         `json:"publicUrl,omitempty"`   // when set, registered via setWebhook on start
}

type SlackConfig struct {
	Enabled       bool   `json:"enabled"`
	BotToken      string `json:"botToken"`
	SigningSecret string `json:"signingSecret"`
	WebhookPath   string `json:"webhookPath,omitempty"` // default /webhook/slack
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

// WebhookConfig is the generic JSON webhook channel.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`   // default /webhook/generic
	Secret  string `json:"secret,omitempty"` // HMAC secret for X-Signature-256
}

// LocationsConfig points at the YAML location registry.
type LocationsConfig struct {
	File    string `json:"file"`
	Default string `json:"default"` // location ID used when text names none
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
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
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, n.String())
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.mensabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mensabot"
	}
	return filepath.Join(home, ".mensabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Locations.File = ExpandPath(cfg.Locations.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Upstream.TimeoutSeconds < 1 {
		errs = append(errs, "upstream.timeoutSeconds must be >= 1")
	}
	if cfg.Upstream.MaxFutureDays < 1 {
		errs = append(errs, "upstream.maxFutureDays must be >= 1")
	}
	if cfg.Cache.TTLMinutes < 1 {
		errs = append(errs, "cache.ttlMinutes must be >= 1")
	}
	if cfg.Cache.RetentionDays < 1 {
		errs = append(errs, "cache.retentionDays must be >= 1")
	}
	if cfg.Pipeline.MaxConcurrentMessages < 1 || cfg.Pipeline.MaxConcurrentMessages > 100 {
		errs = append(errs, "pipeline.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.Pipeline.ReplyTimeoutSeconds < 1 {
		errs = append(errs, "pipeline.replyTimeoutSeconds must be >= 1")
	}
	// Upstream work must finish comfortably before the per-event budget.
	if cfg.Upstream.TimeoutSeconds >= cfg.Pipeline.ReplyTimeoutSeconds {
		errs = append(errs, "upstream.timeoutSeconds must be smaller than pipeline.replyTimeoutSeconds")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.SigningSecret == "") {
		errs = append(errs, "channels.slack needs botToken and signingSecret when enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Locations.File == "" {
		errs = append(errs, "locations.file is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
