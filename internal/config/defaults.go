package config

// Defaults returns the built-in configuration. The observed deployment binds
// the webhook listener to 0.0.0.0:8053.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8053,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://openmensa.org/api/v2",
			TimeoutSeconds: 10,
			MaxFutureDays:  7,
		},
		Cache: CacheConfig{
			TTLMinutes:    30,
			RetentionDays: 7,
			SweepSpec:     "17 * * * *",   // hourly, off the minute boundary
			PrewarmSpec:   "30 9 * * 1-5", // weekday mornings
		},
		Pipeline: PipelineConfig{
			MaxConcurrentMessages: 5,
			ReplyTimeoutSeconds:   25,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:     false,
				WebhookPath: "/webhook/telegram",
			},
			Slack: SlackConfig{
				Enabled:     false,
				WebhookPath: "/webhook/slack",
			},
			Discord: DiscordConfig{
				Enabled: false,
			},
			Webhook: WebhookConfig{
				Enabled: false,
				Path:    "/webhook/generic",
			},
		},
		Locations: LocationsConfig{
			File:    "~/.mensabot/locations.yaml",
			Default: "academica",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
