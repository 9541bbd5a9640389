package config

import (
	"fmt"
	"os"
	"strings"
)

// Environment variables understood by ApplyEnv.
const (
	EnvGoogleAPIKey   = "GOOGLE_GENERATIVE_AI_API_KEY"
	EnvGoogleProject  = "GOOGLE_PROJECT_ID"
	EnvGoogleLocation = "GOOGLE_LOCATION"
	EnvTelegramToken  = "TELEGRAM_BOT_TOKEN"
	EnvDiscordToken   = "DISCORD_BOT_TOKEN"
	EnvSlackBotToken  = "SLACK_BOT_TOKEN"
	EnvSlackAppToken  = "SLACK_APP_TOKEN"
)

// ApplyEnv overlays non-empty well-known environment variables onto cfg.
// A platform token in the environment also enables that channel.
func ApplyEnv(cfg *Config) {
	set := func(dst *string, name string) bool {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
			return true
		}
		return false
	}

	set(&cfg.Google.APIKey, EnvGoogleAPIKey)
	set(&cfg.Google.ProjectID, EnvGoogleProject)
	set(&cfg.Google.Location, EnvGoogleLocation)
	if cfg.Google.Location == "" {
		cfg.Google.Location = DefaultLocation
	}

	if set(&cfg.Channels.Telegram.Token, EnvTelegramToken) {
		cfg.Channels.Telegram.Enabled = true
	}
	if set(&cfg.Channels.Discord.Token, EnvDiscordToken) {
		cfg.Channels.Discord.Enabled = true
	}
	bot := set(&cfg.Channels.Slack.BotToken, EnvSlackBotToken)
	app := set(&cfg.Channels.Slack.AppToken, EnvSlackAppToken)
	if bot && app {
		cfg.Channels.Slack.Enabled = true
	}
}

// MissingEnv lists the environment variables whose settings are required by
// the enabled features but empty in cfg.
func MissingEnv(cfg *Config) []string {
	var missing []string
	need := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	if cfg.Google.Enabled {
		switch cfg.Google.Backend {
		case BackendGemini:
			need(cfg.Google.APIKey, EnvGoogleAPIKey)
		default:
			need(cfg.Google.ProjectID, EnvGoogleProject)
		}
	}
	if cfg.Channels.Telegram.Enabled {
		need(cfg.Channels.Telegram.Token, EnvTelegramToken)
	}
	if cfg.Channels.Discord.Enabled {
		need(cfg.Channels.Discord.Token, EnvDiscordToken)
	}
	if cfg.Channels.Slack.Enabled {
		need(cfg.Channels.Slack.BotToken, EnvSlackBotToken)
		need(cfg.Channels.Slack.AppToken, EnvSlackAppToken)
	}
	return missing
}

// CheckEnv returns an error naming every missing required variable.
func CheckEnv(cfg *Config) error {
	missing := MissingEnv(cfg)
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
}
