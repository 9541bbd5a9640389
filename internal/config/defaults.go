package config

import (
	"os"
	"path/filepath"
)

const (
	BackendVertex = "vertex"
	BackendGemini = "gemini"

	DefaultLocation = "us-central1"
	DefaultModel    = "gemini-2.5-flash-image"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrent:         3,
			HandlerTimeoutSeconds: 180,
		},
		Google: GoogleConfig{
			Enabled:        true,
			Backend:        BackendVertex,
			Location:       DefaultLocation,
			Model:          DefaultModel,
			Temperature:    0.9,
			MaxInputSide:   1024,
			TimeoutSeconds: 120,
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{
				OutputDir: "~/.uniqua/out",
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8081,
				Path:    "/ws",
			},
		},
		Fetch: FetchConfig{
			TimeoutSeconds: 30,
			MaxBytes:       10 << 20,
		},
		Staging: StagingConfig{
			Dir: filepath.Join(os.TempDir(), "uniquafy"),
		},
		Publish: PublishConfig{
			AttachMedia: true,
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  "~/.uniqua/history.db",
		},
		RateLimit: RateLimitConfig{
			Burst:     5,
			PerMinute: 20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
