package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration
type Config struct {
	Server    ServerConfig
	Pipeline  PipelineConfig
	Monitor   MonitorConfig
	Events    EventsConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Notify    NotifyConfig
}

// ServerConfig holds the listener configuration
type ServerConfig struct {
	Host     string `envconfig:"VPIPE_HTTP_HOST" default:"0.0.0.0"`
	Port     string `envconfig:"VPIPE_HTTP_PORT" default:"8080"`
	GRPCPort string `envconfig:"VPIPE_GRPC_PORT" default:"9090"`
}

// PipelineConfig holds device and profile settings
type PipelineConfig struct {
	BufferCount int  `envconfig:"VPIPE_BUFFER_COUNT" default:"3"`
	FrameRate   int  `envconfig:"VPIPE_FRAME_RATE" default:"60"`
	Simulate    bool `envconfig:"VPIPE_SIMULATE" default:"true"`
	// ProfileDir is searched for *.yaml, *.yml and *.toml pipeline profiles
	ProfileDir string `envconfig:"VPIPE_PROFILE_DIR"`
}

// MonitorConfig tunes the monitor loops
type MonitorConfig struct {
	SOFTimeout      time.Duration `envconfig:"VPIPE_SOF_TIMEOUT" default:"100ms"`
	StopTimeout     time.Duration `envconfig:"VPIPE_STOP_TIMEOUT" default:"300ms"`
	MissEscalate    int           `envconfig:"VPIPE_MISS_ESCALATE" default:"10"`
	StableTimeout   time.Duration `envconfig:"VPIPE_STABLE_TIMEOUT" default:"2s"`
	AutoRecover     bool          `envconfig:"VPIPE_AUTO_RECOVER" default:"true"`
	NotifyUnderflow bool          `envconfig:"VPIPE_NOTIFY_UNDERFLOW" default:"true"`
}

// EventsConfig sizes the event bus
type EventsConfig struct {
	HistorySize      int `envconfig:"VPIPE_EVENT_HISTORY" default:"1024"`
	SubscriberBuffer int `envconfig:"VPIPE_EVENT_BUFFER" default:"64"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds per-client rate limiting of the control API
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// NotifyConfig configures webhook delivery; an empty URL disables it
type NotifyConfig struct {
	WebhookURL string        `envconfig:"VPIPE_WEBHOOK_URL"`
	Retries    int           `envconfig:"VPIPE_WEBHOOK_RETRIES" default:"3"`
	Timeout    time.Duration `envconfig:"VPIPE_WEBHOOK_TIMEOUT" default:"5s"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Pipeline.FrameRate <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %d", cfg.Pipeline.FrameRate)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     "8080",
			GRPCPort: "9090",
		},
		Pipeline: PipelineConfig{
			BufferCount: 3,
			FrameRate:   60,
			Simulate:    true,
		},
		Monitor: MonitorConfig{
			SOFTimeout:      100 * time.Millisecond,
			StopTimeout:     300 * time.Millisecond,
			MissEscalate:    10,
			StableTimeout:   2 * time.Second,
			AutoRecover:     true,
			NotifyUnderflow: true,
		},
		Events: EventsConfig{
			HistorySize:      1024,
			SubscriberBuffer: 64,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Notify: NotifyConfig{
			Retries: 3,
			Timeout: 5 * time.Second,
		},
	}
}
