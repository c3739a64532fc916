// Package config loads process configuration from the environment.
//
// An optional .env file in the working directory is read first (values
// already present in the environment win), then the Config struct is
// populated with caarlos0/env. Operator-tunable runtime parameters (header,
// footer, channels) are not here; they live in internal/settings and are
// changed through bot commands.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Default values shared with the CLI flag definitions.
const (
	DefaultPort        = 3000
	DefaultRenderURL   = "https://quickchart.io/watermark"
	DefaultOverlayURL  = "https://i.ibb.co/n6tHyjw/20240627-001522.png"
	DefaultPosition    = "center"
	DefaultMarkRatio   = 0.5
	DefaultTelegramAPI = "https://api.telegram.org"
)

// Config is the process configuration.
type Config struct {
	BotToken         string `env:"TELEGRAM_BOT_TOKEN"`
	BotTokenSSMParam string `env:"SSM_BOT_TOKEN_PARAM"`
	TelegramAPIURL   string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	WebhookURL       string `env:"TELEGRAM_WEBHOOK_URL"`
	WebhookSecret    string `env:"TELEGRAM_WEBHOOK_SECRET"`

	Port int `env:"PORT" envDefault:"3000"`

	RenderURL     string        `env:"WATERMARK_RENDER_URL" envDefault:"https://quickchart.io/watermark"`
	OverlayURL    string        `env:"WATERMARK_OVERLAY_URL" envDefault:"https://i.ibb.co/n6tHyjw/20240627-001522.png"`
	Position      string        `env:"WATERMARK_POSITION" envDefault:"center"`
	DefaultRatio  float64       `env:"WATERMARK_DEFAULT_RATIO" envDefault:"0.5"`
	RenderTimeout time.Duration `env:"WATERMARK_RENDER_TIMEOUT" envDefault:"30s"`

	GroupFlushDelay  time.Duration `env:"GROUP_FLUSH_DELAY" envDefault:"1500ms"`
	GroupConcurrency int           `env:"GROUP_CONCURRENCY" envDefault:"10"`
	PublishInterval  time.Duration `env:"PUBLISH_INTERVAL" envDefault:"3s"`

	ArchiveBucket string `env:"ARCHIVE_BUCKET"`
	EMFMetrics    bool   `env:"METRICS_EMF"`
	LogLevel      string `env:"WATERMARK_LOG_LEVEL" envDefault:"info"`
}

// Load reads the optional dotenv file and parses the environment.
// Pass an empty path to use ".env".
func Load(dotenvPath string) (Config, error) {
	if dotenvPath == "" {
		dotenvPath = ".env"
	}
	if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that have no usable fallback. The bot token is
// checked separately because it may still be resolved from SSM.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !(c.DefaultRatio > 0 && c.DefaultRatio <= 1) {
		return fmt.Errorf("WATERMARK_DEFAULT_RATIO must be in (0,1], got %g", c.DefaultRatio)
	}
	if c.RenderURL == "" || c.OverlayURL == "" {
		return errors.New("watermark render and overlay URLs are required")
	}
	if c.GroupConcurrency < 1 {
		return fmt.Errorf("GROUP_CONCURRENCY must be positive, got %d", c.GroupConcurrency)
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return errors.New("TELEGRAM_WEBHOOK_SECRET is required when TELEGRAM_WEBHOOK_URL is set")
	}
	return nil
}

// WebhookMode reports whether updates are pushed by Telegram instead of polled.
func (c Config) WebhookMode() bool {
	return c.WebhookURL != ""
}
