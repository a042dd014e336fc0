package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix of every environment variable, e.g. DREAMSTREAM_ADDR.
const Prefix = "DREAMSTREAM"

const (
	GeneratorMock   = "mock"
	GeneratorGemini = "gemini"
)

type Config struct {
	Addr       string        `envconfig:"ADDR" default:":8080"`
	JWTSecret  string        `envconfig:"JWT_SECRET" default:"dev-change-me"`
	AccessTTL  time.Duration `envconfig:"ACCESS_TTL" default:"15m"`
	RefreshTTL time.Duration `envconfig:"REFRESH_TTL" default:"336h"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`

	Generator               string        `envconfig:"GENERATOR" default:"mock"`
	GeminiAPIKey            string        `envconfig:"GEMINI_API_KEY"`
	ImageModel              string        `envconfig:"IMAGE_MODEL" default:"gemini-2.5-flash-image"`
	VideoModel              string        `envconfig:"VIDEO_MODEL" default:"veo-3.1-fast-generate-preview"`
	VideoPollInterval       time.Duration `envconfig:"VIDEO_POLL_INTERVAL" default:"3s"`
	GenerationTimeout       time.Duration `envconfig:"GENERATION_TIMEOUT" default:"5m"`
	CredentialPromptTimeout time.Duration `envconfig:"CREDENTIAL_PROMPT_TIMEOUT" default:"2m"`

	RateLimitRPS   float64  `envconfig:"RATE_LIMIT_RPS" default:"2"`
	RateLimitBurst int      `envconfig:"RATE_LIMIT_BURST" default:"5"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS" default:"*"`

	DemoEmail    string `envconfig:"DEMO_EMAIL" default:"demo@dreamstream.local"`
	DemoPassword string `envconfig:"DEMO_PASSWORD" default:"demo123456"`
}

// Load reads the configuration from DREAMSTREAM_* environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Addr:                    ":8080",
		JWTSecret:               "dev-change-me",
		AccessTTL:               15 * time.Minute,
		RefreshTTL:              14 * 24 * time.Hour,
		LogLevel:                "info",
		Generator:               GeneratorMock,
		ImageModel:              "gemini-2.5-flash-image",
		VideoModel:              "veo-3.1-fast-generate-preview",
		VideoPollInterval:       3 * time.Second,
		GenerationTimeout:       5 * time.Minute,
		CredentialPromptTimeout: 2 * time.Minute,
		RateLimitRPS:            2,
		RateLimitBurst:          5,
		CORSOrigins:             []string{"*"},
		DemoEmail:               "demo@dreamstream.local",
		DemoPassword:            "demo123456",
	}
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Generator) {
	case GeneratorMock, GeneratorGemini:
	default:
		return fmt.Errorf("config: unknown generator %q", c.Generator)
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("config: generation timeout must be positive")
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("config: rate limit burst must be at least 1")
	}
	return nil
}
