package main

import (
	"fmt"
	"os"
	"strings"

	"dreamstream/server/internal/config"
	"dreamstream/server/internal/provider"
	"dreamstream/server/internal/provider/gemini"
	"dreamstream/server/internal/store"
	"dreamstream/server/internal/telemetry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	generatorFlag string
	logLevelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "dreamstream",
	Short: "Narrate a scene and watch it being generated",
	Long: `DreamStream turns spoken or typed narration into a timeline of generated
images and videos. Each utterance refines the running scene description;
"undo" and "redo" walk the timeline.

Configuration comes from DREAMSTREAM_* environment variables; flags override
a few of them.

Examples:
  dreamstream serve
  DREAMSTREAM_GENERATOR=gemini DREAMSTREAM_GEMINI_API_KEY=... dreamstream serve
  printf 'A quiet harbor\nAdd fishing boats\nundo\n' | dreamstream narrate --out ./frames`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&generatorFlag, "generator", "", "Media generator: mock or gemini (overrides DREAMSTREAM_GENERATOR)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides DREAMSTREAM_LOG_LEVEL)")
	rootCmd.AddCommand(serveCmd, narrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if generatorFlag != "" {
		cfg.Generator = generatorFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *zap.Logger {
	return telemetry.NewLogger(cfg.LogLevel, cfg.LogDev)
}

func buildGenerator(cfg config.Config, keys *provider.KeyStore, st *store.MemoryStore, logger *zap.Logger) (provider.Generator, error) {
	switch strings.ToLower(cfg.Generator) {
	case config.GeneratorMock:
		return provider.NewMockGenerator(), nil
	case config.GeneratorGemini:
		return gemini.New(keys, st, gemini.Config{
			ImageModel:   cfg.ImageModel,
			VideoModel:   cfg.VideoModel,
			PollInterval: cfg.VideoPollInterval,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown generator %q", cfg.Generator)
	}
}
