package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devicefarm/orchestrator/internal/config"
	"github.com/devicefarm/orchestrator/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "devicefarm",
	Short: "Device orchestration and task scheduling daemon",
}

var (
	rootEnvFile  string
	rootConfig   string
	rootLogLevel string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootEnvFile, "env-file", "", "Explicit .env file instead of the nearest one")
	rootCmd.PersistentFlags().StringVar(&rootConfig, "config", "", "Config file path overriding the default lookup")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level overriding config and $LOG_LEVEL")
	rootCmd.AddCommand(
		newServeCmd(),
		newDevicesCmd(),
		newRunCmd(),
		newProfilesCmd(),
	)
}

// loadConfig resolves environment and configuration in flag > env > file >
// default order, then applies the effective log level globally.
func loadConfig() (config.Config, error) {
	if strings.TrimSpace(rootEnvFile) != "" {
		if err := godotenv.Load(rootEnvFile); err != nil {
			return config.Config{}, errors.Wrapf(err, "load env file %s", rootEnvFile)
		}
	} else {
		_ = env.Ensure()
	}
	cfg, err := config.Load(rootConfig)
	if err != nil {
		return config.Config{}, err
	}
	if strings.TrimSpace(rootLogLevel) != "" {
		cfg.LogLevel = strings.TrimSpace(rootLogLevel)
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("devicefarm command failed")
	}
}
