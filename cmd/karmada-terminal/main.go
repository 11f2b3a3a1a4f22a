package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/karmada-io/karmada-terminal/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "karmada-terminal",
	Short:         "Web terminal sessions for Karmada member cluster pods",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyGlobalFlags(cmd, cfg)
		setupLogger(cfg, os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file, rotated")
	rootCmd.PersistentFlags().String("endpoint", "", "Backend base URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func applyGlobalFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := flags.GetString("log-file"); v != "" {
		cfg.LogFile = v
	}
	if v, _ := flags.GetString("endpoint"); v != "" {
		cfg.Endpoint = v
	}
}

// setupLogger configures the global logger. Interactive commands own the
// terminal, so they log to a rotated file when LOG_FILE is set.
func setupLogger(cfg *config.Config, stderr io.Writer) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}

	// Pretty logging for development
	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: cfg.LogFile != ""}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}
