package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ystepanoff/nowcomm/internal/config"
	"github.com/ystepanoff/nowcomm/internal/logging"
)

var (
	// Global flags
	cfgFile   string
	envFile   string
	logFormat string
	logLevel  string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nowcomm",
	Short: "Two-node datagram messaging over UDP or NATS",
	Long: `nowcomm runs one end of a two-node exchange: a periodic sender that
numbers its messages and a responder that answers each message it receives
with a reply carrying the same number.

Configuration is read from the YAML file given with --config, then from
.env, then from NOWCOMM_* environment variables, and finally from flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var envFiles []string
		if envFile != "" {
			envFiles = append(envFiles, envFile)
		}
		var err error
		cfg, err = config.Load(cfgFile, envFiles...)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logFormat != "" {
			cfg.Log.Format = logFormat
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default is .env when present)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console, json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}
