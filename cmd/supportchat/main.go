package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagJSON       bool

	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "supportchat",
	Short: "Shop support chat CLI",
	Long: "Command-line client for the shop's support and order chat.\n" +
		"List conversations, watch a timeline live, send messages and attachments.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", flagLogLevel, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().
			Timestamp().
			Logger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Config file (default ~/.supportchat/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print JSON instead of text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
