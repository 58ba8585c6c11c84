package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Chat server API base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.supportchat/config.toml",
	Long:  "Initialize the CLI by storing your session token, and optionally the server URL, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		claims, err := supportchat.ParseTokenClaims(token)
		if err != nil {
			return fmt.Errorf("not a session token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Server.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s (%s) saved to %s\n", valueOrDefault(claims.Name, claims.Subject), claims.Role, path)
		return nil
	},
}
