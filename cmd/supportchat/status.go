package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration, decode the session token and check the server is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", cfg.Server.BaseURL)
		if cfg.Server.Origin != "" {
			fmt.Printf("  Origin:      %s\n", cfg.Server.Origin)
		}
		fmt.Printf("  Send mode:   %s\n", cfg.sendMode())
		fmt.Printf("  Poll:        %s\n", cfg.pollInterval())

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))

		claims, err := supportchat.ParseTokenClaims(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Claims:      unreadable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Participant: %s\n", claims.Subject)
		fmt.Printf("  Name:        %s\n", valueOrDefault(claims.Name, "(none)"))
		fmt.Printf("  Role:        %s\n", claims.Role)

		expiry := "no expiry set"
		if !claims.ExpiresAt.IsZero() {
			if claims.Expired(time.Now()) {
				expiry = fmt.Sprintf("EXPIRED (expired %s)", claims.ExpiresAt.Format(time.RFC3339))
			} else {
				expiry = fmt.Sprintf("valid (expires %s)", claims.ExpiresAt.Format(time.RFC3339))
			}
		}
		fmt.Printf("  Expiry:      %s\n", expiry)

		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		conversations, err := client.Chat.List(ctx)
		if err != nil {
			fmt.Printf("  Error listing conversations: %v\n", err)
			return nil
		}
		orders, err := client.OrderChat.List(ctx)
		if err != nil {
			fmt.Printf("  Error listing order chats: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(conversations))
		fmt.Printf("  Order chats:   %d\n", len(orders))
		return nil
	},
}
