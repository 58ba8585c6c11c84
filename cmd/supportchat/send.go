package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
)

var sendStatus string

func init() {
	sendCmd.Flags().StringVar(&sendStatus, "status", "", "Also set the conversation status (staff only): open, resolved, closed")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <scope> <text...>",
	Short: "Send a text message",
	Long:  "Send a text message to a conversation or order chat through the REST endpoint.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScopeArg(args[0])
		if err != nil {
			return err
		}
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		opts, err := storeOptions(cfg)
		if err != nil {
			return err
		}
		// Without a socket every send goes through REST.
		store := supportchat.NewConversationStore(client, nil, scope, opts)
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		msg, err := store.Send(ctx, strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendStatus != "" {
			if err := store.SetStatus(ctx, supportchat.ConversationStatus(sendStatus)); err != nil {
				return fmt.Errorf("status change failed: %w", err)
			}
		}

		for _, m := range store.Messages() {
			if m.ClientID == msg.ClientID {
				msg = m
			}
		}
		if flagJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent to %s (id %s)\n", scope, valueOrDefault(msg.ID, "pending"))
		return nil
	},
}
