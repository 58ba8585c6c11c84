package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
)

func init() {
	rootCmd.AddCommand(deleteCmd)
}

var deleteCmd = &cobra.Command{
	Use:   "delete <scope>",
	Short: "Delete a conversation or order chat (staff only)",
	Args:  cobra.ExactArgs(1),
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

		dir := supportchat.NewDirectory(client, nil, supportchat.DirectoryOptions{Identity: opts.Identity, Store: opts})
		defer dir.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := dir.Delete(ctx, scope); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %s\n", scope)
		return nil
	},
}
