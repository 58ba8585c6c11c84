package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
)

var (
	conversationsKind   string
	conversationsStatus string
	conversationsUnread bool
	conversationsQuery  string
)

func init() {
	conversationsCmd.Flags().StringVar(&conversationsKind, "kind", "", "Only list scopes of this kind: conversation, order")
	conversationsCmd.Flags().StringVar(&conversationsStatus, "status", "", "Only list conversations with this status: open, resolved, closed")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only list scopes with unread messages")
	conversationsCmd.Flags().StringVarP(&conversationsQuery, "query", "q", "", "Match title or last message")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List the conversations and order chats visible to you",
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if err := dir.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to load directory: %w", err)
		}

		filter := supportchat.DirectoryFilter{
			Kind:       supportchat.ScopeKind(conversationsKind),
			Status:     supportchat.ConversationStatus(conversationsStatus),
			UnreadOnly: conversationsUnread,
			Query:      conversationsQuery,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return fmt.Errorf("invalid --status %q", conversationsStatus)
		}
		entries := dir.Entries(filter)

		if flagJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCOPE\tTITLE\tSTATUS\tUNREAD\tLAST MESSAGE")
		for _, e := range entries {
			status := string(e.Status)
			if e.Scope.Kind == supportchat.ScopeOrder {
				status = e.OrderStatus
			}
			last := e.LastMessage
			if !e.LastMessageAt.IsZero() {
				last = e.LastMessageAt.Local().Format("Jan 02 15:04") + "  " + last
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.Scope, e.Title, status, e.UnreadCount, last)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d unread\n", dir.TotalUnread())
		return nil
	},
}
