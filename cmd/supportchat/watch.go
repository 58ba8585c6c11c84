package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
)

var (
	watchInput    bool
	watchMarkRead bool
)

func init() {
	watchCmd.Flags().BoolVarP(&watchInput, "input", "i", false, "Send each line read from stdin")
	watchCmd.Flags().BoolVar(&watchMarkRead, "mark-read", false, "Mark inbound messages read as they arrive")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <scope>",
	Short: "Stream a conversation or order chat live",
	Long: "Print the history of a scope, then stream new messages, typing and presence until interrupted.\n" +
		"Scopes are written conversation:<id> or order:<id>; a bare id is a conversation.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScopeArg(args[0])
		if err != nil {
			return err
		}
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		sc, err := sessionConfig(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		session := supportchat.NewSession(client, sc)
		if err := session.Start(ctx); err != nil {
			return err
		}
		defer session.Close()

		store, err := session.Open(scope)
		if err != nil {
			return err
		}

		self := session.Identity().ParticipantID
		offMsg := store.OnMessage(func(ev supportchat.StoreEvent) {
			switch ev.Kind {
			case supportchat.StoreHistoryLoaded:
				if ev.AutoScroll {
					return
				}
				for _, m := range store.Messages() {
					printMessage(m)
				}
			case supportchat.StoreMessageAdded:
				if ev.Message == nil {
					return
				}
				printMessage(*ev.Message)
				if watchMarkRead && ev.Message.SenderID != self {
					go func() {
						if err := store.MarkRead(ctx); err != nil {
							logger.Warn().Err(err).Msg("mark read failed")
						}
					}()
				}
			case supportchat.StoreMessageConfirmed:
				if ev.Message != nil && !flagJSON {
					fmt.Printf("  ✓ delivered %s\n", ev.Message.ID)
				}
			case supportchat.StoreStatusChanged:
				fmt.Printf("-- status: %s\n", ev.Status)
			case supportchat.StoreCleared, supportchat.StoreClosed:
				fmt.Printf("-- %s closed\n", scope)
			}
		})
		defer offMsg()

		offPresence := session.Presence.OnChange(func(c supportchat.PresenceChange) {
			if flagJSON {
				return
			}
			if c.Scope != nil {
				if c.Scope.Key() != scope.Key() {
					return
				}
				if c.Typing {
					fmt.Println("-- typing…")
				}
				return
			}
			state := "offline"
			if c.Online {
				state = "online"
			}
			fmt.Printf("-- %s is %s\n", c.ParticipantID, state)
		})
		defer offPresence()

		if err := store.LoadHistory(ctx); err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		if entry, ok := session.Directory.Entry(scope); ok {
			logger.Info().Str("scope", scope.Key()).Str("title", entry.Title).Int("unread", entry.UnreadCount).Msg("watching")
		}

		if watchInput {
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					_ = store.StartTyping(ctx)
					if _, err := store.Send(ctx, line); err != nil {
						logger.Error().Err(err).Msg("send failed")
					}
					_ = store.StopTyping(ctx)
				}
				stop()
			}()
		}

		<-ctx.Done()
		return nil
	},
}
