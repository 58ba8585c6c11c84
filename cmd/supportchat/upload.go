package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
)

var uploadOnly bool

func init() {
	uploadCmd.Flags().BoolVar(&uploadOnly, "no-send", false, "Upload and print the URL without posting a message")
	rootCmd.AddCommand(uploadCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <scope> <file>",
	Short: "Upload an image or video to a chat",
	Long: fmt.Sprintf("Upload an image (jpg, png, gif, webp) or video (mp4, webm, mov, avi) of at most %d MB\n"+
		"and post it as an attachment message.", supportchat.MaxAttachmentSize/(1024*1024)),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScopeArg(args[0])
		if err != nil {
			return err
		}
		file, err := supportchat.ReadFile(args[1])
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

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if uploadOnly {
			pipeline := supportchat.NewAttachmentPipeline(client)
			att, err := pipeline.Upload(ctx, file, scope, supportchat.SenderMeta{
				SenderID:   opts.Identity.ParticipantID,
				SenderName: opts.Identity.DisplayName,
				SenderType: opts.Identity.SenderType(),
			})
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			if flagJSON {
				return printJSON(att)
			}
			fmt.Printf("%s %s\n", att.Kind, att.URL)
			return nil
		}

		store := supportchat.NewConversationStore(client, nil, scope, opts)
		defer store.Close()

		msg, err := store.SendAttachment(ctx, file)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if flagJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s to %s: %s\n", msg.Attachment.Kind, scope, msg.Attachment.URL)
		return nil
	},
}
