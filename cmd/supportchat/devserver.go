package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
	"github.com/retailkit/supportchat/supportchattest"
)

var (
	devAddr          string
	devSecret        string
	devWebhookSecret string
	devCORSOrigins   []string
	devSeed          bool
)

func init() {
	devServerCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:5000", "Listen address")
	devServerCmd.Flags().StringVar(&devSecret, "secret", "supportchat-dev", "HS256 secret for session tokens")
	devServerCmd.Flags().StringVar(&devWebhookSecret, "webhook-secret", "", "Accept signed order status webhooks at /webhooks/order-status")
	devServerCmd.Flags().StringSliceVar(&devCORSOrigins, "cors-origin", nil, "Allow browser requests from these origins")
	devServerCmd.Flags().BoolVar(&devSeed, "seed", true, "Seed a demo conversation and order chat")
	rootCmd.AddCommand(devServerCmd)
}

var (
	devShopper = supportchat.Identity{ParticipantID: "u-100", DisplayName: "Lucia", Role: supportchat.RoleShopper}
	devStaff   = supportchat.Identity{ParticipantID: "a-1", DisplayName: "Support", Role: supportchat.RoleStaff}
)

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run an in-memory chat server for local development",
	Long: "Serve the chat REST and socket protocol from memory. Tokens for a demo shopper\n" +
		"and a staff member are printed on start.",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := supportchattest.New(
			supportchattest.WithSecret(devSecret),
			supportchattest.WithLogger(logger),
		)
		if devSeed {
			seedDevServer(srv)
		}

		router := chi.NewRouter()
		router.Use(middleware.RequestID)
		router.Use(middleware.Recoverer)
		if len(devCORSOrigins) > 0 {
			router.Use(cors.Handler(cors.Options{
				AllowedOrigins:   devCORSOrigins,
				AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
		}

		router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"healthy"}`))
		})
		if devWebhookSecret != "" {
			wh, err := supportchat.NewOrderStatusWebhook(devWebhookSecret, srv.ApplyOrderStatus)
			if err != nil {
				return err
			}
			router.Method(http.MethodPost, "/webhooks/order-status", wh.HTTPHandler())
		}
		router.Mount("/", srv)

		httpServer := &http.Server{
			Addr:              devAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signalContext()
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.ListenAndServe() }()

		base := "http://" + devAddr
		fmt.Printf("Chat server listening on %s\n\n", base)
		fmt.Printf("Shopper %s (%s):\n  supportchat init --base-url %s %s\n\n", devShopper.DisplayName, devShopper.ParticipantID, base, srv.Token(devShopper))
		fmt.Printf("Staff %s (%s):\n  supportchat init --base-url %s %s\n", devStaff.DisplayName, devStaff.ParticipantID, base, srv.Token(devStaff))

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	},
}

func seedDevServer(srv *supportchattest.Server) {
	now := time.Now()
	srv.AddConversation(supportchat.Conversation{
		ID:              "c-1",
		ParticipantID:   devShopper.ParticipantID,
		ParticipantName: devShopper.DisplayName,
		Status:          supportchat.StatusOpen,
		LastMessageAt:   now,
	})
	srv.AddOrderChat(supportchat.OrderChat{
		OrderID:         "1001",
		OrderStatus:     "paid",
		ParticipantID:   devShopper.ParticipantID,
		ParticipantName: devShopper.DisplayName,
		LastMessageAt:   now,
	})

	hello := "Hola, ¿en qué podemos ayudarte?"
	srv.AddMessage(supportchat.ConversationScope("c-1"), supportchattest.StoredMessage{
		SenderID:   devStaff.ParticipantID,
		SenderName: devStaff.DisplayName,
		SenderType: string(supportchat.SenderAdmin),
		Message:    &hello,
		CreatedAt:  now,
	})
	shipped := "Your order ships tomorrow."
	srv.AddMessage(supportchat.OrderScope("1001"), supportchattest.StoredMessage{
		SenderID:   devStaff.ParticipantID,
		SenderName: devStaff.DisplayName,
		SenderType: string(supportchat.SenderAdmin),
		Message:    &shipped,
		CreatedAt:  now,
	})
}
