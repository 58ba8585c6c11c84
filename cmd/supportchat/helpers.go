package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/retailkit/supportchat"
)

const requestTimeout = 30 * time.Second

// getClient creates a chat client authenticated with the stored token.
func getClient() (*supportchat.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, errors.New("no token configured; run 'supportchat init <token>' first")
	}

	opts := []supportchat.ClientOption{
		supportchat.WithBaseURL(cfg.Server.BaseURL),
		supportchat.WithLogger(logger),
	}
	if cfg.Server.Origin != "" {
		opts = append(opts, supportchat.WithOrigin(cfg.Server.Origin))
	}
	return supportchat.NewClient(supportchat.StaticToken(cfg.Auth.Token), opts...), cfg, nil
}

// tokenIdentity reads the actor from the stored token's claims.
func tokenIdentity(cfg *Config) (supportchat.Identity, error) {
	claims, err := supportchat.ParseTokenClaims(cfg.Auth.Token)
	if err != nil {
		return supportchat.Identity{}, err
	}
	if claims.Expired(time.Now()) {
		return supportchat.Identity{}, fmt.Errorf("token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
	}
	return claims.Identity(), nil
}

// storeOptions builds the store settings of the configured actor.
func storeOptions(cfg *Config) (supportchat.StoreOptions, error) {
	identity, err := tokenIdentity(cfg)
	if err != nil {
		return supportchat.StoreOptions{}, err
	}
	return supportchat.StoreOptions{Identity: identity, SendMode: cfg.sendMode()}, nil
}

// sessionConfig builds the session settings of the configured actor.
func sessionConfig(cfg *Config) (supportchat.SessionConfig, error) {
	identity, err := tokenIdentity(cfg)
	if err != nil {
		return supportchat.SessionConfig{}, err
	}
	return supportchat.SessionConfig{
		Identity:     identity,
		Realtime:     supportchat.RealtimeConfig{Path: cfg.Server.SocketPath},
		PollInterval: cfg.pollInterval(),
		SendMode:     cfg.sendMode(),
	}, nil
}

// parseScopeArg accepts "conversation:<id>", "order:<id>" or a bare
// conversation id.
func parseScopeArg(raw string) (supportchat.Scope, error) {
	scope, err := supportchat.ParseScope(raw)
	if err == nil {
		return scope, nil
	}
	if raw == "" || strings.Contains(raw, ":") {
		return supportchat.Scope{}, err
	}
	return supportchat.ConversationScope(raw), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m supportchat.Message) {
	if flagJSON {
		_ = printJSON(m)
		return
	}
	marker := " "
	if m.Pending() {
		marker = "…"
	}
	sender := valueOrDefault(m.SenderName, m.SenderID)
	fmt.Printf("%s %s [%s] %s: %s\n", marker, m.CreatedAt.Local().Format("15:04:05"), m.SenderType, sender, m.Preview())
	if m.Attachment != nil {
		fmt.Printf("    %s\n", m.Attachment.URL)
	}
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
