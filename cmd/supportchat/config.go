package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	gotoml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/retailkit/supportchat"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.supportchat/config.toml.
type Config struct {
	Server ConfigServer `koanf:"server" toml:"server"`
	Auth   ConfigAuth   `koanf:"auth" toml:"auth"`
	Chat   ConfigChat   `koanf:"chat" toml:"chat"`
}

// ConfigServer locates the chat server.
type ConfigServer struct {
	BaseURL    string `koanf:"base_url" toml:"base_url"`
	Origin     string `koanf:"origin" toml:"origin,omitempty"`
	SocketPath string `koanf:"socket_path" toml:"socket_path,omitempty"`
}

// ConfigAuth holds the session token.
type ConfigAuth struct {
	Token string `koanf:"token" toml:"token"`
}

// ConfigChat tunes delivery and polling.
type ConfigChat struct {
	SendMode     string `koanf:"send_mode" toml:"send_mode"`
	PollInterval string `koanf:"poll_interval" toml:"poll_interval"`
}

func (c *Config) pollInterval() time.Duration {
	d, err := time.ParseDuration(c.Chat.PollInterval)
	if err != nil || d <= 0 {
		return supportchat.DefaultPollInterval
	}
	return d
}

func (c *Config) sendMode() supportchat.SendMode {
	if supportchat.SendMode(c.Chat.SendMode) == supportchat.SendSocket {
		return supportchat.SendSocket
	}
	return supportchat.SendREST
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.supportchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".supportchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file named by --config or the default one.
func configPath() (string, error) {
	if flagConfigPath != "" {
		return flagConfigPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig layers defaults, the config file and SUPPORTCHAT_* variables.
// A missing file is not an error.
func loadConfig() (*Config, error) {
	k := koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"server.base_url":    supportchat.DefaultBaseURL,
		"chat.send_mode":     string(supportchat.SendREST),
		"chat.poll_interval": supportchat.DefaultPollInterval.String(),
	}, "."), nil)

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}

	// SUPPORTCHAT_SERVER_BASE_URL -> server.base_url
	k.Load(env.Provider("SUPPORTCHAT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SUPPORTCHAT_")), "_", ".", 1)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := gotoml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "origin":
			cfg.Server.Origin = value
		case "socket_path":
			cfg.Server.SocketPath = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "chat":
		switch field {
		case "send_mode":
			switch supportchat.SendMode(value) {
			case supportchat.SendREST, supportchat.SendSocket:
			default:
				return fmt.Errorf("send_mode must be %q or %q", supportchat.SendREST, supportchat.SendSocket)
			}
			cfg.Chat.SendMode = value
		case "poll_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("poll_interval: %w", err)
			}
			cfg.Chat.PollInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [chat]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, chat)", section)
	}
	return nil
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage supportchat configuration",
	Long:  "View or modify the CLI configuration stored in ~/.supportchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after defaults, the config file and SUPPORTCHAT_* variables are applied.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token != "" {
			cfg.Auth.Token = maskToken(cfg.Auth.Token)
		}
		data, err := gotoml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: supportchat config set chat.send_mode socket",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
