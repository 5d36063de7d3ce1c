package main

import (
	"fmt"
	"os"
	"strings"

	chatsync "github.com/anjim999/vyapar360-sub002"
)

// getClient creates a chat REST client from the stored credentials.
func getClient() *chatsync.Client {
	cfg := mustConfig()
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token)
}

// getSession wires up a full session (REST + realtime) from the stored
// credentials.
func getSession() *chatsync.Session {
	cfg := mustConfig()
	sess, err := chatsync.NewSession(&chatsync.SessionConfig{
		BaseURL: cfg.Default.BaseURL,
		Token:   cfg.Auth.Token,
		SelfID:  cfg.Auth.UserID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create session: %v\n", err)
		os.Exit(1)
	}
	return sess
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'vyaparchat login <user-id> <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL configured. Run 'vyaparchat config set default.base_url <url>' first.")
		os.Exit(1)
	}
	return cfg
}

// parseRef parses a conversation argument: a bare user id means a direct
// conversation, "team/channel" means a channel conversation.
func parseRef(arg string) (chatsync.ConversationRef, error) {
	if arg == "" {
		return chatsync.ConversationRef{}, fmt.Errorf("empty conversation")
	}
	if strings.Contains(arg, "/") {
		parts := strings.SplitN(arg, "/", 2)
		if parts[0] == "" || parts[1] == "" {
			return chatsync.ConversationRef{}, fmt.Errorf("channel conversation must be team/channel, got %q", arg)
		}
		return chatsync.Channel(parts[0], parts[1]), nil
	}
	return chatsync.Direct(arg), nil
}
