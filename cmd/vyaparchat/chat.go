package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/anjim999/vyapar360-sub002"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendReplyTo int64
	sendJSON    bool

	// history
	historyLimit int
	historyJSON  bool

	// watch
	watchJSON bool
)

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <user-id> <token>",
	Short: "Store chat credentials",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, token := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.UserID = userID
		cfg.Auth.Token = token
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s\n", userID)
		if cfg.Default.BaseURL == "" {
			fmt.Println("No base URL set. Run 'vyaparchat config set default.base_url <url>'.")
		}
		return nil
	},
}

// ============================================================================
// status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sign-in state and backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if cfg.Auth.UserID == "" {
			fmt.Println("Not signed in.")
		} else {
			fmt.Printf("User:     %s\n", cfg.Auth.UserID)
		}
		if cfg.Default.BaseURL != "" {
			fmt.Printf("Backend:  %s\n", cfg.Default.BaseURL)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <message>",
	Short: "Send a message",
	Long:  "Send a message to a conversation.\nA bare user id targets a direct conversation; team/channel targets a channel.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		draft := chatsync.MessageDraft{Content: args[1]}
		if sendReplyTo != 0 {
			draft.ReplyToID = sendReplyTo
		}

		msg, err := client.Messages.Send(ctx, ref, draft)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			b, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("Message sent to %s\n", ref.Key())
		fmt.Printf("  Message ID: %d\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Show recent messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		limit := historyLimit
		if limit <= 0 {
			limit = chatsync.DefaultPageSize
		}

		messages, err := client.Messages.List(ctx, ref, limit, time.Time{})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			b, _ := json.MarshalIndent(messages, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			edited := ""
			if msg.Edited {
				edited = " (edited)"
			}
			fmt.Printf("[%s] %s: %s%s\n",
				msg.CreatedAt.Local().Format("2006-01-02 15:04"), msg.SenderID, msg.Content, edited)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream chat events to the terminal",
	Long:  "Connect to the event stream and print push events as they arrive.\nPress Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := getSession()

		for _, ev := range []string{
			chatsync.EventMessageNew,
			chatsync.EventMessageDelivered,
			chatsync.EventMessageRead,
			chatsync.EventMessageReaction,
			chatsync.EventMessageEdited,
			chatsync.EventMessageDeleted,
		} {
			sess.Realtime().On(ev, func(env chatsync.Envelope) {
				if watchJSON {
					fmt.Printf("{\"event\":%q,\"payload\":%s}\n", env.Event, string(env.Payload))
					return
				}
				fmt.Printf("[%s] %s %s\n",
					time.Now().Format("15:04:05"), env.Event, string(env.Payload))
			})
		}
		sess.Realtime().OnConnectivity(func(connected bool) {
			if connected {
				fmt.Fprintln(os.Stderr, "-- connected --")
			} else {
				fmt.Fprintln(os.Stderr, "-- disconnected --")
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := sess.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer sess.Disconnect()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, ref); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked as read.\n", ref.Key())
		return nil
	},
}

// ============================================================================
// star (parent command)
// ============================================================================

var starCmd = &cobra.Command{
	Use:   "star",
	Short: "Manage starred messages",
	Long:  "Star, unstar, and list starred messages. The set is stored locally and survives sign-outs.",
}

var starAddCmd = &cobra.Command{
	Use:   "add <conversation> <message-id>",
	Short: "Star a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		var id int64
		if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
			return fmt.Errorf("invalid message id %q", args[1])
		}

		starred, err := chatsync.NewStarredStore("")
		if err != nil {
			return err
		}
		if err := starred.Star(ref, id); err != nil {
			return err
		}
		fmt.Printf("Starred message %d in %s\n", id, ref.Key())
		return nil
	},
}

var starRemoveCmd = &cobra.Command{
	Use:   "remove <conversation> <message-id>",
	Short: "Unstar a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		var id int64
		if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
			return fmt.Errorf("invalid message id %q", args[1])
		}

		starred, err := chatsync.NewStarredStore("")
		if err != nil {
			return err
		}
		if err := starred.Unstar(ref, id); err != nil {
			return err
		}
		fmt.Printf("Unstarred message %d in %s\n", id, ref.Key())
		return nil
	},
}

var starListCmd = &cobra.Command{
	Use:   "list <conversation>",
	Short: "List starred messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}

		starred, err := chatsync.NewStarredStore("")
		if err != nil {
			return err
		}
		ids := starred.List(ref)
		if len(ids) == 0 {
			fmt.Println("No starred messages.")
			return nil
		}
		for _, id := range ids {
			fmt.Printf("  %d\n", id)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Message id this message replies to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to return")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Output events as JSON lines")

	starCmd.AddCommand(starAddCmd)
	starCmd.AddCommand(starRemoveCmd)
	starCmd.AddCommand(starListCmd)

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(starCmd)
}
