package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/workbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and connection status",
	Long:  "Display the current configuration, check the stored token, and try a live handshake with the chat server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", baseURL(cfg))
		fmt.Fprintf(out, "  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		fmt.Fprintf(out, "  Cache:       %s\n", valueOrDefault(cfg.Default.CachePath, "(memory only)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Token == "" {
			fmt.Fprintln(out, "  Token:       (not set)")
			return nil
		}
		tokenStatus := "present"
		if err := chatsync.ValidateCredential(cfg.Auth.Token, time.Now()); err != nil {
			tokenStatus = "REJECTED (" + err.Error() + ")"
		}
		fmt.Fprintf(out, "  Token:       %s %s\n", maskKey(cfg.Auth.Token), tokenStatus)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		logger := newLogger(cfg)
		session := chatsync.NewSession(chatsync.NewWebSocketTransport(baseURL(cfg)), chatsync.SessionConfig{Logger: logger})
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := session.Connect(ctx, cfg.Auth.Token); err != nil {
			fmt.Fprintf(out, "  Connection:    %s (%v)\n", session.State(), err)
			return nil
		}
		fmt.Fprintf(out, "  Connection:    %s\n", session.State())
		fmt.Fprintf(out, "  User ID:       %s\n", session.UserID())
		fmt.Fprintf(out, "  Session ID:    %s\n", session.TransportSessionID())

		convs, err := getAPIClient(cfg).ListConversations(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Conversations: error: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.Summary.UnreadCount
		}
		fmt.Fprintf(out, "  Conversations: %d\n", len(convs))
		fmt.Fprintf(out, "  Unread:        %d\n", unread)
		return nil
	},
}
