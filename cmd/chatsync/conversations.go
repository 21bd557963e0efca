package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/workbridge/chatsync"
)

var (
	conversationsJSON   bool
	conversationsUnread bool

	historyLimit  int
	historyBefore string
	historyJSON   bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultBackfillLimit, "Maximum number of messages to return")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Only messages before this RFC3339 timestamp")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireToken()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := getAPIClient(cfg).ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.Summary.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		out := cmd.OutOrStdout()
		if conversationsJSON {
			return printJSON(out, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		for _, c := range convs {
			printConversation(out, c)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a room's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireToken()
		if err != nil {
			return err
		}

		opts := chatsync.TimelineOptions{Limit: historyLimit}
		if historyBefore != "" {
			opts.Before, err = time.Parse(time.RFC3339, historyBefore)
			if err != nil {
				return fmt.Errorf("invalid --before: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := getAPIClient(cfg).ListTimeline(ctx, args[0], opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(out, m, cfg.Auth.UserID)
		}
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(b))
	return nil
}

func printConversation(w io.Writer, c chatsync.Conversation) {
	name := valueOrDefault(c.OtherParticipant.DisplayName, c.OtherParticipant.ID)
	unread := ""
	if c.Summary.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.Summary.UnreadCount)
	}
	fmt.Fprintf(w, "  %s: %s%s\n", c.RoomID, valueOrDefault(name, "(unknown)"), unread)
	if c.Summary.LastMessagePreview != "" {
		fmt.Fprintf(w, "      %s  %s\n", c.Summary.LastMessageAt.Local().Format(time.DateTime), c.Summary.LastMessagePreview)
	}
}

func printMessage(w io.Writer, m chatsync.Message, selfID string) {
	sender := m.SenderID
	if selfID != "" && sender == selfID {
		sender = "me"
	}
	status := ""
	switch m.DeliveryState {
	case chatsync.DeliveryComposing, chatsync.DeliverySent:
		status = " …"
	case chatsync.DeliveryFailed:
		status = " [failed: /retry " + m.ClientKey + "]"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), sender, m.Body, status)
}
