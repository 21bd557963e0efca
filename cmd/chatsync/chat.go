package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/workbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Chat in a room interactively",
	Long: `Join a room, print its history and stream new messages.
Every line read from stdin is sent as a message.

Commands:
  /retry <client-key>   re-send a failed message
  /quit                 leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		cfg, err := requireToken()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		out := cmd.OutOrStdout()

		client, cleanup, err := getClient(cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		// Handlers run one at a time on the client's notify goroutine.
		printed := make(map[string]bool)
		client.Subscribe(func(u chatsync.Update) {
			switch u.Kind {
			case chatsync.UpdateState:
				if u.State.To == chatsync.StateReconnecting {
					fmt.Fprintf(out, "-- connection lost, retrying in %s (attempt %d)\n", u.State.Delay.Round(time.Millisecond), u.State.Attempt)
				}
				if u.State.To == chatsync.StateDisconnected && u.State.Err != nil {
					fmt.Fprintf(out, "-- disconnected: %v\n", u.State.Err)
				}
			case chatsync.UpdateMessage:
				m := u.Message
				if u.RoomID != roomID || m.DeliveryState != chatsync.DeliveryAcknowledged || printed[m.ClientKey] {
					return
				}
				printed[m.ClientKey] = true
				printMessage(out, *m, client.UserID())
			case chatsync.UpdateMessageFailed:
				if u.RoomID == roomID {
					fmt.Fprintf(out, "-- not delivered: %q (%v); /retry %s\n", u.Message.Body, u.Err, u.Message.ClientKey)
				}
			case chatsync.UpdateTyping:
				if u.RoomID != roomID {
					return
				}
				for _, t := range u.Typing {
					fmt.Fprintf(out, "-- %s is typing…\n", t.ParticipantID)
				}
			case chatsync.UpdateReadReceipt:
				if u.RoomID == roomID && u.Watermark.ReaderID != client.UserID() {
					fmt.Fprintf(out, "-- seen up to %s\n", u.Watermark.UpTo.Local().Format(time.TimeOnly))
				}
			}
		})

		if err := client.Restore(ctx); err != nil {
			logger.Warn("restore cache", "error", err)
		}
		if err := client.Connect(ctx, cfg.Auth.Token); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := client.Seed(ctx); err != nil {
			logger.Warn("load conversations", "error", err)
		}
		if err := client.OpenRoom(ctx, roomID); err != nil {
			logger.Warn("open room", "room_id", roomID, "error", err)
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleChatLine(ctx, client, roomID, strings.TrimSpace(line)); quit {
					return nil
				}
			}
		}
	},
}

func handleChatLine(ctx context.Context, client *chatsync.Client, roomID, line string) (quit bool) {
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/retry "):
		key := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		if _, err := client.Retry(ctx, roomID, key); err != nil {
			fmt.Fprintf(os.Stderr, "retry failed: %v\n", err)
		}
		return false
	}
	if _, err := client.Send(ctx, roomID, line); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
	}
	return false
}
