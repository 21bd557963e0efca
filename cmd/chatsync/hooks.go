package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/workbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(hooksCmd)
	hooksCmd.AddCommand(hooksServeCmd)
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Hire webhook receiver",
}

var hooksServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive hire.accepted webhooks and join the new rooms",
	Long:  "Listen for signed hire.accepted webhooks (webhook.listen, webhook.secret) and join each new room on a live session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireToken()
		if err != nil {
			return err
		}
		if cfg.Webhook.Secret == "" {
			return fmt.Errorf("webhook.secret is not set")
		}
		listen := valueOrDefault(cfg.Webhook.Listen, "127.0.0.1:8089")
		logger := newLogger(cfg)
		out := cmd.OutOrStdout()

		client, cleanup, err := getClient(cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := client.Connect(ctx, cfg.Auth.Token); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		wh, err := chatsync.NewHireWebhook(cfg.Webhook.Secret, func(p *chatsync.HirePayload) error {
			if err := client.AcceptHire(p); err != nil {
				return err
			}
			fmt.Fprintf(out, "joined room %s (hire %s)\n", p.Room.RoomID, p.HireID)
			return nil
		})
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/hooks/hire", wh.HTTPHandler())
		srv := &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Fprintf(out, "listening on http://%s/hooks/hire\n", listen)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
