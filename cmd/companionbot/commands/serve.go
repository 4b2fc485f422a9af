package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/companionbot/pkg/companionbot/channels/telegram"
	"github.com/jholhewres/companionbot/pkg/companionbot/companion"
)

// newServeCmd creates `companionbot serve`, the Telegram daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the companion as a Telegram bot",
		Long: `Connect to Telegram via long polling and serve conversations until
interrupted. Requires the telegram-token and anthropic-api-key secrets.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	secrets := companion.NewSecretStore()
	token := secrets.Get(companion.SecretTelegramToken)
	if token == "" {
		return fmt.Errorf("no Telegram token: run `companionbot secrets set %s`",
			companion.SecretTelegramToken)
	}

	rt, err := companion.NewRuntime(cfg, secrets, logger)
	if err != nil {
		return err
	}
	defer rt.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch := telegram.New(token, logger)
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Disconnect()

	handler := rt.BindChannel(ch)
	rt.Start(ctx)

	hb := companion.NewHeartbeat(cfg.Heartbeat, cfg.ChatID, rt.Orch, rt.Prompts,
		rt.Sessions, rt.Health, func(chatID int64, text string) {
			if _, err := ch.Send(chatID, text); err != nil {
				logger.Warn("heartbeat delivery failed", "error", err)
			}
		}, logger)
	hb.Start(ctx)
	defer hb.Stop()

	logger.Info("serving", "workspace", cfg.WorkspaceDir)
	handler.Run(ctx)
	logger.Info("shutting down")
	return nil
}
