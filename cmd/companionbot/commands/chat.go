package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/companionbot/pkg/companionbot/channels/console"
	"github.com/jholhewres/companionbot/pkg/companionbot/companion"
)

// newChatCmd creates `companionbot chat`, a local REPL over the same
// pipeline the Telegram daemon uses.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the companion in a local terminal session",
		Long: `Start an interactive terminal conversation. Slash commands work the
same as in Telegram (/compact, /model, /reminders, ...). Exit with Ctrl-D.`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	rt, err := companion.NewRuntime(cfg, companion.NewSecretStore(), logger)
	if err != nil {
		return err
	}
	defer rt.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := console.New()
	if err := ch.Connect(ctx); err != nil {
		return err
	}

	handler := rt.BindChannel(ch)
	rt.Start(ctx)
	go handler.Run(ctx)

	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("companionbot — Ctrl-D to quit")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ch.Post(line)
	}

	ch.Disconnect()
	return nil
}
