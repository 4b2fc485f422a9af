// Package commands implements the companionbot CLI using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jholhewres/companionbot/pkg/companionbot/companion"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "companionbot",
		Short: "companionbot — a personal companion that lives in your chat",
		Long: `companionbot is a long-running conversational companion bridging a
chat transport (Telegram) and an LLM provider. It keeps per-chat history
and persona, runs scheduled jobs and background agents, and remembers
things in a searchable hybrid memory.

Examples:
  companionbot serve
  companionbot chat
  companionbot secrets set anthropic-api-key`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Best-effort: a missing .env is the normal case.
			_ = godotenv.Load()
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSecretsCmd(),
	)

	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (default ~/.companionbot)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the YAML config from the workspace dir (flag or
// default) and builds the logger.
func resolveConfig(cmd *cobra.Command) (companion.Config, *slog.Logger, error) {
	dir, _ := cmd.Root().PersistentFlags().GetString("workspace")
	if dir == "" {
		dir = companion.DefaultWorkspaceDir()
	}
	cfg, err := companion.LoadConfig(dir)
	if err != nil {
		return cfg, nil, err
	}

	level := cfg.SlogLevel()
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}
