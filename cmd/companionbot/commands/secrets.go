package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/companionbot/pkg/companionbot/companion"
)

var knownSecretKeys = []string{
	companion.SecretTelegramToken,
	companion.SecretAnthropicAPIKey,
	companion.SecretWeatherAPIKey,
	companion.SecretBraveAPIKey,
}

// newSecretsCmd creates the `companionbot secrets` command group.
func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage API credentials in the OS keychain",
		Long: `Store, inspect, and remove credentials. Keys:
  ` + strings.Join(knownSecretKeys, "\n  ") + `

Each key also falls back to an environment variable of the same name,
uppercased with underscores (e.g. ANTHROPIC_API_KEY).`,
	}
	cmd.AddCommand(newSecretsSetCmd(), newSecretsGetCmd(), newSecretsDeleteCmd())
	return cmd
}

func validSecretKey(key string) bool {
	for _, k := range knownSecretKeys {
		if k == key {
			return true
		}
	}
	return false
}

func newSecretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret (prompts without echo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !validSecretKey(key) {
				return fmt.Errorf("unknown key %q; one of: %s", key, strings.Join(knownSecretKeys, ", "))
			}

			fmt.Fprintf(os.Stderr, "value for %s: ", key)
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read value: %w", err)
			}
			value := strings.TrimSpace(string(raw))
			if value == "" {
				return fmt.Errorf("empty value")
			}

			if err := companion.NewSecretStore().Set(key, value); err != nil {
				return err
			}
			fmt.Println("stored", key)
			return nil
		},
	}
}

func newSecretsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Check whether a secret is configured",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !validSecretKey(key) {
				return fmt.Errorf("unknown key %q", key)
			}
			if companion.NewSecretStore().Get(key) == "" {
				return fmt.Errorf("%s is not set", key)
			}
			fmt.Println(key, "is set")
			return nil
		},
	}
}

func newSecretsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret from the keychain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !validSecretKey(key) {
				return fmt.Errorf("unknown key %q", key)
			}
			if err := companion.NewSecretStore().Delete(key); err != nil {
				return err
			}
			fmt.Println("deleted", key)
			return nil
		},
	}
}
