package main

import (
	"fmt"
	"log/slog"

	"github.com/layer-3/passkey/adapters/store"
	"github.com/layer-3/passkey/adapters/tokenizer"
	"github.com/layer-3/passkey/internal/config"
	"github.com/layer-3/passkey/internal/eth"
	"github.com/layer-3/passkey/service"
	"github.com/spf13/cobra"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Operator recovery tooling",
}

var recoveryIssueCmd = &cobra.Command{
	Use:   "issue <address>",
	Short: "Issue a recovery code for an account",
	Long: `Issue a one-time recovery code bound to an account address. The code is
printed once; only its hash is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, err := eth.NormalizeAddress(args[0])
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", args[0], err)
		}

		return withPostgres(func(cfg *config.Config, logger *slog.Logger, pg *store.PostgresStore) error {
			key, err := signingKey(cfg, logger)
			if err != nil {
				return err
			}

			recovery := service.NewRecoveryService(pg, tokenizer.NewJWTTokenizer(key), cfg.RecoveryCodeTTL, cfg.FollowUpTTL, nil)
			code, expiresAt, err := recovery.IssueRecoveryCode(cmd.Context(), address)
			if err != nil {
				return err
			}

			fmt.Printf("code:    %s\nexpires: %s\n", code, expiresAt.UTC().Format("2006-01-02 15:04:05 MST"))
			return nil
		})
	},
}

func init() {
	recoveryCmd.AddCommand(recoveryIssueCmd)
}
