package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyloop/studyloop/internal/config"
	"github.com/studyloop/studyloop/internal/identity"
)

var (
	tokenUserID string
	tokenEmail  string
	tokenName   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development bearer token",
	Long:  "Signs a JWT with the configured secret for local testing:\n\n  curl -H \"Authorization: Bearer $(studyloop token --email ana@uni.edu)\" ...",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.ValidateServe(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		signed, err := identity.NewVerifier(cfg.JWTSecret).Sign(identity.Identity{
			UserID: tokenUserID,
			Email:  tokenEmail,
			Name:   tokenName,
		}, tokenTTL)
		if err != nil {
			return fmt.Errorf("signing token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user", "dev-user", "subject user id")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "dev@example.com", "verified email claim")
	tokenCmd.Flags().StringVar(&tokenName, "name", "Dev User", "display name claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
