package main

import (
	"fmt"

	"github.com/goodtune/avatarminutes/internal/auth"
	"github.com/goodtune/avatarminutes/internal/config"
	"github.com/spf13/cobra"
)

var tokenEmail string

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Mint a bearer token for local testing",
	Long: `Sign a short-lived bearer token with auth.jwt_secret. Production tokens
come from the identity provider; this is for exercising the API by hand.`,
	Example: `  avatarminutes token 3f1c2f1e-6d2b-4d8e-9d55-0b1f4c1a2b3c
  curl -H "Authorization: Bearer $(avatarminutes token $USER_ID)" localhost:8080/functions/v1/user-profile`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim to embed")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	verifier := auth.NewVerifier(
		cfg.Auth.JWTSecret,
		cfg.Auth.Audience,
		config.ParseDuration(cfg.Auth.TokenTTL, auth.DefaultTokenExpiration),
	)

	token, err := verifier.GenerateToken(args[0], tokenEmail)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
