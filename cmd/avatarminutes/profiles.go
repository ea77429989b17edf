package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/avatarminutes/internal/config"
	"github.com/goodtune/avatarminutes/internal/ledger"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	profileEmail   string
	profileCredits int
	profileID      string
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect and seed credit profiles",
}

var profilesCreateCmd = &cobra.Command{
	Use:     "create",
	Short:   "Create a profile with an opening balance",
	Example: `  avatarminutes profiles create --email user@example.com --credits 30`,
	Args:    cobra.NoArgs,
	RunE:    runProfilesCreate,
}

var profilesShowCmd = &cobra.Command{
	Use:   "show USER_ID",
	Short: "Show a profile's balance, sessions and payments",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesShow,
}

func init() {
	profilesCreateCmd.Flags().StringVar(&profileID, "id", "", "Profile ID (defaults to a new UUID)")
	profilesCreateCmd.Flags().StringVar(&profileEmail, "email", "", "Email address (required)")
	profilesCreateCmd.Flags().IntVar(&profileCredits, "credits", 0, "Opening balance in minutes")
	_ = profilesCreateCmd.MarkFlagRequired("email")

	profilesCmd.AddCommand(profilesCreateCmd)
	profilesCmd.AddCommand(profilesShowCmd)
	rootCmd.AddCommand(profilesCmd)
}

func openForCLI(cmd *cobra.Command) (*services, context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Logging.Level = "warn"
	logger := setupLogger(cfg.Logging)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return svc, ctx, nil
}

func runProfilesCreate(cmd *cobra.Command, args []string) error {
	if profileCredits < 0 {
		return fmt.Errorf("credits must not be negative")
	}

	svc, ctx, err := openForCLI(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	id := profileID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	profile := storage.Profile{
		ID:               id,
		Email:            profileEmail,
		CreditsInMinutes: profileCredits,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := svc.store.Profiles().Create(ctx, profile); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("profile %s already exists", id)
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintf(cmd.OutOrStdout(), "Created profile %s\n", id)
	fmt.Fprintf(cmd.OutOrStdout(), "  email:   %s\n", profile.Email)
	fmt.Fprintf(cmd.OutOrStdout(), "  credits: %d minute(s)\n", profile.CreditsInMinutes)
	return nil
}

func runProfilesShow(cmd *cobra.Command, args []string) error {
	svc, ctx, err := openForCLI(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	userID := args[0]
	view, err := svc.sessions.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrProfileNotFound) {
			return fmt.Errorf("profile %s not found", userID)
		}
		return err
	}

	sessions, err := svc.store.Sessions().ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	paid, err := svc.store.Payments().ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list payments: %w", err)
	}

	out := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	_, _ = cyan.Fprintf(out, "[profile %s]\n", view.Profile.ID)
	fmt.Fprintf(out, "  email:   %s\n", view.Profile.Email)
	balance := green
	if view.Profile.CreditsInMinutes == 0 {
		balance = red
	}
	_, _ = balance.Fprintf(out, "  credits: %d minute(s)\n", view.Profile.CreditsInMinutes)

	_, _ = cyan.Fprintf(out, "\n[sessions] %d total, %d active\n", len(sessions), len(view.ActiveSessions))
	for _, s := range sessions {
		c := green
		switch s.Status {
		case storage.SessionActive:
			c = yellow
		case storage.SessionCleaned:
			c = red
		}
		_, _ = c.Fprintf(out, "  %s  %-10s  %3d/%-3d min  %s\n",
			s.ID, s.Status, s.MinutesUsed, s.DurationMinutes, s.StartTime.Format(time.RFC3339))
	}

	_, _ = cyan.Fprintf(out, "\n[payments] %d total\n", len(paid))
	for _, p := range paid {
		fmt.Fprintf(out, "  %s  +%d min  EUR %.2f  %s\n",
			p.PaymentReference, p.PackageMinutes, p.AmountEUR, p.CreatedAt.Format(time.RFC3339))
	}

	return nil
}
