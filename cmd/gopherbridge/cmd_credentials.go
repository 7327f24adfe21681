package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/gopherbridge/internal/config"
	"github.com/user/gopherbridge/internal/credentials"
)

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsStatusCmd, credentialsRefreshCmd)
}

func credentialManager() (*credentials.Manager, error) {
	cfg := loadConfig()
	if cfg.Credentials.Path == "" {
		return nil, errors.New("credentials.path is not configured")
	}
	return credentials.New(credentials.Options{
		Path:          cfg.Credentials.Path,
		TokenURL:      cfg.Credentials.TokenURL,
		ClientID:      cfg.Credentials.ClientID,
		CacheTTL:      config.Millis(cfg.Credentials.CacheTTLMS),
		RefreshBuffer: config.Millis(cfg.Credentials.RefreshBufferMS),
	}), nil
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Inspect and refresh the backend credential",
}

var credentialsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the credential is valid",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := credentialManager()
		if err != nil {
			return err
		}
		defer m.Close()

		st := m.Status()
		green := color.New(color.FgGreen)
		yellow := color.New(color.FgYellow)
		red := color.New(color.FgRed)

		switch {
		case st.Error != "":
			red.Print("✗ ")
			fmt.Printf("Credential error: %s\n", st.Error)
		case !st.Valid:
			red.Print("✗ ")
			fmt.Println("Credential expired")
		case st.NeedsRefresh:
			yellow.Print("● ")
			fmt.Printf("Valid, expires in %s (refresh due)\n", st.ExpiresIn.Round(time.Second))
		default:
			green.Print("✓ ")
			fmt.Printf("Valid, expires in %s\n", st.ExpiresIn.Round(time.Second))
		}
		if st.SubscriptionType != "" {
			fmt.Printf("  Subscription: %s\n", st.SubscriptionType)
		}
		return nil
	},
}

var credentialsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Exchange the refresh token for a new access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := credentialManager()
		if err != nil {
			return err
		}
		defer m.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		cred, err := m.ForceRefresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		color.New(color.FgGreen).Print("✓ ")
		fmt.Printf("Refreshed, expires %s\n", cred.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}
