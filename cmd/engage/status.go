package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/engage/internal/config"
	"github.com/spf13/cobra"
)

var (
	statusClear bool
)

var statusCmd = &cobra.Command{
	Use:   "status [flags] [TOKEN...]",
	Short: "Show verification status of session tokens",
	Long: `Show whether session tokens have reached their watch threshold, reading
directly from the configured storage. With no tokens, every verified token is
listed.`,
	Example: `  engage status 4f7c2f1e-6a0e-4d1b-9b55-2f0c5f3e8a11
  engage -c config.yaml status --clear 4f7c2f1e-6a0e-4d1b-9b55-2f0c5f3e8a11
  engage status`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusClear, "clear", false, "Clear the verification so the token can be watched again")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusClear && len(args) == 0 {
		return fmt.Errorf("--clear requires at least one token")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	verifications := store.Verifications()

	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	cyan := color.New(color.FgCyan, color.Bold)

	if len(args) == 0 {
		completed, err := verifications.ListCompleted(ctx)
		if err != nil {
			return fmt.Errorf("failed to list verifications: %w", err)
		}

		_, _ = cyan.Printf("%d verified session(s)\n", len(completed))
		for _, v := range completed {
			fmt.Printf("  %s  %s\n", v.CompletedAt.Local().Format(time.RFC3339), v.SessionToken)
		}
		return nil
	}

	cleared := 0
	for _, token := range args {
		if statusClear {
			if err := verifications.Clear(ctx, token); err != nil {
				return fmt.Errorf("failed to clear %s: %w", token, err)
			}
			_, _ = yellow.Print("CLEARED     ")
			fmt.Println(token)
			cleared++
			continue
		}

		verified, err := verifications.Has(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", token, err)
		}

		if verified {
			_, _ = green.Print("VERIFIED    ")
		} else {
			_, _ = yellow.Print("UNVERIFIED  ")
		}
		fmt.Println(token)
	}

	if cleared > 0 && cfg.Storage.CacheSize > 0 {
		fmt.Printf("Running servers may report cleared tokens as verified for up to %s (storage.cache_ttl)\n", cfg.Storage.CacheTTL)
	}

	return nil
}
