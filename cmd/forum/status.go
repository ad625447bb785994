package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and check the saved session against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", client.BaseURL())
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.SessionID == "" {
			fmt.Println("  Session:   (not logged in)")
			return nil
		}
		fmt.Printf("  Nickname:  %s\n", valueOrDefault(cfg.Auth.Nickname, "(unknown)"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Rotated:   %s\n", valueOrDefault(cfg.Auth.LastRotation, "(never)"))

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Auth.Session(ctx)
		if err != nil {
			fmt.Printf("  Session check failed: %v\n", requestError(err))
			return nil
		}
		if err := saveSession(cfg, client, me); err != nil {
			logger.Warn().Err(err).Msg("failed to save session")
		}

		online, err := client.Users.Online(ctx)
		if err != nil {
			fmt.Printf("  Error fetching online users: %v\n", requestError(err))
			return nil
		}

		fmt.Printf("  Signed in as: %s\n", me.Nickname)
		fmt.Printf("  Online users: %d\n", len(online))
		return nil
	},
}
