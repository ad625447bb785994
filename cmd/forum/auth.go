package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	forum "github.com/rtforum/forum-go"
	"github.com/spf13/cobra"
)

var (
	registerAge       int
	registerGender    string
	registerFirstName string
	registerLastName  string
	registerEmail     string
)

func init() {
	registerCmd.Flags().IntVar(&registerAge, "age", 0, "Age")
	registerCmd.Flags().StringVar(&registerGender, "gender", "", "Gender")
	registerCmd.Flags().StringVar(&registerFirstName, "first-name", "", "First name")
	registerCmd.Flags().StringVar(&registerLastName, "last-name", "", "Last name")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address (required)")
	_ = registerCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <nickname-or-email>",
	Short: "Sign in and store the session",
	Long:  "Sign in with a nickname or email. The password is read from the terminal and the session cookie is stored in ~/.forum/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		user, err := client.Auth.Login(ctx, &forum.LoginOptions{Login: args[0], Password: password})
		if err != nil {
			return requestError(err)
		}
		if err := saveSession(cfg, client, user); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}

		fmt.Printf("Logged in as %s (id %d)\n", user.Nickname, user.ID)
		return nil
	},
}

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register <nickname>",
	Short: "Create a forum account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		user, err := client.Auth.Register(ctx, &forum.RegisterOptions{
			Nickname:  args[0],
			Age:       registerAge,
			Gender:    registerGender,
			FirstName: registerFirstName,
			LastName:  registerLastName,
			Email:     registerEmail,
			Password:  password,
		})
		if err != nil {
			return requestError(err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID:  %d\n", user.ID)
		fmt.Printf("  Nickname: %s\n", user.Nickname)
		fmt.Println("Run 'forum login' to sign in.")
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and forget it locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getSessionClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := client.Auth.Logout(ctx)
		cfg.Auth = ConfigAuth{}
		if saveErr := saveConfig(cfg); saveErr != nil {
			return fmt.Errorf("failed to save config: %w", saveErr)
		}
		if err != nil && !errors.Is(err, forum.ErrSessionExpired) {
			return requestError(err)
		}

		fmt.Println("Logged out.")
		return nil
	},
}
