package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	forum "github.com/rtforum/forum-go"
	"golang.org/x/term"
)

// getClient creates a forum client and restores the saved session, if any.
// A 401 on any request clears the saved session.
func getClient() (*forum.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := []forum.ClientOption{forum.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, forum.WithBaseURL(cfg.Default.BaseURL))
	}
	client := forum.NewClient(opts...)

	if cfg.Auth.SessionID != "" {
		client.SetSessionCookie(cfg.Auth.SessionID)
	}
	if cfg.Auth.LastRotation != "" {
		if t, err := time.Parse(time.RFC3339, cfg.Auth.LastRotation); err == nil {
			client.SetLastRotation(t)
		}
	}

	client.OnSessionExpired(func() {
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			logger.Warn().Err(err).Msg("failed to clear expired session")
		}
	})
	return client, cfg
}

// getSessionClient is getClient for commands that need a signed-in user.
func getSessionClient() (*forum.Client, *Config) {
	client, cfg := getClient()
	if cfg.Auth.SessionID == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'forum login' first.")
		os.Exit(1)
	}
	return client, cfg
}

// saveSession stores the client's current cookie, rotation time and user.
func saveSession(cfg *Config, client *forum.Client, user *forum.User) error {
	cfg.Auth.SessionID = client.SessionCookie()
	if t := client.LastRotation(); !t.IsZero() {
		cfg.Auth.LastRotation = t.UTC().Format(time.RFC3339)
	}
	if user != nil {
		cfg.Auth.UserID = strconv.FormatInt(user.ID, 10)
		cfg.Auth.Nickname = user.Nickname
	}
	return saveConfig(cfg)
}

// syncSession persists a rotated cookie after a command. Failures are only
// logged since the command itself already succeeded.
func syncSession(cfg *Config, client *forum.Client) {
	if cfg.Auth.SessionID == "" || client.SessionCookie() == cfg.Auth.SessionID {
		return
	}
	if err := saveSession(cfg, client, nil); err != nil {
		logger.Warn().Err(err).Msg("failed to save rotated session")
	}
}

// requestError turns client errors into CLI messages.
func requestError(err error) error {
	if errors.Is(err, forum.ErrSessionExpired) {
		return fmt.Errorf("your session has expired; run 'forum login' again")
	}
	var apiErr *forum.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s", apiErr.Message)
	}
	return fmt.Errorf("request failed: %w", err)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// readPassword prompts on the terminal without echo. Piped input is read as
// a single line.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return line, nil
}

// parseID parses a positive numeric id argument.
func parseID(kind, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, arg)
	}
	return id, nil
}

// resolveUser accepts a numeric id or a nickname.
func resolveUser(users []forum.User, arg string) (*forum.User, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		for i := range users {
			if users[i].ID == id {
				return &users[i], nil
			}
		}
		return nil, fmt.Errorf("no user with id %d", id)
	}
	for i := range users {
		if strings.EqualFold(users[i].Nickname, arg) {
			return &users[i], nil
		}
	}
	return nil, fmt.Errorf("no user named %q", arg)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
