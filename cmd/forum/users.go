package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	forum "github.com/rtforum/forum-go"
	"github.com/spf13/cobra"
)

var (
	usersOnline bool
	usersJSON   bool

	conversationsJSON bool

	messagesLimit  int
	messagesOffset int
	messagesJSON   bool
)

func init() {
	usersCmd.Flags().BoolVar(&usersOnline, "online", false, "Show only users that are online")
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output JSON")

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 20, "Maximum number of messages to return")
	messagesCmd.Flags().IntVar(&messagesOffset, "offset", 0, "Skip this many of the newest messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(avatarCmd)
	rootCmd.AddCommand(sendImageCmd)
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List forum users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.Users.List(ctx)
		if err != nil {
			return requestError(err)
		}
		online, err := client.Users.Online(ctx)
		if err != nil {
			return requestError(err)
		}
		isOnline := make(map[int64]bool, len(online))
		for _, id := range online {
			isOnline[id] = true
		}

		sort.Slice(users, func(i, j int) bool {
			return strings.ToLower(users[i].Nickname) < strings.ToLower(users[j].Nickname)
		})
		if usersOnline {
			filtered := users[:0]
			for _, u := range users {
				if isOnline[u.ID] {
					filtered = append(filtered, u)
				}
			}
			users = filtered
		}

		if usersJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			mark := " "
			if isOnline[u.ID] {
				mark = "*"
			}
			fmt.Printf("%s %-6d %s\n", mark, u.ID, u.Nickname)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List recent conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := client.Messages.Conversations(ctx)
		if err != nil {
			return requestError(err)
		}
		if conversationsJSON {
			return printJSON(list)
		}
		if len(list.Conversations) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		self, _ := parseID("user", cfg.Auth.UserID)
		for _, msg := range list.Conversations {
			peer := msg.Counterpart(self)
			content := msg.Content
			if msg.IsImage {
				content = "[image]"
			}
			unread := ""
			if n := list.UnreadCounts[peer]; n > 0 {
				unread = fmt.Sprintf(" (%d unread)", n)
			}
			fmt.Printf("%-16s %s  %s%s\n",
				valueOrDefault(msg.SenderName, fmt.Sprintf("user %d", peer)),
				msg.CreatedAt.Local().Format("Jan 02 15:04"),
				truncate(content, 48), unread)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <user>",
	Short: "Show message history with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.Users.List(ctx)
		if err != nil {
			return requestError(err)
		}
		peer, err := resolveUser(users, args[0])
		if err != nil {
			return err
		}

		history, err := client.Messages.History(ctx, peer.ID, messagesLimit, messagesOffset)
		if err != nil {
			return requestError(err)
		}
		if messagesJSON {
			return printJSON(history)
		}
		if len(history) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		names := map[int64]string{peer.ID: peer.Nickname}
		self, _ := parseID("user", cfg.Auth.UserID)
		names[self] = "you"
		// History comes back newest first.
		for i := len(history) - 1; i >= 0; i-- {
			printMessage(os.Stdout, history[i], names[history[i].SenderID])
		}
		return nil
	},
}

// ============================================================================
// avatar / send-image
// ============================================================================

var avatarCmd = &cobra.Command{
	Use:   "avatar <file>",
	Short: "Upload a new avatar image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		name, err := client.Users.UploadAvatar(ctx, args[0], data)
		if err != nil {
			return requestError(err)
		}
		fmt.Printf("Avatar updated: %s\n", name)
		return nil
	},
}

var sendImageCmd = &cobra.Command{
	Use:   "send-image <user> <file>",
	Short: "Send an image message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		users, err := client.Users.List(ctx)
		if err != nil {
			return requestError(err)
		}
		peer, err := resolveUser(users, args[0])
		if err != nil {
			return err
		}

		msg, err := client.Messages.SendImage(ctx, peer.ID, args[1], data)
		if err != nil {
			return requestError(err)
		}
		fmt.Printf("Image sent to %s (message %d)\n", peer.Nickname, msg.ID)
		return nil
	},
}

// printMessage writes one history line.
func printMessage(w io.Writer, msg forum.Message, name string) {
	content := msg.Content
	if msg.IsImage {
		content = "[image] " + content
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", msg.CreatedAt.Local().Format("Jan 02 15:04"), valueOrDefault(name, fmt.Sprintf("user %d", msg.SenderID)), content)
}
