package main

import (
	"context"
	"fmt"
	"time"

	forum "github.com/rtforum/forum-go"
	"github.com/spf13/cobra"
)

var (
	postsUser int64
	postsJSON bool

	postCategory string
)

func init() {
	postsListCmd.Flags().Int64Var(&postsUser, "user", 0, "Only posts by this user id")
	postsListCmd.Flags().BoolVar(&postsJSON, "json", false, "Output JSON")
	postsShowCmd.Flags().BoolVar(&postsJSON, "json", false, "Output JSON")
	postsCreateCmd.Flags().StringVarP(&postCategory, "category", "c", "", "Post category (required)")
	_ = postsCreateCmd.MarkFlagRequired("category")

	postsCmd.AddCommand(postsListCmd)
	postsCmd.AddCommand(postsShowCmd)
	postsCmd.AddCommand(postsCreateCmd)
	rootCmd.AddCommand(postsCmd)
	rootCmd.AddCommand(commentCmd)
}

var postsCmd = &cobra.Command{
	Use:   "posts",
	Short: "Browse and create posts",
}

var postsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var posts []forum.Post
		var err error
		if postsUser > 0 {
			posts, err = client.Posts.ListByUser(ctx, postsUser)
		} else {
			posts, err = client.Posts.List(ctx)
		}
		if err != nil {
			return requestError(err)
		}
		if postsJSON {
			return printJSON(posts)
		}
		if len(posts) == 0 {
			fmt.Println("No posts yet.")
			return nil
		}
		for _, p := range posts {
			author := fmt.Sprintf("user %d", p.UserID)
			if p.User != nil {
				author = p.User.Nickname
			}
			fmt.Printf("%-6d [%s] %s (by %s, %s)\n", p.ID, p.Category, truncate(p.Title, 60), author, p.CreatedAt.Local().Format("Jan 02 15:04"))
		}
		return nil
	},
}

var postsShowCmd = &cobra.Command{
	Use:   "show <post-id>",
	Short: "Show a post and its comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("post", args[0])
		if err != nil {
			return err
		}
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		detail, err := client.Posts.Get(ctx, id)
		if err != nil {
			return requestError(err)
		}
		if postsJSON {
			return printJSON(detail)
		}

		p := detail.Post
		fmt.Printf("%s\n", p.Title)
		fmt.Printf("Category: %s   Posted: %s\n\n", p.Category, p.CreatedAt.Local().Format(time.RFC1123))
		fmt.Println(p.Content)
		fmt.Printf("\nComments (%d):\n", len(detail.Comments))
		for _, c := range detail.Comments {
			fmt.Printf("  %s (%s): %s\n", valueOrDefault(c.Username, fmt.Sprintf("user %d", c.UserID)), c.CreatedAt.Local().Format("Jan 02 15:04"), c.Content)
		}
		return nil
	},
}

var postsCreateCmd = &cobra.Command{
	Use:   "create <title> <content>",
	Short: "Create a post",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		post, err := client.Posts.Create(ctx, &forum.CreatePostOptions{Title: args[0], Content: args[1], Category: postCategory})
		if err != nil {
			return requestError(err)
		}
		fmt.Printf("Post created (id %d)\n", post.ID)
		return nil
	},
}

var commentCmd = &cobra.Command{
	Use:   "comment <post-id> <content>",
	Short: "Comment on a post",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("post", args[0])
		if err != nil {
			return err
		}
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		c, err := client.Comments.Create(ctx, &forum.CreateCommentOptions{PostID: id, Content: args[1]})
		if err != nil {
			return requestError(err)
		}
		fmt.Printf("Comment added (id %d)\n", c.ID)
		return nil
	},
}
