package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"local.dev/bond/internal/feed"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/watch"
)

func (a *App) feedCmd() *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show posts by you and your friends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			self := sess.Self().ID
			subscribe := func(fn func([]models.Post)) (watch.CancelFunc, error) {
				return sess.Feed.WatchFeed(ctx, self, fn)
			}
			out := cmd.OutOrStdout()
			if keep {
				return follow(ctx, subscribe, func(posts []models.Post) { printPosts(out, self, posts) })
			}
			posts, err := first(ctx, subscribe)
			if err != nil {
				return err
			}
			printPosts(out, self, posts)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keep, "follow", "f", false, "keep printing the feed as it changes")
	return cmd
}

func (a *App) postCmd() *cobra.Command {
	var visibility string
	cmd := &cobra.Command{
		Use:   "post <text>...",
		Short: "Publish a post",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.signIn(cmd.Context())
			if err != nil {
				return err
			}
			p, err := sess.Feed.CreatePost(cmd.Context(), strings.Join(args, " "), models.Visibility(visibility))
			if err != nil {
				return err
			}
			color.Green("✅ Posted %s (%s)", p.ID, p.Visibility)
			return nil
		},
	}
	cmd.Flags().StringVar(&visibility, "visibility", "public", "public, friends or private")
	return cmd
}

func (a *App) likeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "like <post-id>",
		Short: "Like or unlike a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.signIn(cmd.Context())
			if err != nil {
				return err
			}
			if err := sess.Feed.ToggleLike(cmd.Context(), args[0]); err != nil {
				return err
			}
			color.Green("✅ Like toggled on %s", args[0])
			return nil
		},
	}
}

func (a *App) commentsCmd() *cobra.Command {
	var pageSize int
	var all bool
	cmd := &cobra.Command{
		Use:   "comments <post-id>",
		Short: "List the comments of a post, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var cursor *feed.Cursor
			for {
				page, err := sess.Feed.LoadComments(ctx, args[0], pageSize, cursor)
				if err != nil {
					return err
				}
				for _, c := range page.Comments {
					printComment(out, c)
				}
				if !page.HasMore {
					return nil
				}
				if !all {
					fmt.Fprintln(out, dim("more comments: use --all"))
					return nil
				}
				cursor = page.Next
			}
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "comments per page (default from BOND_FEED_COMMENT_PAGE)")
	cmd.Flags().BoolVar(&all, "all", false, "load every page")
	return cmd
}

func (a *App) commentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <post-id> <text>...",
		Short: "Comment on a post",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.signIn(cmd.Context())
			if err != nil {
				return err
			}
			c, err := sess.Feed.AddComment(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			color.Green("✅ Commented %s", c.ID)
			return nil
		},
	}
}

func (a *App) uncommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uncomment <post-id> <comment-id>",
		Short: "Delete a comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.signIn(cmd.Context())
			if err != nil {
				return err
			}
			if err := sess.Feed.DeleteComment(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			color.Green("✅ Comment deleted")
			return nil
		},
	}
}

func printPosts(w io.Writer, self string, posts []models.Post) {
	fmt.Fprintln(w, heading("Feed (%d)", len(posts)))
	for _, p := range posts {
		heart := "♡"
		if p.LikedBy(self) {
			heart = color.RedString("♥")
		}
		fmt.Fprintf(w, "%s %s %s %s\n", accent(p.ID), bold(p.Author.Name()), dim(string(p.Visibility)), dim(ago(p.CreatedAt)))
		fmt.Fprintf(w, "  %s\n", p.Content)
		fmt.Fprintf(w, "  %s %d  💬 %d\n", heart, p.LikeCount, p.CommentCount)
	}
}

func printComment(w io.Writer, c models.Comment) {
	fmt.Fprintf(w, "%s %s: %s %s\n", accent(c.ID), bold(c.Author.Name()), c.Content, dim(ago(c.CreatedAt)))
}
