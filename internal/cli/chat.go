package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/watch"
)

func (a *App) inboxCmd() *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List your conversations, newest activity first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			self := sess.Self().ID
			subscribe := live(func(fn func([]models.ConversationView)) watch.CancelFunc {
				return sess.Chat.ListConversations(self, fn, nil)
			})
			out := cmd.OutOrStdout()
			if keep {
				return follow(ctx, subscribe, func(views []models.ConversationView) { printInbox(out, views) })
			}
			views, err := first(ctx, subscribe)
			if err != nil {
				return err
			}
			printInbox(out, views)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keep, "follow", "f", false, "keep printing the inbox as it changes")
	return cmd
}

func (a *App) chatCmd() *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "chat <user-id> [message...]",
		Short: "Show a conversation and optionally send a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			msgs := make(chan []models.Message, 1)
			a.onMessages = func(_ string, m []models.Message) {
				if !keep {
					select {
					case msgs <- m:
					default:
					}
					return
				}
				printMessages(out, m)
			}
			sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			id, err := sess.Chat.CreateOrGet(ctx, args[0])
			if err != nil {
				return err
			}
			if text := strings.Join(args[1:], " "); text != "" {
				if _, err := sess.Chat.Send(ctx, id, text); err != nil {
					return err
				}
			}
			sess.Chat.OpenConversation(id)
			defer sess.Chat.CloseConversation(id)
			sess.Chat.MarkRead(id)

			subscribe := func(fn func([]models.Message)) (watch.CancelFunc, error) {
				go func() {
					select {
					case m := <-msgs:
						fn(m)
					case <-ctx.Done():
					}
				}()
				return func() {}, nil
			}
			if keep {
				return follow(ctx, subscribe, func([]models.Message) {})
			}
			m, err := first(ctx, subscribe)
			if err != nil {
				return err
			}
			printMessages(out, m)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keep, "follow", "f", false, "keep printing new messages")
	return cmd
}

func printInbox(w io.Writer, views []models.ConversationView) {
	fmt.Fprintln(w, heading("Inbox (%d)", len(views)))
	for _, v := range views {
		unread := ""
		if v.Unread > 0 {
			unread = accent(fmt.Sprintf("(%d new)", v.Unread))
		}
		fmt.Fprintf(w, "%s %s %s\n", bold(v.Peer.Name()), unread, dim(ago(v.LastMessageAt)))
		if v.LastMessage != "" {
			fmt.Fprintf(w, "  %s\n", v.LastMessage)
		}
	}
}

func printMessages(w io.Writer, msgs []models.Message) {
	for _, m := range msgs {
		fmt.Fprintf(w, "%s %s: %s\n", dim(ago(m.CreatedAt)), bold(m.Sender.Name()), m.Content)
	}
}
