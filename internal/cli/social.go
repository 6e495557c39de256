package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"local.dev/bond/internal/friends"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/notify"
	"local.dev/bond/internal/watch"
)

func (a *App) friendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friends",
		Short: "List friends and pending requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			p := sess.Profile
			for _, group := range []struct {
				title string
				ids   []string
			}{
				{"Friends", p.Friends},
				{"Requests", p.FriendRequests},
				{"Sent", p.SentRequests},
			} {
				people, err := notify.Resolve(ctx, a.store, group.ids)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, heading("%s (%d)", group.title, len(people)))
				for _, s := range people {
					fmt.Fprintf(out, "%s %s\n", accent(s.ID), bold(s.Name()))
				}
			}
			return nil
		},
	}
	for _, op := range []struct {
		use, short, done string
		run              func(*friends.Service, context.Context, string) error
	}{
		{"request", "Send a friend request", "Request sent", (*friends.Service).SendRequest},
		{"accept", "Accept a friend request", "You are now friends", (*friends.Service).Accept},
		{"decline", "Decline a friend request", "Request declined", (*friends.Service).Decline},
		{"cancel", "Cancel a request you sent", "Request cancelled", (*friends.Service).Cancel},
		{"remove", "Remove a friend", "Friend removed", (*friends.Service).Unfriend},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   op.use + " <user-id>",
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := a.signIn(cmd.Context())
				if err != nil {
					return err
				}
				if err := op.run(sess.Friends, cmd.Context(), args[0]); err != nil {
					return err
				}
				color.Green("✅ %s", op.done)
				return nil
			},
		})
	}
	return cmd
}

type requests struct {
	count  int
	people []models.Summary
}

func (a *App) notificationsCmd() *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show pending friend requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			self := sess.Self().ID
			subscribe := live(func(fn func(requests)) watch.CancelFunc {
				return sess.Notify.Watch(self, func(count int, people []models.Summary) {
					fn(requests{count: count, people: people})
				})
			})
			out := cmd.OutOrStdout()
			if keep {
				return follow(ctx, subscribe, func(r requests) { printRequests(out, r) })
			}
			r, err := first(ctx, subscribe)
			if err != nil {
				return err
			}
			printRequests(out, r)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keep, "follow", "f", false, "keep printing as requests arrive")
	return cmd
}

func (a *App) presenceCmd() *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "presence <user-id>...",
		Short: "Show who is online",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			subscribe := live(func(fn func(map[string]models.Presence)) watch.CancelFunc {
				return sess.Presence.SubscribeMany(args, fn)
			})
			out := cmd.OutOrStdout()
			if keep {
				return follow(ctx, subscribe, func(m map[string]models.Presence) { printPresence(out, m) })
			}
			m, err := first(ctx, subscribe)
			if err != nil {
				return err
			}
			printPresence(out, m)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keep, "follow", "f", false, "keep printing presence changes")
	return cmd
}

func printRequests(w io.Writer, r requests) {
	fmt.Fprintln(w, heading("Friend requests (%d)", r.count))
	for _, s := range r.people {
		fmt.Fprintf(w, "%s %s\n", accent(s.ID), bold(s.Name()))
	}
}

func printPresence(w io.Writer, m map[string]models.Presence) {
	uids := make([]string, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		p := m[uid]
		if p.Online() {
			fmt.Fprintf(w, "%s %s\n", color.GreenString("●"), bold(uid))
			continue
		}
		seen := "never seen"
		if !p.LastSeen.IsZero() {
			seen = "last seen " + ago(p.LastSeen)
		}
		fmt.Fprintf(w, "%s %s %s\n", dim("○"), bold(uid), dim(seen))
	}
}
