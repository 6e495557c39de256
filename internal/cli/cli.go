// Package cli is the bond command line: a terminal client of the sync
// engines, backed by the memory store or by Firebase.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"local.dev/bond/internal/config"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/presence"
	"local.dev/bond/internal/session"
	"local.dev/bond/internal/store"
	"local.dev/bond/internal/tree"
	"local.dev/bond/internal/watch"
)

const waitTimeout = 10 * time.Second

// App holds the backends of one command run.
type App struct {
	cfg      config.Config
	clock    clockwork.Clock
	store    store.Store
	memory   *store.Memory
	firebase *config.Firebase
	presence presence.Store

	user  string
	token string

	onMessages func(conversationID string, msgs []models.Message)
	mgr        *session.Manager
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	app := &App{clock: clockwork.NewRealClock()}
	root := app.rootCmd()
	err := root.Execute()
	app.close()
	if err != nil {
		color.Red("❌ %v", err)
		return 1
	}
	return 0
}

func (a *App) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bond",
		Short: "Bond - realtime feed, chat and presence client",
		Long: `A terminal client for the Bond social core.

Runs against an in-memory store persisted under DATA_DIR (BOND_BACKEND=memory)
or against Firebase (BOND_BACKEND=firebase). Sign in with --user in NO_AUTH or
memory mode, or with --token carrying a Firebase ID token.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&a.user, "user", "u", os.Getenv("BOND_USER"), "user id to act as (NO_AUTH or memory backend)")
	root.PersistentFlags().StringVar(&a.token, "token", os.Getenv("BOND_TOKEN"), "Firebase ID token")
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddCommand(
		a.feedCmd(),
		a.postCmd(),
		a.likeCmd(),
		a.commentsCmd(),
		a.commentCmd(),
		a.uncommentCmd(),
		a.inboxCmd(),
		a.chatCmd(),
		a.friendsCmd(),
		a.notificationsCmd(),
		a.presenceCmd(),
		a.seedCmd(),
	)
	return root
}

func (a *App) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	var t tree.Tree
	switch cfg.Backend {
	case config.BackendFirebase:
		fb, err := cfg.NewFirebase(ctx)
		if err != nil {
			return err
		}
		a.firebase = fb
		a.store = store.NewFirestore(fb.Firestore)
		if fb.Database != nil {
			t = tree.NewFirebase(fb.Database, cfg.Presence.Poll, a.clock)
		}
	default:
		if err := config.EnsureDir(cfg.DataDir); err != nil {
			return err
		}
		a.memory = store.NewMemory()
		if err := a.memory.Load(cfg.StoreFile()); err != nil {
			return fmt.Errorf("load %s: %w", cfg.StoreFile(), err)
		}
		a.store = a.memory
		t = tree.NewMemory().Connect()
	}

	a.presence, err = presence.New(presence.Backend(cfg.Presence.Backend), cfg.Presence.Mirror, a.store, t, cfg.PresenceOptions(a.clock))
	if err != nil {
		return err
	}
	glog.V(2).Infof("[cli]backend %s, presence %s\n", cfg.Backend, cfg.Presence.Backend)
	return nil
}

func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if a.mgr != nil {
		a.mgr.SignOut(ctx)
	}
	if a.memory != nil {
		if err := a.memory.Save(a.cfg.StoreFile()); err != nil {
			glog.Warningf("[cli]save %s: %v\n", a.cfg.StoreFile(), err)
		}
	}
	if a.firebase != nil {
		if err := a.firebase.Close(); err != nil {
			glog.Warningf("[cli]close firestore: %v\n", err)
		}
	}
	glog.Flush()
}

// signIn resolves the caller and starts a session.
func (a *App) signIn(ctx context.Context) (*session.Session, error) {
	noAuth := a.cfg.NoAuth || a.cfg.Backend == config.BackendMemory
	token := a.token
	if token == "" {
		if a.user == "" {
			return nil, fmt.Errorf("sign in with --user or --token")
		}
		if !noAuth {
			return nil, fmt.Errorf("--user needs NO_AUTH=1 or the memory backend")
		}
		token = "Debug " + a.user
	}
	var v session.TokenVerifier
	if a.firebase != nil && a.firebase.Auth != nil {
		v = a.firebase.Auth
	}
	id, err := session.IdentityFromToken(ctx, v, token, noAuth)
	if err != nil {
		return nil, err
	}
	opts := a.cfg.SessionOptions(a.clock)
	opts.Chat.OnMessages = a.onMessages
	a.mgr = session.NewManager(a.store, a.presence, opts)
	return a.mgr.SignIn(ctx, id)
}

func (a *App) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Fill an empty store with demo users, posts and a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.SeedIfEmpty(cmd.Context(), a.store); err != nil {
				return err
			}
			color.Green("✅ Demo data ready: try --user demo_alice or --user demo_bob")
			return nil
		},
	}
}

type subscribeFunc[T any] func(fn func(T)) (watch.CancelFunc, error)

// live adapts a subscription that cannot fail to open.
func live[T any](subscribe func(fn func(T)) watch.CancelFunc) subscribeFunc[T] {
	return func(fn func(T)) (watch.CancelFunc, error) { return subscribe(fn), nil }
}

// first waits for the first value of a subscription.
func first[T any](ctx context.Context, subscribe subscribeFunc[T]) (T, error) {
	var zero T
	ch := make(chan T, 1)
	cancel, err := subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	if err != nil {
		return zero, err
	}
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, waitTimeout)
	defer stop()
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("no data within %s", waitTimeout)
	}
}

// follow prints every value until interrupted.
func follow[T any](ctx context.Context, subscribe subscribeFunc[T], print func(T)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cancel, err := subscribe(print)
	if err != nil {
		return err
	}
	defer cancel()
	color.Yellow("Following, Ctrl+C to stop")
	<-ctx.Done()
	return nil
}
