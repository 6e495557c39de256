// Package config reads the environment and builds the Firebase clients.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/db"
	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"google.golang.org/api/option"

	"local.dev/bond/internal/chat"
	"local.dev/bond/internal/feed"
	"local.dev/bond/internal/presence"
	"local.dev/bond/internal/session"
)

const (
	BackendMemory   = "memory"
	BackendFirebase = "firebase"
)

type Config struct {
	Backend string `env:"BOND_BACKEND" envDefault:"memory"`
	DataDir string `env:"DATA_DIR"`
	NoAuth  bool   `env:"NO_AUTH"`

	ProjectID             string `env:"FIREBASE_PROJECT_ID"`
	DatabaseURL           string `env:"FIREBASE_DATABASE_URL"`
	ServiceAccountJSON    string `env:"FIREBASE_SERVICE_ACCOUNT_JSON"`
	CredentialsFile       string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	AuthEmulatorHost      string `env:"FIREBASE_AUTH_EMULATOR_HOST"`
	FirestoreEmulatorHost string `env:"FIRESTORE_EMULATOR_HOST"`

	Presence PresenceConfig `envPrefix:"BOND_PRESENCE_"`
	Chat     ChatConfig     `envPrefix:"BOND_CHAT_"`
	Feed     FeedConfig     `envPrefix:"BOND_FEED_"`
}

type PresenceConfig struct {
	Backend         string        `env:"BACKEND"          envDefault:"auto"`
	Mirror          bool          `env:"MIRROR"`
	Throttle        time.Duration `env:"THROTTLE"         envDefault:"5m"`
	Debounce        time.Duration `env:"DEBOUNCE"         envDefault:"1500ms"`
	Heartbeat       time.Duration `env:"HEARTBEAT"        envDefault:"5m"`
	BackgroundGrace time.Duration `env:"BACKGROUND_GRACE" envDefault:"30s"`
	// Poll is the refresh interval of tree reads on backends without
	// streaming listeners.
	Poll time.Duration `env:"POLL" envDefault:"15s"`
}

type ChatConfig struct {
	MessageLimit int           `env:"MESSAGE_LIMIT" envDefault:"50"`
	CloseGrace   time.Duration `env:"CLOSE_GRACE"   envDefault:"5s"`
	ReadDebounce time.Duration `env:"READ_DEBOUNCE" envDefault:"1s"`
}

type FeedConfig struct {
	Limit       int `env:"LIMIT"        envDefault:"50"`
	CommentPage int `env:"COMMENT_PAGE" envDefault:"20"`
	CommentTail int `env:"COMMENT_TAIL" envDefault:"20"`
}

// Load parses the environment. DATA_DIR defaults to /data when it exists,
// otherwise ./data.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/data"
		if _, err := os.Stat(cfg.DataDir); err != nil {
			cfg.DataDir = filepath.Join(".", "data")
		}
	}
	switch cfg.Backend {
	case BackendMemory, BackendFirebase:
	default:
		return Config{}, fmt.Errorf("BOND_BACKEND must be %q or %q, got %q", BackendMemory, BackendFirebase, cfg.Backend)
	}
	switch presence.Backend(cfg.Presence.Backend) {
	case presence.BackendAuto, presence.BackendTree, presence.BackendDocument:
	default:
		return Config{}, fmt.Errorf("BOND_PRESENCE_BACKEND must be auto, tree or document, got %q", cfg.Presence.Backend)
	}
	return cfg, nil
}

// StoreFile is where the memory backend persists documents.
func (c Config) StoreFile() string { return filepath.Join(c.DataDir, "bond.json") }

func EnsureDir(dir string) error { return os.MkdirAll(dir, 0o755) }

func (c Config) PresenceOptions(clock clockwork.Clock) presence.Options {
	return presence.Options{
		Throttle:  c.Presence.Throttle,
		Debounce:  c.Presence.Debounce,
		Heartbeat: c.Presence.Heartbeat,
		Clock:     clock,
	}
}

func (c Config) SessionOptions(clock clockwork.Clock) session.Options {
	return session.Options{
		Chat: chat.Options{
			MessageLimit: c.Chat.MessageLimit,
			CloseGrace:   c.Chat.CloseGrace,
			ReadDebounce: c.Chat.ReadDebounce,
		},
		Feed: feed.Options{
			FeedLimit:   c.Feed.Limit,
			CommentPage: c.Feed.CommentPage,
			CommentTail: c.Feed.CommentTail,
		},
		BackgroundGrace: c.Presence.BackgroundGrace,
		Clock:           clock,
	}
}

// Firebase bundles the clients of one app. Auth is nil with NO_AUTH set and
// Database is nil without FIREBASE_DATABASE_URL.
type Firebase struct {
	App       *firebase.App
	Auth      *auth.Client
	Firestore *firestore.Client
	Database  *db.Client
}

func (f *Firebase) Close() error { return f.Firestore.Close() }

func (c Config) NewFirebase(ctx context.Context) (*Firebase, error) {
	if c.ProjectID == "" {
		return nil, fmt.Errorf("FIREBASE_PROJECT_ID not set")
	}
	opts, err := c.clientOptions()
	if err != nil {
		return nil, err
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   c.ProjectID,
		DatabaseURL: c.DatabaseURL,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase init: %w", err)
	}
	fb := &Firebase{App: app}
	if fb.Firestore, err = app.Firestore(ctx); err != nil {
		return nil, fmt.Errorf("firestore: %w", err)
	}
	if !c.NoAuth {
		if fb.Auth, err = app.Auth(ctx); err != nil {
			fb.Close()
			return nil, fmt.Errorf("firebase auth: %w", err)
		}
	}
	if c.DatabaseURL != "" {
		if fb.Database, err = app.Database(ctx); err != nil {
			fb.Close()
			return nil, fmt.Errorf("realtime database: %w", err)
		}
	}
	return fb, nil
}

// clientOptions prefers inline service-account JSON, then a credentials
// file. Emulators need neither.
func (c Config) clientOptions() ([]option.ClientOption, error) {
	switch {
	case c.ServiceAccountJSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(c.ServiceAccountJSON))}, nil
	case c.CredentialsFile != "":
		if _, err := os.Stat(c.CredentialsFile); err != nil {
			return nil, fmt.Errorf("GOOGLE_APPLICATION_CREDENTIALS %q not readable: %w", c.CredentialsFile, err)
		}
		return []option.ClientOption{option.WithCredentialsFile(c.CredentialsFile)}, nil
	case c.AuthEmulatorHost != "" || c.FirestoreEmulatorHost != "":
		return nil, nil
	}
	return nil, fmt.Errorf("missing Firebase credentials: set FIREBASE_SERVICE_ACCOUNT_JSON or GOOGLE_APPLICATION_CREDENTIALS, or use the emulators")
}
