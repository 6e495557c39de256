package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "auto", cfg.Presence.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Presence.Throttle)
	assert.Equal(t, 1500*time.Millisecond, cfg.Presence.Debounce)
	assert.Equal(t, 30*time.Second, cfg.Presence.BackgroundGrace)
	assert.Equal(t, 50, cfg.Chat.MessageLimit)
	assert.Equal(t, 5*time.Second, cfg.Chat.CloseGrace)
	assert.Equal(t, 20, cfg.Feed.CommentTail)
	assert.Equal(t, filepath.Join(cfg.DataDir, "bond.json"), cfg.StoreFile())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BOND_BACKEND", "firebase")
	t.Setenv("NO_AUTH", "1")
	t.Setenv("BOND_PRESENCE_BACKEND", "document")
	t.Setenv("BOND_PRESENCE_MIRROR", "true")
	t.Setenv("BOND_CHAT_CLOSE_GRACE", "2s")
	t.Setenv("BOND_FEED_LIMIT", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.NoAuth)
	assert.True(t, cfg.Presence.Mirror)

	clock := clockwork.NewFakeClock()
	opts := cfg.SessionOptions(clock)
	assert.Equal(t, 2*time.Second, opts.Chat.CloseGrace)
	assert.Equal(t, 10, opts.Feed.FeedLimit)
	assert.Equal(t, clock, opts.Clock)
	assert.Equal(t, cfg.Presence.Heartbeat, cfg.PresenceOptions(clock).Heartbeat)
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BOND_BACKEND", "postgres")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("BOND_BACKEND", "memory")
	t.Setenv("BOND_PRESENCE_BACKEND", "carrier-pigeon")
	_, err = Load()
	assert.Error(t, err)
}

func TestCredentialResolution(t *testing.T) {
	_, err := Config{}.clientOptions()
	assert.Error(t, err)

	opts, err := Config{ServiceAccountJSON: `{"type":"service_account"}`}.clientOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 1)

	_, err = Config{CredentialsFile: filepath.Join(t.TempDir(), "missing.json")}.clientOptions()
	assert.Error(t, err)

	opts, err = Config{FirestoreEmulatorHost: "localhost:8080"}.clientOptions()
	require.NoError(t, err)
	assert.Empty(t, opts)

	_, err = Config{}.NewFirebase(t.Context())
	assert.ErrorContains(t, err, "FIREBASE_PROJECT_ID")
}
