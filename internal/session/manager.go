package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"

	"local.dev/bond/internal/chat"
	"local.dev/bond/internal/feed"
	"local.dev/bond/internal/friends"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/notify"
	"local.dev/bond/internal/presence"
	"local.dev/bond/internal/store"
)

type Options struct {
	Chat chat.Options
	Feed feed.Options
	// BackgroundGrace is how long a hidden client stays online.
	BackgroundGrace time.Duration
	Clock           clockwork.Clock
}

// Session holds the engines of one signed-in user.
type Session struct {
	Profile models.UserProfile
	Chat    *chat.Engine
	Feed    *feed.Engine
	Notify  *notify.Watcher
	Friends *friends.Service
	// Presence subscriptions end with the session.
	Presence presence.Store

	presence *presenceSubs
	tracker  *presence.Tracker
}

func (s *Session) Self() models.Summary { return s.Profile.Summary() }

// Manager owns at most one session at a time.
type Manager struct {
	store    store.Store
	presence presence.Store
	opts     Options

	mu      sync.Mutex
	current *Session
}

func NewManager(s store.Store, p presence.Store, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Chat.Clock == nil {
		opts.Chat.Clock = opts.Clock
	}
	if opts.Feed.Clock == nil {
		opts.Feed.Clock = opts.Clock
	}
	return &Manager{store: s, presence: p, opts: opts}
}

// SignIn ensures the profile exists, starts presence and builds the engines.
// A previous session is signed out first. A presence failure does not fail
// the sign-in.
func (m *Manager) SignIn(ctx context.Context, id Identity) (*Session, error) {
	m.SignOut(ctx)

	profile, err := EnsureProfile(ctx, m.store, id, "")
	if err != nil {
		return nil, err
	}
	self := profile.Summary()
	subs := newPresenceSubs(m.presence)
	sess := &Session{
		Profile:  profile,
		Chat:     chat.New(m.store, self, m.opts.Chat),
		Feed:     feed.New(m.store, self, m.opts.Feed),
		Notify:   notify.New(m.store),
		Friends:  friends.New(m.store, self.ID),
		Presence: subs,
		presence: subs,
		tracker:  presence.NewTracker(m.presence, m.opts.Clock, m.opts.BackgroundGrace),
	}
	if err := sess.tracker.SignIn(ctx, self.ID); err != nil {
		glog.Warningf("[session]presence start for %s: %v\n", self.ID, err)
	}

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	glog.Infof("[session]signed in %s\n", self.ID)
	return sess, nil
}

// Current returns the active session or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SignOut stops every listener the session opened and forces presence
// offline.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Chat.Close()
	sess.Feed.Close()
	sess.Notify.Close()
	sess.presence.Close()
	sess.tracker.SignOut(ctx)
	glog.Infof("[session]signed out %s\n", sess.Profile.ID)
}

// Handle forwards a client lifecycle event to presence.
func (m *Manager) Handle(ctx context.Context, ev presence.Event) {
	sess := m.Current()
	if sess == nil {
		return
	}
	sess.tracker.Handle(ctx, ev)
	if ev == presence.EventBeforeUnload {
		m.SignOut(ctx)
	}
}

// PresenceState reports the tracker state of the active session.
func (m *Manager) PresenceState() presence.State {
	sess := m.Current()
	if sess == nil {
		return presence.StateOffline
	}
	return sess.tracker.State()
}
