// Package presence publishes the signed-in user's online state and streams
// other users' presence. Two channels implement Store: a document channel
// (users/{uid}.isOnline with throttled writes and a heartbeat) and a tree
// channel (status/{uid} guarded by a server-side disconnect hook). One of them
// is authoritative per deployment.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
	"local.dev/bond/internal/tree"
	"local.dev/bond/internal/watch"
)

// Store is one presence channel.
type Store interface {
	// Start begins a session for uid and marks it online.
	Start(ctx context.Context, uid string) error
	// SetOnline reports a state change for the current session. Failures are
	// logged, not returned.
	SetOnline(ctx context.Context, online bool)
	// Stop ends the session with an explicit offline write.
	Stop(ctx context.Context)
	SubscribeOne(uid string, fn func(models.Presence)) watch.CancelFunc
	SubscribeMany(uids []string, fn func(map[string]models.Presence)) watch.CancelFunc
}

type Backend string

const (
	BackendAuto     Backend = "auto"
	BackendTree     Backend = "tree"
	BackendDocument Backend = "document"
)

type Options struct {
	Throttle  time.Duration
	Debounce  time.Duration
	Heartbeat time.Duration
	Clock     clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.Throttle <= 0 {
		o.Throttle = 5 * time.Minute
	}
	if o.Debounce <= 0 {
		o.Debounce = 1500 * time.Millisecond
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

const writeTimeout = 10 * time.Second

// New picks the authoritative channel. With mirror set, writes also go to
// the other channel on a best-effort basis.
func New(kind Backend, mirror bool, docs store.Store, t tree.Tree, opts Options) (Store, error) {
	useTree := false
	switch kind {
	case BackendTree:
		if t == nil || !t.Supports(tree.CapOnDisconnect) {
			return nil, fmt.Errorf("presence: tree backend needs disconnect hook support")
		}
		useTree = true
	case BackendDocument:
	case BackendAuto, "":
		useTree = t != nil && t.Supports(tree.CapOnDisconnect)
	default:
		return nil, fmt.Errorf("presence: unknown backend %q", kind)
	}

	doc := NewDocChannel(docs, opts)
	if !useTree {
		glog.Infof("[presence]using document channel\n")
		if mirror && t != nil {
			return &Mirrored{Primary: doc, Legacy: NewTreeChannel(t, opts)}, nil
		}
		return doc, nil
	}
	glog.Infof("[presence]using tree channel\n")
	tc := NewTreeChannel(t, opts)
	if mirror {
		return &Mirrored{Primary: tc, Legacy: doc}, nil
	}
	return tc, nil
}

func offline(uid string) models.Presence {
	return models.Presence{UserID: uid, State: models.StateOffline}
}
