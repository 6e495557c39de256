package tree

import (
	"context"
	"reflect"
	"sync"
	"time"

	"firebase.google.com/go/v4/db"
	"github.com/jonboulle/clockwork"
)

// Firebase adapts the Realtime Database admin client. The admin SDK has no
// streaming listeners and no onDisconnect, so Values polls and disconnect
// hooks report ErrUnsupported.
type Firebase struct {
	client *db.Client
	poll   time.Duration
	clock  clockwork.Clock
}

func NewFirebase(client *db.Client, poll time.Duration, clock clockwork.Clock) *Firebase {
	if poll <= 0 {
		poll = 15 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Firebase{client: client, poll: poll, clock: clock}
}

func (f *Firebase) Supports(Capability) bool { return false }

func (f *Firebase) Get(ctx context.Context, path string) (Value, error) {
	var raw any
	if err := f.client.NewRef(path).Get(ctx, &raw); err != nil {
		return Value{}, err
	}
	return Value{Path: path, Exists: raw != nil, Raw: raw}, nil
}

func (f *Firebase) Set(ctx context.Context, path string, v any) error {
	return f.client.NewRef(path).Set(ctx, v)
}

func (f *Firebase) OnDisconnect(string) OnDisconnect { return unsupportedDisconnect{} }

func (f *Firebase) Values(ctx context.Context, path string) ValueIterator {
	ctx, cancel := context.WithCancel(ctx)
	return &pollIterator{f: f, path: path, ctx: ctx, cancel: cancel}
}

type unsupportedDisconnect struct{}

func (unsupportedDisconnect) Set(context.Context, any) error { return ErrUnsupported }
func (unsupportedDisconnect) Cancel(context.Context) error   { return ErrUnsupported }

type pollIterator struct {
	f      *Firebase
	path   string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	last    Value
}

// Next returns the first value immediately, then blocks until a poll sees a
// different value.
func (it *pollIterator) Next() (Value, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	for {
		if it.started {
			select {
			case <-it.ctx.Done():
				return Value{}, ErrStopped
			case <-it.f.clock.After(it.f.poll):
			}
		}
		v, err := it.f.Get(it.ctx, it.path)
		if err != nil {
			if it.ctx.Err() != nil {
				return Value{}, ErrStopped
			}
			return Value{}, err
		}
		if it.started && v.Exists == it.last.Exists && reflect.DeepEqual(v.Raw, it.last.Raw) {
			continue
		}
		it.started = true
		it.last = v
		return v, nil
	}
}

func (it *pollIterator) Stop() { it.cancel() }
