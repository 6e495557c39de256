// Package tree is the realtime key-value tree port used for presence: path
// values, live value subscriptions and server-side disconnect hooks.
package tree

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnsupported  = errors.New("tree: operation not supported by backend")
	ErrDisconnected = errors.New("tree: client disconnected")
	ErrStopped      = errors.New("tree: iterator stopped")
)

// ConnectedPath reports this client's connection state as a bool value.
const ConnectedPath = ".info/connected"

// ServerTimestamp is replaced with the server's clock in epoch milliseconds.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

type Capability int

const (
	// CapOnDisconnect means OnDisconnect hooks are honored by the server.
	CapOnDisconnect Capability = iota
	// CapConnectionState means ConnectedPath can be watched.
	CapConnectionState
)

type Value struct {
	Path   string
	Exists bool
	Raw    any
}

// Map returns the value as an object, or nil.
func (v Value) Map() map[string]any {
	m, _ := v.Raw.(map[string]any)
	return m
}

// Bool returns the value as a bool, false when absent.
func (v Value) Bool() bool {
	b, _ := v.Raw.(bool)
	return b
}

type ValueIterator interface {
	Next() (Value, error)
	Stop()
}

// OnDisconnect is a server-held write that fires when this client's
// connection drops uncleanly.
type OnDisconnect interface {
	// Set returns once the server has acknowledged the registration.
	Set(ctx context.Context, v any) error
	Cancel(ctx context.Context) error
}

type Tree interface {
	Get(ctx context.Context, path string) (Value, error)
	Set(ctx context.Context, path string, v any) error
	Values(ctx context.Context, path string) ValueIterator
	OnDisconnect(path string) OnDisconnect
	Supports(c Capability) bool
}

// Millis converts a stored epoch-millisecond number to a time.
func Millis(v any) time.Time {
	var ms int64
	switch n := v.(type) {
	case int64:
		ms = n
	case int:
		ms = int64(n)
	case float64:
		ms = int64(n)
	default:
		return time.Time{}
	}
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
