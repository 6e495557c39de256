// Package store is the document-store port the sync engines run on, with an
// in-memory implementation and a Firestore adapter.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("store: document not found")
	ErrAlreadyExists   = errors.New("store: document already exists")
	ErrIteratorStopped = errors.New("store: iterator stopped")
)

// Document is one stored document. Data holds plain values: strings, bools,
// int64/float64, time.Time, []any and map[string]any.
type Document struct {
	ID         string
	Path       string
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// DataTo decodes the document into a struct carrying `firestore` tags.
func (d Document) DataTo(out any) error { return Decode(d.Data, out) }

// Snapshot is the full result set of a query at ReadTime.
type Snapshot struct {
	Docs     []Document
	ReadTime time.Time
}

// SnapshotIterator delivers live snapshots until Stop is called.
type SnapshotIterator interface {
	Next() (Snapshot, error)
	Stop()
}

// Store is the subset of the hosted document database the client core uses.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	// Snapshots opens one live subscription. It does not block; the first
	// snapshot arrives through Next.
	Snapshots(ctx context.Context, q Query) SnapshotIterator
	// Commit applies all writes together or none of them.
	Commit(ctx context.Context, writes ...Write) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	NewID() string
}

// BatchGetter is implemented by stores that can read many documents in one
// round trip. Missing documents are omitted from the result.
type BatchGetter interface {
	GetAll(ctx context.Context, paths []string) ([]Document, error)
}

// Tx reads must come before writes.
type Tx interface {
	Get(path string) (Document, error)
	Write(writes ...Write) error
}

type WriteKind int

const (
	WriteCreate WriteKind = iota
	WriteSet
	WriteMerge
	WriteUpdate
	WriteDelete
)

type Write struct {
	Kind    WriteKind
	Path    string
	Data    map[string]any
	Updates []Update
}

// Update sets one field. Path is dot separated ("unreadCount.uid").
type Update struct {
	Path  string
	Value any
}

func Create(path string, data map[string]any) Write {
	return Write{Kind: WriteCreate, Path: path, Data: data}
}

func Set(path string, data map[string]any) Write {
	return Write{Kind: WriteSet, Path: path, Data: data}
}

func Merge(path string, data map[string]any) Write {
	return Write{Kind: WriteMerge, Path: path, Data: data}
}

func UpdateDoc(path string, updates ...Update) Write {
	return Write{Kind: WriteUpdate, Path: path, Updates: updates}
}

func Delete(path string) Write {
	return Write{Kind: WriteDelete, Path: path}
}

// Field transforms, resolved by the backend at commit time.
type (
	incrementOp   struct{ n int64 }
	arrayUnionOp  struct{ values []any }
	arrayRemoveOp struct{ values []any }
	serverTimeOp  struct{}
)

// ServerTimestamp is replaced by the commit time.
var ServerTimestamp any = serverTimeOp{}

func Increment(n int64) any { return incrementOp{n: n} }

func ArrayUnion(values ...any) any { return arrayUnionOp{values: values} }

func ArrayRemove(values ...any) any { return arrayRemoveOp{values: values} }

// StringValues converts ids for ArrayUnion/ArrayRemove.
func StringValues(ids ...string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// splitPath returns the parent collection path and the document id.
func splitPath(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
