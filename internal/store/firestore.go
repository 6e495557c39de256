package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore adapts a Cloud Firestore client to Store.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

func (f *Firestore) NewID() string {
	return f.client.Collection("_ids").NewDoc().ID
}

func (f *Firestore) doc(path string) (*firestore.DocumentRef, error) {
	ref := f.client.Doc(path)
	if ref == nil {
		return nil, fmt.Errorf("store: invalid document path %q", path)
	}
	return ref, nil
}

func (f *Firestore) Get(ctx context.Context, path string) (Document, error) {
	ref, err := f.doc(path)
	if err != nil {
		return Document{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document{}, mapError(err, path)
	}
	return fromSnapshot(snap), nil
}

func (f *Firestore) GetAll(ctx context.Context, paths []string) ([]Document, error) {
	refs := make([]*firestore.DocumentRef, 0, len(paths))
	for _, p := range paths {
		ref, err := f.doc(p)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	snaps, err := f.client.GetAll(ctx, refs)
	if err != nil {
		return nil, mapError(err, "")
	}
	out := make([]Document, 0, len(snaps))
	for _, s := range snaps {
		if s.Exists() {
			out = append(out, fromSnapshot(s))
		}
	}
	return out, nil
}

func (f *Firestore) Query(ctx context.Context, q Query) ([]Document, error) {
	if q.Doc != "" {
		d, err := f.Get(ctx, q.Doc)
		if errors.Is(err, ErrNotFound) {
			return []Document{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []Document{d}, nil
	}
	snaps, err := f.build(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, mapError(err, q.Collection)
	}
	out := make([]Document, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, fromSnapshot(s))
	}
	return out, nil
}

func (f *Firestore) build(q Query) firestore.Query {
	fq := f.client.Collection(q.Collection).Query
	for _, w := range q.Where {
		if w.Field == DocumentID {
			fq = fq.Where(firestore.DocumentID, w.Op, w.Value)
			continue
		}
		fq = fq.WherePath(fieldPath(w.Field), w.Op, w.Value)
	}
	for _, o := range q.OrderBy {
		dir := firestore.Asc
		if o.Dir == Desc {
			dir = firestore.Desc
		}
		if o.Field == DocumentID {
			fq = fq.OrderBy(firestore.DocumentID, dir)
			continue
		}
		fq = fq.OrderByPath(fieldPath(o.Field), dir)
	}
	if len(q.StartAfter) > 0 {
		fq = fq.StartAfter(q.StartAfter...)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

func (f *Firestore) Snapshots(ctx context.Context, q Query) SnapshotIterator {
	if q.Doc != "" {
		ref, err := f.doc(q.Doc)
		if err != nil {
			return &failedIterator{err: err}
		}
		return &fsDocIterator{it: ref.Snapshots(ctx)}
	}
	return &fsQueryIterator{it: f.build(q).Snapshots(ctx)}
}

func (f *Firestore) Commit(ctx context.Context, writes ...Write) error {
	return f.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		return tx.Write(writes...)
	})
}

func (f *Firestore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		return fn(ctx, &fsTx{f: f, tx: t})
	})
	return mapError(err, "")
}

type fsTx struct {
	f  *Firestore
	tx *firestore.Transaction
}

func (t *fsTx) Get(path string) (Document, error) {
	ref, err := t.f.doc(path)
	if err != nil {
		return Document{}, err
	}
	snap, err := t.tx.Get(ref)
	if err != nil {
		return Document{}, mapError(err, path)
	}
	return fromSnapshot(snap), nil
}

func (t *fsTx) Write(writes ...Write) error {
	for _, w := range writes {
		ref, err := t.f.doc(w.Path)
		if err != nil {
			return err
		}
		switch w.Kind {
		case WriteCreate:
			err = t.tx.Create(ref, toFirestoreMap(w.Data))
		case WriteSet:
			err = t.tx.Set(ref, toFirestoreMap(w.Data))
		case WriteMerge:
			err = t.tx.Set(ref, toFirestoreMap(w.Data), firestore.MergeAll)
		case WriteUpdate:
			ups := make([]firestore.Update, 0, len(w.Updates))
			for _, u := range w.Updates {
				ups = append(ups, firestore.Update{FieldPath: fieldPath(u.Path), Value: toFirestoreValue(u.Value)})
			}
			err = t.tx.Update(ref, ups)
		case WriteDelete:
			err = t.tx.Delete(ref)
		default:
			err = fmt.Errorf("store: unknown write kind %d", w.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func fieldPath(p string) firestore.FieldPath { return firestore.FieldPath(strings.Split(p, ".")) }

func toFirestoreMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = toFirestoreValue(v)
	}
	return out
}

func toFirestoreValue(v any) any {
	switch t := v.(type) {
	case serverTimeOp:
		return firestore.ServerTimestamp
	case incrementOp:
		return firestore.Increment(t.n)
	case arrayUnionOp:
		return firestore.ArrayUnion(t.values...)
	case arrayRemoveOp:
		return firestore.ArrayRemove(t.values...)
	case map[string]any:
		return toFirestoreMap(t)
	}
	return v
}

func fromSnapshot(s *firestore.DocumentSnapshot) Document {
	return Document{
		ID:         s.Ref.ID,
		Path:       relativePath(s.Ref.Path),
		Data:       s.Data(),
		CreateTime: s.CreateTime,
		UpdateTime: s.UpdateTime,
	}
}

// relativePath strips "projects/p/databases/d/documents/".
func relativePath(full string) string {
	const marker = "/documents/"
	if i := strings.Index(full, marker); i >= 0 {
		return full[i+len(marker):]
	}
	return full
}

func mapError(err error, path string) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	return err
}

type fsQueryIterator struct {
	it *firestore.QuerySnapshotIterator
}

func (i *fsQueryIterator) Next() (Snapshot, error) {
	snap, err := i.it.Next()
	if err != nil {
		if errors.Is(err, iterator.Done) {
			return Snapshot{}, ErrIteratorStopped
		}
		return Snapshot{}, mapError(err, "")
	}
	docs, err := snap.Documents.GetAll()
	if err != nil {
		return Snapshot{}, mapError(err, "")
	}
	out := Snapshot{Docs: make([]Document, 0, len(docs)), ReadTime: snap.ReadTime}
	for _, d := range docs {
		out.Docs = append(out.Docs, fromSnapshot(d))
	}
	return out, nil
}

func (i *fsQueryIterator) Stop() { i.it.Stop() }

type fsDocIterator struct {
	it *firestore.DocumentSnapshotIterator
}

func (i *fsDocIterator) Next() (Snapshot, error) {
	snap, err := i.it.Next()
	if err != nil {
		if errors.Is(err, iterator.Done) {
			return Snapshot{}, ErrIteratorStopped
		}
		return Snapshot{}, mapError(err, "")
	}
	out := Snapshot{ReadTime: snap.ReadTime}
	if snap.Exists() {
		out.Docs = []Document{fromSnapshot(snap)}
	}
	return out, nil
}

func (i *fsDocIterator) Stop() { i.it.Stop() }

type failedIterator struct{ err error }

func (i *failedIterator) Next() (Snapshot, error) { return Snapshot{}, i.err }
func (i *failedIterator) Stop()                   {}
