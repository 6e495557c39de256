package store

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DocumentID is the pseudo-field that orders or filters by document id.
const DocumentID = "__name__"

type Direction int

const (
	Asc Direction = iota
	Desc
)

type Filter struct {
	Field string
	Op    string
	Value any
}

type Order struct {
	Field string
	Dir   Direction
}

// Query describes one read. It is immutable once handed to a watcher; to
// change a filter, stop and watch a new Query.
type Query struct {
	Collection string
	// Doc, when set, watches a single document and the other fields are ignored.
	Doc        string
	Where      []Filter
	OrderBy    []Order
	Limit      int
	StartAfter []any
}

func (q Query) Filter(field, op string, value any) Query {
	q.Where = append(append([]Filter(nil), q.Where...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Order(field string, dir Direction) Query {
	q.OrderBy = append(append([]Order(nil), q.OrderBy...), Order{Field: field, Dir: dir})
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

func (q Query) After(values ...any) Query {
	q.StartAfter = values
	return q
}

// DocQuery watches one document.
func DocQuery(path string) Query { return Query{Doc: path} }

// Key is a canonical identity for the logical subscription.
func (q Query) Key() string {
	if q.Doc != "" {
		return "doc:" + q.Doc
	}
	var b strings.Builder
	b.WriteString("query:")
	b.WriteString(q.Collection)
	for _, f := range q.Where {
		fmt.Fprintf(&b, "|w:%s%s%s", f.Field, f.Op, keyValue(f.Value))
	}
	for _, o := range q.OrderBy {
		fmt.Fprintf(&b, "|o:%s:%d", o.Field, o.Dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "|l:%d", q.Limit)
	}
	for _, v := range q.StartAfter {
		fmt.Fprintf(&b, "|a:%s", keyValue(v))
	}
	return b.String()
}

func keyValue(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []string:
		return "[" + strings.Join(t, ",") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ===== evaluation (used by Memory) =====

func fieldValue(doc Document, field string) (any, bool) {
	if field == DocumentID {
		return doc.ID, true
	}
	var cur any = doc.Data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (q Query) matches(doc Document) bool {
	for _, f := range q.Where {
		v, ok := fieldValue(doc, f.Field)
		if !ok {
			return false
		}
		switch f.Op {
		case "==":
			if c, ok := compare(v, f.Value); !ok || c != 0 {
				return false
			}
		case "<", "<=", ">", ">=":
			c, ok := compare(v, f.Value)
			if !ok {
				return false
			}
			if (f.Op == "<" && c >= 0) || (f.Op == "<=" && c > 0) ||
				(f.Op == ">" && c <= 0) || (f.Op == ">=" && c < 0) {
				return false
			}
		case "in":
			if !containsValue(toSlice(f.Value), v) {
				return false
			}
		case "array-contains":
			if !containsValue(toSlice(v), f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (q Query) sortDocs(docs []Document) {
	orders := q.OrderBy
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			a, _ := fieldValue(docs[i], o.Field)
			b, _ := fieldValue(docs[j], o.Field)
			c, _ := compare(a, b)
			if c == 0 {
				continue
			}
			if o.Dir == Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
}

// afterCursor reports whether doc sorts strictly after the StartAfter values.
func (q Query) afterCursor(doc Document) bool {
	for i, cur := range q.StartAfter {
		if i >= len(q.OrderBy) {
			break
		}
		o := q.OrderBy[i]
		v, _ := fieldValue(doc, o.Field)
		c, _ := compare(v, cur)
		if o.Dir == Desc {
			c = -c
		}
		if c != 0 {
			return c > 0
		}
	}
	return false
}

func (q Query) apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.matches(d) {
			out = append(out, d)
		}
	}
	q.sortDocs(out)
	if len(q.StartAfter) > 0 {
		i := 0
		for i < len(out) && !q.afterCursor(out[i]) {
			i++
		}
		out = out[i:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// compare orders values of the same kind; ok is false for mixed kinds.
func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case nil:
		if b == nil {
			return 0, true
		}
		return -1, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if b == nil {
		return 1, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		return StringValues(s...)
	}
	return nil
}

func containsValue(list []any, v any) bool {
	for _, x := range list {
		if c, ok := compare(x, v); ok && c == 0 {
			return true
		}
	}
	return false
}
