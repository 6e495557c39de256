package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

type persistedDoc struct {
	Data    map[string]any `json:"data"`
	Times   []string       `json:"times,omitempty"` // top-level fields holding time.Time
	Created time.Time      `json:"created"`
	Updated time.Time      `json:"updated"`
}

func readJSONFile[T any](path string, out *T) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Save writes every document to a JSON file.
func (m *Memory) Save(path string) error {
	m.mu.RLock()
	out := make(map[string]persistedDoc, len(m.docs))
	for p, d := range m.docs {
		pd := persistedDoc{Data: cloneMap(d.data), Created: d.created, Updated: d.updated}
		for k, v := range d.data {
			if _, ok := v.(time.Time); ok {
				pd.Times = append(pd.Times, k)
			}
		}
		out[p] = pd
	}
	m.mu.RUnlock()
	return writeJSONFile(path, out)
}

// Load replaces the store content with a file written by Save. A missing
// file leaves the store empty.
func (m *Memory) Load(path string) error {
	var in map[string]persistedDoc
	if err := readJSONFile(path, &in); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]*memDoc, len(in))
	for p, pd := range in {
		data := pd.Data
		if data == nil {
			data = map[string]any{}
		}
		for _, k := range pd.Times {
			if s, ok := data[k].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					data[k] = t
				}
			}
		}
		m.docs[p] = &memDoc{data: data, created: pd.Created, updated: pd.Updated}
		if pd.Updated.After(m.lastTime) {
			m.lastTime = pd.Updated
		}
	}
	m.notifyLocked(m.lastTime)
	return nil
}
