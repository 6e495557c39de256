package store

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/glog"
)

// Decode fills out from a document map using `firestore` struct tags.
func Decode(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "firestore",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// DecodeAll decodes every document, calling setID with its id. Documents that
// fail to decode are logged and skipped so one bad record does not blank a
// whole list.
func DecodeAll[T any](docs []Document, setID func(*T, string)) []T {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.DataTo(&v); err != nil {
			glog.Warningf("[store]skip %s: %v\n", d.Path, err)
			continue
		}
		if setID != nil {
			setID(&v, d.ID)
		}
		out = append(out, v)
	}
	return out
}
