package presence

import (
	"sync"
	"sync/atomic"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/watch"
)

// subscribeMany aggregates one subscription per user. Every change emits a
// fresh copy of the full map; users not heard from yet read as offline.
func subscribeMany(one func(string, func(models.Presence)) watch.CancelFunc, uids []string, fn func(map[string]models.Presence)) watch.CancelFunc {
	var (
		mu      sync.Mutex
		state   = make(map[string]models.Presence, len(uids))
		stopped atomic.Bool
	)
	for _, uid := range uids {
		state[uid] = offline(uid)
	}

	cancels := make([]watch.CancelFunc, 0, len(uids))
	seen := map[string]bool{}
	for _, uid := range uids {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		cancels = append(cancels, one(uid, func(p models.Presence) {
			mu.Lock()
			defer mu.Unlock()
			if stopped.Load() {
				return
			}
			state[p.UserID] = p
			out := make(map[string]models.Presence, len(state))
			for k, v := range state {
				out[k] = v
			}
			fn(out)
		}))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			for _, c := range cancels {
				c()
			}
		})
	}
}
