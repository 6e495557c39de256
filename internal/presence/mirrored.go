package presence

import (
	"context"

	"github.com/golang/glog"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/watch"
)

// Mirrored writes to Primary and, best effort, to Legacy for older readers.
// Reads come from Primary only so the two channels never disagree in the UI.
type Mirrored struct {
	Primary Store
	Legacy  Store
}

func (m *Mirrored) Start(ctx context.Context, uid string) error {
	if err := m.Legacy.Start(ctx, uid); err != nil {
		glog.Warningf("[presence]legacy start for %s: %v\n", uid, err)
	}
	return m.Primary.Start(ctx, uid)
}

func (m *Mirrored) SetOnline(ctx context.Context, online bool) {
	m.Primary.SetOnline(ctx, online)
	m.Legacy.SetOnline(ctx, online)
}

func (m *Mirrored) Stop(ctx context.Context) {
	m.Primary.Stop(ctx)
	m.Legacy.Stop(ctx)
}

func (m *Mirrored) SubscribeOne(uid string, fn func(models.Presence)) watch.CancelFunc {
	return m.Primary.SubscribeOne(uid, fn)
}

func (m *Mirrored) SubscribeMany(uids []string, fn func(map[string]models.Presence)) watch.CancelFunc {
	return m.Primary.SubscribeMany(uids, fn)
}
