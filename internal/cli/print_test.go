package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"local.dev/bond/internal/models"
)

func TestAgo(t *testing.T) {
	now := time.Now()
	for _, tc := range []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "just now"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-50 * time.Hour), "2d ago"},
	} {
		assert.Equal(t, tc.want, ago(tc.at))
	}
	old := now.AddDate(0, -2, 0)
	assert.Equal(t, old.Local().Format("2006-01-02"), ago(old))
}

func TestPrintPresenceIsSorted(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printPresence(&buf, map[string]models.Presence{
		"bob": {UserID: "bob", State: models.StateOffline},
		"amy": {UserID: "amy", State: models.StateOnline},
	})
	assert.Equal(t, "● amy\n○ bob never seen\n", buf.String())
}

func TestPrintInboxShowsUnread(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printInbox(&buf, []models.ConversationView{{
		Conversation: models.Conversation{LastMessage: "hi"},
		Peer:         models.Summary{ID: "b", DisplayName: "Bea"},
		Unread:       2,
	}})
	assert.Contains(t, buf.String(), "Bea (2 new) just now\n  hi\n")
}
