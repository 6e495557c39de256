// Package chat syncs the conversation list and open conversations for one
// signed-in user, and performs the send and read-receipt mutations.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"local.dev/bond/internal/bonderr"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
	"local.dev/bond/internal/watch"
)

type Options struct {
	MessageLimit int
	// CloseGrace delays teardown after the last close; negative tears down
	// immediately.
	CloseGrace   time.Duration
	ReadDebounce time.Duration
	Clock        clockwork.Clock

	// OnMessages receives the full ordered message list of an open
	// conversation after every change.
	OnMessages func(conversationID string, msgs []models.Message)
	// OnError receives subscription errors for an open conversation.
	OnError func(conversationID string, err error)
}

func (o Options) withDefaults() Options {
	if o.MessageLimit <= 0 {
		o.MessageLimit = 50
	}
	if o.CloseGrace < 0 {
		o.CloseGrace = 0
	} else if o.CloseGrace == 0 {
		o.CloseGrace = 5 * time.Second
	}
	if o.ReadDebounce <= 0 {
		o.ReadDebounce = time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type Engine struct {
	store    store.Store
	self     models.Summary
	opts     Options
	watcher  *watch.Watcher
	registry *watch.Registry
	creates  singleflight.Group

	mu       sync.Mutex
	messages map[string][]models.Message
	reads    map[string]*readReceipt
}

type readReceipt struct {
	timer clockwork.Timer
	gen   int
}

func New(s store.Store, self models.Summary, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:    s,
		self:     self,
		opts:     opts,
		watcher:  watch.NewWatcher(s, "chat"),
		registry: watch.NewRegistry(opts.Clock, opts.CloseGrace),
		messages: map[string][]models.Message{},
		reads:    map[string]*readReceipt{},
	}
}

// ListConversations streams userID's conversations, newest activity first,
// each annotated with the peer's summary and the caller's unread count.
func (e *Engine) ListConversations(userID string, fn func([]models.ConversationView), onErr watch.ErrorFunc) watch.CancelFunc {
	q := store.Query{Collection: models.ConversationsCollection}.
		Filter("participants", "array-contains", userID).
		Order("lastMessageAt", store.Desc)
	return e.watcher.Watch(q, func(snap store.Snapshot) {
		convs := store.DecodeAll(snap.Docs, func(c *models.Conversation, id string) { c.ID = id })
		fn(Views(userID, convs))
	}, func(err error) {
		glog.Errorf("[chat]conversation list for %s: %v\n", userID, err)
		if onErr != nil {
			onErr(err)
		}
	})
}

// Views annotates conversations for userID and orders them by lastMessageAt
// descending.
func Views(userID string, convs []models.Conversation) []models.ConversationView {
	out := make([]models.ConversationView, 0, len(convs))
	for _, c := range convs {
		other := c.Other(userID)
		peer, ok := c.ParticipantInfo[other]
		if !ok {
			peer = models.Summary{ID: other}
		}
		out = append(out, models.ConversationView{Conversation: c, Peer: peer, Unread: c.UnreadCount[userID]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenConversation subscribes to the newest messages of a conversation.
// Opens are counted; each must be paired with a CloseConversation.
func (e *Engine) OpenConversation(id string) {
	opened := e.registry.Acquire(id, func() watch.CancelFunc {
		q := store.Query{Collection: models.MessagesPath(id)}.
			Order("createdAt", store.Desc).
			WithLimit(e.opts.MessageLimit)
		cancel := e.watcher.Watch(q, func(snap store.Snapshot) {
			e.onMessages(id, snap)
		}, func(err error) {
			glog.Errorf("[chat]messages for %s: %v\n", id, err)
			if e.opts.OnError != nil {
				e.opts.OnError(id, err)
			}
		})
		return func() {
			cancel()
			e.mu.Lock()
			delete(e.messages, id)
			e.mu.Unlock()
			glog.V(2).Infof("[chat]closed %s\n", id)
		}
	})
	if opened {
		glog.V(2).Infof("[chat]opened %s\n", id)
	}
}

// CloseConversation releases one open. The subscription ends after the close
// grace period unless the conversation is opened again first.
func (e *Engine) CloseConversation(id string) {
	e.registry.Release(id)
}

// IsOpen reports whether the conversation has a subscription, including one
// waiting out its close grace period.
func (e *Engine) IsOpen(id string) bool { return e.registry.Active(id) }

func (e *Engine) onMessages(id string, snap store.Snapshot) {
	msgs := store.DecodeAll(snap.Docs, func(m *models.Message, docID string) { m.ID = docID })
	SortMessages(msgs)
	e.mu.Lock()
	e.messages[id] = msgs
	e.mu.Unlock()
	if e.opts.OnMessages != nil {
		e.opts.OnMessages(id, msgs)
	}
}

// SortMessages orders by createdAt ascending with the id as tiebreak.
func SortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].CreatedAt, msgs[j].CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Messages returns the last delivered list for an open conversation.
func (e *Engine) Messages(id string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Message(nil), e.messages[id]...)
}

// Send creates the message and updates the conversation summary and the
// peer's unread counter in one transaction.
func (e *Engine) Send(ctx context.Context, conversationID, text string) (models.Message, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return models.Message{}, bonderr.Validation("message cannot be empty")
	}
	msg := models.Message{
		ID:             e.store.NewID(),
		ConversationID: conversationID,
		SenderID:       e.self.ID,
		Sender:         e.self,
		Content:        content,
	}
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		doc, err := tx.Get(models.ConversationPath(conversationID))
		if errors.Is(err, store.ErrNotFound) {
			return bonderr.NotFound("conversation", conversationID)
		}
		if err != nil {
			return err
		}
		var conv models.Conversation
		if err := doc.DataTo(&conv); err != nil {
			return err
		}
		if !models.Contains(conv.Participants, e.self.ID) {
			return bonderr.Permission("you are not part of this conversation")
		}
		other := conv.Other(e.self.ID)
		return tx.Write(
			store.Create(models.MessagesPath(conversationID)+"/"+msg.ID, map[string]any{
				"conversationId": conversationID,
				"senderId":       e.self.ID,
				"sender":         e.self.Map(),
				"content":        content,
				"createdAt":      store.ServerTimestamp,
				"edited":         false,
			}),
			store.UpdateDoc(models.ConversationPath(conversationID),
				store.Update{Path: "lastMessage", Value: content},
				store.Update{Path: "lastMessageAt", Value: store.ServerTimestamp},
				store.Update{Path: "unreadCount." + other, Value: store.Increment(1)},
			),
		)
	})
	if err != nil {
		glog.Errorf("[chat]send to %s: %v\n", conversationID, err)
		return models.Message{}, surface(err, "message not sent")
	}
	return msg, nil
}

// MarkRead resets the caller's unread counter. Calls within the debounce
// window collapse into one write.
func (e *Engine) MarkRead(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reads[conversationID]
	if !ok {
		r = &readReceipt{}
		e.reads[conversationID] = r
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = e.opts.Clock.AfterFunc(e.opts.ReadDebounce, func() { e.flushRead(conversationID, gen) })
}

func (e *Engine) flushRead(conversationID string, gen int) {
	e.mu.Lock()
	r, ok := e.reads[conversationID]
	if !ok || r.gen != gen {
		e.mu.Unlock()
		return
	}
	delete(e.reads, conversationID)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.store.Commit(ctx, store.UpdateDoc(models.ConversationPath(conversationID),
		store.Update{Path: "unreadCount." + e.self.ID, Value: 0},
	))
	if err != nil {
		glog.Warningf("[chat]mark read %s: %v\n", conversationID, err)
	}
}

// CreateOrGet returns the conversation between the caller and otherUserID,
// creating it when missing. Concurrent creators converge on one document.
func (e *Engine) CreateOrGet(ctx context.Context, otherUserID string) (string, error) {
	if otherUserID == "" {
		return "", bonderr.Validation("choose someone to message")
	}
	if otherUserID == e.self.ID {
		return "", bonderr.Validation("you cannot message yourself")
	}
	id := models.ConversationID(e.self.ID, otherUserID)
	_, err, _ := e.creates.Do(id, func() (any, error) {
		return nil, e.createOrGet(ctx, id, otherUserID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (e *Engine) createOrGet(ctx context.Context, id, otherUserID string) error {
	if _, err := e.store.Get(ctx, models.ConversationPath(id)); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return surface(err, "could not open conversation")
	}

	doc, err := e.store.Get(ctx, models.UserPath(otherUserID))
	if errors.Is(err, store.ErrNotFound) {
		return bonderr.NotFound("user", otherUserID)
	}
	if err != nil {
		return surface(err, "could not open conversation")
	}
	var other models.UserProfile
	if err := doc.DataTo(&other); err != nil {
		return err
	}
	other.ID = otherUserID

	err = e.store.Commit(ctx, store.Create(models.ConversationPath(id), map[string]any{
		"participants": store.StringValues(e.self.ID, otherUserID),
		"participantInfo": map[string]any{
			e.self.ID:   e.self.Map(),
			otherUserID: other.Summary().Map(),
		},
		"lastMessage":   "",
		"lastMessageAt": store.ServerTimestamp,
		"unreadCount":   map[string]any{e.self.ID: int64(0), otherUserID: int64(0)},
		"createdAt":     store.ServerTimestamp,
	}))
	if errors.Is(err, store.ErrAlreadyExists) {
		glog.V(2).Infof("[chat]%s created concurrently, reading back\n", id)
		_, err = e.store.Get(ctx, models.ConversationPath(id))
	}
	if err != nil {
		return surface(err, "could not open conversation")
	}
	glog.Infof("[chat]created %s\n", id)
	return nil
}

// Close stops every subscription and pending read receipt.
func (e *Engine) Close() {
	e.registry.Close()
	e.watcher.Close()
	e.mu.Lock()
	for id, r := range e.reads {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(e.reads, id)
	}
	e.mu.Unlock()
}

// surface keeps typed errors and marks everything else as unavailable.
func surface(err error, message string) error {
	var be *bonderr.Error
	if errors.As(err, &be) {
		return err
	}
	return bonderr.Unavailable(message, err)
}
