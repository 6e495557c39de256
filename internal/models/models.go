package models

import (
	"sort"
	"strings"
	"time"
)

// Collection and tree roots shared by every engine.
const (
	UsersCollection         = "users"
	PostsCollection         = "posts"
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
	CommentsCollection      = "comments"
	StatusRoot              = "status"
)

// Summary is the denormalized copy of a user embedded in posts, comments,
// messages and conversations. It is a cache: it does not follow later
// profile edits.
type Summary struct {
	ID             string `json:"id" firestore:"id"`
	Username       string `json:"username" firestore:"username"`
	DisplayName    string `json:"displayName" firestore:"displayName"`
	ProfilePicture string `json:"profilePicture,omitempty" firestore:"profilePicture,omitempty"`
}

// Map is the document form of a summary.
func (s Summary) Map() map[string]any {
	return map[string]any{
		"id":             s.ID,
		"username":       s.Username,
		"displayName":    s.DisplayName,
		"profilePicture": s.ProfilePicture,
	}
}

// Name returns the best label for display.
func (s Summary) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	if s.Username != "" {
		return s.Username
	}
	return s.ID
}

type UserProfile struct {
	ID             string    `json:"id" firestore:"-"`
	Username       string    `json:"username" firestore:"username"`
	UsernameLower  string    `json:"usernameLower" firestore:"usernameLower"`
	DisplayName    string    `json:"displayName" firestore:"displayName"`
	ProfilePicture string    `json:"profilePicture,omitempty" firestore:"profilePicture,omitempty"`
	Bio            string    `json:"bio" firestore:"bio"`
	Friends        []string  `json:"friends" firestore:"friends"`
	FriendRequests []string  `json:"friendRequests" firestore:"friendRequests"`
	SentRequests   []string  `json:"sentRequests" firestore:"sentRequests"`
	IsOnline       bool      `json:"isOnline" firestore:"isOnline"`
	LastSeen       time.Time `json:"lastSeen" firestore:"lastSeen"`
	CreatedAt      time.Time `json:"createdAt" firestore:"createdAt"`
}

func (u UserProfile) Summary() Summary {
	return Summary{
		ID:             u.ID,
		Username:       u.Username,
		DisplayName:    u.DisplayName,
		ProfilePicture: u.ProfilePicture,
	}
}

func (u UserProfile) IsFriend(id string) bool { return Contains(u.Friends, id) }

type Conversation struct {
	ID              string             `json:"id" firestore:"-"`
	Participants    []string           `json:"participants" firestore:"participants"`
	ParticipantInfo map[string]Summary `json:"participantInfo" firestore:"participantInfo"`
	LastMessage     string             `json:"lastMessage,omitempty" firestore:"lastMessage"`
	LastMessageAt   time.Time          `json:"lastMessageAt" firestore:"lastMessageAt"`
	UnreadCount     map[string]int     `json:"unreadCount" firestore:"unreadCount"`
	CreatedAt       time.Time          `json:"createdAt" firestore:"createdAt"`
}

// Other returns the participant that is not self.
func (c Conversation) Other(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	Conversation
	Peer   Summary `json:"peer"`
	Unread int     `json:"unread"`
}

// ConversationID derives the id shared by both participants.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

type Message struct {
	ID             string    `json:"id" firestore:"-"`
	ConversationID string    `json:"conversationId" firestore:"conversationId"`
	SenderID       string    `json:"senderId" firestore:"senderId"`
	Sender         Summary   `json:"sender" firestore:"sender"`
	Content        string    `json:"content" firestore:"content"`
	CreatedAt      time.Time `json:"createdAt" firestore:"createdAt"`
	Edited         bool      `json:"edited" firestore:"edited"`
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityFriends Visibility = "friends"
	VisibilityPrivate Visibility = "private"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityFriends, VisibilityPrivate:
		return true
	}
	return false
}

type Post struct {
	ID           string     `json:"id" firestore:"-"`
	AuthorID     string     `json:"authorId" firestore:"authorId"`
	Author       Summary    `json:"author" firestore:"author"`
	Content      string     `json:"content" firestore:"content"`
	CreatedAt    time.Time  `json:"createdAt" firestore:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt" firestore:"updatedAt"`
	Visibility   Visibility `json:"visibility" firestore:"visibility"`
	Likes        []string   `json:"likes" firestore:"likes"`
	LikeCount    int        `json:"likeCount" firestore:"likeCount"`
	CommentCount int        `json:"commentCount" firestore:"commentCount"`
}

func (p Post) LikedBy(uid string) bool { return Contains(p.Likes, uid) }

// MaxCommentLength is counted in runes.
const MaxCommentLength = 500

type Comment struct {
	ID        string    `json:"id" firestore:"-"`
	PostID    string    `json:"postId" firestore:"postId"`
	AuthorID  string    `json:"authorId" firestore:"authorId"`
	Author    Summary   `json:"author" firestore:"author"`
	Content   string    `json:"content" firestore:"content"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	Likes     []string  `json:"likes" firestore:"likes"`
	LikeCount int       `json:"likeCount" firestore:"likeCount"`
}

type PresenceState string

const (
	StateOnline  PresenceState = "online"
	StateOffline PresenceState = "offline"
)

type Presence struct {
	UserID      string        `json:"userId"`
	State       PresenceState `json:"state"`
	LastSeen    time.Time     `json:"lastSeen"`
	LastChanged time.Time     `json:"lastChanged"`
}

func (p Presence) Online() bool { return p.State == StateOnline }

// ===== paths =====

func UserPath(uid string) string { return UsersCollection + "/" + uid }

func PostPath(id string) string { return PostsCollection + "/" + id }

func CommentsPath(postID string) string { return PostPath(postID) + "/" + CommentsCollection }

func CommentPath(postID, id string) string { return CommentsPath(postID) + "/" + id }

func ConversationPath(id string) string { return ConversationsCollection + "/" + id }

func MessagesPath(convID string) string { return ConversationPath(convID) + "/" + MessagesCollection }

func StatusPath(uid string) string { return StatusRoot + "/" + uid }

func Contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
