package api

import (
	"time"
)

const (
	ContentTypeText       = "text"
	ContentTypeAttachment = "attachment"
)

// Conversation is a direct or group channel with a fixed member set.
// Version is bumped on every membership edit and guards compare-and-swap
// updates against lost writes.
type Conversation struct {
	Id           string       `json:"id"`
	IsGroup      bool         `json:"isGroup"`
	Name         string       `json:"name,omitempty"`
	JoinCode     string       `json:"joinCode,omitempty"`
	CreatorId    string       `json:"creatorId"`
	Members      []string     `json:"members"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	Participants []User       `json:"participants,omitempty"`
}

// HasMember reports whether uid is currently in the member set.
func (c Conversation) HasMember(uid string) bool {
	for _, m := range c.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// LastMessage is a denormalized preview used only for list rendering,
// never authoritative.
type LastMessage struct {
	Preview  string    `json:"preview"`
	SenderId string    `json:"senderId"`
	SentAt   time.Time `json:"sentAt"`
}

// Message is immutable once appended except for Reactions and SeenBy.
// Seq is assigned server-side and is the authoritative order within a
// conversation. CorrelationId echoes the client-generated send tag and is
// never part of the message identity.
type Message struct {
	Id             string            `json:"id"`
	Seq            int64             `json:"seq"`
	ConversationId string            `json:"conversationId"`
	SenderId       string            `json:"senderId"`
	ContentType    string            `json:"contentType"`
	Body           string            `json:"body,omitempty"`
	AttachmentRef  string            `json:"attachmentRef,omitempty"`
	CorrelationId  string            `json:"correlationId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	SeenBy         []SeenReceipt     `json:"seenBy,omitempty"`
}

// SeenReceipt records the first time a user viewed a message. A user appears
// at most once per message and the timestamp never moves on re-view.
type SeenReceipt struct {
	UserId      string    `json:"userId"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

// AppendInput is the client-supplied portion of a new message. Id, Seq and
// CreatedAt are always assigned server-side.
type AppendInput struct {
	CorrelationId string `json:"correlationId,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	Body          string `json:"body,omitempty"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
}

// MembershipUpdate describes a creator-only membership edit. Version is the
// conversation version the caller read; a stale version is rejected.
type MembershipUpdate struct {
	Add     []string `json:"add,omitempty"`
	Remove  []string `json:"remove,omitempty"`
	Rename  string   `json:"rename,omitempty"`
	Version int64    `json:"version"`
}

type SeenResult struct {
	AlreadySeen bool `json:"alreadySeen"`
}

// MessagePage is one ascending slice of a conversation's log. NextCursor is
// empty when the listing is exhausted.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// UserConversation is the per-user conversation state kept in the user cache:
// unread counters and personal prefs. Never authoritative.
type UserConversation struct {
	UnreadCount int       `firestore:"unreadCount" json:"unreadCount"`
	LastUpdated time.Time `firestore:"lastUpdated" json:"lastUpdated"`
	Pinned      bool      `firestore:"pinned" json:"pinned"`
	Muted       bool      `firestore:"muted" json:"muted"`
}

type User struct {
	Id           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	Name         *string   `json:"name"`
	Avatar       *string   `json:"avatar"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
}

type UserModel struct {
	UID          string
	FirstName    *string
	LastName     *string
	Username     string
	Email        string
	PhotoUrl     *string
	Status       string
	LastActivity time.Time
}

func (u *UserModel) ConvertToDTO() User {
	var name string
	if u.FirstName != nil && u.LastName != nil {
		name = *u.FirstName + " " + *u.LastName
	}
	return User{
		Id:           u.UID,
		Email:        u.Email,
		Username:     u.Username,
		Name:         &name,
		Avatar:       u.PhotoUrl,
		Status:       u.Status,
		LastActivity: u.LastActivity,
	}
}

// Client -> server socket requests.
const (
	Authenticate = 1
	JoinRoom     = 2
	LeaveRoom    = 3
)

type IncomingEvent struct {
	RequestType    int    `json:"requestType"`
	ConversationId string `json:"conversationId,omitempty"`
	Token          string `json:"token,omitempty"`
}

// Server -> client event kinds. Every event carries the full updated entity
// so a client can replace its local copy wholesale rather than patch it.
const (
	EventMessageCreated      = "messageCreated"
	EventReactionChanged     = "reactionChanged"
	EventSeenChanged         = "seenChanged"
	EventConversationUpdated = "conversationUpdated"
)

type OutgoingEvent struct {
	Kind           string        `json:"kind"`
	ConversationId string        `json:"conversationId"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
}
