package types

import (
	"time"
)

// Collection names used by the engine. Messages live in a subcollection of
// each chat document.
const (
	CollectionUsers       = "users"
	CollectionConnections = "connections"
	CollectionChats       = "chats"
	SubcollectionMessages = "messages"
)

// RequestStatus is the state of a connection request mirror entry.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusAccepted RequestStatus = "accepted"
	RequestStatusRejected RequestStatus = "rejected"
)

// Decision is the receiver's answer to a pending request.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// StudyMode is a user's preferred study format.
type StudyMode string

const (
	StudyModeOneOnOne StudyMode = "one-on-one"
	StudyModeGroup    StudyMode = "group"
)

// Weekday is an availability tag.
type Weekday string

const (
	Monday    Weekday = "Monday"
	Tuesday   Weekday = "Tuesday"
	Wednesday Weekday = "Wednesday"
	Thursday  Weekday = "Thursday"
	Friday    Weekday = "Friday"
	Saturday  Weekday = "Saturday"
	Sunday    Weekday = "Sunday"
)

// Relationship describes how two users relate from the first user's point of view.
type Relationship string

const (
	RelationshipNone            Relationship = "none"
	RelationshipConnected       Relationship = "connected"
	RelationshipPendingSent     Relationship = "pending_sent"
	RelationshipPendingReceived Relationship = "pending_received"
)

// User is the per-user document. Relationship fields are the mirrors kept in
// sync by the request state machine and the read-state tracker.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	Bio          string    `json:"bio"`
	Subjects     []string  `json:"subjects"`
	Availability []Weekday `json:"availability"`
	StudyMode    StudyMode `json:"studyMode,omitempty"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`

	Connections                []string             `json:"connections"`
	ConnectionRequestsSent     []RequestEntry       `json:"connectionRequestsSent"`
	ConnectionRequestsReceived []RequestEntry       `json:"connectionRequestsReceived"`
	LastSeenChats              map[string]time.Time `json:"lastSeenChats"`

	CreatedAt time.Time `json:"createdAt"`
}

// Profile is the public part of a user record shown to other users.
type Profile struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	Bio          string    `json:"bio"`
	Subjects     []string  `json:"subjects"`
	Availability []Weekday `json:"availability"`
	StudyMode    StudyMode `json:"studyMode,omitempty"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
}

// RequestEntry is one side of a connection request mirror. The name and avatar
// are point-in-time snapshots of the other party taken when the request was sent.
type RequestEntry struct {
	UserID    string        `json:"userId"`
	Name      string        `json:"name"`
	AvatarURL string        `json:"avatarUrl"`
	Status    RequestStatus `json:"status"`
	IsNew     bool          `json:"isNew,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// PartySnapshot is a denormalized copy of a user's display attributes.
type PartySnapshot struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

// LedgerEntry is the canonical record of an accepted connection.
type LedgerEntry struct {
	ID        string                   `json:"id"`
	Users     []string                 `json:"users"`
	PairKey   string                   `json:"pairKey"`
	Status    RequestStatus            `json:"status"`
	CreatedAt time.Time                `json:"createdAt"`
	UserInfo  map[string]PartySnapshot `json:"userInfo"`
}

// ChannelSummary is the denormalized "last message" cache on a chat channel.
type ChannelSummary struct {
	MessageID string    `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel is a chat between exactly two participants.
type Channel struct {
	Key          string          `json:"key"`
	Participants []string        `json:"participants"`
	LastMessage  *ChannelSummary `json:"lastMessage"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Message is an immutable chat message. ID and Timestamp are assigned by the store.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Before reports whether m sorts before other in the channel's total order:
// store timestamp first, message id as tie breaker.
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

// ChatPreview is one row of a user's chat list.
type ChatPreview struct {
	Key         string          `json:"key"`
	Buddy       PartySnapshot   `json:"buddy"`
	BuddyID     string          `json:"buddyId"`
	LastMessage *ChannelSummary `json:"lastMessage"`
	Unread      bool            `json:"unread"`
}
