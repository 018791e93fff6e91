package storage

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus is the display status a user picks for themselves.
// It is independent of actual connectivity.
type UserStatus int16

const (
	StatusOffline UserStatus = iota
	StatusOnline
	StatusBusy
	StatusAway
	StatusInvisible
)

// FriendshipStatus tracks the friend-request workflow state.
// Only Accepted authorizes direct messaging.
type FriendshipStatus int16

const (
	FriendshipPending FriendshipStatus = iota
	FriendshipAccepted
	FriendshipDeclined
)

type User struct {
	ID         uuid.UUID
	Username   string
	ShowOnline bool
	Status     UserStatus
	LastSeen   *time.Time
	CreatedAt  time.Time
}

// Dialog is the persistent identity of a two-party conversation.
// User1ID always holds the lexicographically smaller id of the pair.
type Dialog struct {
	ID        uuid.UUID
	User1ID   uuid.UUID
	User2ID   uuid.UUID
	CreatedAt time.Time
}

type Message struct {
	ID       int64
	DialogID uuid.UUID
	SenderID uuid.UUID
	Text     string
	SentAt   time.Time
}

// MessageView is the projection of a message handed to callers:
// dialog-internal fields are never leaked
type MessageView struct {
	SenderID uuid.UUID `json:"senderId"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}
