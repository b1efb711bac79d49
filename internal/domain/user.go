package domain

import (
	"time"
)

// User represents a directory entry for a participant.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FriendshipStatus is the state of a friendship record.
type FriendshipStatus string

const (
	// FriendshipPending means the request has not been accepted yet.
	FriendshipPending FriendshipStatus = "pending"
	// FriendshipAccepted means both users are friends.
	FriendshipAccepted FriendshipStatus = "accepted"
)

// Friendship links a requester to an addressee.
type Friendship struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requester_id"`
	AddresseeID string           `json:"addressee_id"`
	Status      FriendshipStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NotificationType categorizes notification records.
type NotificationType string

const (
	// NotificationFriendRequest is raised when a friend request is received.
	NotificationFriendRequest NotificationType = "friend_request"
	// NotificationFriendAccept is raised when a friend request is accepted.
	NotificationFriendAccept NotificationType = "friend_accept"
)

// Notification is a per-user inbox record.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Body      string           `json:"body"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}
