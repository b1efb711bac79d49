// Package realtime provides the in-process change feed that fans row-level
// mutations and presence broadcasts out to session subscribers.
package realtime

import (
	"github.com/ashureev/collabsync/internal/domain"
)

// ChangeType mirrors the row-level operation that produced a change event.
type ChangeType string

const (
	// ChangeInsert is a row creation.
	ChangeInsert ChangeType = "INSERT"
	// ChangeUpdate is a row mutation.
	ChangeUpdate ChangeType = "UPDATE"
	// ChangeDelete is a row removal.
	ChangeDelete ChangeType = "DELETE"
)

// ProposalEvent is a change notification for a proposal row. Old is nil for
// inserts.
type ProposalEvent struct {
	Type ChangeType       `json:"type"`
	Old  *domain.Proposal `json:"old,omitempty"`
	New  *domain.Proposal `json:"new,omitempty"`
}

// MessageEvent is a change notification for a message row. Old is nil for
// inserts; New is nil for deletes.
type MessageEvent struct {
	Type ChangeType      `json:"type"`
	Old  *domain.Message `json:"old,omitempty"`
	New  *domain.Message `json:"new,omitempty"`
}

// NotificationEvent is a change notification for a notification row.
type NotificationEvent struct {
	Type ChangeType           `json:"type"`
	New  *domain.Notification `json:"new,omitempty"`
}

// TypingEvent is a low-latency presence broadcast. Unlike change events it is
// never delivered back to its origin subscription.
type TypingEvent struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"isTyping"`
}

// SessionChannel is the channel key carrying one conversation's message and
// proposal changes plus typing broadcasts.
func SessionChannel(conversationID string) string {
	return "session-" + conversationID
}

// NotificationsChannel is the channel key carrying one user's notification
// changes.
func NotificationsChannel(userID string) string {
	return "user-notifications:" + userID
}

// ProposalsFeed is the global channel the agent worker listens on; it carries
// every proposal change regardless of conversation.
const ProposalsFeed = "proposals-db-changes"
