package domain

import (
	"strings"
	"time"
)

// Message is a persisted team-chat line. Append-only from the session
// engine's perspective; updates and deletes only arrive via the change feed.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

const tempIDPrefix = "temp-"

// TempMessageID marks an optimistic local message awaiting its authoritative
// echo from the store.
func TempMessageID(id string) string {
	return tempIDPrefix + id
}

// IsTempID reports whether id names an optimistic placeholder message.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}
