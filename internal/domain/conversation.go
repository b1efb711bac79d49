package domain

import (
	"time"
)

// Conversation is a pairwise session between two participants, unique per
// unordered pair and created lazily on first contact.
type Conversation struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

// SortPair orders two participant IDs canonically. The store keys
// conversations by this order so (a,b) and (b,a) resolve to the same row.
func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Participants returns both member IDs.
func (c *Conversation) Participants() []string {
	return []string{c.UserA, c.UserB}
}

// HasParticipant reports whether userID is a member of this conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// PeerOf returns the other participant, or "" if userID is not a member.
func (c *Conversation) PeerOf(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	default:
		return ""
	}
}
