// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/collabsync/internal/domain"
)

// ErrNotFound is returned when a targeted row does not exist.
var ErrNotFound = errors.New("store: not found")

// Repository defines the interface for persisting directory and session data.
type Repository interface {
	// GetUser retrieves a user by ID. Returns (nil, nil) when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// SearchUsers finds users whose display name contains the query,
	// excluding excludeID.
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*domain.User, error)

	// CreateFriendship inserts a pending friend request.
	CreateFriendship(ctx context.Context, f *domain.Friendship) error

	// UpdateFriendshipStatus moves a friendship to a new status.
	UpdateFriendshipStatus(ctx context.Context, id string, status domain.FriendshipStatus) error

	// DeleteFriendship removes a friendship row.
	DeleteFriendship(ctx context.Context, id string) error

	// ListFriendships returns all friendships involving userID,
	// filtered by status when status is non-empty.
	ListFriendships(ctx context.Context, userID string, status domain.FriendshipStatus) ([]*domain.Friendship, error)

	// CreateNotification inserts a notification row.
	CreateNotification(ctx context.Context, n *domain.Notification) error

	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error)

	// MarkNotificationsRead flags the given notification IDs as read.
	MarkNotificationsRead(ctx context.Context, ids []string) error

	// DeleteNotification removes a notification row.
	DeleteNotification(ctx context.Context, id string) error

	// GetOrCreateConversation returns the unique conversation for the
	// unordered participant pair, creating it lazily on first contact.
	GetOrCreateConversation(ctx context.Context, userA, userB string) (*domain.Conversation, error)

	// GetConversation retrieves a conversation by ID. Returns (nil, nil) when absent.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// CreateMessage appends a chat message.
	CreateMessage(ctx context.Context, m *domain.Message) error

	// ListMessages returns a conversation's messages in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)

	// CreateProposal inserts a new proposal row.
	CreateProposal(ctx context.Context, p *domain.Proposal) error

	// GetProposal retrieves a proposal by ID. Returns (nil, nil) when absent.
	GetProposal(ctx context.Context, id string) (*domain.Proposal, error)

	// GetLatestProposal returns the newest proposal for a conversation,
	// or (nil, nil) when the conversation has none.
	GetLatestProposal(ctx context.Context, conversationID string) (*domain.Proposal, error)

	// UpdateProposalApprovals persists a merged approvals map.
	UpdateProposalApprovals(ctx context.Context, id string, approvals domain.Approvals) error

	// UpdateProposalStatus moves a proposal to a new status.
	UpdateProposalStatus(ctx context.Context, id string, status domain.Status) error

	// SetProposalResult writes the agent analysis together with the final status.
	SetProposalResult(ctx context.Context, id string, analysis string, status domain.Status) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
