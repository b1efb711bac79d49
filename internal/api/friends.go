package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/collabsync/internal/domain"
	"github.com/ashureev/collabsync/internal/identity"
	"github.com/ashureev/collabsync/internal/realtime"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const searchLimit = 20

// FriendsHandler handles the friends directory and notification inbox.
type FriendsHandler struct {
	*Handler
}

// NewFriendsHandler creates a friends handler.
func NewFriendsHandler(base *Handler) *FriendsHandler {
	return &FriendsHandler{Handler: base}
}

// RegisterRoutes registers friends and notification routes on an /api subrouter.
func (h *FriendsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/me", h.GetMe)
	r.Get("/users/search", h.SearchUsers)
	r.Get("/friends", h.ListFriends)
	r.Post("/friends/requests", h.SendRequest)
	r.Post("/friends/requests/{id}/accept", h.AcceptRequest)
	r.Delete("/friends/{id}", h.RemoveFriend)
	r.Get("/notifications", h.ListNotifications)
	r.Post("/notifications/read", h.MarkRead)
	r.Delete("/notifications/{id}", h.DeleteNotification)
}

// GetMe returns the current user's information.
func (h *FriendsHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}
	JSON(w, http.StatusOK, user)
}

// SearchUsers finds users by display name, excluding the caller.
func (h *FriendsHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		Error(w, http.StatusBadRequest, "q is required")
		return
	}

	users, err := h.repo.SearchUsers(r.Context(), query, userID, searchLimit)
	if err != nil {
		slog.Error("User search failed", "error", err, "query", query)
		Error(w, http.StatusInternalServerError, "search failed")
		return
	}
	JSON(w, http.StatusOK, users)
}

// ListFriends returns the caller's friendships, optionally filtered by status.
func (h *FriendsHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	status := domain.FriendshipStatus(r.URL.Query().Get("status"))
	if status != "" && status != domain.FriendshipPending && status != domain.FriendshipAccepted {
		Error(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	friendships, err := h.repo.ListFriendships(r.Context(), userID, status)
	if err != nil {
		slog.Error("Failed to list friendships", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list friends")
		return
	}
	JSON(w, http.StatusOK, friendships)
}

// SendRequest creates a pending friend request and notifies the addressee.
func (h *FriendsHandler) SendRequest(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req struct {
		AddresseeID string `json:"addressee_id"`
	}
	if err := decode(r, &req); err != nil || req.AddresseeID == "" {
		Error(w, http.StatusBadRequest, "addressee_id is required")
		return
	}
	if req.AddresseeID == userID {
		Error(w, http.StatusBadRequest, "cannot befriend yourself")
		return
	}
	addressee, err := h.repo.GetUser(r.Context(), req.AddresseeID)
	if err != nil {
		slog.Error("Failed to look up addressee", "error", err, "addressee_id", req.AddresseeID)
		Error(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if addressee == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}

	now := time.Now()
	friendship := &domain.Friendship{
		ID:          uuid.NewString(),
		RequesterID: userID,
		AddresseeID: req.AddresseeID,
		Status:      domain.FriendshipPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repo.CreateFriendship(r.Context(), friendship); err != nil {
		slog.Error("Failed to create friendship", "error", err, "user_id", userID)
		Error(w, http.StatusConflict, "friend request already exists")
		return
	}

	requester := identity.DisplayNameFromContext(r.Context())
	h.notify(r, req.AddresseeID, domain.NotificationFriendRequest,
		fmt.Sprintf("%s sent you a friend request", requester))

	JSON(w, http.StatusCreated, friendship)
}

// AcceptRequest moves a pending request to accepted and notifies the requester.
func (h *FriendsHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	friendshipID := chi.URLParam(r, "id")

	friendship, ok := h.findFriendship(w, r, friendshipID)
	if !ok {
		return
	}
	if friendship.AddresseeID != userID {
		Error(w, http.StatusForbidden, "only the addressee can accept")
		return
	}
	if friendship.Status != domain.FriendshipPending {
		Error(w, http.StatusConflict, "request is not pending")
		return
	}

	if err := h.repo.UpdateFriendshipStatus(r.Context(), friendshipID, domain.FriendshipAccepted); err != nil {
		slog.Error("Failed to accept friendship", "error", err, "friendship_id", friendshipID)
		Error(w, http.StatusInternalServerError, "failed to accept request")
		return
	}

	accepter := identity.DisplayNameFromContext(r.Context())
	h.notify(r, friendship.RequesterID, domain.NotificationFriendAccept,
		fmt.Sprintf("%s accepted your friend request", accepter))

	friendship.Status = domain.FriendshipAccepted
	JSON(w, http.StatusOK, friendship)
}

// RemoveFriend deletes a friendship the caller is part of.
func (h *FriendsHandler) RemoveFriend(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	friendshipID := chi.URLParam(r, "id")

	friendship, ok := h.findFriendship(w, r, friendshipID)
	if !ok {
		return
	}
	if friendship.RequesterID != userID && friendship.AddresseeID != userID {
		Error(w, http.StatusForbidden, "not a member of this friendship")
		return
	}

	if err := h.repo.DeleteFriendship(r.Context(), friendshipID); err != nil {
		slog.Error("Failed to delete friendship", "error", err, "friendship_id", friendshipID)
		Error(w, http.StatusInternalServerError, "failed to remove friend")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// ListNotifications returns the caller's notifications, newest first.
func (h *FriendsHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	notifications, err := h.repo.ListNotifications(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list notifications", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	JSON(w, http.StatusOK, notifications)
}

// MarkRead flags the given notification IDs as read.
func (h *FriendsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decode(r, &req); err != nil || len(req.IDs) == 0 {
		Error(w, http.StatusBadRequest, "ids is required")
		return
	}

	if err := h.repo.MarkNotificationsRead(r.Context(), req.IDs); err != nil {
		slog.Error("Failed to mark notifications read", "error", err)
		Error(w, http.StatusInternalServerError, "failed to mark notifications read")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteNotification removes one notification.
func (h *FriendsHandler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DeleteNotification(r.Context(), id); err != nil {
		slog.Error("Failed to delete notification", "error", err, "notification_id", id)
		Error(w, http.StatusInternalServerError, "failed to delete notification")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// notify writes a notification row and pushes it to the recipient's channel.
// Failures are logged, not surfaced; the triggering action already succeeded.
func (h *FriendsHandler) notify(r *http.Request, recipientID string, kind domain.NotificationType, body string) {
	n := &domain.Notification{
		ID:        uuid.NewString(),
		UserID:    recipientID,
		Type:      kind,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := h.repo.CreateNotification(r.Context(), n); err != nil {
		slog.Error("Failed to create notification", "error", err, "recipient", recipientID)
		return
	}
	h.hub.PublishNotification(realtime.NotificationsChannel(recipientID),
		realtime.NotificationEvent{Type: realtime.ChangeInsert, New: n})
}

func (h *FriendsHandler) findFriendship(w http.ResponseWriter, r *http.Request, id string) (*domain.Friendship, bool) {
	userID := identity.UserIDFromContext(r.Context())
	friendships, err := h.repo.ListFriendships(r.Context(), userID, "")
	if err != nil {
		slog.Error("Failed to load friendships", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load friendship")
		return nil, false
	}
	for _, f := range friendships {
		if f.ID == id {
			return f, true
		}
	}
	Error(w, http.StatusNotFound, "friendship not found")
	return nil, false
}
