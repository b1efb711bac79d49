package api

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/collabsync/internal/domain"
	"github.com/ashureev/collabsync/internal/gateway"
	"github.com/ashureev/collabsync/internal/identity"
	"github.com/ashureev/collabsync/internal/realtime"
	"github.com/ashureev/collabsync/internal/shared"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const participantCount = 2

const maxUploadBytes = 25 << 20

// SessionHandler handles conversation, message, and proposal endpoints.
type SessionHandler struct {
	*Handler
	uploadDir string
}

// NewSessionHandler creates a session handler. uploadDir receives knowledge
// base files before they are forwarded to the agent service.
func NewSessionHandler(base *Handler, uploadDir string) *SessionHandler {
	return &SessionHandler{Handler: base, uploadDir: uploadDir}
}

// RegisterRoutes registers session routes on an /api subrouter.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations", h.GetOrCreateConversation)
	r.Get("/conversations/{id}/messages", h.ListMessages)
	r.Post("/conversations/{id}/messages", h.CreateMessage)
	r.Post("/conversations/{id}/proposals", h.CreateProposal)
	r.Get("/conversations/{id}/proposals/latest", h.LatestProposal)
	r.Post("/proposal/{id}/approval", h.RecordApproval)
	r.Post("/proposal/{id}/interrupt", h.Interrupt)
	r.Post("/chat", h.Chat)
	r.Post("/upload", h.Upload)
}

// GetOrCreateConversation resolves the unique conversation for the caller and
// a peer, creating it on first contact.
func (h *SessionHandler) GetOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := decode(r, &req); err != nil || req.PeerID == "" {
		Error(w, http.StatusBadRequest, "peer_id is required")
		return
	}
	if req.PeerID == userID {
		Error(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}
	peer, err := h.repo.GetUser(r.Context(), req.PeerID)
	if err != nil {
		slog.Error("Failed to look up peer", "error", err, "peer_id", req.PeerID)
		Error(w, http.StatusInternalServerError, "failed to look up peer")
		return
	}
	if peer == nil {
		Error(w, http.StatusNotFound, "peer not found")
		return
	}

	conv, err := h.repo.GetOrCreateConversation(r.Context(), userID, req.PeerID)
	if err != nil {
		slog.Error("Failed to get or create conversation", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to resolve conversation")
		return
	}
	JSON(w, http.StatusOK, conv)
}

// ListMessages returns a conversation's messages in creation order.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	messages, err := h.repo.ListMessages(r.Context(), conv.ID)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	JSON(w, http.StatusOK, messages)
}

// CreateMessage appends a chat message and fans it out to the session channel.
func (h *SessionHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conv, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       userID,
		Content:        strings.TrimSpace(req.Content),
		CreatedAt:      time.Now(),
	}
	if err := h.repo.CreateMessage(r.Context(), msg); err != nil {
		slog.Error("Failed to create message", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	h.hub.PublishMessage(realtime.SessionChannel(conv.ID),
		realtime.MessageEvent{Type: realtime.ChangeInsert, New: msg})
	JSON(w, http.StatusCreated, msg)
}

// CreateProposal submits a new task proposal. A new row is allowed only when
// the conversation has no unfinished proposal.
func (h *SessionHandler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	var req struct {
		Content      string `json:"content"`
		Mock         bool   `json:"mock"`
		MockResponse string `json:"mockResponse"`
	}
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}
	content := strings.TrimSpace(req.Content)

	latest, err := h.repo.GetLatestProposal(r.Context(), conv.ID)
	if err != nil {
		slog.Error("Failed to load latest proposal", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to load latest proposal")
		return
	}
	if latest != nil && !latest.Status.AllowsNewProposal() {
		Error(w, http.StatusConflict, "an active proposal already exists")
		return
	}

	now := time.Now()
	proposal := &domain.Proposal{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Title:          domain.ProposalTitle(content),
		Content:        content,
		Status:         domain.StatusPending,
		Approvals:      domain.Approvals{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Mock {
		proposal.Metadata = &domain.Metadata{IsMock: true, MockResponse: req.MockResponse}
	}

	if err := h.repo.CreateProposal(r.Context(), proposal); err != nil {
		slog.Error("Failed to create proposal", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to create proposal")
		return
	}

	h.publishProposal(conv.ID, realtime.ProposalEvent{Type: realtime.ChangeInsert, New: proposal.Clone()})
	JSON(w, http.StatusCreated, proposal)
}

// LatestProposal returns the newest proposal for a conversation.
func (h *SessionHandler) LatestProposal(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	latest, err := h.repo.GetLatestProposal(r.Context(), conv.ID)
	if err != nil {
		slog.Error("Failed to load latest proposal", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to load latest proposal")
		return
	}
	if latest == nil {
		Error(w, http.StatusNotFound, "no proposals yet")
		return
	}
	JSON(w, http.StatusOK, latest)
}

// RecordApproval merges the caller's decision and applies the unanimity rule.
func (h *SessionHandler) RecordApproval(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	proposalID := chi.URLParam(r, "id")

	var req struct {
		Approved bool `json:"approved"`
	}
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision := domain.DecisionRejected
	if req.Approved {
		decision = domain.DecisionApproved
	}

	proposal, err := h.repo.GetProposal(r.Context(), proposalID)
	if err != nil {
		slog.Error("Failed to load proposal", "error", err, "proposal_id", proposalID)
		Error(w, http.StatusInternalServerError, "failed to load proposal")
		return
	}
	if proposal == nil {
		Error(w, http.StatusNotFound, "proposal not found")
		return
	}
	conv, err := h.repo.GetConversation(r.Context(), proposal.ConversationID)
	if err != nil || conv == nil || !conv.HasParticipant(userID) {
		Error(w, http.StatusForbidden, "not a participant")
		return
	}
	if proposal.Status != domain.StatusPending {
		Error(w, http.StatusConflict, "proposal is no longer pending")
		return
	}

	before := proposal.Clone()
	merged := proposal.Approvals.Clone()
	merged[userID] = decision
	if err := h.repo.UpdateProposalApprovals(r.Context(), proposalID, merged); err != nil {
		slog.Error("Failed to persist approvals", "error", err, "proposal_id", proposalID)
		Error(w, http.StatusInternalServerError, "failed to persist approval")
		return
	}

	after := before.Clone()
	after.Approvals = merged
	h.publishProposal(conv.ID, realtime.ProposalEvent{Type: realtime.ChangeUpdate, Old: before, New: after})

	if unanimous, ok := merged.Unanimous(participantCount); ok {
		next := domain.StatusApproved
		if unanimous == domain.DecisionRejected {
			next = domain.StatusRejected
		}
		err := shared.RetrySQLiteWrite(r.Context(), "update proposal status", func() error {
			return h.repo.UpdateProposalStatus(r.Context(), proposalID, next)
		})
		if err != nil {
			slog.Error("Failed to update proposal status", "error", err, "proposal_id", proposalID)
			Error(w, http.StatusInternalServerError, "failed to update proposal status")
			return
		}
		committed := after.Clone()
		committed.Status = next
		h.publishProposal(conv.ID, realtime.ProposalEvent{Type: realtime.ChangeUpdate, Old: after, New: committed})
		JSON(w, http.StatusOK, committed)
		return
	}

	JSON(w, http.StatusOK, after)
}

// Interrupt marks an in-progress proposal interrupted. The worker discards
// the agent result when it sees this status.
func (h *SessionHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	proposalID := chi.URLParam(r, "id")

	proposal, err := h.repo.GetProposal(r.Context(), proposalID)
	if err != nil {
		slog.Error("Failed to load proposal", "error", err, "proposal_id", proposalID)
		Error(w, http.StatusInternalServerError, "failed to load proposal")
		return
	}
	if proposal == nil {
		Error(w, http.StatusNotFound, "proposal not found")
		return
	}
	conv, err := h.repo.GetConversation(r.Context(), proposal.ConversationID)
	if err != nil || conv == nil || !conv.HasParticipant(userID) {
		Error(w, http.StatusForbidden, "not a participant")
		return
	}
	if proposal.Status != domain.StatusApproved {
		Error(w, http.StatusConflict, "proposal is not being processed")
		return
	}

	if err := h.repo.UpdateProposalStatus(r.Context(), proposalID, domain.StatusInterrupted); err != nil {
		slog.Error("Failed to interrupt proposal", "error", err, "proposal_id", proposalID)
		Error(w, http.StatusInternalServerError, "failed to interrupt proposal")
		return
	}

	next := proposal.Clone()
	next.Status = domain.StatusInterrupted
	next.UpdatedAt = time.Now()
	h.publishProposal(conv.ID, realtime.ProposalEvent{Type: realtime.ChangeUpdate, Old: proposal.Clone(), New: next})
	JSON(w, http.StatusOK, map[string]string{"message": "Interruption signal sent."})
}

// Chat proxies a one-off chat exchange to the agent service.
func (h *SessionHandler) Chat(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		Error(w, http.StatusServiceUnavailable, "agent service not configured")
		return
	}
	var req struct {
		Message string                 `json:"message"`
		History []gateway.HistoryEntry `json:"history"`
	}
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "No message provided")
		return
	}

	resp, err := h.gw.Chat(r.Context(), req.Message, req.History)
	if err != nil {
		slog.Error("Agent chat failed", "error", err)
		Error(w, http.StatusBadGateway, "agent service unavailable")
		return
	}
	JSON(w, http.StatusOK, resp)
}

// Upload stores a knowledge-base file locally and forwards it to the agent
// service for ingestion.
func (h *SessionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		Error(w, http.StatusServiceUnavailable, "agent service not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() {
		_ = file.Close()
	}()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		Error(w, http.StatusBadRequest, "invalid filename")
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		slog.Error("Failed to create upload directory", "error", err, "dir", h.uploadDir)
		Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	dst, err := os.Create(filepath.Join(h.uploadDir, name))
	if err != nil {
		slog.Error("Failed to create upload file", "error", err, "name", name)
		Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		slog.Error("Failed to write upload file", "error", err, "name", name)
		Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	if err := dst.Close(); err != nil {
		slog.Error("Failed to finalize upload file", "error", err, "name", name)
		Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	stored, err := os.Open(filepath.Join(h.uploadDir, name))
	if err != nil {
		slog.Error("Failed to reopen upload file", "error", err, "name", name)
		Error(w, http.StatusInternalServerError, "failed to forward file")
		return
	}
	defer func() {
		_ = stored.Close()
	}()

	resp, err := h.gw.Upload(r.Context(), name, stored)
	if err != nil {
		slog.Error("Agent ingestion failed", "error", err, "name", name)
		Error(w, http.StatusBadGateway, "agent service unavailable")
		return
	}
	JSON(w, http.StatusOK, resp)
}

// requireParticipant loads the conversation from the URL and checks the caller
// is a member. Writes the error response itself when the check fails.
func (h *SessionHandler) requireParticipant(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	userID := identity.UserIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")

	conv, err := h.repo.GetConversation(r.Context(), conversationID)
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "conversation_id", conversationID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if !conv.HasParticipant(userID) {
		Error(w, http.StatusForbidden, "not a participant")
		return nil, false
	}
	return conv, true
}

func (h *SessionHandler) publishProposal(conversationID string, ev realtime.ProposalEvent) {
	h.hub.PublishProposal(realtime.SessionChannel(conversationID), ev)
	h.hub.PublishProposal(realtime.ProposalsFeed, ev)
}
