package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/collabsync/internal/domain"
	"github.com/ashureev/collabsync/internal/identity"
	"github.com/ashureev/collabsync/internal/realtime"
	"github.com/ashureev/collabsync/internal/store"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WebSocketHandler upgrades session connections and drives an Engine per
// connection from the client's JSON frames.
type WebSocketHandler struct {
	repo          store.Repository
	hub           *realtime.Hub
	opts          Options
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a session WebSocket handler. opts is copied into
// every per-connection engine.
func NewWebSocketHandler(repo store.Repository, hub *realtime.Hub, opts Options, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		hub:           hub,
		opts:          opts,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientFrame is an inbound command from the session client.
type clientFrame struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	Approved     bool   `json:"approved,omitempty"`
	IsTyping     bool   `json:"isTyping,omitempty"`
	Mock         bool   `json:"mock,omitempty"`
	MockResponse string `json:"mockResponse,omitempty"`
}

// stateFrame is the full session view pushed after every state change.
type stateFrame struct {
	Type       string            `json:"type"`
	Transcript []domain.Entry    `json:"transcript"`
	Proposal   *domain.Proposal  `json:"proposal,omitempty"`
	Messages   []*domain.Message `json:"messages"`
	PeerTyping bool              `json:"peerTyping"`
	InFlight   bool              `json:"inFlight"`
	CooldownMS int64             `json:"cooldownMs"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ServeHTTP implements http.Handler for the session WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conv, err := h.repo.GetConversation(r.Context(), conversationID)
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "conversation_id", conversationID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if !conv.HasParticipant(userID) {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		slog.Error("Failed to load user", "error", err, "user_id", userID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Coalescing wake-up: many engine changes collapse into one push.
	dirty := make(chan struct{}, 1)
	opts := h.opts
	opts.OnChange = func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}

	engine := New(h.repo, h.hub, conv, user, opts)
	if err := engine.Load(ctx); err != nil {
		slog.Error("Failed to load session state", "error", err, "conversation_id", conversationID)
		h.writeJSON(ws, errorFrame{Type: "error", Error: "failed to load session"})
		return
	}

	origin := uuid.NewString()
	sub := engine.Start(origin)
	defer sub.Close()
	defer engine.Stop()

	slog.Info("Session connected", "user_id", userID, "conversation_id", conversationID)

	go h.pushLoop(ctx, ws, engine, dirty, userID)

	// Initial state, then the read loop owns the connection.
	h.writeJSON(ws, h.snapshotFrame(engine))
	h.readLoop(ctx, ws, engine, userID)
	slog.Info("Session ended", "user_id", userID, "conversation_id", conversationID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, engine *Engine, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.writeJSON(ws, errorFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		if err := h.handleFrame(ctx, engine, frame); err != nil {
			h.writeJSON(ws, errorFrame{Type: "error", Error: err.Error()})
		}
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, engine *Engine, frame clientFrame) error {
	switch frame.Type {
	case "submit_prompt":
		var mock *MockSubmission
		if frame.Mock {
			mock = &MockSubmission{Response: frame.MockResponse}
		}
		return engine.SubmitPrompt(ctx, frame.Content, mock)
	case "approve":
		decision := domain.DecisionRejected
		if frame.Approved {
			decision = domain.DecisionApproved
		}
		return engine.RecordApproval(ctx, decision)
	case "interrupt":
		return engine.Interrupt(ctx)
	case "chat":
		return engine.SendMessage(ctx, frame.Content)
	case "typing":
		engine.SendTyping(frame.IsTyping)
		return nil
	case "clear_chat":
		engine.ClearTranscript()
		return nil
	case "reset_session":
		engine.Reset()
		return nil
	case "ping":
		return nil
	default:
		return errors.New("unknown frame type: " + frame.Type)
	}
}

// pushLoop serializes state pushes so engine callbacks never write to the
// socket concurrently.
func (h *WebSocketHandler) pushLoop(ctx context.Context, ws *websocket.Conn, engine *Engine, dirty <-chan struct{}, userID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dirty:
			if !h.writeJSON(ws, h.snapshotFrame(engine)) {
				slog.Debug("Stopping state pushes after write failure", "user_id", userID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) snapshotFrame(engine *Engine) stateFrame {
	return stateFrame{
		Type:       "state",
		Transcript: engine.Transcript(),
		Proposal:   engine.Proposal(),
		Messages:   engine.Messages(),
		PeerTyping: engine.PeerTyping(),
		InFlight:   engine.InFlight(),
		CooldownMS: engine.CooldownRemaining().Milliseconds(),
	}
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal frame", "error", err)
		return false
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return false
	}
	return true
}
