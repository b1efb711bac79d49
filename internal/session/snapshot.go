package session

import (
	"encoding/json"
	"log/slog"

	"github.com/ashureev/collabsync/internal/domain"
)

// snapshot is the cached session state restored across reconnects. It is a
// convenience mirror, never the source of truth; the store and change feed
// overwrite it as events arrive.
type snapshot struct {
	Transcript []domain.Entry    `json:"transcript"`
	Proposal   *domain.Proposal  `json:"proposal,omitempty"`
	Messages   []*domain.Message `json:"messages"`
}

func (e *Engine) snapshotKey() string {
	return "collaborativeSession_" + e.conversation.ID + ":" + e.self.ID
}

func (e *Engine) restoreSnapshot() bool {
	if e.snapshots == nil {
		return false
	}
	data, ok := e.snapshots.Get(e.snapshotKey())
	if !ok {
		return false
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("discarding undecodable session snapshot", "key", e.snapshotKey(), "error", err)
		e.snapshots.Delete(e.snapshotKey())
		return false
	}

	e.mu.Lock()
	e.transcript = snap.Transcript
	e.proposal = snap.Proposal
	e.messages = snap.Messages
	e.mu.Unlock()
	return true
}

func (e *Engine) saveSnapshot() {
	if e.snapshots == nil {
		return
	}
	e.mu.Lock()
	snap := snapshot{
		Transcript: append([]domain.Entry(nil), e.transcript...),
		Proposal:   e.proposal.Clone(),
		Messages:   append([]*domain.Message(nil), e.messages...),
	}
	e.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("failed to marshal session snapshot", "key", e.snapshotKey(), "error", err)
		return
	}
	e.snapshots.Set(e.snapshotKey(), data, snapshotTTL)
}
