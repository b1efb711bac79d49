package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/collabsync/internal/domain"
	"github.com/ashureev/collabsync/internal/gateway"
	"github.com/ashureev/collabsync/internal/realtime"
	"github.com/ashureev/collabsync/internal/shared"
	"github.com/ashureev/collabsync/internal/store"
)

const noAnswerFallback = "Agent finished but no answer was provided."

const rejectionPromptFormat = "The following task was rejected by the team. " +
	"Please analyze why it might have been rejected and suggest an alternative " +
	"approach or explanation.\n\nRejected Task: \"%s\""

// Worker consumes the global proposal change feed and runs the agent for
// proposals that reach approved or rejected. Each proposal is processed once;
// replayed events are ignored while a run is active.
type Worker struct {
	repo      store.Repository
	hub       *realtime.Hub
	processor Processor

	mu       sync.Mutex
	inflight map[string]bool

	wg sync.WaitGroup
}

// NewWorker creates a worker. Call Start to begin consuming events.
func NewWorker(repo store.Repository, hub *realtime.Hub, processor Processor) *Worker {
	return &Worker{
		repo:      repo,
		hub:       hub,
		processor: processor,
		inflight:  make(map[string]bool),
	}
}

// Start subscribes the worker to the proposal feed. The subscription closes
// when ctx is cancelled; Wait blocks until in-progress runs finish.
func (w *Worker) Start(ctx context.Context) {
	sub := w.hub.Subscribe(realtime.ProposalsFeed, "", realtime.Handlers{
		OnProposal: func(ev realtime.ProposalEvent) {
			w.handle(ctx, ev)
		},
	})
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	slog.Info("Agent worker started")
}

// Wait blocks until all in-progress proposal runs have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) handle(ctx context.Context, ev realtime.ProposalEvent) {
	if ev.Type != realtime.ChangeUpdate || ev.New == nil {
		return
	}
	oldStatus := domain.Status("")
	if ev.Old != nil {
		oldStatus = ev.Old.Status
	}

	switch {
	case ev.New.Status == domain.StatusApproved && oldStatus != domain.StatusApproved:
		if ev.New.IsMock() {
			// Demo proposals resolve inside the session engine.
			return
		}
		w.spawn(ctx, ev.New, w.processProposal)
	case ev.New.Status == domain.StatusRejected && oldStatus != domain.StatusRejected:
		w.spawn(ctx, ev.New, w.processRejection)
	}
}

func (w *Worker) spawn(ctx context.Context, p *domain.Proposal, run func(context.Context, *domain.Proposal)) {
	w.mu.Lock()
	if w.inflight[p.ID] {
		w.mu.Unlock()
		return
	}
	w.inflight[p.ID] = true
	w.mu.Unlock()

	snapshot := p.Clone()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, snapshot.ID)
			w.mu.Unlock()
		}()
		run(ctx, snapshot)
	}()
}

func (w *Worker) processProposal(ctx context.Context, p *domain.Proposal) {
	slog.Info("Processing approved proposal", "proposal_id", p.ID, "conversation_id", p.ConversationID)

	history, err := w.conversationHistory(ctx, p.ConversationID)
	if err != nil {
		slog.Warn("Failed to load conversation history, proceeding without context",
			"error", err, "proposal_id", p.ID)
	}

	analysis, err := w.processor.Process(ctx, p.Content, history)
	if err != nil {
		slog.Error("Agent run failed", "error", err, "proposal_id", p.ID)
		w.commit(ctx, p, fmt.Sprintf("An error occurred: %v", err), domain.StatusError)
		return
	}
	if analysis == "" {
		analysis = noAnswerFallback
	}

	// The user may have interrupted while the agent was running; the result
	// is discarded rather than overwriting the stop.
	current, err := w.repo.GetProposal(ctx, p.ID)
	if err != nil {
		slog.Error("Failed to re-check proposal status", "error", err, "proposal_id", p.ID)
		return
	}
	if current != nil && current.Status == domain.StatusInterrupted {
		slog.Info("Proposal was interrupted, discarding agent result", "proposal_id", p.ID)
		return
	}

	w.commit(ctx, p, analysis, domain.StatusProcessed)
}

func (w *Worker) processRejection(ctx context.Context, p *domain.Proposal) {
	slog.Info("Processing rejected proposal", "proposal_id", p.ID)

	prompt := fmt.Sprintf(rejectionPromptFormat, p.Content)
	analysis, err := w.processor.Process(ctx, prompt, nil)
	if err != nil {
		slog.Error("Rejection analysis failed", "error", err, "proposal_id", p.ID)
		w.commit(ctx, p, fmt.Sprintf("An error occurred during rejection processing: %v", err), domain.StatusError)
		return
	}
	if analysis == "" {
		analysis = noAnswerFallback
	}

	w.commit(ctx, p, analysis, domain.StatusRejectedProcessed)
}

func (w *Worker) conversationHistory(ctx context.Context, conversationID string) ([]gateway.HistoryEntry, error) {
	if conversationID == "" {
		return nil, nil
	}
	messages, err := w.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]gateway.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		history = append(history, gateway.HistoryEntry{Role: "user", Content: m.Content})
	}
	return history, nil
}

// commit writes the result and fans the transition out to the proposal's
// session channel and the global feed.
func (w *Worker) commit(ctx context.Context, p *domain.Proposal, analysis string, status domain.Status) {
	err := shared.RetrySQLiteWrite(ctx, "set proposal result", func() error {
		return w.repo.SetProposalResult(ctx, p.ID, analysis, status)
	})
	if err != nil {
		slog.Error("Failed to commit proposal result", "error", err, "proposal_id", p.ID, "status", status)
		return
	}

	next := p.Clone()
	next.AgentAnalysis = analysis
	next.Status = status
	next.UpdatedAt = time.Now()

	ev := realtime.ProposalEvent{Type: realtime.ChangeUpdate, Old: p.Clone(), New: next}
	w.hub.PublishProposal(realtime.SessionChannel(p.ConversationID), ev)
	w.hub.PublishProposal(realtime.ProposalsFeed, ev)
	slog.Info("Proposal result committed", "proposal_id", p.ID, "status", status)
}
