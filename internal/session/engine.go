// Package session implements the collaborative proposal lifecycle: the
// dual-approval state machine, the derived agent transcript, and the
// optimistic-update reconciliation against the realtime change feed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/collabsync/internal/cache"
	"github.com/ashureev/collabsync/internal/domain"
	"github.com/ashureev/collabsync/internal/realtime"
	"github.com/ashureev/collabsync/internal/store"
	"github.com/google/uuid"
)

// Sentinel errors reported to callers before any network effect.
var (
	ErrEmptyPrompt        = errors.New("prompt must not be empty")
	ErrEmptyMessage       = errors.New("message must not be empty")
	ErrSubmissionInFlight = errors.New("a submission is already in flight")
	ErrCooldownActive     = errors.New("submission cooldown has not elapsed")
	ErrNoActiveProposal   = errors.New("no active proposal")
	ErrNotInterruptible   = errors.New("proposal is not being processed")
)

// Interrupter sends the out-of-band stop signal for an approved proposal.
type Interrupter interface {
	Interrupt(ctx context.Context, proposalID string) error
}

// MockSubmission tags a demo prompt with its canned agent response.
type MockSubmission struct {
	Response string
}

// Options tunes an Engine. Zero values fall back to production defaults.
type Options struct {
	Cooldown      time.Duration
	UnlockTimeout time.Duration
	MockDelay     time.Duration
	Cache         cache.Cache
	Interrupter   Interrupter
	// OnChange is invoked (outside the engine lock) after every local
	// state change so the transport can push a fresh snapshot.
	OnChange func()
}

const (
	defaultCooldown      = 5 * time.Second
	defaultUnlockTimeout = 15 * time.Second
	defaultMockDelay     = 1500 * time.Millisecond
	snapshotTTL          = 30 * time.Minute
	participantCount     = 2
)

// Engine owns one participant's view of a collaborative session: the active
// proposal, the derived transcript, and the team-chat mirror. All remote
// effects go through the store and hub; all inbound effects arrive as change
// events reduced by the Apply* methods.
type Engine struct {
	repo store.Repository
	hub  *realtime.Hub

	conversation *domain.Conversation
	self         *domain.User

	cooldown      time.Duration
	unlockTimeout time.Duration
	mockDelay     time.Duration
	interrupter   Interrupter
	snapshots     cache.Cache
	onChange      func()
	now           func() time.Time

	mu            sync.Mutex
	origin        string
	proposal      *domain.Proposal
	transcript    []domain.Entry
	messages      []*domain.Message
	inFlight      bool
	cooldownUntil time.Time
	unlockTimer   *time.Timer
	typing        *realtime.TypingTracker
}

// New creates an engine bound to one conversation and one participant.
func New(repo store.Repository, hub *realtime.Hub, conv *domain.Conversation, self *domain.User, opts Options) *Engine {
	e := &Engine{
		repo:          repo,
		hub:           hub,
		conversation:  conv,
		self:          self,
		cooldown:      opts.Cooldown,
		unlockTimeout: opts.UnlockTimeout,
		mockDelay:     opts.MockDelay,
		interrupter:   opts.Interrupter,
		snapshots:     opts.Cache,
		onChange:      opts.OnChange,
		now:           time.Now,
	}
	if e.cooldown <= 0 {
		e.cooldown = defaultCooldown
	}
	if e.unlockTimeout <= 0 {
		e.unlockTimeout = defaultUnlockTimeout
	}
	if e.mockDelay <= 0 {
		e.mockDelay = defaultMockDelay
	}
	e.typing = realtime.NewTypingTracker(realtime.TypingExpiry, func(string) { e.notifyChange() })
	return e
}

// Load restores state from a cached snapshot when one exists, otherwise
// fetches the message history and latest proposal from the store.
func (e *Engine) Load(ctx context.Context) error {
	if e.restoreSnapshot() {
		return nil
	}

	messages, err := e.repo.ListMessages(ctx, e.conversation.ID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	latest, err := e.repo.GetLatestProposal(ctx, e.conversation.ID)
	if err != nil {
		return fmt.Errorf("load latest proposal: %w", err)
	}

	e.mu.Lock()
	e.messages = messages
	e.proposal = latest
	e.mu.Unlock()
	return nil
}

// Start subscribes the engine to its conversation's change feed. origin
// identifies this connection for typing self-suppression. The caller owns the
// returned subscription and must Close it when the session ends.
func (e *Engine) Start(origin string) *realtime.Subscription {
	e.mu.Lock()
	e.origin = origin
	e.mu.Unlock()

	return e.hub.Subscribe(realtime.SessionChannel(e.conversation.ID), origin, realtime.Handlers{
		OnProposal: e.ApplyProposalEvent,
		OnMessage:  e.ApplyMessageEvent,
		OnTyping: func(ev realtime.TypingEvent) {
			e.typing.Observe(ev.UserID, ev.IsTyping)
			e.notifyChange()
		},
	})
}

// Stop cancels presence timers. The subscription returned by Start is closed
// separately by its owner.
func (e *Engine) Stop() {
	e.typing.Stop()
	e.mu.Lock()
	if e.unlockTimer != nil {
		e.unlockTimer.Stop()
		e.unlockTimer = nil
	}
	e.mu.Unlock()
}

// SubmitPrompt validates and submits a prompt. A new proposal row is created
// only when there is no active proposal or the latest one finished processing;
// otherwise the prompt is a follow-up appended to the transcript alone.
func (e *Engine) SubmitPrompt(ctx context.Context, text string, mock *MockSubmission) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyPrompt
	}

	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return ErrSubmissionInFlight
	}
	if e.now().Before(e.cooldownUntil) {
		e.mu.Unlock()
		return ErrCooldownActive
	}

	userEntry := domain.Entry{
		ID:         "user-prompt-" + uuid.NewString(),
		Type:       domain.EntryUser,
		Content:    text,
		SenderName: e.self.DisplayName,
	}
	e.transcript = append(e.transcript, userEntry)

	createNew := e.proposal == nil || e.proposal.Status.AllowsNewProposal()

	// Locked until the proposal INSERT comes back through the feed; the
	// timer is the safety net for a dropped event.
	e.inFlight = true
	e.armUnlockTimer()

	if !createNew {
		e.mu.Unlock()
		e.notifyChange()
		return nil
	}

	now := e.now()
	proposal := &domain.Proposal{
		ID:             uuid.NewString(),
		ConversationID: e.conversation.ID,
		Title:          domain.ProposalTitle(text),
		Content:        text,
		Status:         domain.StatusPending,
		Approvals:      domain.Approvals{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if mock != nil {
		proposal.Metadata = &domain.Metadata{IsMock: true, MockResponse: mock.Response}
	}
	e.mu.Unlock()

	if err := e.repo.CreateProposal(ctx, proposal); err != nil {
		e.mu.Lock()
		e.removeEntryLocked(userEntry.ID)
		e.inFlight = false
		if e.unlockTimer != nil {
			e.unlockTimer.Stop()
			e.unlockTimer = nil
		}
		e.mu.Unlock()
		e.notifyChange()
		return fmt.Errorf("submit proposal: %w", err)
	}

	e.publishProposal(realtime.ProposalEvent{Type: realtime.ChangeInsert, New: proposal.Clone()})
	e.notifyChange()
	return nil
}

// RecordApproval merges this participant's decision, persists the merged map,
// and evaluates the unanimity rule. Re-sending an unchanged decision is a
// status no-op.
func (e *Engine) RecordApproval(ctx context.Context, decision domain.Decision) error {
	e.mu.Lock()
	if e.proposal == nil {
		e.mu.Unlock()
		return ErrNoActiveProposal
	}
	proposalID := e.proposal.ID
	before := e.proposal.Clone()
	merged := e.proposal.Approvals.Clone()
	merged[e.self.ID] = decision
	e.proposal.Approvals = merged
	e.mu.Unlock()
	e.notifyChange()

	if err := e.repo.UpdateProposalApprovals(ctx, proposalID, merged); err != nil {
		e.mu.Lock()
		if e.proposal != nil && e.proposal.ID == proposalID {
			e.proposal.Approvals = before.Approvals
		}
		e.mu.Unlock()
		e.notifyChange()
		return fmt.Errorf("sync approval: %w", err)
	}

	after := before.Clone()
	after.Approvals = merged
	e.publishProposal(realtime.ProposalEvent{Type: realtime.ChangeUpdate, Old: before, New: after})

	unanimous, ok := merged.Unanimous(participantCount)
	if !ok {
		if _, rejected := merged.Counts(); rejected > 0 {
			e.mu.Lock()
			e.upsertEntryLocked(domain.Entry{
				ID:      domain.RejectionNoticeEntryID(proposalID),
				Type:    domain.EntrySystem,
				Content: domain.PartialRejectionContent,
			})
			e.mu.Unlock()
			e.notifyChange()
		}
		return nil
	}

	next := domain.StatusApproved
	if unanimous == domain.DecisionRejected {
		next = domain.StatusRejected
	}
	// Only the final decision pushes the transition; earlier identical
	// decisions left status untouched, so retries are idempotent.
	if before.Status == next {
		return nil
	}
	if err := e.repo.UpdateProposalStatus(ctx, proposalID, next); err != nil {
		// Approvals stayed merged; status is unchanged. The caller may
		// retry the same decision.
		return fmt.Errorf("update proposal status: %w", err)
	}

	committed := after.Clone()
	committed.Status = next
	e.publishProposal(realtime.ProposalEvent{Type: realtime.ChangeUpdate, Old: after, New: committed})
	return nil
}

// Interrupt requests an out-of-band stop for the approved proposal. The
// authoritative transition to interrupted arrives via the change feed.
func (e *Engine) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	if e.proposal == nil || e.proposal.Status != domain.StatusApproved {
		e.mu.Unlock()
		return ErrNotInterruptible
	}
	proposalID := e.proposal.ID
	e.mu.Unlock()

	if e.interrupter == nil {
		return fmt.Errorf("interrupt proposal: no interrupter configured")
	}
	if err := e.interrupter.Interrupt(ctx, proposalID); err != nil {
		return fmt.Errorf("interrupt proposal: %w", err)
	}
	return nil
}

// SendMessage appends a team-chat message optimistically, persists it, and
// reconciles the placeholder with the stored row.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	temp := &domain.Message{
		ID:             domain.TempMessageID(uuid.NewString()),
		ConversationID: e.conversation.ID,
		SenderID:       e.self.ID,
		Content:        content,
		CreatedAt:      e.now(),
	}
	e.mu.Lock()
	e.messages = append(e.messages, temp)
	e.mu.Unlock()
	e.notifyChange()

	stored := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: temp.ConversationID,
		SenderID:       temp.SenderID,
		Content:        temp.Content,
		CreatedAt:      temp.CreatedAt,
	}
	if err := e.repo.CreateMessage(ctx, stored); err != nil {
		e.mu.Lock()
		e.removeMessageLocked(temp.ID)
		e.mu.Unlock()
		e.notifyChange()
		return fmt.Errorf("send message: %w", err)
	}

	e.mu.Lock()
	e.replaceMessageLocked(temp.ID, stored)
	e.mu.Unlock()

	e.hub.PublishMessage(realtime.SessionChannel(e.conversation.ID),
		realtime.MessageEvent{Type: realtime.ChangeInsert, New: stored})
	e.notifyChange()
	return nil
}

// SendTyping broadcasts this participant's typing state to the peer.
func (e *Engine) SendTyping(isTyping bool) {
	e.mu.Lock()
	origin := e.origin
	e.mu.Unlock()
	e.hub.PublishTyping(realtime.SessionChannel(e.conversation.ID), origin,
		realtime.TypingEvent{UserID: e.self.ID, IsTyping: isTyping})
}

// PeerTyping reports whether the peer has a live typing signal.
func (e *Engine) PeerTyping() bool {
	return e.typing.IsTyping(e.conversation.PeerOf(e.self.ID))
}

// ClearTranscript drops the local agent transcript. No remote effect.
func (e *Engine) ClearTranscript() {
	e.mu.Lock()
	e.transcript = nil
	e.mu.Unlock()
	e.notifyChange()
}

// Reset drops the local transcript and active proposal reference. No remote
// effect; superseded proposals simply stop being the latest.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.transcript = nil
	e.proposal = nil
	e.inFlight = false
	if e.unlockTimer != nil {
		e.unlockTimer.Stop()
		e.unlockTimer = nil
	}
	e.mu.Unlock()
	e.notifyChange()
}

// ApplyProposalEvent reduces a proposal change notification into transcript
// and state updates. Safe to replay: entries are keyed by correlation ID.
func (e *Engine) ApplyProposalEvent(ev realtime.ProposalEvent) {
	if ev.New == nil {
		return
	}

	e.mu.Lock()
	switch ev.Type {
	case realtime.ChangeInsert:
		e.proposal = ev.New.Clone()
		e.inFlight = false
		if e.unlockTimer != nil {
			e.unlockTimer.Stop()
			e.unlockTimer = nil
		}
		e.cooldownUntil = e.now().Add(e.cooldown)

	case realtime.ChangeUpdate:
		if e.proposal == nil || e.proposal.ID != ev.New.ID {
			e.mu.Unlock()
			return
		}
		oldStatus := e.proposal.Status
		if ev.Old != nil {
			oldStatus = ev.Old.Status
		}
		next := ev.New.Clone()
		// The authoritative event wins, but approvals merge key-wise so
		// a stale snapshot cannot clobber a decision it never saw.
		for id, d := range e.proposal.Approvals {
			if _, ok := next.Approvals[id]; !ok {
				next.Approvals[id] = d
			}
		}
		e.proposal = next
		e.reduceTransitionLocked(oldStatus, next)

	case realtime.ChangeDelete:
		// Proposals are never deleted by this engine; mirror nothing.
	}
	e.mu.Unlock()
	e.notifyChange()
}

// reduceTransitionLocked applies the transcript derivation rules for a status
// transition. Caller holds e.mu.
func (e *Engine) reduceTransitionLocked(old domain.Status, p *domain.Proposal) {
	newStatus := p.Status

	if newStatus == domain.StatusPending && old == domain.StatusPending {
		// Approvals-only update; the partial-rejection notice derives
		// from the same event on every participant's engine.
		if _, rejected := p.Approvals.Counts(); rejected > 0 {
			if _, ok := p.Approvals.Unanimous(participantCount); !ok {
				e.upsertEntryLocked(domain.Entry{
					ID:      domain.RejectionNoticeEntryID(p.ID),
					Type:    domain.EntrySystem,
					Content: domain.PartialRejectionContent,
				})
			}
		}
		return
	}
	if newStatus == old {
		return
	}

	switch newStatus {
	case domain.StatusApproved:
		e.dropSystemEntriesLocked()
		e.upsertEntryLocked(domain.Entry{
			ID:      domain.ProcessingEntryID(p.ID),
			Type:    domain.EntrySystem,
			Content: domain.ProcessingContent(p.Title),
		})
		if p.IsMock() {
			// Demo proposals resolve locally after a fixed delay; the
			// external agent is never involved.
			response := p.Metadata.MockResponse
			proposalID := p.ID
			time.AfterFunc(e.mockDelay, func() {
				e.mu.Lock()
				e.dropProcessingEntriesLocked()
				e.upsertEntryLocked(domain.Entry{
					ID:      domain.AnalysisEntryID(proposalID),
					Type:    domain.EntryAgent,
					Content: response,
				})
				e.mu.Unlock()
				e.notifyChange()
			})
		}

	case domain.StatusProcessed:
		analysis := p.AgentAnalysis
		if analysis == "" {
			analysis = domain.NoAnalysisFallback
		}
		e.dropProcessingEntriesLocked()
		e.upsertEntryLocked(domain.Entry{
			ID:      domain.AnalysisEntryID(p.ID),
			Type:    domain.EntryAgent,
			Content: analysis,
		})

	case domain.StatusInterrupted:
		e.dropProcessingEntriesLocked()
		e.upsertEntryLocked(domain.Entry{
			ID:      domain.InterruptedEntryID(p.ID),
			Type:    domain.EntrySystem,
			Content: domain.StoppedByUserContent,
		})

	case domain.StatusRejectedProcessed:
		e.upsertEntryLocked(domain.Entry{
			ID:      domain.RejectionResponseEntryID(p.ID),
			Type:    domain.EntryAgent,
			Content: p.AgentAnalysis,
		})

	case domain.StatusError:
		content := p.AgentAnalysis
		if content == "" {
			content = domain.ProcessingFailedNotice
		}
		e.dropProcessingEntriesLocked()
		e.upsertEntryLocked(domain.Entry{
			ID:      domain.ErrorEntryID(p.ID),
			Type:    domain.EntrySystem,
			Content: content,
		})
	}
}

// ApplyMessageEvent reduces a message change notification into the local
// message list, de-duplicating by identifier.
func (e *Engine) ApplyMessageEvent(ev realtime.MessageEvent) {
	e.mu.Lock()
	switch ev.Type {
	case realtime.ChangeInsert:
		if ev.New == nil {
			e.mu.Unlock()
			return
		}
		for _, m := range e.messages {
			if m.ID == ev.New.ID {
				e.mu.Unlock()
				return
			}
		}
		// The sender's own insert may still be pending as a placeholder
		// if the echo outran the local reconcile.
		if ev.New.SenderID == e.self.ID {
			for i, m := range e.messages {
				if domain.IsTempID(m.ID) && m.Content == ev.New.Content {
					e.messages[i] = ev.New
					e.mu.Unlock()
					e.notifyChange()
					return
				}
			}
		}
		e.messages = append(e.messages, ev.New)

	case realtime.ChangeUpdate:
		if ev.New == nil {
			e.mu.Unlock()
			return
		}
		for i, m := range e.messages {
			if m.ID == ev.New.ID {
				e.messages[i] = ev.New
				break
			}
		}

	case realtime.ChangeDelete:
		if ev.Old == nil {
			e.mu.Unlock()
			return
		}
		e.removeMessageLocked(ev.Old.ID)
	}
	e.mu.Unlock()
	e.notifyChange()
}

// Transcript returns a copy of the derived transcript.
func (e *Engine) Transcript() []domain.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Entry, len(e.transcript))
	copy(out, e.transcript)
	return out
}

// Proposal returns a copy of the active proposal, or nil.
func (e *Engine) Proposal() *domain.Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proposal.Clone()
}

// Messages returns a copy of the mirrored message list.
func (e *Engine) Messages() []*domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// InFlight reports whether a submission is awaiting its creation event.
func (e *Engine) InFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// CooldownRemaining reports how long until the next submission is allowed.
func (e *Engine) CooldownRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := e.cooldownUntil.Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// armUnlockTimer schedules the in-flight safety release. Caller holds e.mu.
func (e *Engine) armUnlockTimer() {
	if e.unlockTimer != nil {
		e.unlockTimer.Stop()
	}
	e.unlockTimer = time.AfterFunc(e.unlockTimeout, func() {
		e.mu.Lock()
		released := e.inFlight
		e.inFlight = false
		e.unlockTimer = nil
		e.mu.Unlock()
		if released {
			slog.Warn("submission unlock timeout fired without a proposal event",
				"conversation_id", e.conversation.ID, "user_id", e.self.ID)
			e.notifyChange()
		}
	})
}

func (e *Engine) publishProposal(ev realtime.ProposalEvent) {
	e.hub.PublishProposal(realtime.SessionChannel(e.conversation.ID), ev)
	e.hub.PublishProposal(realtime.ProposalsFeed, ev)
}

// upsertEntryLocked appends an entry or replaces the one sharing its
// correlation ID, keeping event replay idempotent. Caller holds e.mu.
func (e *Engine) upsertEntryLocked(entry domain.Entry) {
	for i, existing := range e.transcript {
		if existing.ID == entry.ID {
			e.transcript[i] = entry
			return
		}
	}
	e.transcript = append(e.transcript, entry)
}

func (e *Engine) removeEntryLocked(id string) {
	kept := e.transcript[:0]
	for _, entry := range e.transcript {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	e.transcript = kept
}

func (e *Engine) dropSystemEntriesLocked() {
	kept := e.transcript[:0]
	for _, entry := range e.transcript {
		if entry.Type != domain.EntrySystem {
			kept = append(kept, entry)
		}
	}
	e.transcript = kept
}

func (e *Engine) dropProcessingEntriesLocked() {
	kept := e.transcript[:0]
	for _, entry := range e.transcript {
		if !domain.IsProcessingEntryID(entry.ID) {
			kept = append(kept, entry)
		}
	}
	e.transcript = kept
}

func (e *Engine) removeMessageLocked(id string) {
	kept := e.messages[:0]
	for _, m := range e.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	e.messages = kept
}

func (e *Engine) replaceMessageLocked(tempID string, stored *domain.Message) {
	for i, m := range e.messages {
		if m.ID == tempID {
			e.messages[i] = stored
			return
		}
	}
}

func (e *Engine) notifyChange() {
	e.saveSnapshot()
	if e.onChange != nil {
		e.onChange()
	}
}
