package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/collabsync/internal/domain"
	"github.com/ashureev/collabsync/internal/realtime"
	"github.com/ashureev/collabsync/internal/store"
)

// StoreInterrupter interrupts proposals by flipping the row status; the agent
// worker sees the status on its post-run check and discards the result.
type StoreInterrupter struct {
	repo store.Repository
	hub  *realtime.Hub
}

// NewStoreInterrupter creates an Interrupter backed by the store and hub.
func NewStoreInterrupter(repo store.Repository, hub *realtime.Hub) *StoreInterrupter {
	return &StoreInterrupter{repo: repo, hub: hub}
}

// Interrupt marks the proposal interrupted and fans the transition out.
func (s *StoreInterrupter) Interrupt(ctx context.Context, proposalID string) error {
	proposal, err := s.repo.GetProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("load proposal: %w", err)
	}
	if proposal == nil {
		return fmt.Errorf("proposal %s not found", proposalID)
	}
	if proposal.Status != domain.StatusApproved {
		return ErrNotInterruptible
	}

	if err := s.repo.UpdateProposalStatus(ctx, proposalID, domain.StatusInterrupted); err != nil {
		return fmt.Errorf("interrupt proposal: %w", err)
	}

	next := proposal.Clone()
	next.Status = domain.StatusInterrupted
	next.UpdatedAt = time.Now()
	ev := realtime.ProposalEvent{Type: realtime.ChangeUpdate, Old: proposal.Clone(), New: next}
	s.hub.PublishProposal(realtime.SessionChannel(proposal.ConversationID), ev)
	s.hub.PublishProposal(realtime.ProposalsFeed, ev)
	return nil
}
